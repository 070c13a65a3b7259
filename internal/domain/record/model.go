package record

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the encounter lifecycle state. Active is the only state in which
// resources may change; Finalized is terminal.
type Status string

const (
	StatusActive    Status = "active"
	StatusFinalized Status = "finalized"
)

// Clinical resource types accepted into an encounter.
const (
	TypePatient           = "Patient"
	TypePractitioner      = "Practitioner"
	TypeMedicationRequest = "MedicationRequest"
	TypeObservation       = "Observation"
	TypeCondition         = "Condition"
	TypeEncounter         = "Encounter"
)

// attachableTypes are the types that can be added to an encounter. The
// Encounter resource itself is derived from the encounter record.
var attachableTypes = map[string]bool{
	TypePatient:           true,
	TypePractitioner:      true,
	TypeMedicationRequest: true,
	TypeObservation:       true,
	TypeCondition:         true,
}

// Owner is a subject DID known to the system. Only the blind index of the
// email is stored.
type Owner struct {
	DID        string    `json:"did"`
	EmailIndex string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

type Encounter struct {
	ID              uuid.UUID  `json:"id"`
	OwnerDID        string     `json:"owner_did"`
	PractitionerDID string     `json:"practitioner_did"`
	Status          Status     `json:"status"`
	Reason          string     `json:"reason,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	FinalizedAt     *time.Time `json:"finalized_at,omitempty"`
	BundleVersion   int        `json:"bundle_version,omitempty"`
}

// Resource is a clinical resource attached to an encounter. Body is the FHIR
// JSON with PHI fields encrypted; Seq orders resources by creation.
type Resource struct {
	ID           uuid.UUID       `json:"id"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	OwnerDID     string          `json:"owner_did"`
	EncounterID  uuid.UUID       `json:"encounter_id"`
	Body         json.RawMessage `json:"body"`
	Seq          int64           `json:"seq"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func copyResource(r *Resource) *Resource {
	c := *r
	c.Body = append(json.RawMessage(nil), r.Body...)
	return &c
}

func copyEncounter(e *Encounter) *Encounter {
	c := *e
	if e.FinalizedAt != nil {
		t := *e.FinalizedAt
		c.FinalizedAt = &t
	}
	return &c
}
