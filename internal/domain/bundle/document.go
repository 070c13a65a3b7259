package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ehr/recordvault/internal/domain/record"
	"github.com/ehr/recordvault/internal/platform/hipaa"
	"github.com/ehr/recordvault/pkg/apperr"
)

// encounterResource synthesizes the FHIR Encounter that heads the document.
// Reason is already in its at-rest encrypted form.
func encounterResource(e *record.Encounter, end time.Time) map[string]interface{} {
	res := map[string]interface{}{
		"resourceType": record.TypeEncounter,
		"id":           e.ID.String(),
		"status":       "finished",
		"subject":      map[string]interface{}{"reference": e.OwnerDID},
		"participant": []interface{}{
			map[string]interface{}{"individual": map[string]interface{}{"reference": e.PractitionerDID}},
		},
		"period": map[string]interface{}{
			"start": e.StartedAt.UTC().Format(time.RFC3339),
			"end":   end.UTC().Format(time.RFC3339),
		},
	}
	if e.Reason != "" {
		res["reasonCode"] = []interface{}{map[string]interface{}{"text": e.Reason}}
	}
	return res
}

// assemble builds the FHIR document Bundle: the encounter first, then the
// collected resources in order. PHI fields are brought onto the codec's
// current key.
func assemble(codec *hipaa.Codec, e *record.Encounter, resources []*record.Resource, now time.Time) (map[string]interface{}, error) {
	head := encounterResource(e, now)
	if err := codec.RotateResource(record.TypeEncounter, head); err != nil {
		return nil, fmt.Errorf("encounter %s: %w", e.ID, err)
	}
	entries := []interface{}{
		map[string]interface{}{"fullUrl": "urn:uuid:" + e.ID.String(), "resource": head},
	}

	for _, r := range resources {
		var body map[string]interface{}
		if err := json.Unmarshal(r.Body, &body); err != nil {
			return nil, apperr.Wrap(apperr.KindIntegrity, "bundle.assemble", fmt.Errorf("resource %s: %w", r.ID, err))
		}
		if err := codec.RotateResource(r.ResourceType, body); err != nil {
			return nil, fmt.Errorf("resource %s/%s: %w", r.ResourceType, r.ResourceID, err)
		}
		entries = append(entries, map[string]interface{}{
			"fullUrl":  "urn:uuid:" + r.ID.String(),
			"resource": body,
		})
	}

	return map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "document",
		"identifier": map[string]interface{}{
			"system": "urn:recordvault:encounter",
			"value":  e.ID.String(),
		},
		"timestamp": now.UTC().Format(time.RFC3339),
		"entry":     entries,
	}, nil
}

// canonicalize serializes a decoded document deterministically. Maps are
// written with sorted keys.
func canonicalize(doc map[string]interface{}) ([]byte, error) {
	return json.Marshal(doc)
}

func documentHash(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// fingerprint identifies the exact resource set an artifact was built from
// and the actor who signed it.
func fingerprint(e *record.Encounter, actorDID string, resources []*record.Resource) string {
	h := sha256.New()
	h.Write([]byte(e.ID.String()))
	h.Write([]byte(actorDID))
	for _, r := range resources {
		h.Write([]byte(r.ID.String()))
		h.Write([]byte(strconv.FormatInt(r.UpdatedAt.UnixNano(), 10)))
		h.Write(r.Body)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// decryptDocument decrypts the PHI fields of every entry in place.
func decryptDocument(codec *hipaa.Codec, doc map[string]interface{}) error {
	entries, _ := doc["entry"].([]interface{})
	for i, raw := range entries {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			return apperr.Newf(apperr.KindIntegrity, "bundle.decrypt", "entry %d is malformed", i)
		}
		res, ok := entry["resource"].(map[string]interface{})
		if !ok {
			return apperr.Newf(apperr.KindIntegrity, "bundle.decrypt", "entry %d has no resource", i)
		}
		rt, _ := res["resourceType"].(string)
		if err := codec.DecryptResource(rt, res); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
	}
	return nil
}
