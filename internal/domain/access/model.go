package access

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Permission is a capability an owner can grant over their records.
type Permission string

const (
	PermRead              Permission = "READ"
	PermWrite             Permission = "WRITE"
	PermPrescribe         Permission = "PRESCRIBE"
	PermViewPrescriptions Permission = "VIEW_PRESCRIPTIONS"
	PermViewEncounters    Permission = "VIEW_ENCOUNTERS"
	PermViewObservations  Permission = "VIEW_OBSERVATIONS"
)

var knownPermissions = map[Permission]bool{
	PermRead:              true,
	PermWrite:             true,
	PermPrescribe:         true,
	PermViewPrescriptions: true,
	PermViewEncounters:    true,
	PermViewObservations:  true,
}

// ParsePermission validates a permission name.
func ParsePermission(s string) (Permission, error) {
	p := Permission(strings.ToUpper(strings.TrimSpace(s)))
	if !knownPermissions[p] {
		return "", fmt.Errorf("unknown permission %q", s)
	}
	return p, nil
}

// Grant is the single authorization record for an (owner, grantee) pair.
// Active is cleared by revocation; an expired grant is inactive regardless
// of Active.
type Grant struct {
	ID          uuid.UUID    `json:"id"`
	OwnerDID    string       `json:"owner_did"`
	GranteeDID  string       `json:"grantee_did"`
	Permissions []Permission `json:"permissions"`
	Active      bool         `json:"active"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Has reports whether p is in the grant's permission set.
func (g *Grant) Has(p Permission) bool {
	for _, have := range g.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// EffectiveAt reports whether the grant authorizes anything at now.
func (g *Grant) EffectiveAt(now time.Time) bool {
	if !g.Active {
		return false
	}
	return g.ExpiresAt == nil || now.Before(*g.ExpiresAt)
}

// normalizePermissions dedupes and sorts a validated permission set.
func normalizePermissions(perms []Permission) ([]Permission, error) {
	if len(perms) == 0 {
		return nil, fmt.Errorf("at least one permission is required")
	}
	seen := make(map[Permission]bool, len(perms))
	out := make([]Permission, 0, len(perms))
	for _, p := range perms {
		if !knownPermissions[p] {
			return nil, fmt.Errorf("unknown permission %q", p)
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func joinPermissions(perms []Permission) string {
	s := make([]string, len(perms))
	for i, p := range perms {
		s[i] = string(p)
	}
	return strings.Join(s, ",")
}
