package hipaa

import (
	"strings"
)

// PHIFieldConfig maps a FHIR resource type to the field paths that contain
// Protected Health Information (PHI).
type PHIFieldConfig struct {
	// ResourceType is the FHIR resource name (e.g. "Patient").
	ResourceType string
	// Fields lists the field paths within the resource that contain PHI.
	// Paths use dot notation matching the FHIR JSON element names; arrays
	// along the path are traversed element by element.
	Fields []string
}

// DefaultPHIFields returns the PHI field configuration for the clinical
// resource types stored in encounters. Only string leaves are encrypted, so
// coded values and quantities stay queryable inside the bundle.
func DefaultPHIFields() []PHIFieldConfig {
	return []PHIFieldConfig{
		{
			ResourceType: "Patient",
			Fields: []string{
				"name.family",
				"name.given",
				"telecom.value",
				"address.line",
				"address.city",
				"address.postalCode",
				"birthDate",
				"identifier.value",
			},
		},
		{
			ResourceType: "Practitioner",
			Fields: []string{
				"name.family",
				"name.given",
				"telecom.value",
				"identifier.value",
			},
		},
		{
			ResourceType: "Observation",
			Fields: []string{
				"valueString",
				"note.text",
			},
		},
		{
			ResourceType: "Condition",
			Fields: []string{
				"code.text",
				"note.text",
			},
		},
		{
			ResourceType: "MedicationRequest",
			Fields: []string{
				"dosageInstruction.text",
				"note.text",
			},
		},
		{
			ResourceType: "Encounter",
			Fields: []string{
				"reasonCode.text",
			},
		},
	}
}

// PHIFieldPaths returns a flat set of "<ResourceType>.<field>" strings for fast
// look-up. Example key: "Patient.telecom.value".
func PHIFieldPaths() map[string]bool {
	configs := DefaultPHIFields()
	paths := make(map[string]bool, 32)
	for _, c := range configs {
		for _, f := range c.Fields {
			paths[c.ResourceType+"."+f] = true
		}
	}
	return paths
}

// fieldsFor returns the configured PHI paths for resourceType, split into
// segments.
func fieldsFor(resourceType string) [][]string {
	for _, c := range DefaultPHIFields() {
		if c.ResourceType != resourceType {
			continue
		}
		out := make([][]string, 0, len(c.Fields))
		for _, f := range c.Fields {
			out = append(out, strings.Split(f, "."))
		}
		return out
	}
	return nil
}

// transformPath applies fn to every string leaf reachable through segs.
// Missing elements are skipped.
func transformPath(node interface{}, segs []string, fn func(string) (string, error)) (interface{}, error) {
	if arr, ok := node.([]interface{}); ok {
		for i := range arr {
			v, err := transformPath(arr[i], segs, fn)
			if err != nil {
				return nil, err
			}
			arr[i] = v
		}
		return arr, nil
	}

	if len(segs) == 0 {
		s, ok := node.(string)
		if !ok {
			return node, nil
		}
		return fn(s)
	}

	obj, ok := node.(map[string]interface{})
	if !ok {
		return node, nil
	}
	child, ok := obj[segs[0]]
	if !ok {
		return node, nil
	}
	v, err := transformPath(child, segs[1:], fn)
	if err != nil {
		return nil, err
	}
	obj[segs[0]] = v
	return obj, nil
}
