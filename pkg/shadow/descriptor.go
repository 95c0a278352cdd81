// Package shadow implements the tool-shadowing detector (spec §4.3):
// canonical fingerprinting of tool descriptors, collision/mutation
// detection across servers, and a description scanner defending against
// prompt-injection payloads hidden behind Unicode tricks.
//
// Grounded in the teacher's pkg/manifest (PEP-boundary validation and
// canonicalized hashing) and pkg/canonicalize (JCS-based content hashing),
// generalized from "tool arguments" to "tool descriptors".
package shadow

import (
	"fmt"
	"strings"
)

const (
	maxNameLen        = 256
	maxDescriptionLen = 10_000
	maxSchemaDepth    = 20
)

// ToolDescriptor is the wire shape of an MCP tool definition (spec §3).
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ValidationError reports why a descriptor was rejected as malformed
// (spec §4.3 "Validation (pre-registration)").
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "shadow: malformed descriptor: " + e.Reason }

// Validate rejects a descriptor as malformed per the exact conditions in
// spec §4.3. A nil InputSchema is valid (schema depth of 0); a non-nil,
// non-map value cannot occur given ToolDescriptor's typing, so that
// condition applies to callers decoding from raw JSON (see ValidateRaw).
func (d *ToolDescriptor) Validate() error {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return &ValidationError{Reason: "name is empty after trim"}
	}
	if len(d.Name) > maxNameLen {
		return &ValidationError{Reason: fmt.Sprintf("name exceeds %d characters", maxNameLen)}
	}
	if len(d.Description) > maxDescriptionLen {
		return &ValidationError{Reason: fmt.Sprintf("description exceeds %d characters", maxDescriptionLen)}
	}
	if depth := mappingDepth(d.InputSchema, 0); depth > maxSchemaDepth {
		return &ValidationError{Reason: fmt.Sprintf("schema depth %d exceeds %d", depth, maxSchemaDepth)}
	}
	return nil
}

// ValidateRaw validates a descriptor decoded from an untyped map, covering
// the "not a mapping" / "missing or non-string name" / "schema not a
// mapping" conditions that can't be expressed once a value has already been
// unmarshaled into the typed ToolDescriptor.
func ValidateRaw(raw any) (*ToolDescriptor, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, &ValidationError{Reason: "descriptor is not a mapping"}
	}
	nameAny, ok := m["name"]
	if !ok {
		return nil, &ValidationError{Reason: "missing name"}
	}
	name, ok := nameAny.(string)
	if !ok {
		return nil, &ValidationError{Reason: "name is not a string"}
	}

	desc, _ := m["description"].(string)

	var schema map[string]any
	if raw, ok := m["inputSchema"]; ok && raw != nil {
		schema, ok = raw.(map[string]any)
		if !ok {
			return nil, &ValidationError{Reason: "schema is not a mapping"}
		}
	}

	d := &ToolDescriptor{Name: name, Description: desc, InputSchema: schema}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// mappingDepth counts nesting depth, incrementing at each nested mapping or
// array per spec §4.3.
func mappingDepth(v any, depth int) int {
	switch val := v.(type) {
	case map[string]any:
		max := depth
		for _, inner := range val {
			if d := mappingDepth(inner, depth+1); d > max {
				max = d
			}
		}
		return max
	case []any:
		max := depth
		for _, inner := range val {
			if d := mappingDepth(inner, depth+1); d > max {
				max = d
			}
		}
		return max
	default:
		return depth
	}
}
