//go:build property
// +build property

package shadow

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Hash must be a pure function of (name, description, schema): the same
// descriptor always produces the same combinedHash, and changing any one
// field changes it (spec §4.3's collision/mutation checks both depend on
// this holding for arbitrary descriptors, not just the handful of fixed
// cases the table tests cover).
func TestHash_Deterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Hash is deterministic for a fixed descriptor", prop.ForAll(
		func(name, description, key, value string) bool {
			d := &ToolDescriptor{
				Name:        name,
				Description: description,
				InputSchema: map[string]any{"type": "object", key: value},
			}
			_, _, h1, err1 := Hash(d)
			_, _, h2, err2 := Hash(d)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return h1 == h2
		},
		gen.AlphaString(), gen.AlphaString(), gen.AlphaString(), gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestHash_SensitiveToDescription(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("changing description changes combinedHash", prop.ForAll(
		func(name, descA, descB string) bool {
			if descA == descB {
				return true
			}
			schema := map[string]any{"type": "object"}
			_, _, hA, errA := Hash(&ToolDescriptor{Name: name, Description: descA, InputSchema: schema})
			_, _, hB, errB := Hash(&ToolDescriptor{Name: name, Description: descB, InputSchema: schema})
			if errA != nil || errB != nil {
				return true
			}
			return hA != hB
		},
		gen.AlphaString(), gen.AlphaString(), gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// The schema hash must not depend on the order keys happened to be inserted
// in (spec §4.3 "canonicalized before hashing"); Go's map iteration order is
// already randomized per-run, so two Hash calls over maps built from the
// same key/value pairs in different insertion orders exercise this.
func TestHash_SchemaKeyOrderIndependent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("schema hash ignores map build order", prop.ForAll(
		func(k1, v1, k2, v2 string) bool {
			if k1 == "" || k2 == "" || k1 == k2 {
				return true
			}
			schemaA := map[string]any{k1: v1, k2: v2}
			schemaB := map[string]any{k2: v2, k1: v1}
			shA, _, _, errA := Hash(&ToolDescriptor{Name: "t", InputSchema: schemaA})
			shB, _, _, errB := Hash(&ToolDescriptor{Name: "t", InputSchema: schemaB})
			if errA != nil || errB != nil {
				return true
			}
			return shA == shB
		},
		gen.AlphaString(), gen.AlphaString(), gen.AlphaString(), gen.AlphaString(),
	))

	properties.TestingRun(t)
}
