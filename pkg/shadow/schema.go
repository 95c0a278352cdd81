package shadow

import (
	"bytes"
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidateInputSchemaStrict validates that a tool's declared input_schema is
// itself well-formed per the JSON Schema specification (spec §4.3's
// "strict_schema" option), beyond the structural depth/shape checks
// ToolDescriptor.Validate already performs. Most MCP servers only loosely
// follow the JSON Schema draft their inputSchema nominally targets, so this
// is opt-in rather than run on every registration.
func ValidateInputSchemaStrict(schema map[string]any) error {
	if schema == nil {
		return nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return &ValidationError{Reason: "schema could not be marshaled: " + err.Error()}
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inputSchema.json", bytes.NewReader(data)); err != nil {
		return &ValidationError{Reason: "schema is not valid JSON Schema: " + err.Error()}
	}
	if _, err := compiler.Compile("inputSchema.json"); err != nil {
		return &ValidationError{Reason: "schema is not valid JSON Schema: " + err.Error()}
	}
	return nil
}
