package shadow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// Fingerprint records the canonical identity of one (server, tool) pair at
// the moment it was captured (spec §3 "Tool fingerprint").
type Fingerprint struct {
	ServerID        string
	ToolName        string
	SchemaHash      string
	DescriptionHash string
	CombinedHash    string
	CapturedAt      time.Time
	Descriptor      ToolDescriptor
}

// canonicalSchema returns the RFC 8785 JSON Canonicalization Scheme bytes
// for a tool's input schema: object keys sorted lexicographically at every
// nesting level, arrays left in original order (spec §4.3). The schema is
// first marshaled through encoding/json (which already sorts map keys) to
// get valid, typed JSON, then passed through gowebpki/jcs for the
// byte-exact canonical form — mirroring the teacher's pkg/canonicalize
// approach of "marshal to intermediate JSON, then canonicalize".
func canonicalSchema(schema map[string]any) ([]byte, error) {
	if schema == nil {
		schema = map[string]any{}
	}
	intermediate, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("shadow: schema marshal failed: %w", err)
	}
	canon, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("shadow: jcs transform failed: %w", err)
	}
	return canon, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Hash computes the canonical fingerprint hashes for a descriptor (spec
// §4.3): hash(tool) = SHA-256(name || ":" || SHA-256(canonical(schema)) ||
// ":" || SHA-256(description)).
func Hash(d *ToolDescriptor) (schemaHash, descriptionHash, combinedHash string, err error) {
	canon, err := canonicalSchema(d.InputSchema)
	if err != nil {
		return "", "", "", err
	}
	schemaHash = sha256Hex(canon)
	descriptionHash = sha256Hex([]byte(d.Description))
	combined := d.Name + ":" + schemaHash + ":" + descriptionHash
	combinedHash = sha256Hex([]byte(combined))
	return schemaHash, descriptionHash, combinedHash, nil
}
