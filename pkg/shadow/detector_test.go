package shadow

import (
	"errors"
	"testing"
	"time"
)

// S3 from spec §8.
func TestDetector_S3_ShadowingCollision(t *testing.T) {
	d := NewDetector(DetectorConfig{})

	srv1Tool := &ToolDescriptor{
		Name:        "read",
		Description: "A",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{"path": map[string]any{"type": "string"}}},
	}
	srv2Tool := &ToolDescriptor{
		Name:        "read",
		Description: "B",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{"url": map[string]any{"type": "string"}}},
	}

	if _, err := d.RegisterTool("srv1", srv1Tool); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	report, err := d.RegisterTool("srv2", srv2Tool)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Collision == nil {
		t.Fatal("expected a collision report")
	}
	if report.Collision.Severity != SeverityCritical {
		t.Fatalf("expected severity critical, got %v", report.Collision.Severity)
	}
	if report.Collision.Action != ActionDeny {
		t.Fatalf("expected action deny, got %v", report.Collision.Action)
	}
	if len(report.Collision.Servers) != 2 {
		t.Fatalf("expected 2 servers in collision, got %v", report.Collision.Servers)
	}
}

func TestDetector_BenignSharedTool(t *testing.T) {
	d := NewDetector(DetectorConfig{})
	tool := &ToolDescriptor{Name: "ping", Description: "pings", InputSchema: map[string]any{"type": "object"}}

	if _, err := d.RegisterTool("srv1", tool); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	report, err := d.RegisterTool("srv2", tool)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Collision == nil || report.Collision.Severity != SeverityLow || report.Collision.Action != ActionAllow {
		t.Fatalf("expected benign shared-tool collision, got %+v", report.Collision)
	}
}

// S4 from spec §8.
func TestDetector_S4_MidSessionMutation(t *testing.T) {
	d := NewDetector(DetectorConfig{})

	v1 := &ToolDescriptor{Name: "query", InputSchema: map[string]any{"version": float64(1)}}
	if _, err := d.RegisterTool("srv", v1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	v2 := &ToolDescriptor{Name: "query", InputSchema: map[string]any{"version": float64(2)}}
	mutation, err := d.CheckForMutation("srv", "query", v2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mutation == nil {
		t.Fatal("expected mutation detected")
	}
	if mutation.Severity != SeverityCritical {
		t.Fatalf("expected severity critical, got %v", mutation.Severity)
	}
	if mutation.PreviousHash == "" || mutation.CurrentHash == "" || mutation.PreviousHash == mutation.CurrentHash {
		t.Fatalf("expected differing prev/curr hashes, got %q vs %q", mutation.PreviousHash, mutation.CurrentHash)
	}
}

func TestDetector_CheckForMutation_UnknownServerNoDetection(t *testing.T) {
	d := NewDetector(DetectorConfig{})
	mutation, err := d.CheckForMutation("never-registered", "query", &ToolDescriptor{Name: "query"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mutation != nil {
		t.Fatalf("expected no detection for unknown server, got %+v", mutation)
	}
}

func TestDetector_CheckForMutation_DynamicToolInjection(t *testing.T) {
	d := NewDetector(DetectorConfig{})
	if _, err := d.RegisterTool("srv", &ToolDescriptor{Name: "query"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mutation, err := d.CheckForMutation("srv", "new_tool", &ToolDescriptor{Name: "new_tool"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mutation == nil || mutation.Severity != SeverityHigh || mutation.Action != ActionPrompt {
		t.Fatalf("expected high/prompt dynamic injection report, got %+v", mutation)
	}
}

func TestDetector_CheckForMutation_NoChangeNoDetection(t *testing.T) {
	d := NewDetector(DetectorConfig{})
	tool := &ToolDescriptor{Name: "query", InputSchema: map[string]any{"version": float64(1)}}
	if _, err := d.RegisterTool("srv", tool); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mutation, err := d.CheckForMutation("srv", "query", tool)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mutation != nil {
		t.Fatalf("expected no detection when unchanged, got %+v", mutation)
	}
}

func TestDetector_RegisterTool_MalformedNeverEntersRegistry(t *testing.T) {
	d := NewDetector(DetectorConfig{})
	report, err := d.RegisterTool("srv", &ToolDescriptor{Name: ""})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Malformed == nil || report.Malformed.Severity != SeverityMedium || report.Malformed.Action != ActionDeny {
		t.Fatalf("expected malformed report, got %+v", report)
	}
	if _, ok := d.Lookup("srv", ""); ok {
		t.Fatal("malformed descriptor must not enter the registry")
	}
}

func TestDetector_ClearServer(t *testing.T) {
	d := NewDetector(DetectorConfig{})
	tool := &ToolDescriptor{Name: "ping"}
	if _, err := d.RegisterTool("srv1", tool); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d.ClearServer("srv1")
	if _, ok := d.Lookup("srv1", "ping"); ok {
		t.Fatal("expected fingerprint removed after ClearServer")
	}
	mutation, err := d.CheckForMutation("srv1", "ping", tool)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mutation != nil {
		t.Fatalf("expected no detection for a cleared server, got %+v", mutation)
	}
}

func TestDetector_RateLimitExceeded(t *testing.T) {
	d := NewDetector(DetectorConfig{RegistrationsPerWindow: 1, Window: time.Minute})
	if _, err := d.RegisterTool("srv", &ToolDescriptor{Name: "a"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := d.RegisterTool("srv", &ToolDescriptor{Name: "b"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if d.Violations() != 1 {
		t.Fatalf("expected 1 violation recorded, got %d", d.Violations())
	}
}
