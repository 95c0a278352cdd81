package policy

import (
	"testing"

	"github.com/dotsetlabs/overwatch/pkg/config"
)

func docWithServer(t *testing.T, server string, policies []config.PolicyDoc) *config.Document {
	t.Helper()
	return &config.Document{
		Version: 1,
		Servers: map[string]config.ServerConfig{
			server: {Command: "/usr/bin/fs-server", Policies: policies},
		},
	}
}

// S1 from spec §8.
func TestEngine_S1_PolicyDeny(t *testing.T) {
	doc := docWithServer(t, "fs", []config.PolicyDoc{{Tools: []string{"delete_*"}, Action: "deny"}})
	e := NewEngine()
	if _, err := e.Load(doc, false); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	d := e.Evaluate("fs", "delete_file", map[string]any{"path": "/tmp/x"})
	if d.Action != ActionDeny {
		t.Fatalf("expected deny, got %+v", d)
	}
	if d.Risk != RiskWrite {
		t.Fatalf("expected risk=write, got %v", d.Risk)
	}
}

// S2 from spec §8.
func TestEngine_S2_PathBasedAllow(t *testing.T) {
	doc := docWithServer(t, "fs", []config.PolicyDoc{{
		Tools: []string{"write_file"},
		Paths: &config.PathsDoc{Allow: []string{"/tmp/*"}, Deny: []string{"/etc/*"}},
	}})
	e := NewEngine()
	if _, err := e.Load(doc, false); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	deny := e.Evaluate("fs", "write_file", map[string]any{"path": "/etc/passwd"})
	if deny.Action != ActionDeny || deny.Risk != RiskDangerous {
		t.Fatalf("expected deny/dangerous, got %+v", deny)
	}

	allow := e.Evaluate("fs", "write_file", map[string]any{"path": "/tmp/a.txt"})
	if allow.Action != ActionAllow || allow.Risk != RiskSafe {
		t.Fatalf("expected allow/safe, got %+v", allow)
	}

	fallthroughDecision := e.Evaluate("fs", "write_file", map[string]any{"path": "/home/foo"})
	if fallthroughDecision.Action != ActionPrompt || fallthroughDecision.Risk != RiskWrite {
		t.Fatalf("expected prompt/write via name inference, got %+v", fallthroughDecision)
	}
}

func TestEngine_NameInference(t *testing.T) {
	e := NewEngine()
	if _, err := e.Load(docWithServer(t, "fs", nil), false); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	cases := []struct {
		tool   string
		action Action
		risk   RiskLevel
	}{
		{"read_file", ActionAllow, RiskRead},
		{"write_file", ActionPrompt, RiskWrite},
		{"delete_file", ActionPrompt, RiskDestructive},
		{"frobnicate", ActionPrompt, RiskWrite}, // falls to default action (prompt) with risk=write
	}
	for _, c := range cases {
		d := e.Evaluate("fs", c.tool, nil)
		if d.Action != c.action || d.Risk != c.risk {
			t.Fatalf("tool %q: expected action=%v risk=%v, got %+v", c.tool, c.action, c.risk, d)
		}
	}
}

func TestEngine_Load_RejectsInvalidDocument(t *testing.T) {
	doc := docWithServer(t, "fs", []config.PolicyDoc{{Tools: []string{"x"}, Action: "not-a-real-action"}})
	e := NewEngine()
	_, err := e.Load(doc, false)
	if err == nil {
		t.Fatal("expected validation error")
	}
	// Invariant 4 (spec §8): a policy set containing a validation error is
	// never made active — Evaluate should still reflect the engine's
	// zero-value state (default action prompt, no rules), not the rejected
	// document.
	d := e.Evaluate("fs", "anything_weird", nil)
	if d.Action != ActionPrompt {
		t.Fatalf("expected previous/default state preserved, got %+v", d)
	}
}

func TestEngine_ConditionGatesRuleMatch(t *testing.T) {
	doc := docWithServer(t, "fs", []config.PolicyDoc{{
		Tools:     []string{"write_file"},
		Action:    "deny",
		Condition: `tool == "write_file" && args.size != 0`,
	}})
	e := NewEngine()
	if _, err := e.Load(doc, false); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	// args has no "size" key so args.size is undefined -> CEL eval errors ->
	// evalCondition fails closed (treated as non-matching), falls through to
	// name inference for "write_file".
	d := e.Evaluate("fs", "write_file", map[string]any{"path": "/tmp/a"})
	if d.Reason != "name inference" {
		t.Fatalf("expected condition to fail closed and fall through, got %+v", d)
	}
}
