package policy

import (
	"testing"

	"github.com/dotsetlabs/overwatch/pkg/config"
)

func hasCode(issues []Issue, code Code) bool {
	for _, iss := range issues {
		if iss.Code == code {
			return true
		}
	}
	return false
}

func TestValidate_InvalidVersion(t *testing.T) {
	doc := &config.Document{Version: 2, Servers: map[string]config.ServerConfig{"fs": {Command: "x"}}}
	issues, err := Validate(doc, false)
	if err == nil || !hasCode(issues, CodeInvalidVersion) {
		t.Fatalf("expected INVALID_VERSION, got issues=%+v err=%v", issues, err)
	}
}

func TestValidate_MissingCommand(t *testing.T) {
	doc := &config.Document{Version: 1, Servers: map[string]config.ServerConfig{"fs": {}}}
	issues, err := Validate(doc, false)
	if err == nil || !hasCode(issues, CodeMissingCommand) {
		t.Fatalf("expected MISSING_COMMAND, got issues=%+v err=%v", issues, err)
	}
}

func TestValidate_InvalidToolPattern(t *testing.T) {
	doc := docWithServer(t, "fs", []config.PolicyDoc{{Tools: []string{"bad<tool>"}}})
	issues, err := Validate(doc, false)
	if err == nil || !hasCode(issues, CodeInvalidToolPattern) {
		t.Fatalf("expected INVALID_TOOL_PATTERN, got issues=%+v err=%v", issues, err)
	}
}

func TestValidate_InvalidPolicyAction(t *testing.T) {
	doc := docWithServer(t, "fs", []config.PolicyDoc{{Tools: []string{"x"}, Action: "explode"}})
	issues, err := Validate(doc, false)
	if err == nil || !hasCode(issues, CodeInvalidPolicyAction) {
		t.Fatalf("expected INVALID_POLICY_ACTION, got issues=%+v err=%v", issues, err)
	}
}

func TestValidate_EmptyPolicyWarning(t *testing.T) {
	doc := docWithServer(t, "fs", []config.PolicyDoc{{}})
	issues, err := Validate(doc, false)
	if err != nil {
		t.Fatalf("warnings alone should not fail non-strict validation: %v", err)
	}
	if !hasCode(issues, CodeEmptyPolicy) {
		t.Fatalf("expected EMPTY_POLICY warning, got %+v", issues)
	}
}

func TestValidate_EmptyPolicyWarning_StrictFails(t *testing.T) {
	doc := docWithServer(t, "fs", []config.PolicyDoc{{}})
	_, err := Validate(doc, true)
	if err == nil {
		t.Fatal("expected strict mode to fail on warnings")
	}
}

func TestValidate_ConflictingPaths(t *testing.T) {
	doc := docWithServer(t, "fs", []config.PolicyDoc{{
		Tools: []string{"write_file"},
		Paths: &config.PathsDoc{Allow: []string{"/tmp/*"}, Deny: []string{"/tmp/*"}},
	}})
	issues, err := Validate(doc, false)
	if err != nil {
		t.Fatalf("unexpected hard error: %v", err)
	}
	if !hasCode(issues, CodeConflictingPaths) {
		t.Fatalf("expected CONFLICTING_PATHS warning, got %+v", issues)
	}
}

func TestValidate_DeprecatedAnalyzer(t *testing.T) {
	doc := docWithServer(t, "fs", []config.PolicyDoc{{Tools: []string{"x"}, Analyzer: "legacy-static"}})
	issues, _ := Validate(doc, false)
	if !hasCode(issues, CodeDeprecatedAnalyzer) {
		t.Fatalf("expected DEPRECATED_ANALYZER warning, got %+v", issues)
	}
}

func TestValidate_Clean(t *testing.T) {
	doc := docWithServer(t, "fs", []config.PolicyDoc{{Tools: []string{"read_*"}, Action: "allow"}})
	issues, err := Validate(doc, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(issues) != 0 {
		t.Fatalf("expected no issues, got %+v", issues)
	}
}
