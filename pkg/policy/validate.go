package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dotsetlabs/overwatch/pkg/config"
)

// IssueKind distinguishes a hard validation error from a warning (spec
// §4.4 validation table).
type IssueKind string

const (
	KindError   IssueKind = "error"
	KindWarning IssueKind = "warning"
)

// Code is one of the fixed validation codes from spec §4.4.
type Code string

const (
	CodeInvalidVersion       Code = "INVALID_VERSION"
	CodeInvalidDefaultAction Code = "INVALID_DEFAULT_ACTION"
	CodeMissingCommand       Code = "MISSING_COMMAND"
	CodeInvalidPolicyAction  Code = "INVALID_POLICY_ACTION"
	CodeInvalidToolPattern   Code = "INVALID_TOOL_PATTERN"
	CodeInvalidPathPattern   Code = "INVALID_PATH_PATTERN"
	CodeDeprecatedAnalyzer   Code = "DEPRECATED_ANALYZER"
	CodeEmptyPolicy          Code = "EMPTY_POLICY"
	CodeConflictingPaths     Code = "CONFLICTING_PATHS"
)

// Issue is one validation finding.
type Issue struct {
	Code    Code
	Kind    IssueKind
	Server  string
	Message string
}

var invalidToolPatternChars = regexp.MustCompile("[<>\"|;`$]")

// Validate implements spec §4.4's validation table. It is the single rule
// set shared by both the config loader and the policy engine (spec §9 open
// question: "choose one rule set and apply it to both entry points" — the
// engine's richer set, below, is that chosen set; see DESIGN.md).
func Validate(doc *config.Document, strict bool) ([]Issue, error) {
	var issues []Issue

	if doc.Version != 1 {
		issues = append(issues, Issue{Code: CodeInvalidVersion, Kind: KindError, Message: fmt.Sprintf("version %d != 1", doc.Version)})
	}

	defaultAction := doc.Defaults.DefaultAction()
	if !isValidStaticAction(defaultAction) {
		issues = append(issues, Issue{Code: CodeInvalidDefaultAction, Kind: KindError, Message: fmt.Sprintf("default action %q invalid", defaultAction)})
	}

	for name, server := range doc.Servers {
		if strings.TrimSpace(server.Command) == "" {
			issues = append(issues, Issue{Code: CodeMissingCommand, Kind: KindError, Server: name, Message: "server has no upstream command"})
		}
		for _, p := range server.Policies {
			issues = append(issues, validatePolicyDoc(name, p)...)
		}
	}

	hasError := false
	for _, iss := range issues {
		if iss.Kind == KindError {
			hasError = true
			break
		}
	}
	if hasError || (strict && len(issues) > 0) {
		return issues, fmt.Errorf("policy: validation failed with %d issue(s)", len(issues))
	}
	return issues, nil
}

func validatePolicyDoc(server string, p config.PolicyDoc) []Issue {
	var issues []Issue

	tools := toolPatternsOf(p.Tools)
	for _, t := range tools {
		if t == "" || len(t) > 256 || invalidToolPatternChars.MatchString(t) {
			issues = append(issues, Issue{Code: CodeInvalidToolPattern, Kind: KindError, Server: server, Message: fmt.Sprintf("tool pattern %q invalid", t)})
			continue
		}
		if _, err := compileGlob(t); err != nil {
			issues = append(issues, Issue{Code: CodeInvalidToolPattern, Kind: KindError, Server: server, Message: fmt.Sprintf("tool pattern %q fails to compile: %v", t, err)})
		}
	}

	if p.Action != "" && !isValidRuleAction(p.Action) {
		issues = append(issues, Issue{Code: CodeInvalidPolicyAction, Kind: KindError, Server: server, Message: fmt.Sprintf("action %q invalid", p.Action)})
	}

	var allow, deny []string
	if p.Paths != nil {
		allow, deny = p.Paths.Allow, p.Paths.Deny
		for _, pattern := range append(append([]string{}, allow...), deny...) {
			if pattern == "" || len(pattern) > 1024 || strings.ContainsRune(pattern, 0) {
				issues = append(issues, Issue{Code: CodeInvalidPathPattern, Kind: KindError, Server: server, Message: fmt.Sprintf("path pattern %q invalid", pattern)})
			}
		}
	}

	if p.Analyzer != "" {
		issues = append(issues, Issue{Code: CodeDeprecatedAnalyzer, Kind: KindWarning, Server: server, Message: fmt.Sprintf("legacy analyzer field %q is ignored", p.Analyzer)})
	}

	if len(tools) == 0 && p.Action == "" && p.Paths == nil {
		issues = append(issues, Issue{Code: CodeEmptyPolicy, Kind: KindWarning, Server: server, Message: "policy defines no action, no paths, no tools"})
	}

	if len(allow) > 0 && len(deny) > 0 {
		allowSet := make(map[string]struct{}, len(allow))
		for _, a := range allow {
			allowSet[strings.TrimSpace(a)] = struct{}{}
		}
		for _, d := range deny {
			if _, ok := allowSet[strings.TrimSpace(d)]; ok {
				issues = append(issues, Issue{Code: CodeConflictingPaths, Kind: KindWarning, Server: server, Message: fmt.Sprintf("pattern %q appears in both allow and deny", d)})
			}
		}
	}

	return issues
}

func isValidStaticAction(a string) bool {
	switch a {
	case "allow", "prompt", "deny":
		return true
	}
	return false
}

func isValidRuleAction(a string) bool {
	switch a {
	case "allow", "prompt", "deny", "smart":
		return true
	}
	return false
}

// toolPatternsOf normalizes config.PolicyDoc.Tools, which may be a bare
// string or a list of strings in the declarative document (spec §6).
func toolPatternsOf(v any) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return []string{val}
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
