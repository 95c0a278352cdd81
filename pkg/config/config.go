// Package config defines the declarative Overwatch configuration document.
//
// Reading the document off disk and watching it for changes is a CLI concern
// (see cmd/overwatch); this package only defines its shape and performs the
// structural validation that every other package can rely on.
package config

import (
	"fmt"
	"time"
)

// Document is the top-level Overwatch configuration document (spec §6).
type Document struct {
	Version      int                     `yaml:"version" json:"version"`
	Defaults     Defaults                `yaml:"defaults" json:"defaults"`
	Servers      map[string]ServerConfig `yaml:"servers" json:"servers"`
	Audit        AuditConfig             `yaml:"audit" json:"audit"`
	ToolShadowing ToolShadowingConfig    `yaml:"tool_shadowing" json:"tool_shadowing"`
}

// Defaults holds process-wide defaults applied when a server doesn't override them.
type Defaults struct {
	Action            string `yaml:"action" json:"action"` // allow | prompt | deny
	TimeoutMs         int    `yaml:"timeout_ms" json:"timeout_ms"`
	SessionDurationMs int    `yaml:"session_duration_ms" json:"session_duration_ms"`
	// FailMode governs upstream-failure and approval-handler-error behavior:
	// open (allow best-effort), closed (deny), or readonly (warn only).
	FailMode string `yaml:"fail_mode,omitempty" json:"fail_mode,omitempty"`
}

// FailModeOrDefault returns the effective fail mode, defaulting to "closed".
func (d Defaults) FailModeOrDefault() string {
	switch d.FailMode {
	case "open", "closed", "readonly":
		return d.FailMode
	default:
		return "closed"
	}
}

// PolicyDoc is a single declared policy rule within a server entry.
type PolicyDoc struct {
	Tools     any       `yaml:"tools" json:"tools"` // string or []string
	Action    string    `yaml:"action,omitempty" json:"action,omitempty"`
	Condition string    `yaml:"condition,omitempty" json:"condition,omitempty"` // optional CEL expression
	Paths     *PathsDoc `yaml:"paths,omitempty" json:"paths,omitempty"`

	// Analyzer is a legacy field from an earlier static-analysis based
	// policy shape; it is accepted for backward compatibility but no
	// longer does anything (see policy.CodeDeprecatedAnalyzer).
	Analyzer string `yaml:"analyzer,omitempty" json:"analyzer,omitempty"`
}

// PathsDoc holds allow/deny glob lists for path-typed arguments.
type PathsDoc struct {
	Allow []string `yaml:"allow,omitempty" json:"allow,omitempty"`
	Deny  []string `yaml:"deny,omitempty" json:"deny,omitempty"`
}

// ServerConfig describes one upstream MCP server the proxy fronts.
type ServerConfig struct {
	Command  string            `yaml:"command" json:"command"`
	Args     []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env      map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Policies []PolicyDoc       `yaml:"policies,omitempty" json:"policies,omitempty"`
}

// AuditConfig controls the audit sink.
type AuditConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Path      string `yaml:"path,omitempty" json:"path,omitempty"`
	RedactPII bool   `yaml:"redact_pii,omitempty" json:"redact_pii,omitempty"`
	Retention string `yaml:"retention,omitempty" json:"retention,omitempty"`
}

// ToolShadowingConfig controls the shadowing detector.
type ToolShadowingConfig struct {
	Enabled           bool `yaml:"enabled" json:"enabled"`
	CheckDescriptions bool `yaml:"check_descriptions" json:"check_descriptions"`
	DetectMutations   bool `yaml:"detect_mutations" json:"detect_mutations"`
}

// Validate performs the structural checks that must hold before a Document is
// usable: version pinning and a command for every declared server. Richer
// per-rule validation (tool/path patterns, actions) is owned by the policy
// engine (see pkg/policy), which is the single source of truth for those
// codes per the Open Question in spec §9.
func (d *Document) Validate() error {
	if d.Version != 1 {
		return fmt.Errorf("config: unsupported version %d (must be 1)", d.Version)
	}
	switch d.Defaults.Action {
	case "", "allow", "prompt", "deny":
	default:
		return fmt.Errorf("config: invalid defaults.action %q", d.Defaults.Action)
	}
	for name, srv := range d.Servers {
		if srv.Command == "" {
			return fmt.Errorf("config: server %q: missing command", name)
		}
	}
	return nil
}

// TimeoutDuration returns the configured request timeout, defaulting to 30s.
func (d Defaults) TimeoutDuration() time.Duration {
	if d.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

// DefaultAction returns the effective default policy action, defaulting to "prompt".
func (d Defaults) DefaultAction() string {
	if d.Action == "" {
		return "prompt"
	}
	return d.Action
}
