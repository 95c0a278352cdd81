// Package policy implements the declarative policy engine (spec §4.4):
// matches tool invocations against rules compiled from the configuration
// document, with validation, hot-reload, and an optional CEL condition per
// rule.
//
// Grounded in the teacher's pkg/policyloader (bundle validate/compile/
// reload shape) and pkg/firewall (the evaluate(server, tool, args) →
// decision call itself), generalized from CEL-only bundles to the richer
// tool/path/smart-inference rule shape in the spec.
package policy

// RiskLevel classifies how dangerous a tool invocation looks (spec §4.4
// "risk inference").
type RiskLevel string

const (
	RiskSafe        RiskLevel = "safe"
	RiskRead        RiskLevel = "read"
	RiskWrite       RiskLevel = "write"
	RiskDestructive RiskLevel = "destructive"
	RiskDangerous   RiskLevel = "dangerous"
)

// Action is the outcome of a policy decision (spec §4.4, shared vocabulary
// with pkg/shadow's Action).
type Action string

const (
	ActionAllow  Action = "allow"
	ActionPrompt Action = "prompt"
	ActionDeny   Action = "deny"
	// actionSmart only ever appears on a compiled rule, never on a Decision:
	// it means "fall through to name-based inference" (spec §4.4 step 3).
	actionSmart Action = "smart"
)

// Decision is the result of Engine.Evaluate (spec §4.4).
type Decision struct {
	Action      Action
	Risk        RiskLevel
	Reason      string
	MatchedRule string
}

// Rule is one compiled server policy, mirroring config.PolicyDoc after
// pattern compilation and tool-name normalization (spec §4.4, §6).
type Rule struct {
	Tools     []string
	Action    Action
	Condition string
	Paths     *Paths

	toolMatchers []*matcher
	pathAllow    []*matcher
	pathDeny     []*matcher
}

// Paths mirrors config.PathsDoc, retained on the compiled Rule for
// diagnostics.
type Paths struct {
	Allow []string
	Deny  []string
}

// pathArgKeys are the argument keys checked for path-typed values (spec
// §4.4 step 1).
var pathArgKeys = []string{"path", "file", "filename", "filepath", "directory", "dir"}
