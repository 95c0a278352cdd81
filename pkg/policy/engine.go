package policy

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/dotsetlabs/overwatch/pkg/config"
)

// compiledSet is one atomically-swappable generation of compiled per-server
// rules (spec §5: "Policy reload is applied atomically: every evaluation
// uses either the old set or the new set, never a mix").
type compiledSet struct {
	byServer      map[string][]*Rule
	defaultAction Action
}

// Engine evaluates (server, tool, args) -> Decision against a compiled,
// hot-reloadable rule set (spec §4.4). One instance is shared by every
// proxy core (spec §9 "Shared detector/policy/audit singletons").
type Engine struct {
	current atomic.Pointer[compiledSet]

	reloadMu   sync.Mutex
	onReload   func(err error)
	debounce   time.Duration
	lastReload time.Time
}

// NewEngine builds an Engine from an already-validated document. Callers
// must run Validate first; Load returns an error if the document is
// invalid, and the engine is left with its previous (or zero) state.
func NewEngine() *Engine {
	e := &Engine{debounce: 500 * time.Millisecond}
	e.current.Store(&compiledSet{byServer: make(map[string][]*Rule), defaultAction: ActionPrompt})
	return e
}

// Load validates and compiles doc, then atomically swaps it in (spec §4.4
// "Loading path: validate -> compile -> expose"). A document containing any
// validation error is never made active (spec §8 invariant 4).
func (e *Engine) Load(doc *config.Document, strict bool) ([]Issue, error) {
	issues, err := Validate(doc, strict)
	if err != nil {
		return issues, err
	}

	compiled, err := compile(doc)
	if err != nil {
		return issues, err
	}

	e.current.Store(compiled)
	return issues, nil
}

func compile(doc *config.Document) (*compiledSet, error) {
	cs := &compiledSet{
		byServer:      make(map[string][]*Rule),
		defaultAction: Action(doc.Defaults.DefaultAction()),
	}
	for name, server := range doc.Servers {
		rules := make([]*Rule, 0, len(server.Policies))
		for _, p := range server.Policies {
			r, err := compileRule(p)
			if err != nil {
				return nil, fmt.Errorf("policy: server %q: %w", name, err)
			}
			rules = append(rules, r)
		}
		cs.byServer[name] = rules
	}
	return cs, nil
}

func compileRule(p config.PolicyDoc) (*Rule, error) {
	toolPatterns := toolPatternsOf(p.Tools)
	toolMatchers, err := compileGlobs(toolPatterns)
	if err != nil {
		return nil, err
	}

	r := &Rule{
		Tools:        toolPatterns,
		Action:       ruleAction(p.Action),
		Condition:    p.Condition,
		toolMatchers: toolMatchers,
	}

	if p.Paths != nil {
		r.Paths = &Paths{Allow: p.Paths.Allow, Deny: p.Paths.Deny}
		if r.pathAllow, err = compileGlobs(p.Paths.Allow); err != nil {
			return nil, err
		}
		if r.pathDeny, err = compileGlobs(p.Paths.Deny); err != nil {
			return nil, err
		}
	}

	return r, nil
}

func ruleAction(a string) Action {
	if a == "" {
		return actionSmart
	}
	return Action(a)
}

// matchesTool reports whether the rule applies to toolName: a rule with no
// tool patterns is global and trivially matches (spec §4.4 "Evaluation
// order").
func (r *Rule) matchesTool(toolName string) bool {
	if len(r.toolMatchers) == 0 {
		return true
	}
	for _, m := range r.toolMatchers {
		if m.MatchString(toolName) {
			return true
		}
	}
	return false
}

// Evaluate implements spec §4.4's full evaluation order for one server's
// compiled rules, in declaration order, falling through to name-based risk
// inference when nothing matched.
func (e *Engine) Evaluate(server, toolName string, args map[string]any) Decision {
	cs := e.current.Load()
	rules := cs.byServer[server]

	for _, r := range rules {
		if !r.matchesTool(toolName) {
			continue
		}
		if r.Condition != "" && !evalCondition(r.Condition, server, toolName, args) {
			continue
		}

		if r.Paths != nil {
			if d, ok := evaluatePathRule(r, args); ok {
				return d
			}
		}

		if r.Action == ActionAllow || r.Action == ActionPrompt || r.Action == ActionDeny {
			return Decision{Action: r.Action, Risk: RiskWrite, Reason: "matched rule", MatchedRule: describeRule(r)}
		}
		// actionSmart or empty: fall through to the next rule / name inference.
	}

	return inferByName(toolName, cs.defaultAction)
}

func evaluatePathRule(r *Rule, args map[string]any) (Decision, bool) {
	value, ok := pathArgValue(args)
	if !ok {
		return Decision{}, false
	}

	for _, m := range r.pathDeny {
		if m.MatchString(value) {
			return Decision{Action: ActionDeny, Risk: RiskDangerous, Reason: "deny path", MatchedRule: describeRule(r)}, true
		}
	}
	for _, m := range r.pathAllow {
		if m.MatchString(value) {
			return Decision{Action: ActionAllow, Risk: RiskSafe, Reason: "allow path", MatchedRule: describeRule(r)}, true
		}
	}
	return Decision{}, false
}

func pathArgValue(args map[string]any) (string, bool) {
	for _, key := range pathArgKeys {
		if v, ok := args[key]; ok {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

func describeRule(r *Rule) string {
	if len(r.Tools) == 0 {
		return "global rule"
	}
	return "rule for " + strings.Join(r.Tools, ",")
}

var nameInferenceTable = []struct {
	keywords []string
	action   Action
	risk     RiskLevel
}{
	{[]string{"delete", "remove", "drop", "truncate"}, ActionPrompt, RiskDestructive},
	{[]string{"write", "create", "update", "insert", "modify", "set"}, ActionPrompt, RiskWrite},
	{[]string{"read", "get", "list", "search", "find", "query"}, ActionAllow, RiskRead},
}

// inferByName implements spec §4.4's "risk inference by name" fallback.
func inferByName(toolName string, defaultAction Action) Decision {
	lower := strings.ToLower(toolName)
	for _, row := range nameInferenceTable {
		for _, kw := range row.keywords {
			if strings.Contains(lower, kw) {
				return Decision{Action: row.action, Risk: row.risk, Reason: "name inference"}
			}
		}
	}
	return Decision{Action: defaultAction, Risk: RiskWrite, Reason: "default action"}
}

// evalCondition evaluates a rule's optional CEL condition (spec §9
// SUPPLEMENTED FEATURES, grounded in the teacher's policyloader.PolicyRule
// .Expression). A condition that fails to compile or evaluate is treated as
// non-matching (fail-safe: the rule is skipped, not applied).
func evalCondition(expr, server, tool string, args map[string]any) bool {
	env, err := cel.NewEnv(
		cel.Variable("server", cel.StringType),
		cel.Variable("tool", cel.StringType),
		cel.Variable("args", cel.DynType),
	)
	if err != nil {
		return false
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return false
	}
	prg, err := env.Program(ast)
	if err != nil {
		return false
	}
	out, _, err := prg.Eval(map[string]any{"server": server, "tool": tool, "args": args})
	if err != nil {
		return false
	}
	result, ok := out.Value().(bool)
	return ok && result
}
