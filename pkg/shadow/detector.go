package shadow

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned by RegisterTool when a server exceeds the
// registration rate limit (spec §4.3, default 1000 registrations / 60s);
// the registration is dropped entirely and counted as a violation.
var ErrRateLimited = fmt.Errorf("shadow: registration rate limit exceeded")

type serverTool struct {
	serverID string
	toolName string
}

// Detector is the per-orchestrator tool-shadowing registry: per-server maps
// of tool fingerprints plus a reverse index from tool name to the set of
// servers currently claiming that name (spec §4.3). Registration runs the
// collision and description checks; mutation is checked separately, once
// per tool call, via CheckForMutation.
//
// Grounded in the teacher's pkg/manifest registry, which keeps the same
// "latest known fingerprint per subject plus a reverse index" shape for its
// PEP boundary checks; generalized here from artifacts to MCP tools.
type Detector struct {
	mu sync.Mutex

	byServerTool map[serverTool]Fingerprint
	toolIndex    map[string]map[string]struct{} // toolName -> set of serverIDs
	serverSeen   map[string]struct{}            // servers with at least one registration ever

	knownCollisions map[string]CollisionReport // toolName -> last critical collision seen

	limiters   map[string]*rate.Limiter
	limitRate  rate.Limit
	limitBurst int

	strictSchema bool
	violations   int

	now func() time.Time
}

// DetectorConfig configures the registration rate limiter (spec §4.3) and
// the optional strict_schema check.
type DetectorConfig struct {
	RegistrationsPerWindow int
	Window                 time.Duration

	// StrictSchema additionally rejects a descriptor whose input_schema does
	// not compile as valid JSON Schema (spec §4.3 "strict_schema"). Off by
	// default: most MCP servers only loosely follow the draft their
	// inputSchema nominally targets, and rejecting those outright would be a
	// regression from today's shape-only validation.
	StrictSchema bool
}

func (c DetectorConfig) normalize() DetectorConfig {
	if c.RegistrationsPerWindow <= 0 {
		c.RegistrationsPerWindow = 1000
	}
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	return c
}

// NewDetector builds an empty Detector.
func NewDetector(cfg DetectorConfig) *Detector {
	cfg = cfg.normalize()
	limit := rate.Limit(float64(cfg.RegistrationsPerWindow) / cfg.Window.Seconds())
	return &Detector{
		byServerTool:    make(map[serverTool]Fingerprint),
		toolIndex:       make(map[string]map[string]struct{}),
		serverSeen:      make(map[string]struct{}),
		knownCollisions: make(map[string]CollisionReport),
		limiters:        make(map[string]*rate.Limiter),
		limitRate:       limit,
		limitBurst:      cfg.RegistrationsPerWindow,
		strictSchema:    cfg.StrictSchema,
		now:             time.Now,
	}
}

func (d *Detector) limiterFor(serverID string) *rate.Limiter {
	if lim, ok := d.limiters[serverID]; ok {
		return lim
	}
	lim := rate.NewLimiter(d.limitRate, d.limitBurst)
	d.limiters[serverID] = lim
	return lim
}

// RegisterTool validates and fingerprints a descriptor, upserts it into the
// registry, and runs the collision and description checks (spec §4.3
// "Registration"). A malformed descriptor never enters the registry; a
// rate-limited registration is dropped with the violation counted.
func (d *Detector) RegisterTool(serverID string, raw *ToolDescriptor) (ServerShadowingReport, error) {
	if err := raw.Validate(); err != nil {
		ve := err.(*ValidationError)
		return ServerShadowingReport{
			ServerID:  serverID,
			ToolName:  raw.Name,
			Malformed: newMalformedReport(ve.Reason),
		}, nil
	}

	if d.strictSchema {
		if err := ValidateInputSchemaStrict(raw.InputSchema); err != nil {
			ve := err.(*ValidationError)
			return ServerShadowingReport{
				ServerID:  serverID,
				ToolName:  raw.Name,
				Malformed: newMalformedReport(ve.Reason),
			}, nil
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.limiterFor(serverID).Allow() {
		d.violations++
		return ServerShadowingReport{}, ErrRateLimited
	}

	schemaHash, descHash, combined, err := Hash(raw)
	if err != nil {
		return ServerShadowingReport{}, err
	}

	fp := Fingerprint{
		ServerID:        serverID,
		ToolName:        raw.Name,
		SchemaHash:      schemaHash,
		DescriptionHash: descHash,
		CombinedHash:    combined,
		CapturedAt:      d.now(),
		Descriptor:      *raw,
	}

	d.serverSeen[serverID] = struct{}{}
	d.byServerTool[serverTool{serverID: serverID, toolName: raw.Name}] = fp
	if d.toolIndex[raw.Name] == nil {
		d.toolIndex[raw.Name] = make(map[string]struct{})
	}
	d.toolIndex[raw.Name][serverID] = struct{}{}

	collision := d.collisionCheckLocked(raw.Name)
	description := ScanDescription(raw.Description)

	return ServerShadowingReport{
		ServerID:    serverID,
		ToolName:    raw.Name,
		Collision:   collision,
		Description: &description,
	}, nil
}

// collisionCheckLocked implements spec §4.3 "Collision check" against the
// current toolIndex state. Returns nil when the tool name resolves to a
// single server (nothing to compare).
func (d *Detector) collisionCheckLocked(toolName string) *CollisionReport {
	servers := d.toolIndex[toolName]
	if len(servers) < 2 {
		return nil
	}

	var serverIDs []string
	var hashes []string
	for sid := range servers {
		fp := d.byServerTool[serverTool{serverID: sid, toolName: toolName}]
		serverIDs = append(serverIDs, sid)
		hashes = append(hashes, fp.CombinedHash)
	}

	allEqual := true
	for _, h := range hashes[1:] {
		if h != hashes[0] {
			allEqual = false
			break
		}
	}

	report := CollisionReport{ToolName: toolName, Servers: serverIDs}
	if allEqual {
		report.Severity = SeverityLow
		report.Action = ActionAllow
		report.Message = "benign shared tool"
		return &report
	}

	report.Severity = SeverityCritical
	report.Action = ActionDeny
	report.Message = "tool shadowing detected: servers disagree on the definition of " + toolName

	if prev, ok := d.knownCollisions[toolName]; !ok || prev.Severity != SeverityCritical {
		report.FirstSeen = true
	}
	d.knownCollisions[toolName] = report
	return &report
}

// CheckForMutation implements spec §4.3 "Mutation check", called by the
// proxy core on every tool call rather than at registration time.
func (d *Detector) CheckForMutation(serverID, toolName string, current *ToolDescriptor) (*MutationReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.serverSeen[serverID]; !ok {
		return nil, nil
	}

	prev, ok := d.byServerTool[serverTool{serverID: serverID, toolName: toolName}]
	if !ok {
		return &MutationReport{
			ServerID: serverID,
			ToolName: toolName,
			Severity: SeverityHigh,
			Action:   ActionPrompt,
			Message:  "dynamic tool injection: " + toolName + " was not present at registration",
		}, nil
	}

	_, _, currentHash, err := Hash(current)
	if err != nil {
		return nil, err
	}
	if currentHash == prev.CombinedHash {
		return nil, nil
	}

	return &MutationReport{
		ServerID:     serverID,
		ToolName:     toolName,
		Severity:     SeverityCritical,
		Action:       ActionDeny,
		Message:      "tool definition mutated mid-session: " + toolName,
		PreviousHash: prev.CombinedHash,
		CurrentHash:  currentHash,
	}, nil
}

// Lookup returns the currently-registered fingerprint for (serverID,
// toolName), if any.
func (d *Detector) Lookup(serverID, toolName string) (Fingerprint, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fp, ok := d.byServerTool[serverTool{serverID: serverID, toolName: toolName}]
	return fp, ok
}

// Violations returns the number of rate-limited registrations dropped so
// far, for metrics/introspection.
func (d *Detector) Violations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.violations
}

// ClearServer removes every fingerprint registered by one server and prunes
// empty reverse-index entries (spec §4.3 "clear_server").
func (d *Detector) ClearServer(serverID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range d.byServerTool {
		if key.serverID != serverID {
			continue
		}
		delete(d.byServerTool, key)
		if set := d.toolIndex[key.toolName]; set != nil {
			delete(set, serverID)
			if len(set) == 0 {
				delete(d.toolIndex, key.toolName)
			}
		}
	}
	delete(d.serverSeen, serverID)
	delete(d.limiters, serverID)
}

// Clear resets the entire registry (spec §4.3 "clear", a test hook).
func (d *Detector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byServerTool = make(map[serverTool]Fingerprint)
	d.toolIndex = make(map[string]map[string]struct{})
	d.serverSeen = make(map[string]struct{})
	d.knownCollisions = make(map[string]CollisionReport)
	d.limiters = make(map[string]*rate.Limiter)
	d.violations = 0
}
