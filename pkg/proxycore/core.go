// Package proxycore implements the per-server proxy state machine (spec
// §4.8): it owns the client-facing transport, spawns and owns the upstream
// child process and its transport, and drives every message through the
// per-message and tool-call policy pipelines. Grounded in the teacher's
// pkg/firewall (evaluate-then-forward shape) and pkg/util/resiliency
// (breaker-guarded retries), generalized to the bidirectional relay spec
// §4.8 describes.
package proxycore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dotsetlabs/overwatch/pkg/approval"
	"github.com/dotsetlabs/overwatch/pkg/audit"
	"github.com/dotsetlabs/overwatch/pkg/breaker"
	"github.com/dotsetlabs/overwatch/pkg/policy"
	"github.com/dotsetlabs/overwatch/pkg/process"
	"github.com/dotsetlabs/overwatch/pkg/session"
	"github.com/dotsetlabs/overwatch/pkg/shadow"
	"github.com/dotsetlabs/overwatch/pkg/telemetry"
	"github.com/dotsetlabs/overwatch/pkg/transport"
)

// FailMode governs the behavior of the proxy core on upstream failure or
// approval-handler error (spec §4.8, §7).
type FailMode string

const (
	FailOpen     FailMode = "open"
	FailClosed   FailMode = "closed"
	FailReadonly FailMode = "readonly"
)

// Config holds one server's proxy core settings (spec §4.8).
type Config struct {
	ServerName string
	Command    string
	Args       []string
	Env        map[string]string

	RequestTimeout      time.Duration // default 30s
	SweepInterval       time.Duration // default 5s
	MaxMessageSize      int           // default 10MiB, mirrors transport.Limits
	FailMode            FailMode      // default closed
	RecoveryEnabled     bool
	MaxRecoveryAttempts int           // default 5
	RecoveryBaseDelay   time.Duration // default 1000ms
	RecoveryMaxDelay    time.Duration // default 16000ms
	ShutdownGrace       time.Duration // default 5s
	Breaker             breaker.Config
}

func (c Config) normalize() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 10 * 1024 * 1024
	}
	switch c.FailMode {
	case FailOpen, FailClosed, FailReadonly:
	default:
		c.FailMode = FailClosed
	}
	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = 5
	}
	if c.RecoveryBaseDelay <= 0 {
		c.RecoveryBaseDelay = 1000 * time.Millisecond
	}
	if c.RecoveryMaxDelay <= 0 {
		c.RecoveryMaxDelay = 16000 * time.Millisecond
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	return c
}

// Deps are the shared, cross-core collaborators (spec §4.9: "cores share
// only the session cache, audit sink, and policy engine").
type Deps struct {
	Spawner   process.Spawner
	Policy    *policy.Engine
	Sessions  *session.Cache
	Detector  *shadow.Detector // nil disables tool-shadowing checks
	Audit     *audit.Sink
	Approval  approval.Handler // nil: prompts immediately fall back to FailMode
	Logger    *slog.Logger
	Now       func() time.Time
	Telemetry *telemetry.Provider // nil disables span/counter emission
}

// runState is the core's lifecycle state (spec §4.8 "State: {running,
// shutting_down}").
type runState int32

const (
	stateIdle runState = iota
	stateRunning
	stateShuttingDown
	stateStopped
)

// Stats is a point-in-time snapshot of request counters (spec §4.8).
type Stats struct {
	RequestsTotal     int64
	RequestsTimedOut  int64
	RequestsFailed    int64
	RequestsDenied    int64
	RequestsAllowed   int64
	BreakerState      breaker.State
	PendingCount      int
	RecoveryAttempts  int64
}

// Core is one proxy core: one client transport, one upstream child, one
// upstream transport (spec §4.8).
type Core struct {
	cfg  Config
	deps Deps

	state atomic.Int32

	clientTransport   *transport.Transport
	upstreamTransport *transport.Transport
	child             process.ChildProcess

	breaker *breaker.Breaker
	pending *pendingTable

	approvals map[string]context.CancelFunc

	timeoutCh  chan string
	approvalCh chan approvalResult
	shutdownCh chan chan struct{}

	mu    sync.Mutex // guards counters and approvals map (touched from goroutines)
	stats Stats

	wg sync.WaitGroup
}

type approvalResult struct {
	id     string
	rawID  json.RawMessage
	method string
	params json.RawMessage
	server string
	tool   string
	args   map[string]any
	risk   string

	traceID string
	resp    approval.Response
	err     error
}

// New constructs a Core. Call Start to spawn the child and begin serving.
func New(cfg Config, deps Deps) *Core {
	cfg = cfg.normalize()
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Telemetry == nil {
		deps.Telemetry, _ = telemetry.New(telemetry.Config{})
	}
	return &Core{
		cfg:        cfg,
		deps:       deps,
		breaker:    breaker.NewWithClock(cfg.Breaker, deps.Now),
		pending:    newPendingTable(),
		approvals:  make(map[string]context.CancelFunc),
		timeoutCh:  make(chan string, 16),
		approvalCh: make(chan approvalResult, 16),
		shutdownCh: make(chan chan struct{}, 1),
	}
}

// Start spawns the upstream child, wires both transports, and begins the
// run loop. clientR/clientW are the client-facing stdio; the core does not
// close them.
func (c *Core) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(stateIdle), int32(stateRunning)) {
		return fmt.Errorf("proxycore: %s already started", c.cfg.ServerName)
	}
	if err := c.spawnUpstream(ctx); err != nil {
		c.state.Store(int32(stateIdle))
		return err
	}
	return nil
}

// AttachClient wires the client-facing stdio and starts the run loop. Split
// from Start so tests can spawn the child before attaching a client pipe.
func (c *Core) AttachClient(clientR io.Reader, clientW io.Writer) {
	c.clientTransport = transport.New(clientR, clientW, nil, transport.Limits{MaxMessageSize: c.cfg.MaxMessageSize})
	c.wg.Add(1)
	go c.run()
}

func (c *Core) spawnUpstream(ctx context.Context) error {
	child, err := c.deps.Spawner.Spawn(ctx, c.cfg.Command, c.cfg.Args, c.cfg.Env)
	if err != nil {
		return fmt.Errorf("proxycore: spawn %s: %w", c.cfg.ServerName, err)
	}
	c.child = child
	c.upstreamTransport = transport.New(child.Stdout(), child.Stdin(), childCloser{child}, transport.Limits{MaxMessageSize: c.cfg.MaxMessageSize})
	return nil
}

type childCloser struct{ c process.ChildProcess }

func (cc childCloser) Close() error {
	cc.c.Stdin().Close()
	return cc.c.Stdout().Close()
}

// run is the core's single logical task: every state transition happens on
// this goroutine, serialized by the select loop (spec §5).
func (c *Core) run() {
	defer c.wg.Done()

	sweep := time.NewTicker(c.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		var upstreamEvents <-chan transport.Event
		if c.upstreamTransport != nil {
			upstreamEvents = c.upstreamTransport.Events()
		}

		select {
		case ev, ok := <-c.clientTransport.Events():
			if !ok {
				c.handleUpstreamFailure("client transport closed")
				return
			}
			c.handleClientEvent(ev)

		case ev, ok := <-upstreamEvents:
			if !ok {
				c.upstreamTransport = nil
				c.handleUpstreamFailure("upstream transport closed")
				continue
			}
			c.handleUpstreamEvent(ev)

		case id := <-c.timeoutCh:
			c.completeTimeout(id)

		case res := <-c.approvalCh:
			c.finishApproval(res)

		case <-sweep.C:
			c.sweepExpired()

		case done := <-c.shutdownCh:
			c.doShutdown()
			close(done)
			return
		}
	}
}

// handleClientEvent implements the "per-message policy (client->upstream)"
// pipeline (spec §4.8).
func (c *Core) handleClientEvent(ev transport.Event) {
	switch ev.Type {
	case transport.EventError:
		c.deps.Logger.Warn("client frame error", "server", c.cfg.ServerName, "err", ev.Err)
		return
	case transport.EventClose:
		return
	}

	msg := ev.Message
	payload, _ := msg.Marshal()

	if len(payload) > c.cfg.MaxMessageSize {
		if msg.Kind == transport.KindRequest {
			c.replyError(msg, CodeRequestTooLarge)
		}
		return
	}

	if !c.breaker.CanExecute() {
		if msg.Kind == transport.KindRequest {
			c.replyError(msg, CodeCircuitBreakerOpen)
		}
		return
	}

	c.addStat(func(s *Stats) { s.RequestsTotal++ })

	if msg.Kind == transport.KindNotification {
		_ = c.upstreamTransport.Send(msg)
		return
	}

	if msg.Method != "tools/call" {
		c.forwardWithTimeout(msg, "")
		return
	}

	c.runToolCallPipeline(msg)
}

// runToolCallPipeline implements spec §4.8 "Tool-call pipeline". traceID
// correlates every audit entry and log line this call produces, including
// ones emitted later from an async approval or the pending-request timeout
// path.
func (c *Core) runToolCallPipeline(msg *transport.Message) {
	tool, args := extractToolCall(msg.Params)
	traceID := uuid.NewString()

	ctx, span := c.deps.Telemetry.StartSpan(context.Background(), "tool_call_dispatch",
		attribute.String("server", c.cfg.ServerName), attribute.String("tool", tool))
	defer span.End()

	decision := c.deps.Policy.Evaluate(c.cfg.ServerName, tool, args)

	if c.deps.Detector != nil {
		current := &shadow.ToolDescriptor{Name: tool}
		if fp, ok := c.deps.Detector.Lookup(c.cfg.ServerName, tool); ok {
			descriptor := fp.Descriptor
			current = &descriptor
		}
		if report, err := c.deps.Detector.CheckForMutation(c.cfg.ServerName, tool, current); err == nil && report != nil {
			c.deps.Logger.Warn("tool mutation detected", "trace_id", traceID, "server", c.cfg.ServerName, "tool", tool, "severity", report.Severity.String())
			if escalated := escalateAction(decision.Action, report.Action); escalated != decision.Action {
				decision.Action = escalated
				decision.Reason = report.Message
			}
		}
	}

	switch decision.Action {
	case policy.ActionDeny:
		c.addStat(func(s *Stats) { s.RequestsDenied++ })
		c.auditDecision(traceID, tool, args, string(decision.Risk), "denied", decision.Reason)
		c.deps.Telemetry.RecordRequest(ctx, c.cfg.ServerName, tool, "denied")
		c.replyError(msg, CodeToolDenied)
		return

	case policy.ActionPrompt:
		if grant, err := c.deps.Sessions.Check(tool, c.cfg.ServerName); err == nil && grant != nil {
			c.addStat(func(s *Stats) { s.RequestsAllowed++ })
			c.auditDecision(traceID, tool, args, string(decision.Risk), "allowed", "session grant "+grant.ID)
			c.deps.Telemetry.RecordRequest(ctx, c.cfg.ServerName, tool, "allowed")
			c.forwardWithTimeout(msg, traceID)
			return
		}
		c.requestApproval(msg, tool, args, string(decision.Risk), decision.Reason, traceID)
		return

	default: // allow
		c.addStat(func(s *Stats) { s.RequestsAllowed++ })
		c.auditDecision(traceID, tool, args, string(decision.Risk), "allowed", decision.Reason)
		c.deps.Telemetry.RecordRequest(ctx, c.cfg.ServerName, tool, "allowed")
		c.forwardWithTimeout(msg, traceID)
	}
}

// actionRank orders policy actions from least to most restrictive, so two
// independently-computed decisions (policy engine, shadow detector) can be
// combined by keeping the stricter one.
func actionRank(a policy.Action) int {
	switch a {
	case policy.ActionDeny:
		return 2
	case policy.ActionPrompt:
		return 1
	default: // allow
		return 0
	}
}

// escalateAction folds a shadow-detector recommendation into a policy
// decision, keeping whichever of the two is stricter (spec §2's data-flow
// diagram routes every tool call through both the shadowing detector and
// the policy engine before a decision is final).
func escalateAction(base policy.Action, addition shadow.Action) policy.Action {
	add := policy.Action(addition)
	if actionRank(add) > actionRank(base) {
		return add
	}
	return base
}

func (c *Core) requestApproval(msg *transport.Message, tool string, args map[string]any, risk, reason, traceID string) {
	if c.deps.Approval == nil {
		c.failPrompt(msg, tool, args, risk, "no approval handler configured", traceID)
		return
	}

	id := msg.IDString()
	rawID := rawIDOf(msg)
	method := msg.Method
	params := msg.Params

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	c.mu.Lock()
	c.approvals[id] = cancel
	c.mu.Unlock()

	req := approval.Request{
		ID:        id,
		Timestamp: c.deps.Now(),
		Server:    c.cfg.ServerName,
		Tool:      tool,
		Args:      args,
		RiskLevel: risk,
		Reason:    reason,
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		resp, err := c.deps.Approval.RequestApproval(ctx, req)
		select {
		case c.approvalCh <- approvalResult{id: id, rawID: rawID, method: method, params: params, server: c.cfg.ServerName, tool: tool, args: args, risk: risk, resp: resp, err: err, traceID: traceID}:
		case <-ctx.Done():
		}
	}()
}

func (c *Core) finishApproval(res approvalResult) {
	c.mu.Lock()
	if cancel, ok := c.approvals[res.id]; ok {
		cancel()
		delete(c.approvals, res.id)
	}
	c.mu.Unlock()

	rawID := json.RawMessage(res.rawID)
	msg := transport.NewRequest(rawID, res.method, res.params)

	if res.err != nil {
		c.failPrompt(msg, res.tool, res.args, res.risk, "approval handler error: "+res.err.Error(), res.traceID)
		return
	}
	if !res.resp.Approved {
		c.addStat(func(s *Stats) { s.RequestsDenied++ })
		c.auditDecision(res.traceID, res.tool, res.args, res.risk, "denied", "User denied")
		c.replyError(msg, CodeToolDenied)
		return
	}
	c.addStat(func(s *Stats) { s.RequestsAllowed++ })

	if res.resp.SessionDuration != "" {
		_, _ = c.deps.Sessions.Create(session.CreateOptions{
			Scope:     session.ScopeTool,
			Pattern:   res.tool,
			Duration:  res.resp.SessionDuration,
			Server:    c.cfg.ServerName,
			ToolName:  res.tool,
			ToolArgs:  res.args,
			RiskLevel: res.risk,
			Reason:    res.resp.Reason,
			Source:    "approval",
		})
	}

	c.auditDecision(res.traceID, res.tool, res.args, res.risk, "allowed", "approved")
	c.forwardWithTimeout(msg, res.traceID)
}

// failPrompt applies the configured FailMode when approval cannot be
// obtained (no handler, or the handler errored) — spec §4.8: "Approval
// handler raising an error falls back to the proxy's fail mode: open ->
// allow; closed or readonly -> deny."
func (c *Core) failPrompt(msg *transport.Message, tool string, args map[string]any, risk, reason, traceID string) {
	if c.cfg.FailMode == FailOpen {
		c.addStat(func(s *Stats) { s.RequestsAllowed++ })
		c.auditDecision(traceID, tool, args, risk, "allowed", "fail_mode=open: "+reason)
		c.forwardWithTimeout(msg, traceID)
		return
	}
	c.addStat(func(s *Stats) { s.RequestsDenied++ })
	c.auditDecision(traceID, tool, args, risk, "denied", reason)
	c.replyError(msg, CodeToolDenied)
}

// forwardWithTimeout installs the per-request timeout and registers the
// entry in the pending table before forwarding to upstream (spec §4.8
// "Forward to upstream, install a per-request timeout, register in
// pending"). traceID is carried through for correlated logging only; pass
// "" for messages with no tool-call pipeline ancestry (e.g. non-tools/call
// requests forwarded directly from handleClientEvent).
func (c *Core) forwardWithTimeout(msg *transport.Message, traceID string) {
	id := msg.IDString()
	if id == "" {
		_ = c.upstreamTransport.Send(msg)
		return
	}

	now := c.deps.Now()
	pr := &pendingRequest{
		id:       id,
		rawID:    rawIDOf(msg),
		method:   msg.Method,
		start:    now,
		deadline: now.Add(c.cfg.RequestTimeout),
		traceID:  traceID,
	}
	pr.timer = time.AfterFunc(c.cfg.RequestTimeout, func() {
		select {
		case c.timeoutCh <- id:
		default:
		}
	})
	c.pending.insert(pr)

	if err := c.upstreamTransport.Send(msg); err != nil {
		c.pending.remove(id)
		c.replyError(msg, CodeUpstreamUnavailable)
		return
	}
}

// handleUpstreamEvent implements spec §4.8 "Upstream->client".
func (c *Core) handleUpstreamEvent(ev transport.Event) {
	if ev.Type != transport.EventMessage {
		if ev.Type == transport.EventError {
			c.deps.Logger.Warn("upstream frame error", "server", c.cfg.ServerName, "err", ev.Err)
		}
		return
	}

	msg := ev.Message
	id := msg.IDString()
	if id == "" {
		_ = c.clientTransport.Send(msg)
		return
	}

	if pr, ok := c.pending.remove(id); ok {
		c.breaker.RecordSuccess()
		if pr.method == "tools/list" {
			c.registerUpstreamTools(msg)
		}
	}

	payload, _ := msg.Marshal()
	if len(payload) > c.cfg.MaxMessageSize {
		c.deps.Logger.Warn("message-too-large", "server", c.cfg.ServerName, "id", id)
	}
	_ = c.clientTransport.Send(msg)
}

// registerUpstreamTools feeds every tool descriptor advertised in a
// tools/list response into the shadow detector (spec §4.3 "Registration"),
// the live data source the collision check and the mutation check's
// dynamic-injection branch depend on.
func (c *Core) registerUpstreamTools(msg *transport.Message) {
	if c.deps.Detector == nil || msg.Error != nil {
		return
	}
	var result struct {
		Tools []shadow.ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return
	}
	for i := range result.Tools {
		descriptor := result.Tools[i]
		report, err := c.deps.Detector.RegisterTool(c.cfg.ServerName, &descriptor)
		if err != nil {
			c.deps.Logger.Warn("tool registration dropped", "server", c.cfg.ServerName, "tool", descriptor.Name, "err", err)
			continue
		}
		if report.Malformed != nil {
			c.deps.Logger.Warn("malformed tool descriptor", "server", c.cfg.ServerName, "tool", descriptor.Name, "reason", report.Malformed.Reason)
		}
		if report.Collision != nil && report.Collision.Severity == shadow.SeverityCritical {
			c.deps.Logger.Warn("tool shadowing collision detected", "server", c.cfg.ServerName, "tool", descriptor.Name, "servers", report.Collision.Servers)
		}
	}
}

// completeTimeout is the per-request timer's completion path (spec §4.8
// "Timeouts").
func (c *Core) completeTimeout(id string) {
	pr, ok := c.pending.remove(id)
	if !ok {
		return
	}
	c.breaker.RecordFailure()
	c.addStat(func(s *Stats) { s.RequestsTimedOut++ })
	c.deps.Logger.Warn("request timed out", "server", c.cfg.ServerName, "method", pr.method, "trace_id", pr.traceID)
	c.deps.Telemetry.RecordTimeout(context.Background(), c.cfg.ServerName, pr.method)
	c.replyErrorByID(pr.rawID, CodeRequestTimeout)
}

// sweepExpired is the periodic safety-net reaper (spec §4.8 "Timeouts").
func (c *Core) sweepExpired() {
	now := c.deps.Now()
	for _, pr := range c.pending.all() {
		if now.After(pr.deadline) || now.Equal(pr.deadline) {
			c.completeTimeout(pr.id)
		}
	}
}

// handleUpstreamFailure implements spec §4.8 "Upstream failure".
func (c *Core) handleUpstreamFailure(reason string) {
	c.deps.Logger.Warn("upstream failure", "server", c.cfg.ServerName, "reason", reason)

	for _, pr := range c.pending.all() {
		c.pending.remove(pr.id)
		switch c.cfg.FailMode {
		case FailClosed:
			c.replyErrorByID(pr.rawID, CodeUpstreamUnavailable)
		case FailReadonly:
			c.deps.Logger.Warn("upstream unavailable while readonly", "server", c.cfg.ServerName, "id", pr.id)
		case FailOpen:
			// best-effort: drop silently, client will time out client-side.
		}
	}
	c.addStat(func(s *Stats) { s.RequestsFailed++ })
	c.breaker.RecordFailure()

	if !c.cfg.RecoveryEnabled || runState(c.state.Load()) == stateShuttingDown {
		return
	}
	c.attemptRecovery()
}

// attemptRecovery implements spec §4.8 "Upstream failure / recovery": up to
// MaxRecoveryAttempts, delay min(RecoveryBaseDelay*2^(n-1), RecoveryMaxDelay)
// between attempts; each attempt kills the old child, tears down the
// upstream transport, and re-invokes spawnUpstream. Runs on the same
// goroutine as run(), so other event processing pauses for its duration —
// the run loop itself is the one thing the spec asks to keep single-
// threaded, and recovery is part of that loop's job.
func (c *Core) attemptRecovery() {
	if c.child != nil {
		_ = process.Terminate(c.child, c.cfg.ShutdownGrace)
		c.child = nil
	}
	if c.upstreamTransport != nil {
		_ = c.upstreamTransport.Close()
		c.upstreamTransport = nil
	}

	for attempt := 1; attempt <= c.cfg.MaxRecoveryAttempts; attempt++ {
		if runState(c.state.Load()) == stateShuttingDown {
			return
		}

		delay := c.cfg.RecoveryBaseDelay * time.Duration(1<<uint(attempt-1))
		if delay > c.cfg.RecoveryMaxDelay {
			delay = c.cfg.RecoveryMaxDelay
		}
		c.deps.Logger.Info("recovery-attempt", "server", c.cfg.ServerName, "attempt", attempt, "delay", delay)
		c.addStat(func(s *Stats) { s.RecoveryAttempts++ })

		if !c.sleepUnlessShuttingDown(delay) {
			return
		}

		if err := c.spawnUpstream(context.Background()); err != nil {
			c.deps.Logger.Warn("recovery-error", "server", c.cfg.ServerName, "attempt", attempt, "err", err)
			continue
		}
		c.deps.Logger.Info("recovery-success", "server", c.cfg.ServerName, "attempt", attempt)
		c.breaker.Reset()
		return
	}
	c.deps.Logger.Warn("recovery-failed", "server", c.cfg.ServerName, "attempts", c.cfg.MaxRecoveryAttempts)
}

// sleepUnlessShuttingDown waits for d in small increments so a concurrent
// Shutdown (which flips state before the run loop ever sees shutdownCh) is
// noticed promptly. Returns false if shutdown was observed mid-sleep.
func (c *Core) sleepUnlessShuttingDown(d time.Duration) bool {
	const tick = 50 * time.Millisecond
	remaining := d
	for remaining > 0 {
		if runState(c.state.Load()) == stateShuttingDown {
			return false
		}
		step := tick
		if remaining < step {
			step = remaining
		}
		time.Sleep(step)
		remaining -= step
	}
	return runState(c.state.Load()) != stateShuttingDown
}

func (c *Core) doShutdown() {
	c.state.Store(int32(stateShuttingDown))

	for _, pr := range c.pending.all() {
		c.pending.remove(pr.id)
		c.replyErrorByID(pr.rawID, CodeServerShuttingDown)
	}

	c.mu.Lock()
	for _, cancel := range c.approvals {
		cancel()
	}
	c.approvals = make(map[string]context.CancelFunc)
	c.mu.Unlock()

	_ = c.clientTransport.Close()
	_ = c.upstreamTransport.Close()

	if c.child != nil {
		_ = process.Terminate(c.child, c.cfg.ShutdownGrace)
	}
	c.state.Store(int32(stateStopped))
}

// Shutdown is idempotent (spec §4.8 "Graceful shutdown"). It returns only
// after the child has exited or been forcibly killed.
func (c *Core) Shutdown(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(stateRunning), int32(stateShuttingDown)) {
		if runState(c.state.Load()) == stateStopped {
			return nil
		}
	}
	done := make(chan struct{})
	select {
	case c.shutdownCh <- done:
	default:
		return nil // shutdown already in flight
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.wg.Wait()
	return nil
}

func (c *Core) replyError(msg *transport.Message, code int) {
	c.replyErrorByID(rawIDOf(msg), code)
}

func (c *Core) replyErrorByID(rawID json.RawMessage, code int) {
	resp := transport.NewErrorResponse(rawID, code, errorMessages[code], nil)
	_ = c.clientTransport.Send(resp)
}

func (c *Core) auditDecision(traceID, tool string, args map[string]any, risk, decision, reason string) {
	if c.deps.Audit == nil {
		return
	}
	c.deps.Audit.Log(audit.Entry{
		Server:    c.cfg.ServerName,
		Tool:      tool,
		Args:      args,
		RiskLevel: risk,
		Decision:  decision,
		Error:     reasonIfDenied(decision, reason),
		TraceID:   traceID,
	})
}

func reasonIfDenied(decision, reason string) string {
	if decision == "denied" {
		return reason
	}
	return ""
}

func (c *Core) addStat(mutate func(*Stats)) {
	c.mu.Lock()
	mutate(&c.stats)
	c.mu.Unlock()
}

// GetStats returns a snapshot of the core's counters (spec §4.9 "aggregated
// stats").
func (c *Core) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.BreakerState = c.breaker.State()
	s.PendingCount = c.pending.len()
	return s
}

func extractToolCall(params json.RawMessage) (string, map[string]any) {
	var decoded struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	_ = json.Unmarshal(params, &decoded)
	return decoded.Name, decoded.Arguments
}

// rawIDOf returns the raw JSON id bytes of a message, or "null" if absent.
func rawIDOf(msg *transport.Message) json.RawMessage {
	if msg.ID == nil {
		return json.RawMessage("null")
	}
	return *msg.ID
}
