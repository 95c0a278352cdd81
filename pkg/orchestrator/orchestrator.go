// Package orchestrator implements the multi-server lifecycle described in
// spec §4.9: it constructs one proxycore.Core per configured server, starts
// them concurrently while tolerating individual failures, and exposes the
// aggregated admin surface (list_servers, stats, shutdown).
//
// Grounded in the teacher's cmd/helm/main.go subsystem-wiring shape
// (construct shared singletons once, hand them to per-unit workers, expose
// a small net/http admin surface on its own goroutine) generalized from one
// monolithic server process to N independently-lifecycled proxy cores.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetlabs/overwatch/pkg/approval"
	"github.com/dotsetlabs/overwatch/pkg/audit"
	"github.com/dotsetlabs/overwatch/pkg/config"
	"github.com/dotsetlabs/overwatch/pkg/policy"
	"github.com/dotsetlabs/overwatch/pkg/process"
	"github.com/dotsetlabs/overwatch/pkg/proxycore"
	"github.com/dotsetlabs/overwatch/pkg/session"
	"github.com/dotsetlabs/overwatch/pkg/shadow"
	"github.com/dotsetlabs/overwatch/pkg/telemetry"
)

// Deps are the cross-core collaborators the orchestrator constructs (or is
// handed) once and shares with every core it starts (spec §5: "cores share
// only the session cache, audit sink, and policy engine").
type Deps struct {
	Spawner   process.Spawner     // default: process.ExecSpawner{}
	Approval  approval.Handler    // nil: prompts fall back to each core's FailMode
	Sessions  *session.Cache      // default: in-memory
	Audit     *audit.Sink         // default: fresh sink
	Detector  *shadow.Detector    // nil disables tool-shadowing checks
	Telemetry *telemetry.Provider // default: disabled provider
	Logger    *slog.Logger
	Now       func() time.Time
}

func (d Deps) normalize() Deps {
	if d.Spawner == nil {
		d.Spawner = process.ExecSpawner{}
	}
	if d.Sessions == nil {
		d.Sessions = session.NewCache(session.NewMemoryStore())
	}
	if d.Audit == nil {
		d.Audit = audit.NewSink()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Telemetry == nil {
		d.Telemetry, _ = telemetry.New(telemetry.Config{})
	}
	return d
}

// ClientIO is the client-facing stdio for one server's proxy core. In the
// common single-server deployment (Overwatch invoked in place of the
// upstream command) this is os.Stdin/os.Stdout; a supervisor process
// fronting several servers at once supplies one pair per server (e.g. one
// per accepted connection or named pipe) — obtaining those streams is a
// cmd/overwatch concern, not the orchestrator's.
type ClientIO struct {
	R io.Reader
	W io.Writer
}

// Orchestrator owns one policy.Engine and a set of proxycore.Core instances,
// one per configured server (spec §4.9).
type Orchestrator struct {
	mu         sync.Mutex
	doc        *config.Document
	deps       Deps
	policy     *policy.Engine
	cores      map[string]*proxycore.Core
	logger     *slog.Logger
	instanceID string
}

// New loads doc into a fresh policy engine and constructs an Orchestrator
// ready to Start its configured servers. strict controls whether policy
// load warnings are treated as errors (spec §8 invariant 4: "a policy set
// containing any validation error is never made active").
func New(doc *config.Document, deps Deps, strict bool) (*Orchestrator, error) {
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	deps = deps.normalize()

	engine := policy.NewEngine()
	if _, err := engine.Load(doc, strict); err != nil {
		return nil, fmt.Errorf("orchestrator: load policy: %w", err)
	}

	return &Orchestrator{
		doc:        doc,
		deps:       deps,
		policy:     engine,
		cores:      make(map[string]*proxycore.Core),
		logger:     deps.Logger,
		instanceID: uuid.NewString(),
	}, nil
}

// InstanceID uniquely identifies this orchestrator process for the lifetime
// of the run (SPEC_FULL.md admin surface: distinguishing log lines and
// /healthz responses across restarts or multiple co-located instances).
func (o *Orchestrator) InstanceID() string { return o.instanceID }

func (o *Orchestrator) coreConfig(name string, srv config.ServerConfig) proxycore.Config {
	failMode := proxycore.FailClosed
	switch o.doc.Defaults.FailModeOrDefault() {
	case "open":
		failMode = proxycore.FailOpen
	case "readonly":
		failMode = proxycore.FailReadonly
	}
	return proxycore.Config{
		ServerName:     name,
		Command:        srv.Command,
		Args:           srv.Args,
		Env:            srv.Env,
		RequestTimeout: o.doc.Defaults.TimeoutDuration(),
		FailMode:       failMode,
	}
}

func (o *Orchestrator) coreDeps() proxycore.Deps {
	return proxycore.Deps{
		Spawner:   o.deps.Spawner,
		Policy:    o.policy,
		Sessions:  o.deps.Sessions,
		Detector:  o.deps.Detector,
		Audit:     o.deps.Audit,
		Approval:  o.deps.Approval,
		Logger:    o.deps.Logger,
		Now:       o.deps.Now,
		Telemetry: o.deps.Telemetry,
	}
}

// StartSingle constructs, spawns, and attaches the client stream for one
// configured server (spec §4.9 "start_single(server)").
func (o *Orchestrator) StartSingle(ctx context.Context, name string, io_ ClientIO) error {
	o.mu.Lock()
	srv, ok := o.doc.Servers[name]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: unknown server %q", name)
	}
	if _, already := o.cores[name]; already {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: server %q already started", name)
	}
	core := proxycore.New(o.coreConfig(name, srv), o.coreDeps())
	o.mu.Unlock()

	if err := core.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator: start %q: %w", name, err)
	}
	core.AttachClient(io_.R, io_.W)

	o.mu.Lock()
	o.cores[name] = core
	o.mu.Unlock()
	return nil
}

// Start brings up every configured server concurrently (spec §4.9: "Starts
// them concurrently, tolerating individual failures"). clients must supply
// one ClientIO per server named in the configuration document; a server
// whose start fails is logged and left out of the active set, and the rest
// continue.
func (o *Orchestrator) Start(ctx context.Context, clients map[string]ClientIO) {
	var wg sync.WaitGroup
	for name := range o.doc.Servers {
		io_, ok := clients[name]
		if !ok {
			o.logger.Warn("no client stream supplied, skipping server", "server", name)
			continue
		}
		wg.Add(1)
		go func(name string, io_ ClientIO) {
			defer wg.Done()
			if err := o.StartSingle(ctx, name, io_); err != nil {
				o.logger.Error("server failed to start", "server", name, "err", err)
			}
		}(name, io_)
	}
	wg.Wait()
}

// ShutdownServer gracefully stops one server's core and removes it from the
// active set (spec §4.9 "shutdown_server(name)").
func (o *Orchestrator) ShutdownServer(ctx context.Context, name string) error {
	o.mu.Lock()
	core, ok := o.cores[name]
	if ok {
		delete(o.cores, name)
	}
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("orchestrator: server %q is not running", name)
	}
	return core.Shutdown(ctx)
}

// Shutdown stops every active core in parallel, swallowing individual
// errors (spec §4.9 "shutdown (shuts all cores in parallel, swallowing
// their individual errors)").
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	cores := make(map[string]*proxycore.Core, len(o.cores))
	for name, c := range o.cores {
		cores[name] = c
	}
	o.cores = make(map[string]*proxycore.Core)
	o.mu.Unlock()

	var wg sync.WaitGroup
	for name, core := range cores {
		wg.Add(1)
		go func(name string, core *proxycore.Core) {
			defer wg.Done()
			if err := core.Shutdown(ctx); err != nil {
				o.logger.Warn("error shutting down server", "server", name, "err", err)
			}
		}(name, core)
	}
	wg.Wait()
}

// ListServers implements spec §4.9 "list_servers".
func (o *Orchestrator) ListServers() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.cores))
	for name := range o.cores {
		out = append(out, name)
	}
	return out
}

// Stats returns each active core's point-in-time counters, keyed by server
// name (spec §4.9 "aggregated stats").
func (o *Orchestrator) Stats() map[string]proxycore.Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]proxycore.Stats, len(o.cores))
	for name, core := range o.cores {
		out[name] = core.GetStats()
	}
	return out
}

// AdminHandler exposes list_servers and stats over JSON on a ServeMux
// (SPEC_FULL.md "Admin/introspection surface"), grounded in the teacher's
// cmd/helm/main.go pattern of registering a couple of net/http routes
// directly rather than pulling in a router framework.
func (o *Orchestrator) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok", "instance_id": o.instanceID})
	})
	mux.HandleFunc("/servers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, o.ListServers())
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, o.Stats())
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
