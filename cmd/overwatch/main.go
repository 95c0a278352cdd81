// Command overwatch is the CLI entry point for the proxy (spec §1 names the
// supervising CLI itself as an external collaborator/Non-goal; this is the
// ambient wiring a deployment needs regardless — reading the config
// document, constructing the orchestrator's dependencies, starting the
// configured servers against real os.Stdin/os.Stdout, and serving the admin
// surface).
//
// Grounded in the teacher's cmd/helm/main.go dispatcher (Run(args, stdout,
// stderr) int behind a thin main(), a command switch, a background admin/
// health goroutine, signal-based graceful shutdown, a standalone "health"
// subcommand that curls the health endpoint).
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dotsetlabs/overwatch/pkg/approval"
	"github.com/dotsetlabs/overwatch/pkg/audit"
	"github.com/dotsetlabs/overwatch/pkg/config"
	"github.com/dotsetlabs/overwatch/pkg/orchestrator"
	"github.com/dotsetlabs/overwatch/pkg/session"
	"github.com/dotsetlabs/overwatch/pkg/shadow"
	"github.com/dotsetlabs/overwatch/pkg/store"
	"github.com/dotsetlabs/overwatch/pkg/telemetry"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 2
	}

	switch args[1] {
	case "run", "serve":
		return runServeCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "overwatch: a runtime security proxy for MCP tool servers")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "usage:")
	fmt.Fprintln(w, "  overwatch run --config overwatch.yaml --server <name> [--admin-addr :8787]")
	fmt.Fprintln(w, "  overwatch health [--admin-addr :8787]")
}

// runServeCmd loads the configuration document, wires the orchestrator's
// dependencies, starts the single named server against this process's own
// stdio, and serves the admin surface until a termination signal arrives
// (spec §4.9, SUPPLEMENTED FEATURES). A single CLI invocation owns exactly
// one real os.Stdin/os.Stdout pair, so it can only front one server at a
// time; fronting several at once means running one overwatch process per
// server, each with its own admin port.
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	flags := newFlagSet("run")
	configPath := flags.String("config", "overwatch.yaml", "path to the Overwatch configuration document")
	serverName := flags.String("server", "", "name of the server entry (in the config document) to proxy")
	adminAddr := flags.String("admin-addr", ":8787", "address for the admin/introspection HTTP surface")
	strict := flags.Bool("strict", false, "treat policy validation warnings as load errors")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if *serverName == "" {
		fmt.Fprintln(stderr, "overwatch run: --server is required")
		return 2
	}

	logger := slog.New(slog.NewJSONHandler(stderr, nil))

	doc, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "overwatch: %v\n", err)
		return 1
	}

	deps, cleanup, err := buildDeps(*doc, logger)
	if err != nil {
		fmt.Fprintf(stderr, "overwatch: %v\n", err)
		return 1
	}
	defer cleanup()

	orch, err := orchestrator.New(doc, deps, *strict)
	if err != nil {
		fmt.Fprintf(stderr, "overwatch: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.StartSingle(ctx, *serverName, orchestrator.ClientIO{R: os.Stdin, W: os.Stdout}); err != nil {
		fmt.Fprintf(stderr, "overwatch: %v\n", err)
		return 1
	}
	logger.Info("server started", "server", *serverName)

	admin := &http.Server{Addr: *adminAddr, Handler: orch.AdminHandler()}
	go func() {
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = admin.Shutdown(shutdownCtx)
	orch.Shutdown(shutdownCtx)
	return 0
}

// runHealthCmd is the out-of-process health check: it hits the admin
// surface's /healthz route the way a process supervisor would.
func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	flags := newFlagSet("health")
	adminAddr := flags.String("admin-addr", "localhost:8787", "address of the running instance's admin surface")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	resp, err := http.Get("http://" + *adminAddr + "/healthz")
	if err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func loadConfig(path string) (*config.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var doc config.Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// buildDeps wires orchestrator.Deps from the config document: the SQLite
// store (when audit.path is set), the shadow detector (when tool_shadowing
// is enabled), the telemetry provider, and a webhook approval handler (when
// OVERWATCH_APPROVAL_WEBHOOK_URL is set in the environment — the webhook's
// shared secret is deliberately kept out of the YAML document so it never
// ends up committed alongside it). The returned cleanup func releases any
// opened resources and must run on every return path.
func buildDeps(doc config.Document, logger *slog.Logger) (orchestrator.Deps, func(), error) {
	cleanup := func() {}

	sink := audit.NewSink()
	sessionStore := session.Store(session.NewMemoryStore())

	if doc.Audit.Enabled && doc.Audit.Path != "" {
		st, err := store.Open(doc.Audit.Path)
		if err != nil {
			return orchestrator.Deps{}, cleanup, fmt.Errorf("open store: %w", err)
		}
		sink.Subscribe(func(e audit.Entry) {
			if err := st.SaveAuditEntry(e); err != nil {
				logger.Warn("failed to persist audit entry", "err", err)
			}
		})
		sessionStore = st
		cleanup = func() { _ = st.Close() }
	}

	var detector *shadow.Detector
	if doc.ToolShadowing.Enabled {
		detector = shadow.NewDetector(shadow.DetectorConfig{})
	}

	telemetryProvider, err := telemetry.New(telemetry.Config{ServiceName: "overwatch", Enabled: true, Writer: os.Stderr})
	if err != nil {
		return orchestrator.Deps{}, cleanup, fmt.Errorf("init telemetry: %w", err)
	}
	prevCleanup := cleanup
	cleanup = func() {
		prevCleanup()
		_ = telemetryProvider.Shutdown(context.Background())
	}

	var handler approval.Handler
	if url := os.Getenv("OVERWATCH_APPROVAL_WEBHOOK_URL"); url != "" {
		handler = approval.NewWebhookHandler(approval.WebhookConfig{
			URL:    url,
			Secret: os.Getenv("OVERWATCH_APPROVAL_WEBHOOK_SECRET"),
		})
	}

	return orchestrator.Deps{
		Sessions:  session.NewCache(sessionStore),
		Audit:     sink,
		Detector:  detector,
		Telemetry: telemetryProvider,
		Approval:  handler,
		Logger:    logger,
	}, cleanup, nil
}
