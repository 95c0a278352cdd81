package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/dotsetlabs/overwatch/pkg/config"
	"github.com/dotsetlabs/overwatch/pkg/process"
	"github.com/dotsetlabs/overwatch/pkg/transport"
)

// fakeChild/fakeSpawner mirror proxycore's test doubles: an in-memory,
// pipe-backed process.ChildProcess so tests never spawn a real binary.
type fakeChild struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser

	mu     sync.Mutex
	killed bool
	waitCh chan struct{}
}

func newFakeChild() (*fakeChild, io.Reader, io.Writer) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	return &fakeChild{stdin: inW, stdout: outR, waitCh: make(chan struct{})}, inR, outW
}

func (f *fakeChild) Stdin() io.WriteCloser { return f.stdin }
func (f *fakeChild) Stdout() io.ReadCloser { return f.stdout }
func (f *fakeChild) Pid() int              { return 1234 }

func (f *fakeChild) Signal(sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.killed {
		f.killed = true
		close(f.waitCh)
	}
	return nil
}

func (f *fakeChild) Wait() error {
	<-f.waitCh
	return nil
}

// echoSpawner spawns one fakeChild per call and drives an "allow everything,
// echo a static result" upstream loop over it.
type echoSpawner struct{}

func (echoSpawner) Spawn(ctx context.Context, command string, args []string, env map[string]string) (process.ChildProcess, error) {
	child, serverIn, serverOut := newFakeChild()
	go func() {
		fr := transport.NewFrameReader(serverIn, transport.Limits{})
		for {
			raw, err := fr.ReadFrame()
			if err != nil {
				return
			}
			msg, err := transport.Unmarshal(raw)
			if err != nil {
				continue
			}
			if msg.Kind != transport.KindRequest {
				continue
			}
			resp := transport.NewResultResponse(*msg.ID, json.RawMessage(`{"ok":true}`))
			payload, _ := resp.Marshal()
			if err := transport.WriteFrame(serverOut, payload); err != nil {
				return
			}
		}
	}()
	return child, nil
}

func testDoc() *config.Document {
	return &config.Document{
		Version: 1,
		Defaults: config.Defaults{Action: "allow"},
		Servers: map[string]config.ServerConfig{
			"fs":   {Command: "fake-fs"},
			"mail": {Command: "fake-mail"},
		},
	}
}

func TestOrchestrator_StartAllToleratesIndividualFailure(t *testing.T) {
	orch, err := New(testDoc(), Deps{Spawner: echoSpawner{}}, false)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	fsReqR, fsReqW := io.Pipe()
	fsRespR, fsRespW := io.Pipe()

	clients := map[string]ClientIO{
		"fs": {R: fsReqR, W: fsRespW},
		// "mail" deliberately omitted: Start must skip it and keep going.
	}
	orch.Start(context.Background(), clients)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})

	servers := orch.ListServers()
	if len(servers) != 1 || servers[0] != "fs" {
		t.Fatalf("expected only fs to be active, got %v", servers)
	}

	msg := transport.NewRequest(json.RawMessage(`"1"`), "tools/call", json.RawMessage(`{"name":"read_file","arguments":{}}`))
	payload, _ := msg.Marshal()
	if err := transport.WriteFrame(fsReqW, payload); err != nil {
		t.Fatalf("write request: %v", err)
	}

	fr := transport.NewFrameReader(fsRespR, transport.Limits{})
	raw, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	resp, err := transport.Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestOrchestrator_AdminHandlerServesStatsAndServers(t *testing.T) {
	orch, err := New(testDoc(), Deps{Spawner: echoSpawner{}}, false)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	_ = reqW
	_ = respR
	if err := orch.StartSingle(context.Background(), "fs", ClientIO{R: reqR, W: respW}); err != nil {
		t.Fatalf("start single: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})

	srv := httptest.NewServer(orch.AdminHandler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/servers")
	if err != nil {
		t.Fatalf("get /servers: %v", err)
	}
	defer resp.Body.Close()

	var names []string
	if err := json.NewDecoder(resp.Body).Decode(&names); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(names) != 1 || names[0] != "fs" {
		t.Fatalf("expected [fs], got %v", names)
	}
}

func TestOrchestrator_ShutdownServerRemovesFromActiveSet(t *testing.T) {
	orch, err := New(testDoc(), Deps{Spawner: echoSpawner{}}, false)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	_ = reqW
	_ = respR
	if err := orch.StartSingle(context.Background(), "fs", ClientIO{R: reqR, W: respW}); err != nil {
		t.Fatalf("start single: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := orch.ShutdownServer(ctx, "fs"); err != nil {
		t.Fatalf("shutdown server: %v", err)
	}
	if len(orch.ListServers()) != 0 {
		t.Fatalf("expected no active servers after shutdown_server")
	}
	if err := orch.ShutdownServer(ctx, "fs"); err == nil {
		t.Fatal("expected error shutting down an already-stopped server")
	}
}
