package telemetry

import (
	"bytes"
	"context"
	"testing"
)

func TestProvider_DisabledIsSafeToCall(t *testing.T) {
	p, err := New(Config{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, span := p.StartSpan(context.Background(), "tool_call_dispatch")
	span.End()
	p.RecordRequest(ctx, "fs", "read_file", "allowed")
	p.RecordTimeout(ctx, "fs", "tools/call")
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestProvider_EnabledWritesToConfiguredWriter(t *testing.T) {
	var buf bytes.Buffer
	p, err := New(Config{Enabled: true, Writer: &buf})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, span := p.StartSpan(context.Background(), "tool_call_dispatch")
	p.RecordRequest(ctx, "fs", "read_file", "denied")
	span.End()

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected the stdout exporter to have written the completed span")
	}
}
