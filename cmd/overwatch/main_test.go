package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRun_NoArgsPrintsUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"overwatch"}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("code = %d, want 2", code)
	}
	if !strings.Contains(stdout.String(), "overwatch") {
		t.Errorf("usage output missing program name: %q", stdout.String())
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"overwatch", "bogus"}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("code = %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "bogus") {
		t.Errorf("stderr missing unknown command name: %q", stderr.String())
	}
}

func TestRun_ServeMissingServerFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"overwatch", "run", "--config", "nonexistent.yaml"}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("code = %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "--server") {
		t.Errorf("stderr missing --server hint: %q", stderr.String())
	}
}

func TestRun_ServeMissingConfigFile(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"overwatch", "run", "--config", "nonexistent.yaml", "--server", "fs"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "nonexistent.yaml") {
		t.Errorf("stderr missing file path: %q", stderr.String())
	}
}

func TestLoadConfig_RejectsUnsupportedVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overwatch.yaml")
	if err := os.WriteFile(path, []byte("version: 2\nservers: {}\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadConfig(path); err == nil {
		t.Fatal("expected an error for an unsupported version")
	}
}

func TestLoadConfig_ValidDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overwatch.yaml")
	contents := `
version: 1
defaults:
  action: prompt
servers:
  fs:
    command: /usr/bin/fs-server
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	doc, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if doc.Servers["fs"].Command != "/usr/bin/fs-server" {
		t.Errorf("command = %q, want /usr/bin/fs-server", doc.Servers["fs"].Command)
	}
}

func TestRunHealthCmd_ConnectionRefused(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runHealthCmd([]string{"--admin-addr", "127.0.0.1:1"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("code = %d, want 1", code)
	}
}
