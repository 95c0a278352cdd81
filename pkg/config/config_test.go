package config

import "testing"

func TestValidate_RejectsWrongVersion(t *testing.T) {
	d := &Document{Version: 2}
	if err := d.Validate(); err == nil {
		t.Fatal("expected error for version != 1")
	}
}

func TestValidate_RejectsMissingCommand(t *testing.T) {
	d := &Document{
		Version: 1,
		Servers: map[string]ServerConfig{
			"fs": {},
		},
	}
	if err := d.Validate(); err == nil {
		t.Fatal("expected error for server missing command")
	}
}

func TestValidate_RejectsBadDefaultAction(t *testing.T) {
	d := &Document{Version: 1, Defaults: Defaults{Action: "maybe"}}
	if err := d.Validate(); err == nil {
		t.Fatal("expected error for invalid default action")
	}
}

func TestValidate_OK(t *testing.T) {
	d := &Document{
		Version:  1,
		Defaults: Defaults{Action: "prompt"},
		Servers: map[string]ServerConfig{
			"fs": {Command: "mcp-fs-server"},
		},
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDefaults_TimeoutDuration(t *testing.T) {
	d := Defaults{}
	if d.TimeoutDuration().Seconds() != 30 {
		t.Fatalf("expected 30s default timeout, got %v", d.TimeoutDuration())
	}
	d.TimeoutMs = 5000
	if d.TimeoutDuration().Seconds() != 5 {
		t.Fatalf("expected 5s timeout, got %v", d.TimeoutDuration())
	}
}
