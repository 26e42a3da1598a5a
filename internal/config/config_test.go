package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaultsWhenFieldsOmitted(t *testing.T) {
	path := writeConfig(t, `
services:
  - name: web
    listen:
      port: 8080
    backends:
      - "10.0.0.1:80"
`)
	snap, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	svc := snap.Services[0]
	if svc.Protocol != ProtocolBoth {
		t.Fatalf("expected default protocol 'both', got %q", svc.Protocol)
	}
	if svc.Listen.Address != "0.0.0.0" {
		t.Fatalf("expected default listen address, got %q", svc.Listen.Address)
	}
	if svc.BackendCooldown != int(DefaultBackendCooldown.Seconds()) {
		t.Fatalf("expected default cooldown %d, got %d", int(DefaultBackendCooldown.Seconds()), svc.BackendCooldown)
	}
}

func TestLoadPreservesExplicitZeroCooldown(t *testing.T) {
	path := writeConfig(t, `
services:
  - name: web
    listen:
      port: 8080
    backends:
      - "10.0.0.1:80"
    backend_cooldown: 0
`)
	snap, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Services[0].BackendCooldown != 0 {
		t.Fatalf("expected explicit 0 to disable cooldown, got %d", snap.Services[0].BackendCooldown)
	}
}

func TestLoadRejectsDuplicateServiceNames(t *testing.T) {
	path := writeConfig(t, `
services:
  - name: web
    listen:
      port: 8080
    backends:
      - "10.0.0.1:80"
  - name: web
    listen:
      port: 8081
    backends:
      - "10.0.0.2:80"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for duplicate service name")
	}
}

func TestLoadRejectsInvalidProtocol(t *testing.T) {
	path := writeConfig(t, `
services:
  - name: web
    protocol: sctp
    listen:
      port: 8080
    backends:
      - "10.0.0.1:80"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid protocol")
	}
}

func TestLoadRejectsServiceWithNoBackends(t *testing.T) {
	path := writeConfig(t, `
services:
  - name: web
    listen:
      port: 8080
    backends: []
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for empty backend list")
	}
}

func TestLoadRejectsOutOfRangePort(t *testing.T) {
	path := writeConfig(t, `
services:
  - name: web
    listen:
      port: 70000
    backends:
      - "10.0.0.1:80"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestListenAddrAndCooldownDuration(t *testing.T) {
	svc := Service{Listen: Listen{Address: "0.0.0.0", Port: 8080}, BackendCooldown: 30}
	if got, want := svc.ListenAddr(), "0.0.0.0:8080"; got != want {
		t.Fatalf("ListenAddr() = %q, want %q", got, want)
	}
	if got, want := svc.CooldownDuration().Seconds(), 30.0; got != want {
		t.Fatalf("CooldownDuration() = %v, want %v", got, want)
	}
}
