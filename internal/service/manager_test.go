package service

import (
	"context"
	"testing"
	"time"

	"github.com/joao-brasil/l4relay/internal/config"
	"github.com/joao-brasil/l4relay/internal/resolver"
)

func snapshotFor(services ...config.Service) config.Snapshot {
	return config.Snapshot{Services: services}
}

func tcpService(name string, port int, backends ...string) config.Service {
	return config.Service{
		Name:            name,
		Protocol:        config.ProtocolTCP,
		Listen:          config.Listen{Address: "127.0.0.1", Port: port},
		Backends:        backends,
		BackendCooldown: 60,
	}
}

func TestApplyStartsAddedServices(t *testing.T) {
	mgr := New(resolver.New())
	snap := snapshotFor(tcpService("svc1", 18081, "127.0.0.1:1"))

	if err := mgr.Apply(context.Background(), snap); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer mgr.Apply(context.Background(), config.Snapshot{})

	snaps := mgr.Snapshots()
	if len(snaps) != 1 || snaps[0].Name != "svc1" {
		t.Fatalf("expected svc1 running, got %+v", snaps)
	}
}

func TestApplyRemovesDroppedServices(t *testing.T) {
	mgr := New(resolver.New())
	snap := snapshotFor(tcpService("svc2", 18082, "127.0.0.1:1"))
	if err := mgr.Apply(context.Background(), snap); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mgr.Apply(context.Background(), config.Snapshot{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(mgr.Snapshots()) != 0 {
		t.Fatalf("expected no running services after removal, got %+v", mgr.Snapshots())
	}
}

func TestApplyRetainedServicePreservesBackendState(t *testing.T) {
	mgr := New(resolver.New())
	initial := snapshotFor(tcpService("svc3", 18083, "127.0.0.1:1", "127.0.0.1:2"))
	if err := mgr.Apply(context.Background(), initial); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer mgr.Apply(context.Background(), config.Snapshot{})

	// Dial once: both loopback backends refuse, so both reach
	// failure/cooldown state before reconfiguring.
	mgr.mu.Lock()
	r := mgr.services["svc3"]
	mgr.mu.Unlock()
	r.pool.Dial(context.Background())

	updated := snapshotFor(tcpService("svc3", 18083, "127.0.0.1:2", "127.0.0.1:1", "127.0.0.1:3"))
	if err := mgr.Apply(context.Background(), updated); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snaps := mgr.Snapshots()
	if len(snaps) != 1 {
		t.Fatalf("expected svc3 still running, got %+v", snaps)
	}
	if len(snaps[0].Backends) != 3 {
		t.Fatalf("expected 3 backends after reconfiguration, got %d", len(snaps[0].Backends))
	}
	for _, b := range snaps[0].Backends {
		want := 2
		if b.Port == 3 {
			want = 0
		}
		if b.FailureCount != want {
			t.Fatalf("backend %s:%d: expected failure count %d after reconfiguration, got %d", b.Host, b.Port, want, b.FailureCount)
		}
	}
}

func TestApplyListenAddressChangeRestartsService(t *testing.T) {
	mgr := New(resolver.New())
	initial := snapshotFor(tcpService("svc4", 18084, "127.0.0.1:1"))
	if err := mgr.Apply(context.Background(), initial); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer mgr.Apply(context.Background(), config.Snapshot{})

	time.Sleep(10 * time.Millisecond)
	updated := snapshotFor(tcpService("svc4", 18085, "127.0.0.1:1"))
	if err := mgr.Apply(context.Background(), updated); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mgr.mu.Lock()
	r := mgr.services["svc4"]
	mgr.mu.Unlock()
	if r.svc.Listen.Port != 18085 {
		t.Fatalf("expected service listening on new port, got %d", r.svc.Listen.Port)
	}
}
