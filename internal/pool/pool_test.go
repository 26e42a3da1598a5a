package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/joao-brasil/l4relay/internal/resolver"
	"github.com/joao-brasil/l4relay/pkg/backendaddr"
)

// fakeConn is a no-op net.Conn good enough to stand in for a dial result.
type fakeConn struct{ net.Conn }

func mustSpecs(t *testing.T, addrs ...string) []backendaddr.Spec {
	t.Helper()
	out := make([]backendaddr.Spec, len(addrs))
	for i, a := range addrs {
		s, err := backendaddr.Parse(a)
		if err != nil {
			t.Fatalf("parse %s: %v", a, err)
		}
		out[i] = s
	}
	return out
}

// scriptedDialer lets a test control exactly which addr:network dial
// attempts succeed or fail, and records every attempt made.
//
// failRemaining, when set for an address, counts down by one on every
// attempt against it and fails the attempt until it reaches zero; this
// lets a test script "this address fails its first N attempts, then
// recovers" deterministically, without relying on background goroutines
// racing the dialer.
type scriptedDialer struct {
	mu            sync.Mutex
	fail          map[string]bool
	failRemaining map[string]int
	attempts      []string
}

func (d *scriptedDialer) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts = append(d.attempts, addr)
	if n, ok := d.failRemaining[addr]; ok && n > 0 {
		d.failRemaining[addr] = n - 1
		return nil, fmt.Errorf("connection refused: %s", addr)
	}
	if d.fail[addr] {
		return nil, fmt.Errorf("connection refused: %s", addr)
	}
	return &fakeConn{}, nil
}

func newTestPool(t *testing.T, specs []backendaddr.Spec, cooldown time.Duration) (*Pool, *scriptedDialer) {
	t.Helper()
	r := resolver.New()
	p := New(specs, r, cooldown)
	d := &scriptedDialer{fail: make(map[string]bool), failRemaining: make(map[string]int)}
	p.dial = d.dial
	p.dialTimeout = time.Second
	return p, d
}

func TestDialOrderPreservedOnSuccess(t *testing.T) {
	specs := mustSpecs(t, "10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80")
	p, d := newTestPool(t, specs, time.Minute)

	conn, id, err := p.Dial(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conn == nil {
		t.Fatal("expected a connection")
	}
	if id != specs[0].Key() {
		t.Fatalf("expected first backend dialed, got %s", id)
	}
	if len(d.attempts) != 1 || d.attempts[0] != "10.0.0.1:80" {
		t.Fatalf("unexpected dial attempts: %v", d.attempts)
	}

	snap := p.Snapshot()
	if snap[0].Host != "10.0.0.1" || snap[0].FailureCount != 0 {
		t.Fatalf("unexpected snapshot after success: %+v", snap[0])
	}
}

func TestFirstStrikeRetriesAndRecoversWithoutRotation(t *testing.T) {
	specs := mustSpecs(t, "10.0.0.1:80", "10.0.0.2:80")
	p, d := newTestPool(t, specs, time.Minute)

	// Backend 1's first attempt fails (a transient blip); its in-call
	// retry, issued after the first-strike DNS invalidate, succeeds.
	d.mu.Lock()
	d.failRemaining["10.0.0.1:80"] = 1
	d.mu.Unlock()

	_, id, err := p.Dial(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != specs[0].Key() {
		t.Fatalf("expected backend 1 to recover on retry, got %s", id)
	}

	snap := p.Snapshot()
	if snap[0].Position != 0 {
		t.Fatalf("expected no rotation after first-strike recovery, position=%d", snap[0].Position)
	}
	if snap[0].FailureCount != 0 {
		t.Fatalf("expected failure count reset on success, got %d", snap[0].FailureCount)
	}
}

func TestSecondStrikeRotatesAndCoolsDown(t *testing.T) {
	specs := mustSpecs(t, "10.0.0.1:80", "10.0.0.2:80")
	p, d := newTestPool(t, specs, time.Minute)

	d.mu.Lock()
	d.fail["10.0.0.1:80"] = true
	d.mu.Unlock()

	_, id, err := p.Dial(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != specs[1].Key() {
		t.Fatalf("expected failover to backend 2, got %s", id)
	}

	snap := p.Snapshot()
	// backend 1 rotated to the tail and is cooling down.
	if snap[1].Host != "10.0.0.1" || snap[1].FailureCount != 2 {
		t.Fatalf("unexpected state for rotated backend: %+v", snap[1])
	}
	if snap[1].CooldownUntil.IsZero() {
		t.Fatal("expected cooldown to be set")
	}
}

func TestCoolingDownBackendIsSkippedThenDecaysAfterExpiry(t *testing.T) {
	specs := mustSpecs(t, "10.0.0.1:80", "10.0.0.2:80")
	p, d := newTestPool(t, specs, 10*time.Millisecond)

	d.mu.Lock()
	d.fail["10.0.0.1:80"] = true
	d.mu.Unlock()

	if _, _, err := p.Dial(context.Background()); err != nil {
		t.Fatalf("unexpected error on first dial: %v", err)
	}

	// Immediately after, backend 1 is cooling down and must be skipped.
	d.mu.Lock()
	d.attempts = nil
	d.mu.Unlock()
	_, id, err := p.Dial(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != specs[1].Key() {
		t.Fatalf("expected backend 2 while backend 1 is cooling down, got %s", id)
	}
	d.mu.Lock()
	for _, a := range d.attempts {
		if a == "10.0.0.1:80" {
			t.Fatalf("backend 1 should not have been attempted during cooldown")
		}
	}
	d.mu.Unlock()

	time.Sleep(20 * time.Millisecond)
	d.mu.Lock()
	d.fail["10.0.0.1:80"] = false
	d.mu.Unlock()

	// backend 1 is now at the tail, order is [2, 1]. Its cooldown has
	// expired, so reading it decays it back to a clean slate (eligible
	// again); no further Dial is made, the decay is verified via Snapshot.
	snap := p.Snapshot()
	if snap[1].FailureCount != 0 || !snap[1].CooldownUntil.IsZero() {
		t.Fatalf("expected backend 1 to have decayed after cooldown expiry: %+v", snap[1])
	}
}

func TestAllBackendsColdFallsBackToFullList(t *testing.T) {
	specs := mustSpecs(t, "10.0.0.1:80", "10.0.0.2:80")
	p, d := newTestPool(t, specs, time.Hour)

	d.mu.Lock()
	d.fail["10.0.0.1:80"] = true
	d.fail["10.0.0.2:80"] = true
	d.mu.Unlock()

	// A single Dial call drives both backends through their full
	// first-strike-retry-then-second-strike sequence, since tryBackend's
	// in-call retry happens before moving to the next candidate.
	_, _, err := p.Dial(context.Background())
	var afe *AllBackendsFailedError
	if !errors.As(err, &afe) {
		t.Fatalf("expected AllBackendsFailedError, got %T (%v)", err, err)
	}

	snap := p.Snapshot()
	for _, s := range snap {
		if s.FailureCount != 2 || s.CooldownUntil.IsZero() {
			t.Fatalf("expected both backends cooling down after one dial call: %+v", snap)
		}
	}

	// Both backends are now cooling down for an hour; the next dial must
	// still fall back to the full list rather than reporting
	// AllBackendsFailed without trying anything.
	d.mu.Lock()
	d.attempts = nil
	d.mu.Unlock()

	_, _, err = p.Dial(context.Background())
	if !errors.As(err, &afe) {
		t.Fatalf("expected continued failure since the dialer still rejects both: %v", err)
	}
	d.mu.Lock()
	attempted := len(d.attempts) > 0
	d.mu.Unlock()
	if !attempted {
		t.Fatal("expected fallback to the full list to still attempt backends when all are cooling down")
	}
}

func TestUpdatePreservesStateByHostPortIdentity(t *testing.T) {
	specs := mustSpecs(t, "10.0.0.1:80", "10.0.0.2:80")
	p, d := newTestPool(t, specs, time.Hour)

	d.mu.Lock()
	d.fail["10.0.0.1:80"] = true
	d.mu.Unlock()
	if _, _, err := p.Dial(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	before := p.Snapshot()
	var beforeCooldown time.Time
	for _, s := range before {
		if s.Host == "10.0.0.1" {
			beforeCooldown = s.CooldownUntil
		}
	}
	if beforeCooldown.IsZero() {
		t.Fatal("expected backend 1 to be cooling down before update")
	}

	// Reconfigure with the same two backends in a different order plus a
	// new third one.
	newSpecs := mustSpecs(t, "10.0.0.2:80", "10.0.0.1:80", "10.0.0.3:80")
	p.Update(newSpecs, time.Hour)

	after := p.Snapshot()
	var afterCooldown time.Time
	found := false
	for _, s := range after {
		if s.Host == "10.0.0.1" {
			afterCooldown = s.CooldownUntil
			found = true
		}
	}
	if !found {
		t.Fatal("expected backend 1 to be retained across Update")
	}
	if !afterCooldown.Equal(beforeCooldown) {
		t.Fatalf("expected cooldown deadline preserved across Update: before=%v after=%v", beforeCooldown, afterCooldown)
	}
	if len(after) != 3 {
		t.Fatalf("expected 3 backends after update, got %d", len(after))
	}
}

func TestDialUDPSharesFailureAccounting(t *testing.T) {
	specs := mustSpecs(t, "10.0.0.1:53", "10.0.0.2:53")
	p, d := newTestPool(t, specs, time.Minute)

	d.mu.Lock()
	d.fail["10.0.0.1:53"] = true
	d.mu.Unlock()

	_, id, err := p.DialUDP(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != specs[1].Key() {
		t.Fatalf("expected failover to backend 2 over UDP, got %s", id)
	}
}
