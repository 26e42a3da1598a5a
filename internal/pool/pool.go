// Package pool implements the Backend Pool: an ordered list of upstream
// targets dialed in sequence with two-strike failure accounting, cooldown,
// and rotation-to-tail, shared between the TCP and UDP relay engines.
package pool

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/joao-brasil/l4relay/internal/metrics"
	"github.com/joao-brasil/l4relay/internal/resolver"
	"github.com/joao-brasil/l4relay/pkg/backendaddr"
)

// DefaultDialTimeout bounds a single connect attempt to one resolved
// address.
const DefaultDialTimeout = 5 * time.Second

// dialFunc performs the raw network dial. Overridable in tests so they
// don't touch the network.
type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// FailedAttempt records one backend's failure during a Dial call that
// ultimately exhausted every candidate.
type FailedAttempt struct {
	BackendID BackendID
	Err       error
}

// AllBackendsFailedError is returned by Dial/DialUDP when every candidate
// in the built candidate order failed.
type AllBackendsFailedError struct {
	Attempts []FailedAttempt
}

func (e *AllBackendsFailedError) Error() string {
	return fmt.Sprintf("all %d backends failed", len(e.Attempts))
}

// Pool holds one service's ordered backend list and resolves/dials
// against it using the two-strike cooldown algorithm.
//
// The lock covers only in-memory state transitions (order, failure
// counts, cooldown deadlines). Resolution and connect attempts always run
// outside the lock.
type Pool struct {
	mu       sync.Mutex
	backends []*Backend

	name        string
	resolver    *resolver.Resolver
	cooldown    time.Duration
	dialTimeout time.Duration
	dial        dialFunc
}

// SetName attaches the owning service's name, used only as a metrics
// label. Safe to call before the Pool is shared with any engine.
func (p *Pool) SetName(name string) { p.name = name }

// New builds a Pool for the given ordered backend specs. cooldown is the
// duration a backend is skipped after its second consecutive failure; 0
// disables cooldown (a backend becomes eligible again on the very next
// Dial call after being rotated to the tail).
func New(specs []backendaddr.Spec, r *resolver.Resolver, cooldown time.Duration) *Pool {
	backends := make([]*Backend, len(specs))
	for i, s := range specs {
		backends[i] = newBackend(s, i)
	}
	return &Pool{
		backends:    backends,
		resolver:    r,
		cooldown:    cooldown,
		dialTimeout: DefaultDialTimeout,
		dial:        (&net.Dialer{}).DialContext,
	}
}

// Dial connects to the next eligible backend over TCP, walking the
// candidate order and returning the established connection together with
// the backend's stable ID.
func (p *Pool) Dial(ctx context.Context) (net.Conn, BackendID, error) {
	return p.dialNetwork(ctx, "tcp")
}

// DialUDP resolves and "connects" a UDP socket to the first eligible
// backend, sharing the same candidate order, failure accounting, and
// cooldown policy as Dial. UDP dial failure is limited to DNS resolution
// failure or local socket creation failure, since UDP has no handshake.
func (p *Pool) DialUDP(ctx context.Context) (net.Conn, BackendID, error) {
	return p.dialNetwork(ctx, "udp")
}

func (p *Pool) dialNetwork(ctx context.Context, network string) (net.Conn, BackendID, error) {
	candidates := p.buildCandidateOrder()

	metrics.DialAttemptsTotal.WithLabelValues(p.name).Inc()
	start := time.Now()

	var attempts []FailedAttempt
	for _, b := range candidates {
		conn, err := p.tryBackend(ctx, network, b)
		if err == nil {
			metrics.DialSuccessTotal.WithLabelValues(p.name).Inc()
			metrics.DialDuration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())
			return conn, b.ID(), nil
		}
		attempts = append(attempts, FailedAttempt{BackendID: b.ID(), Err: err})
	}
	metrics.DialFailureTotal.WithLabelValues(p.name).Inc()
	return nil, "", &AllBackendsFailedError{Attempts: attempts}
}

// buildCandidateOrder returns the current backend order with any backend
// whose cooldown has expired decayed back to a clean slate first, and
// falls back to the full list when every backend is currently cooling
// down.
func (p *Pool) buildCandidateOrder() []*Backend {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	l := make([]*Backend, 0, len(p.backends))
	for _, b := range p.backends {
		p.decayIfExpiredLocked(b, now)
		if b.cooldownUntil.IsZero() || !b.cooldownUntil.After(now) {
			l = append(l, b)
		}
	}
	if len(l) == 0 {
		l = append(l, p.backends...)
	}
	return l
}

// tryBackend resolves and attempts to connect to b. On a first-strike
// failure it invalidates b's DNS entry and retries once within this same
// call before counting a second strike.
func (p *Pool) tryBackend(ctx context.Context, network string, b *Backend) (net.Conn, error) {
	conn, err := p.attemptBackend(ctx, network, b)
	if err == nil {
		return conn, nil
	}

	secondStrike := p.recordFailure(b, err)
	if secondStrike {
		return nil, err
	}

	// First strike: DNS was just invalidated, retry once more now.
	conn, err = p.attemptBackend(ctx, network, b)
	if err == nil {
		return conn, nil
	}
	p.recordFailure(b, err)
	return nil, err
}

// attemptBackend resolves b's host and tries each returned address in
// order until one connects.
func (p *Pool) attemptBackend(ctx context.Context, network string, b *Backend) (net.Conn, error) {
	addrs, err := p.resolver.Resolve(ctx, b.Host())
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, a := range addrs {
		addr := net.JoinHostPort(a.IP, fmt.Sprintf("%d", b.Port()))
		dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
		conn, err := p.dial(dialCtx, network, addr)
		cancel()
		if err == nil {
			p.OnSuccess(b.ID())
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses resolved for %s", b.Host())
	}
	return nil, lastErr
}

// recordFailure applies one failed attempt against b. It returns true if
// this was the second consecutive failure (backend now cooling down and
// rotated to the tail), false if it was the first (DNS just invalidated,
// caller should retry once more).
func (p *Pool) recordFailure(b *Backend, failErr error) bool {
	p.mu.Lock()
	p.decayIfExpiredLocked(b, time.Now())
	b.lastErr = failErr.Error()

	first := b.failureCount == 0
	if first {
		b.failureCount = 1
	} else {
		b.failureCount = 2
		if p.cooldown > 0 {
			b.cooldownUntil = time.Now().Add(p.cooldown)
		}
		p.rotateToTailLocked(b)
	}
	p.mu.Unlock()

	if first {
		p.resolver.Invalidate(b.Host())
		return false
	}
	metrics.CooldownEnteredTotal.WithLabelValues(p.name, b.Addr()).Inc()
	log.Printf("[pool] backend %s entered cooldown after second consecutive failure: %v", b.Addr(), failErr)
	return true
}

// OnSuccess resets a backend's failure count and clears any cooldown.
// Exported so relay engines can report success independently of a Dial
// call, e.g. after a UDP datagram round-trips successfully.
func (p *Pool) OnSuccess(id BackendID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.backends {
		if b.ID() == id {
			b.failureCount = 0
			b.cooldownUntil = time.Time{}
			b.lastErr = ""
			return
		}
	}
}

// decayIfExpiredLocked resets a backend that has served its cooldown back
// to a clean slate. Must be called with p.mu held. This is the chosen
// resolution of the "does cooldown expiry reset the strike count"
// question: yes, reading past cooldown-until clears both the cooldown and
// the failure count. A twice-failed backend with no cooldown deadline
// (cooldown disabled) decays on the very next read.
func (p *Pool) decayIfExpiredLocked(b *Backend, now time.Time) {
	if b.failureCount == 2 && !b.cooldownUntil.After(now) {
		b.failureCount = 0
		b.cooldownUntil = time.Time{}
	}
}

// rotateToTailLocked moves b to the end of the backend list, preserving
// the relative order of every other backend. Must be called with p.mu
// held.
func (p *Pool) rotateToTailLocked(b *Backend) {
	for i, cur := range p.backends {
		if cur == b {
			p.backends = append(p.backends[:i], p.backends[i+1:]...)
			p.backends = append(p.backends, b)
			return
		}
	}
}

// Snapshot returns an observational copy of every backend's current
// state, in current order.
func (p *Pool) Snapshot() []Snapshot {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Snapshot, len(p.backends))
	var healthy, cooling float64
	for i, b := range p.backends {
		p.decayIfExpiredLocked(b, now)
		out[i] = Snapshot{
			Host:          b.Host(),
			Port:          b.Port(),
			OriginalIndex: b.index,
			Position:      i,
			FailureCount:  b.failureCount,
			CooldownUntil: b.cooldownUntil,
			LastError:     b.lastErr,
		}
		if b.failureCount == 2 {
			cooling++
		} else {
			healthy++
		}
	}
	metrics.BackendsByState.WithLabelValues(p.name, "healthy").Set(healthy)
	metrics.BackendsByState.WithLabelValues(p.name, "cooldown").Set(cooling)
	return out
}

// Update hot-swaps the backend list during reconfiguration, preserving
// failure/cooldown state for any backend whose host+port identity is
// retained.
func (p *Pool) Update(specs []backendaddr.Spec, cooldown time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := make(map[BackendID]*Backend, len(p.backends))
	for _, b := range p.backends {
		prev[b.ID()] = b
	}

	next := make([]*Backend, len(specs))
	for i, s := range specs {
		if old, ok := prev[s.Key()]; ok {
			old.index = i
			next[i] = old
			continue
		}
		next[i] = newBackend(s, i)
	}

	p.backends = next
	p.cooldown = cooldown
}
