// Package service reconciles a desired set of services, declared by a
// configuration snapshot, against the set of engines actually running.
package service

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/joao-brasil/l4relay/internal/config"
	"github.com/joao-brasil/l4relay/internal/pool"
	"github.com/joao-brasil/l4relay/internal/relay/tcp"
	"github.com/joao-brasil/l4relay/internal/relay/udp"
	"github.com/joao-brasil/l4relay/internal/resolver"
	"github.com/joao-brasil/l4relay/pkg/backendaddr"
)

// tcpStopGrace bounds how long Apply waits for in-flight TCP sessions to
// finish on a removed or restarted service before moving on.
const tcpStopGrace = 5 * time.Second

// udpStopGrace is effectively immediate: UDP sessions have no graceful
// half-close to wait out.
const udpStopGrace = 0

// running is one live service: its pool and whichever engines its
// protocol calls for.
type running struct {
	svc  config.Service
	pool *pool.Pool
	tcp  *tcp.Engine
	udp  *udp.Engine
}

// Manager owns the running set of services and applies configuration
// snapshots to it. Apply calls are serialized by mu, so concurrent
// producers (a file watcher racing a manual reload, say) are safe.
type Manager struct {
	mu       sync.Mutex
	resolver *resolver.Resolver
	services map[string]*running
}

// New creates an empty Manager. r is shared by every service's Pool.
func New(r *resolver.Resolver) *Manager {
	return &Manager{
		resolver: r,
		services: make(map[string]*running),
	}
}

// Apply reconciles the running set to match snapshot: services present in
// snapshot but not running are started, services running but absent from
// snapshot are stopped and removed, and retained services are diffed
// field by field.
func (m *Manager) Apply(ctx context.Context, snapshot config.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	desired := make(map[string]config.Service, len(snapshot.Services))
	for _, svc := range snapshot.Services {
		desired[svc.Name] = svc
	}

	for name, r := range m.services {
		if _, ok := desired[name]; !ok {
			log.Printf("[service] removing %s", name)
			m.stop(r)
			delete(m.services, name)
		}
	}

	var firstErr error
	for name, svc := range desired {
		existing, ok := m.services[name]
		if !ok {
			log.Printf("[service] adding %s", name)
			r, err := m.start(ctx, svc)
			if err != nil {
				log.Printf("[service] failed to start %s: %v", name, err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			m.services[name] = r
			continue
		}
		m.reconcile(ctx, existing, svc)
	}

	return firstErr
}

// reconcile diffs a retained service's new definition against what's
// running and applies the minimal necessary change.
func (m *Manager) reconcile(ctx context.Context, r *running, svc config.Service) {
	if r.svc.ListenAddr() != svc.ListenAddr() || r.svc.Protocol != svc.Protocol {
		log.Printf("[service] %s: listen address/port/protocol changed, restarting", svc.Name)
		if r.svc.ListenAddr() == svc.ListenAddr() {
			// Only the protocol changed: the old listeners still hold the
			// address, so they are stopped before the new ones bind.
			m.stop(r)
			newR, err := m.start(ctx, svc)
			if err != nil {
				log.Printf("[service] %s: failed to restart with new protocol, service removed: %v", svc.Name, err)
				delete(m.services, svc.Name)
				return
			}
			m.services[svc.Name] = newR
			return
		}
		newR, err := m.start(ctx, svc)
		if err != nil {
			log.Printf("[service] %s: failed to bind new listen address, retaining previous listener: %v", svc.Name, err)
			return
		}
		m.stop(r)
		m.services[svc.Name] = newR
		return
	}

	specs, err := parseBackends(svc.Backends)
	if err != nil {
		log.Printf("[service] %s: refusing backend update, %v", svc.Name, err)
		return
	}
	r.pool.Update(specs, svc.CooldownDuration())
	r.svc = svc
}

// start builds a Pool and the engines a service's protocol calls for.
func (m *Manager) start(ctx context.Context, svc config.Service) (*running, error) {
	specs, err := parseBackends(svc.Backends)
	if err != nil {
		return nil, err
	}

	p := pool.New(specs, m.resolver, svc.CooldownDuration())
	p.SetName(svc.Name)
	r := &running{svc: svc, pool: p}

	if svc.Protocol == config.ProtocolTCP || svc.Protocol == config.ProtocolBoth {
		eng := tcp.New(svc.Name, svc.ListenAddr(), p)
		if err := eng.Start(ctx); err != nil {
			return nil, fmt.Errorf("starting tcp engine: %w", err)
		}
		r.tcp = eng
	}
	if svc.Protocol == config.ProtocolUDP || svc.Protocol == config.ProtocolBoth {
		eng := udp.New(svc.Name, svc.ListenAddr(), p)
		if err := eng.Start(ctx); err != nil {
			if r.tcp != nil {
				r.tcp.Stop(tcpStopGrace)
			}
			return nil, fmt.Errorf("starting udp engine: %w", err)
		}
		r.udp = eng
	}

	return r, nil
}

func (m *Manager) stop(r *running) {
	if r.tcp != nil {
		r.tcp.Stop(tcpStopGrace)
	}
	if r.udp != nil {
		r.udp.Stop(udpStopGrace)
	}
}

func parseBackends(raw []string) ([]backendaddr.Spec, error) {
	specs := make([]backendaddr.Spec, len(raw))
	for i, s := range raw {
		spec, err := backendaddr.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("backend[%d] %q: %w", i, s, err)
		}
		specs[i] = spec
	}
	return specs, nil
}

// Snapshot describes one running service's observational state, for the
// health/metrics surface.
type Snapshot struct {
	Name        string
	Protocol    config.Protocol
	Backends    []pool.Snapshot
	TCPSessions int64
	UDPSessions int64
}

// Snapshots returns an observational view of every running service.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, 0, len(m.services))
	for _, r := range m.services {
		s := Snapshot{
			Name:     r.svc.Name,
			Protocol: r.svc.Protocol,
			Backends: r.pool.Snapshot(),
		}
		if r.tcp != nil {
			s.TCPSessions = r.tcp.ActiveSessions()
		}
		if r.udp != nil {
			s.UDPSessions = r.udp.ActiveSessions()
		}
		out = append(out, s)
	}
	return out
}
