// Package udp implements the UDP relay Engine: one bound socket, a
// session table keyed by client remote address, and a per-session
// upstream socket dialed through the Pool.
package udp

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joao-brasil/l4relay/internal/metrics"
	"github.com/joao-brasil/l4relay/internal/pool"
)

// DefaultSessionIdleTimeout evicts a UDP session once no datagram has
// crossed it in either direction for this long.
const DefaultSessionIdleTimeout = 300 * time.Second

// sweepInterval is how often the idle sweeper scans the session table.
const sweepInterval = 20 * time.Second

const datagramBufferSize = 64 * 1024

type session struct {
	remoteAddr  *net.UDPAddr
	upstream    *net.UDPConn
	backendID   pool.BackendID
	lastActive  atomic.Int64
}

// Engine relays UDP datagrams between clients and the backend pool's
// current target, preserving a session per client remote address so
// return traffic is routed back to the right client.
type Engine struct {
	name        string
	listenAddr  string
	pool        *pool.Pool
	idleTimeout time.Duration

	socket *net.UDPConn

	mu       sync.Mutex
	sessions map[string]*session

	wg     sync.WaitGroup
	cancel context.CancelFunc

	activeSessions atomic.Int64
	bytesUp        atomic.Int64
	bytesDown      atomic.Int64
}

// New creates a UDP engine for one configured service.
func New(name, listenAddr string, p *pool.Pool) *Engine {
	return &Engine{
		name:        name,
		listenAddr:  listenAddr,
		pool:        p,
		idleTimeout: DefaultSessionIdleTimeout,
		sessions:    make(map[string]*session),
	}
}

// Start binds the listening socket and begins relaying datagrams.
func (e *Engine) Start(ctx context.Context) error {
	udpAddr, err := net.ResolveUDPAddr("udp", e.listenAddr)
	if err != nil {
		return fmt.Errorf("udp engine %s: resolve %s: %w", e.name, e.listenAddr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("udp engine %s: listen on %s: %w", e.name, e.listenAddr, err)
	}
	e.socket = conn

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	log.Printf("[udp:%s] listening on %s", e.name, e.listenAddr)

	e.wg.Add(2)
	go e.readLoop(ctx)
	go e.sweepLoop(ctx)
	return nil
}

// Stop closes the listening socket and every session's upstream socket
// immediately; UDP sessions have no graceful half-close.
func (e *Engine) Stop(grace time.Duration) {
	if e.socket != nil {
		e.socket.Close()
	}
	if e.cancel != nil {
		e.cancel()
	}

	e.mu.Lock()
	for key, s := range e.sessions {
		s.upstream.Close()
		delete(e.sessions, key)
		e.activeSessions.Add(-1)
		metrics.SessionsActive.WithLabelValues(e.name, "udp").Dec()
	}
	e.mu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(grace):
		log.Printf("[udp:%s] shutdown grace period elapsed with %d sessions still active", e.name, e.activeSessions.Load())
	}
}

func (e *Engine) readLoop(ctx context.Context) {
	defer e.wg.Done()

	buf := make([]byte, datagramBufferSize)
	for {
		n, remote, err := e.socket.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if isClosedErr(err) {
				return
			}
			log.Printf("[udp:%s] WARNING: read error: %v", e.name, err)
			continue
		}

		s, err := e.sessionFor(ctx, remote)
		if err != nil {
			log.Printf("[udp:%s] dropping datagram from %s: %v", e.name, remote, err)
			continue
		}

		if _, err := s.upstream.Write(buf[:n]); err != nil {
			log.Printf("[udp:%s] WARNING: write to backend failed for session %s: %v", e.name, remote, err)
			continue
		}
		s.lastActive.Store(time.Now().UnixNano())
		e.bytesUp.Add(int64(n))
		metrics.BytesRelayedTotal.WithLabelValues(e.name, "udp", "upstream").Add(float64(n))
	}
}

// sessionFor returns the existing session for remote, or dials a new
// backend via the Pool and starts its return-path reader.
func (e *Engine) sessionFor(ctx context.Context, remote *net.UDPAddr) (*session, error) {
	key := remote.String()

	e.mu.Lock()
	if s, ok := e.sessions[key]; ok {
		e.mu.Unlock()
		return s, nil
	}
	e.mu.Unlock()

	conn, backendID, err := e.pool.DialUDP(ctx)
	if err != nil {
		return nil, err
	}
	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("unexpected connection type for UDP dial: %T", conn)
	}

	s := &session{remoteAddr: remote, upstream: udpConn, backendID: backendID}
	s.lastActive.Store(time.Now().UnixNano())

	e.mu.Lock()
	e.sessions[key] = s
	e.mu.Unlock()
	e.activeSessions.Add(1)
	metrics.SessionsActive.WithLabelValues(e.name, "udp").Inc()

	e.wg.Add(1)
	go e.returnPath(ctx, key, s)

	return s, nil
}

// returnPath forwards datagrams from a session's upstream socket back to
// the originating client address through the shared listening socket.
func (e *Engine) returnPath(ctx context.Context, key string, s *session) {
	defer e.wg.Done()
	defer e.evict(key)

	buf := make([]byte, datagramBufferSize)
	for {
		s.upstream.SetReadDeadline(time.Now().Add(e.idleTimeout))
		n, err := s.upstream.Read(buf)
		if err != nil {
			if !isClosedErr(err) {
				log.Printf("[udp:%s] WARNING: upstream read ended for session %s: %v", e.name, key, err)
			}
			return
		}
		if _, err := e.socket.WriteToUDP(buf[:n], s.remoteAddr); err != nil {
			log.Printf("[udp:%s] WARNING: write to client failed for session %s: %v", e.name, key, err)
			return
		}
		s.lastActive.Store(time.Now().UnixNano())
		e.bytesDown.Add(int64(n))
		metrics.BytesRelayedTotal.WithLabelValues(e.name, "udp", "downstream").Add(float64(n))
	}
}

func (e *Engine) evict(key string) {
	e.mu.Lock()
	s, ok := e.sessions[key]
	if ok {
		delete(e.sessions, key)
	}
	e.mu.Unlock()
	if ok {
		s.upstream.Close()
		e.activeSessions.Add(-1)
		metrics.SessionsActive.WithLabelValues(e.name, "udp").Dec()
		log.Printf("[udp:%s] session %s closed (backend=%s)", e.name, key, s.backendID)
	}
}

func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepIdle()
		}
	}
}

func (e *Engine) sweepIdle() {
	now := time.Now()
	var stale []string

	e.mu.Lock()
	for key, s := range e.sessions {
		last := time.Unix(0, s.lastActive.Load())
		if now.Sub(last) > e.idleTimeout {
			stale = append(stale, key)
		}
	}
	e.mu.Unlock()

	for _, key := range stale {
		log.Printf("[udp:%s] evicting idle session %s", e.name, key)
		e.evict(key)
	}
}

// Addr returns the listener's bound address. Only valid after Start.
func (e *Engine) Addr() net.Addr { return e.socket.LocalAddr() }

// ActiveSessions reports the number of UDP sessions currently tracked.
func (e *Engine) ActiveSessions() int64 { return e.activeSessions.Load() }

// BytesRelayed reports cumulative bytes relayed in each direction.
func (e *Engine) BytesRelayed() (upstream, downstream int64) {
	return e.bytesUp.Load(), e.bytesDown.Load()
}

func isClosedErr(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		return opErr.Err.Error() == "use of closed network connection"
	}
	return false
}
