// Package tcp implements the TCP relay Engine: an accept loop that dials a
// backend via the Pool for every inbound connection and splices the two
// sockets together until either side closes or the session goes idle.
package tcp

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/joao-brasil/l4relay/internal/metrics"
	"github.com/joao-brasil/l4relay/internal/pool"
)

// copyBufferSize is the buffer size used for io.CopyBuffer in each
// direction of a relayed session.
const copyBufferSize = 64 * 1024

// DefaultIdleTimeout closes a session if neither direction has moved a
// byte for this long.
const DefaultIdleTimeout = 60 * time.Second

// session tracks the two sockets of one in-flight relay so Stop can force
// them closed instead of waiting for traffic to end on its own. upstream is
// nil until the Pool dial completes.
type session struct {
	client   net.Conn
	upstream net.Conn
}

// Engine listens on one TCP address and relays every accepted connection
// to the backend pool's next eligible target.
type Engine struct {
	name        string
	listenAddr  string
	pool        *pool.Pool
	idleTimeout time.Duration

	listener net.Listener
	wg       sync.WaitGroup
	cancel   context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session

	activeSessions atomic.Int64
	bytesUp        atomic.Int64
	bytesDown      atomic.Int64
}

// New creates a TCP engine for one configured service.
func New(name, listenAddr string, p *pool.Pool) *Engine {
	return &Engine{
		name:        name,
		listenAddr:  listenAddr,
		pool:        p,
		idleTimeout: DefaultIdleTimeout,
		sessions:    make(map[string]*session),
	}
}

// Start begins accepting connections. It returns once the listener is
// bound; the accept loop itself runs in a background goroutine.
func (e *Engine) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.listenAddr)
	if err != nil {
		return fmt.Errorf("tcp engine %s: listen on %s: %w", e.name, e.listenAddr, err)
	}
	e.listener = ln

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	log.Printf("[tcp:%s] listening on %s", e.name, e.listenAddr)
	e.wg.Add(1)
	go e.acceptLoop(ctx)
	return nil
}

// Stop closes the listener, force-closes every open session's client and
// upstream sockets, and waits up to the given grace period for their
// accept/splice goroutines to unwind before returning.
func (e *Engine) Stop(grace time.Duration) {
	if e.listener != nil {
		e.listener.Close()
	}
	if e.cancel != nil {
		e.cancel()
	}

	e.mu.Lock()
	for _, s := range e.sessions {
		s.client.Close()
		if s.upstream != nil {
			s.upstream.Close()
		}
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
		log.Printf("[tcp:%s] shutdown grace period elapsed with %d sessions still active", e.name, e.activeSessions.Load())
	}
}

func (e *Engine) acceptLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if isClosedErr(err) {
				return
			}
			log.Printf("[tcp:%s] accept error: %v", e.name, err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.handleSession(ctx, conn)
		}()
	}
}

func (e *Engine) handleSession(ctx context.Context, client net.Conn) {
	sessionID := uuid.NewString()
	sess := &session{client: client}
	e.mu.Lock()
	e.sessions[sessionID] = sess
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.sessions, sessionID)
		e.mu.Unlock()
	}()
	defer client.Close()

	upstream, backendID, err := e.pool.Dial(ctx)
	if err != nil {
		log.Printf("[tcp:%s] session %s: %v", e.name, sessionID, err)
		return
	}
	defer upstream.Close()

	e.mu.Lock()
	sess.upstream = upstream
	e.mu.Unlock()

	e.activeSessions.Add(1)
	metrics.SessionsActive.WithLabelValues(e.name, "tcp").Inc()
	defer e.activeSessions.Add(-1)
	defer metrics.SessionsActive.WithLabelValues(e.name, "tcp").Dec()

	lastActivity := &atomic.Int64{}
	lastActivity.Store(time.Now().UnixNano())

	idleDone := make(chan struct{})
	go e.idleWatcher(lastActivity, client, upstream, idleDone)
	defer close(idleDone)

	var wg sync.WaitGroup
	wg.Add(2)

	var downN, upN int64
	go func() {
		defer wg.Done()
		downN = e.splice(client, upstream, lastActivity)
		e.bytesDown.Add(downN)
		metrics.BytesRelayedTotal.WithLabelValues(e.name, "tcp", "downstream").Add(float64(downN))
		if tc, ok := client.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()

	go func() {
		defer wg.Done()
		upN = e.splice(upstream, client, lastActivity)
		e.bytesUp.Add(upN)
		metrics.BytesRelayedTotal.WithLabelValues(e.name, "tcp", "upstream").Add(float64(upN))
		if tc, ok := upstream.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()

	wg.Wait()
	log.Printf("[tcp:%s] session %s closed (backend=%s up=%dB down=%dB)", e.name, sessionID, backendID, upN, downN)
}

// splice copies from src to dst, touching lastActivity on every read.
// I/O errors are logged at warning level but never reported to the Pool:
// a mid-session network hiccup is not a dial failure.
func (e *Engine) splice(dst io.Writer, src io.Reader, lastActivity *atomic.Int64) int64 {
	buf := make([]byte, copyBufferSize)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			lastActivity.Store(time.Now().UnixNano())
			wn, werr := dst.Write(buf[:n])
			total += int64(wn)
			if werr != nil {
				log.Printf("[tcp:%s] WARNING: relay write error: %v", e.name, werr)
				return total
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("[tcp:%s] WARNING: relay read error: %v", e.name, err)
			}
			return total
		}
	}
}

func (e *Engine) idleWatcher(lastActivity *atomic.Int64, client, upstream net.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(e.idleTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			last := time.Unix(0, lastActivity.Load())
			if time.Since(last) > e.idleTimeout {
				log.Printf("[tcp:%s] closing idle session (idle for %s)", e.name, time.Since(last).Truncate(time.Second))
				client.Close()
				upstream.Close()
				return
			}
		}
	}
}

// Addr returns the listener's bound address. Only valid after Start.
func (e *Engine) Addr() net.Addr { return e.listener.Addr() }

// ActiveSessions reports the number of sessions currently being relayed.
func (e *Engine) ActiveSessions() int64 { return e.activeSessions.Load() }

// BytesRelayed reports cumulative bytes relayed in each direction
// (upstream: client->backend, downstream: backend->client).
func (e *Engine) BytesRelayed() (upstream, downstream int64) {
	return e.bytesUp.Load(), e.bytesDown.Load()
}

func isClosedErr(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		return opErr.Err.Error() == "use of closed network connection"
	}
	return false
}
