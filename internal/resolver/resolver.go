// Package resolver resolves backend hostnames to addresses with a
// time-bounded cache, explicit invalidation, and single-flight dedup of
// concurrent lookups for the same host.
package resolver

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/joao-brasil/l4relay/internal/metrics"
)

// DefaultTTL is how long a resolved entry is cached before it must be
// re-resolved.
const DefaultTTL = 3600 * time.Second

// Addr is one resolved address, with its family tagged for callers that
// care (the TCP/UDP engines dial whichever family the OS hands back, in
// order).
type Addr struct {
	Family string // "tcp4", "tcp6"
	IP     string
}

// ResolveError wraps a failed host resolution.
type ResolveError struct {
	Host string
	Err  error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Host, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

type cacheEntry struct {
	addrs  []Addr
	expiry time.Time
}

func (e *cacheEntry) expired(now time.Time) bool {
	return !e.expiry.After(now)
}

// SharedCache is the optional distributed tier a Resolver can be layered
// on top of. Implementations must be safe for concurrent use.
type SharedCache interface {
	Get(ctx context.Context, host string) ([]Addr, bool)
	Set(ctx context.Context, host string, addrs []Addr, ttl time.Duration)
	Delete(ctx context.Context, host string)
}

// lookupFunc performs the actual system resolution. Overridable in tests.
type lookupFunc func(ctx context.Context, host string) ([]Addr, error)

// Resolver caches DNS lookups for the Backend Pool. The zero value is not
// usable; construct with New.
type Resolver struct {
	mu    sync.Mutex
	cache map[string]*cacheEntry

	ttl    time.Duration
	lookup lookupFunc
	group  singleflight.Group

	shared SharedCache
}

// New creates a Resolver backed by the OS/runtime resolver. An optional
// SharedCache may be supplied with WithSharedCache.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		cache: make(map[string]*cacheEntry),
		ttl:   DefaultTTL,
	}
	r.lookup = r.systemLookup
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Option configures a Resolver.
type Option func(*Resolver)

// invalidationSubscriber is implemented by shared caches that can notify
// the local Resolver when a sibling process invalidates a host.
type invalidationSubscriber interface {
	SetInvalidationHandler(fn func(host string))
}

// WithSharedCache layers a distributed cache in front of the system
// resolver. If c also delivers invalidation notices from sibling
// processes, the Resolver's local entry for that host is evicted too.
func WithSharedCache(c SharedCache) Option {
	return func(r *Resolver) {
		r.shared = c
		if sub, ok := c.(invalidationSubscriber); ok {
			sub.SetInvalidationHandler(func(host string) {
				r.mu.Lock()
				delete(r.cache, host)
				r.mu.Unlock()
			})
		}
	}
}

// WithTTL overrides the default 3600s cache TTL. Used by tests.
func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) { r.ttl = ttl }
}

// withLookup overrides the system lookup function. Used by tests.
func withLookup(fn lookupFunc) Option {
	return func(r *Resolver) { r.lookup = fn }
}

// Resolve returns a non-empty, ordered list of addresses for host. If host
// is already an IP literal, the cache is bypassed entirely and a
// single-element list is returned immediately.
func (r *Resolver) Resolve(ctx context.Context, host string) ([]Addr, error) {
	if ip := net.ParseIP(host); ip != nil {
		family := "tcp4"
		if ip.To4() == nil {
			family = "tcp6"
		}
		return []Addr{{Family: family, IP: ip.String()}}, nil
	}

	now := time.Now()
	r.mu.Lock()
	if entry, ok := r.cache[host]; ok && !entry.expired(now) {
		addrs := append([]Addr(nil), entry.addrs...)
		r.mu.Unlock()
		metrics.DNSCacheHitsTotal.Inc()
		return addrs, nil
	}
	r.mu.Unlock()
	metrics.DNSCacheMissesTotal.Inc()

	if r.shared != nil {
		if addrs, ok := r.shared.Get(ctx, host); ok {
			r.store(host, addrs)
			return addrs, nil
		}
	}

	v, err, _ := r.group.Do(host, func() (interface{}, error) {
		addrs, err := r.lookup(ctx, host)
		if err != nil {
			return nil, &ResolveError{Host: host, Err: err}
		}
		r.store(host, addrs)
		if r.shared != nil {
			r.shared.Set(ctx, host, addrs, r.ttl)
		}
		return addrs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Addr), nil
}

// Invalidate removes any cached entry for host. Idempotent.
func (r *Resolver) Invalidate(host string) {
	r.mu.Lock()
	delete(r.cache, host)
	r.mu.Unlock()
	if r.shared != nil {
		r.shared.Delete(context.Background(), host)
	}
}

// RefreshAll re-resolves every currently cached host, best-effort.
// Failures are logged and the previous value is kept unless it has
// already expired.
func (r *Resolver) RefreshAll(ctx context.Context) {
	r.mu.Lock()
	hosts := make([]string, 0, len(r.cache))
	for h := range r.cache {
		hosts = append(hosts, h)
	}
	r.mu.Unlock()

	for _, host := range hosts {
		addrs, err := r.lookup(ctx, host)
		if err != nil {
			metrics.DNSRefreshFailuresTotal.Inc()
			log.Printf("[resolver] WARNING: refresh failed for %s: %v", host, err)
			r.mu.Lock()
			if entry, ok := r.cache[host]; ok && entry.expired(time.Now()) {
				delete(r.cache, host)
			}
			r.mu.Unlock()
			continue
		}
		r.store(host, addrs)
		if r.shared != nil {
			r.shared.Set(ctx, host, addrs, r.ttl)
		}
	}
}

func (r *Resolver) store(host string, addrs []Addr) {
	r.mu.Lock()
	r.cache[host] = &cacheEntry{addrs: append([]Addr(nil), addrs...), expiry: time.Now().Add(r.ttl)}
	r.mu.Unlock()
}

// systemLookup performs the real OS resolution via net.DefaultResolver.
func (r *Resolver) systemLookup(ctx context.Context, host string) ([]Addr, error) {
	ipAddrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ipAddrs) == 0 {
		return nil, fmt.Errorf("no addresses found for %s", host)
	}
	addrs := make([]Addr, 0, len(ipAddrs))
	for _, ia := range ipAddrs {
		family := "tcp4"
		if ia.IP.To4() == nil {
			family = "tcp6"
		}
		addrs = append(addrs, Addr{Family: family, IP: ia.IP.String()})
	}
	return addrs, nil
}

// CacheSize reports the number of entries currently cached. Used for
// observability and tests.
func (r *Resolver) CacheSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}
