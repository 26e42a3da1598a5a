package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// ── Redis-backed shared DNS cache ────────────────────────────────────────
//
// When several relay processes share the same configuration (e.g. behind
// a load balancer themselves, for HA), a RedisSharedCache lets them share
// resolved addresses and invalidations instead of each keeping its own
// cold cache and flapping backend cooldowns independently. It is purely
// additive: every Resolver invariant holds identically whether or not a
// SharedCache is configured, and Redis being unreachable degrades to
// local-only caching rather than failing lookups.

const (
	keyDNSEntry   = "l4relay:dns:%s"      // JSON-encoded []Addr, with Redis TTL
	channelDNSInv = "l4relay:dns:invalidate" // Pub/Sub channel carrying invalidated hostnames
)

// RedisSharedCache implements SharedCache on top of a redis.UniversalClient.
type RedisSharedCache struct {
	client redis.UniversalClient

	fallbackMode atomic.Bool

	localMu sync.Mutex
	local   map[string][]Addr

	onInvalidate func(host string)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRedisSharedCache connects to Redis and subscribes to the
// invalidation channel. If the initial ping fails, it starts in
// fallback mode (local-map only) and periodically retries the
// connection.
func NewRedisSharedCache(ctx context.Context, opts *redis.Options) *RedisSharedCache {
	client := redis.NewClient(opts)

	c := &RedisSharedCache{
		client: client,
		local:  make(map[string][]Addr),
		stopCh: make(chan struct{}),
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("[resolver] WARNING: Redis unavailable, shared DNS cache starting in fallback mode: %v", err)
		c.fallbackMode.Store(true)
	}

	c.wg.Add(1)
	go c.subscribeLoop()

	return c
}

// SetInvalidationHandler registers a callback invoked whenever this
// process receives an invalidation notice from a sibling instance
// (including its own publishes). A Resolver uses this to evict its
// local cache entry when another process invalidates a host.
func (c *RedisSharedCache) SetInvalidationHandler(fn func(host string)) {
	c.localMu.Lock()
	c.onInvalidate = fn
	c.localMu.Unlock()
}

// Get implements SharedCache.
func (c *RedisSharedCache) Get(ctx context.Context, host string) ([]Addr, bool) {
	if c.fallbackMode.Load() {
		c.localMu.Lock()
		addrs, ok := c.local[host]
		c.localMu.Unlock()
		return addrs, ok
	}

	val, err := c.client.Get(ctx, keyFor(host)).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		log.Printf("[resolver] shared cache GET failed for %s, using fallback: %v", host, err)
		c.fallbackMode.Store(true)
		return nil, false
	}

	var addrs []Addr
	if err := json.Unmarshal([]byte(val), &addrs); err != nil {
		return nil, false
	}
	return addrs, true
}

// Set implements SharedCache.
func (c *RedisSharedCache) Set(ctx context.Context, host string, addrs []Addr, ttl time.Duration) {
	if c.fallbackMode.Load() {
		c.localMu.Lock()
		c.local[host] = addrs
		c.localMu.Unlock()
		return
	}

	data, err := json.Marshal(addrs)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, keyFor(host), data, ttl).Err(); err != nil {
		log.Printf("[resolver] shared cache SET failed for %s, using fallback: %v", host, err)
		c.fallbackMode.Store(true)
		c.localMu.Lock()
		c.local[host] = addrs
		c.localMu.Unlock()
	}
}

// Delete implements SharedCache, publishing an invalidation so sibling
// processes evict their local entries too.
func (c *RedisSharedCache) Delete(ctx context.Context, host string) {
	c.localMu.Lock()
	delete(c.local, host)
	c.localMu.Unlock()

	if c.fallbackMode.Load() {
		return
	}
	c.client.Del(ctx, keyFor(host))
	c.client.Publish(ctx, channelDNSInv, host)
}

// subscribeLoop listens for invalidation broadcasts from sibling
// instances and, on transient failure, falls back to polling the
// connection state periodically as a safety net.
func (c *RedisSharedCache) subscribeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if c.fallbackMode.Load() {
			if c.tryExitFallback() {
				continue
			}
			select {
			case <-c.stopCh:
				return
			case <-time.After(10 * time.Second):
				continue
			}
		}

		pubsub := c.client.Subscribe(context.Background(), channelDNSInv)
		ch := pubsub.Channel()

	innerLoop:
		for {
			select {
			case <-c.stopCh:
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					pubsub.Close()
					break innerLoop
				}
				c.localMu.Lock()
				delete(c.local, msg.Payload)
				handler := c.onInvalidate
				c.localMu.Unlock()
				if handler != nil {
					handler(msg.Payload)
				}
			}
		}
	}
}

func (c *RedisSharedCache) tryExitFallback() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.client.Ping(ctx).Err(); err != nil {
		return false
	}
	log.Printf("[resolver] Redis connection recovered, exiting shared DNS cache fallback mode")
	c.fallbackMode.Store(false)
	return true
}

// Close releases resources held by the shared cache.
func (c *RedisSharedCache) Close() error {
	close(c.stopCh)
	c.wg.Wait()
	return c.client.Close()
}

func keyFor(host string) string {
	return fmt.Sprintf(keyDNSEntry, host)
}
