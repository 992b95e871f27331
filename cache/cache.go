// Package cache implements the two-tier cache layer (spec component H):
// an in-process hot tier fronting a shared cold tier, with stale-while-
// revalidate semantics and a bounded-retry wrapper around cold reads.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Get when a key is absent from both tiers.
var ErrMiss = errors.New("cache: miss")

// Namespace groups keys sharing one TTL/SWR-TTL pair (spec §4.H table).
type Namespace string

const (
	NamespaceCustomerEntitlement  Namespace = "customerEntitlement"
	NamespaceCustomerEntitlements Namespace = "customerEntitlements"
	NamespaceNegativeEntitlements Namespace = "negativeEntitlements"
	NamespaceAccessControlList    Namespace = "accessControlList"
	NamespaceCurrentUsage         Namespace = "getCurrentUsage"
)

// TTLConfig is the (TTL, SWR-TTL) pair for one namespace. A value read
// within TTL is fresh; read between TTL and TTL+SWRExtra is stale but
// servable, triggering a background refresh; beyond that it is a miss.
type TTLConfig struct {
	TTL      time.Duration
	SWRExtra time.Duration
}

// DefaultTTLs mirrors the namespaces used by the core (spec §4.H).
var DefaultTTLs = map[Namespace]TTLConfig{
	NamespaceCustomerEntitlement:  {TTL: 60 * time.Second, SWRExtra: 5 * time.Minute},
	NamespaceCustomerEntitlements: {TTL: 60 * time.Second, SWRExtra: 5 * time.Minute},
	NamespaceNegativeEntitlements: {TTL: 10 * time.Second, SWRExtra: 0},
	NamespaceAccessControlList:    {TTL: 30 * time.Second, SWRExtra: 2 * time.Minute},
	NamespaceCurrentUsage:         {TTL: 30 * time.Second, SWRExtra: time.Minute},
}

type entry struct {
	value    []byte
	storedAt time.Time
}

// Loader recomputes the value for a key on a cache miss or during a
// background SWR refresh.
type Loader func(ctx context.Context) (any, error)

// Cache is the two-tier namespace-aware cache.
type Cache struct {
	hot  *lru.Cache[string, entry]
	cold *redis.Client
	ttls map[Namespace]TTLConfig

	retries uint

	inflightMu sync.Mutex
	inflight   map[string]bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTLs overrides the default per-namespace TTL table.
func WithTTLs(ttls map[Namespace]TTLConfig) Option {
	return func(c *Cache) { c.ttls = ttls }
}

// WithRetries overrides the bounded-retry attempt count (spec §4.H:
// "default 3 attempts, exponential back-off").
func WithRetries(n uint) Option {
	return func(c *Cache) { c.retries = n }
}

// New builds a Cache with hotSize entries of in-process LRU capacity
// fronting cold, a shared go-redis client.
func New(hotSize int, cold *redis.Client, opts ...Option) (*Cache, error) {
	hot, err := lru.New[string, entry](hotSize)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		hot:      hot,
		cold:     cold,
		ttls:     DefaultTTLs,
		retries:  3,
		inflight: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func namespacedKey(ns Namespace, key string) string {
	return string(ns) + ":" + key
}

// Get returns the decoded value for (ns, key) into dest, or ErrMiss if
// absent from both tiers or past its SWR grace window.
func (c *Cache) Get(ctx context.Context, ns Namespace, key string, dest any) error {
	full := namespacedKey(ns, key)
	cfg := c.ttls[ns]

	if e, ok := c.hot.Get(full); ok {
		if time.Since(e.storedAt) <= cfg.TTL+cfg.SWRExtra {
			return json.Unmarshal(e.value, dest)
		}
		c.hot.Remove(full)
	}

	raw, err := c.getColdWithRetry(ctx, full)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrMiss
		}
		return err
	}

	c.hot.Add(full, entry{value: raw, storedAt: time.Now()})
	return json.Unmarshal(raw, dest)
}

func (c *Cache) getColdWithRetry(ctx context.Context, full string) ([]byte, error) {
	if c.cold == nil {
		return nil, redis.Nil
	}

	op := func() ([]byte, error) {
		v, err := c.cold.Get(ctx, full).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, backoff.Permanent(err)
		}
		return v, err
	}
	return backoff.Retry(ctx, op, backoff.WithMaxTries(c.retries))
}

// Set writes value to both tiers under (ns, key).
func (c *Cache) Set(ctx context.Context, ns Namespace, key string, value any) error {
	full := namespacedKey(ns, key)
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	c.hot.Add(full, entry{value: raw, storedAt: time.Now()})
	if c.cold == nil {
		return nil
	}

	cfg := c.ttls[ns]
	ttl := cfg.TTL + cfg.SWRExtra
	return c.cold.Set(ctx, full, raw, ttl).Err()
}

// Remove deletes (ns, key) from both tiers.
func (c *Cache) Remove(ctx context.Context, ns Namespace, key string) error {
	full := namespacedKey(ns, key)
	c.hot.Remove(full)
	if c.cold == nil {
		return nil
	}
	return c.cold.Del(ctx, full).Err()
}

// RemoveAllNamespaces removes key from every namespace the core uses, for
// the five-namespace customer-wide invalidation spec §4.H describes on
// subscription lifecycle events.
func (c *Cache) RemoveAllNamespaces(ctx context.Context, key string) error {
	var lastErr error
	for ns := range c.ttls {
		if err := c.Remove(ctx, ns, key); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// SWR returns the cached value for (ns, key) in dest. A hot-tier value
// within its TTL is returned with fresh=true. A hot-tier value past its
// TTL but within the SWR grace window is returned with fresh=false and
// triggers a background refresh via loader. Otherwise the value is read
// through Get, and on a miss loader runs synchronously and its result is
// stored with Set and decoded into dest; both of these return fresh=true.
func (c *Cache) SWR(ctx context.Context, ns Namespace, key string, dest any, loader Loader) (fresh bool, err error) {
	full := namespacedKey(ns, key)
	cfg := c.ttls[ns]

	if e, ok := c.hot.Get(full); ok {
		age := time.Since(e.storedAt)
		if age <= cfg.TTL {
			return true, json.Unmarshal(e.value, dest)
		}
		if age <= cfg.TTL+cfg.SWRExtra {
			if unmarshalErr := json.Unmarshal(e.value, dest); unmarshalErr != nil {
				return false, unmarshalErr
			}
			c.refreshInBackground(ns, key, loader)
			return false, nil
		}
	}

	if getErr := c.Get(ctx, ns, key, dest); getErr == nil {
		return true, nil
	}

	value, loadErr := loader(ctx)
	if loadErr != nil {
		return false, loadErr
	}
	if setErr := c.Set(ctx, ns, key, value); setErr != nil {
		return false, setErr
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(encoded, dest)
}

func (c *Cache) refreshInBackground(ns Namespace, key string, loader Loader) {
	full := namespacedKey(ns, key)

	c.inflightMu.Lock()
	if c.inflight[full] {
		c.inflightMu.Unlock()
		return
	}
	c.inflight[full] = true
	c.inflightMu.Unlock()

	go func() {
		defer func() {
			c.inflightMu.Lock()
			delete(c.inflight, full)
			c.inflightMu.Unlock()
		}()

		ctx := context.Background()
		value, err := loader(ctx)
		if err != nil {
			return
		}
		_ = c.Set(ctx, ns, key, value)
	}()
}
