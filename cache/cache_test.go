package cache

import (
	"context"
	"testing"
	"time"
)

type payload struct {
	Usage int64 `json:"usage"`
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(16, nil, WithTTLs(map[Namespace]TTLConfig{
		NamespaceCustomerEntitlement: {TTL: 50 * time.Millisecond, SWRExtra: 100 * time.Millisecond},
	}))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestSetThenGetHitsHotTier(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, NamespaceCustomerEntitlement, "proj:cust:feat", payload{Usage: 42}); err != nil {
		t.Fatal(err)
	}

	var got payload
	if err := c.Get(ctx, NamespaceCustomerEntitlement, "proj:cust:feat", &got); err != nil {
		t.Fatal(err)
	}
	if got.Usage != 42 {
		t.Fatalf("expected usage=42, got %d", got.Usage)
	}
}

func TestGetMissWithoutColdTier(t *testing.T) {
	c := newTestCache(t)
	var got payload
	if err := c.Get(context.Background(), NamespaceCustomerEntitlement, "nope", &got); err != ErrMiss {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
}

func TestRemoveEvictsHotEntry(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, NamespaceCustomerEntitlement, "proj:cust:feat", payload{Usage: 1}); err != nil {
		t.Fatal(err)
	}
	if err := c.Remove(ctx, NamespaceCustomerEntitlement, "proj:cust:feat"); err != nil {
		t.Fatal(err)
	}

	var got payload
	if err := c.Get(ctx, NamespaceCustomerEntitlement, "proj:cust:feat", &got); err != ErrMiss {
		t.Fatalf("expected ErrMiss after Remove, got %v", err)
	}
}

func TestSWRReturnsFreshWithoutCallingLoader(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	_ = c.Set(ctx, NamespaceCustomerEntitlement, "k", payload{Usage: 7})

	called := false
	var got payload
	fresh, err := c.SWR(ctx, NamespaceCustomerEntitlement, "k", &got, func(context.Context) (any, error) {
		called = true
		return payload{Usage: 999}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !fresh {
		t.Fatal("expected fresh=true for a recently set value")
	}
	if called {
		t.Fatal("loader must not be called while entry is within TTL")
	}
	if got.Usage != 7 {
		t.Fatalf("expected cached usage=7 returned, got %d", got.Usage)
	}
}

func TestSWRTriggersBackgroundRefreshWhenStale(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	_ = c.Set(ctx, NamespaceCustomerEntitlement, "k", payload{Usage: 7})

	time.Sleep(70 * time.Millisecond) // past TTL, within SWRExtra

	refreshed := make(chan struct{})
	var got payload
	fresh, err := c.SWR(ctx, NamespaceCustomerEntitlement, "k", &got, func(context.Context) (any, error) {
		close(refreshed)
		return payload{Usage: 999}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if fresh {
		t.Fatal("expected fresh=false while serving a stale-but-within-grace value")
	}
	if got.Usage != 7 {
		t.Fatalf("expected stale value served synchronously, got %d", got.Usage)
	}

	select {
	case <-refreshed:
	case <-time.After(time.Second):
		t.Fatal("expected background loader to run for a stale SWR read")
	}
}

func TestSWRMissInvokesLoaderSynchronously(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	var got payload
	fresh, err := c.SWR(ctx, NamespaceCustomerEntitlement, "missing", &got, func(context.Context) (any, error) {
		return payload{Usage: 11}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !fresh {
		t.Fatal("expected a cold miss followed by a successful load to report fresh=true")
	}
	if got.Usage != 11 {
		t.Fatalf("expected loaded usage=11, got %d", got.Usage)
	}
}
