package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/vocdoni/chainindex/internal/store"
)

func TestQueryHashIsDeterministic(t *testing.T) {
	a := store.QueryFilter{ContractAddress: "0xabc", HasContractAddress: true, Limit: 10}
	b := store.QueryFilter{ContractAddress: "0xabc", HasContractAddress: true, Limit: 10}
	if QueryHash(a) != QueryHash(b) {
		t.Fatal("identical filters must hash identically")
	}
}

func TestQueryHashDistinguishesFilters(t *testing.T) {
	a := store.QueryFilter{ContractAddress: "0xabc", HasContractAddress: true}
	b := store.QueryFilter{ContractAddress: "0xdef", HasContractAddress: true}
	if QueryHash(a) == QueryHash(b) {
		t.Fatal("distinct filters must not hash to the same key")
	}
}

func TestQueryHashIgnoresPaginationDefaultsNormalization(t *testing.T) {
	a := store.QueryFilter{}
	b := store.QueryFilter{Limit: store.DefaultQueryLimit}
	if QueryHash(a) != QueryHash(b) {
		t.Fatal("normalization should make an implicit default limit hash the same as an explicit one")
	}
}

// testCache connects to a disposable Redis instance for the integration
// tests below. Set CHAININDEX_TEST_REDIS_ADDR to run them.
func testCache(t *testing.T) *Cache {
	t.Helper()
	addr := os.Getenv("CHAININDEX_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CHAININDEX_TEST_REDIS_ADDR not set, skipping Redis integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Connect(ctx, addr, "", 0, DefaultTTLConfig())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCacheEventRoundTrip(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	ev := store.Event{ID: "evt-1", ContractAddress: "0xabc", EventName: "Transfer", BlockNumber: 5}
	if err := c.CacheEvent(ctx, ev); err != nil {
		t.Fatalf("cache event: %v", err)
	}
	got, ok, err := c.GetEvent(ctx, "evt-1")
	if err != nil || !ok {
		t.Fatalf("get event: found=%v err=%v", ok, err)
	}
	if got.EventName != "Transfer" {
		t.Errorf("event name = %s", got.EventName)
	}

	if err := c.InvalidateEvent(ctx, "evt-1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	_, ok, err = c.GetEvent(ctx, "evt-1")
	if err != nil {
		t.Fatalf("get after invalidate: %v", err)
	}
	if ok {
		t.Fatal("expected cache miss after invalidation")
	}
}

func TestInvalidateQueriesRemovesAllQueryKeys(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	if err := c.CacheQuery(ctx, "hash-a", []store.Event{{ID: "1"}}); err != nil {
		t.Fatalf("cache query a: %v", err)
	}
	if err := c.CacheQuery(ctx, "hash-b", []store.Event{{ID: "2"}}); err != nil {
		t.Fatalf("cache query b: %v", err)
	}
	if err := c.InvalidateQueries(ctx); err != nil {
		t.Fatalf("invalidate queries: %v", err)
	}
	if _, ok, _ := c.GetQuery(ctx, "hash-a"); ok {
		t.Fatal("expected hash-a to be invalidated")
	}
	if _, ok, _ := c.GetQuery(ctx, "hash-b"); ok {
		t.Fatal("expected hash-b to be invalidated")
	}
}

func TestLatestBlockSurvivesQueryInvalidation(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	if err := c.SetLatestBlock(ctx, 100); err != nil {
		t.Fatalf("set latest block: %v", err)
	}
	if err := c.InvalidateQueries(ctx); err != nil {
		t.Fatalf("invalidate queries: %v", err)
	}
	block, ok, err := c.GetLatestBlock(ctx)
	if err != nil || !ok {
		t.Fatalf("expected latest_block to survive invalidation: ok=%v err=%v", ok, err)
	}
	if block != 100 {
		t.Errorf("latest block = %d, want 100", block)
	}
}
