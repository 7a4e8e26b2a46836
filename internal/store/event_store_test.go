package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func TestQueryFilterNormalize(t *testing.T) {
	tests := []struct {
		name       string
		in         QueryFilter
		wantLimit  int
		wantOffset int
	}{
		{name: "zero value gets defaults", in: QueryFilter{}, wantLimit: DefaultQueryLimit, wantOffset: 0},
		{name: "negative offset clamps to zero", in: QueryFilter{Offset: -5}, wantLimit: DefaultQueryLimit, wantOffset: 0},
		{name: "oversized limit clamps to max", in: QueryFilter{Limit: MaxQueryLimit + 500}, wantLimit: MaxQueryLimit, wantOffset: 0},
		{name: "in-range values pass through", in: QueryFilter{Limit: 25, Offset: 10}, wantLimit: 25, wantOffset: 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Normalize()
			if got.Limit != tt.wantLimit {
				t.Errorf("Limit = %d, want %d", got.Limit, tt.wantLimit)
			}
			if got.Offset != tt.wantOffset {
				t.Errorf("Offset = %d, want %d", got.Offset, tt.wantOffset)
			}
		})
	}
}

func TestValidatePendingRejectsNegatives(t *testing.T) {
	tests := []struct {
		name string
		in   PendingEvent
	}{
		{name: "negative block", in: PendingEvent{BlockNumber: -1}},
		{name: "negative log index", in: PendingEvent{LogIndex: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validatePending(tt.in); err == nil {
				t.Fatal("expected error for negative field")
			}
		})
	}
}

// testPool connects to a disposable Postgres database for the integration
// tests below. Set CHAININDEX_TEST_DATABASE_URL to run them; they are
// skipped otherwise since no pack example ships a Postgres test double.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("CHAININDEX_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CHAININDEX_TEST_DATABASE_URL not set, skipping Postgres integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := Open(ctx, PoolConfig{URL: url})
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestEventStoreInsertOneUpsertAndGetByID(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	es := NewEventStore(pool)

	pending := PendingEvent{
		ContractAddress: "0xAAAA000000000000000000000000000000AAAA",
		EventName:       "Transfer",
		BlockNumber:     100,
		TransactionHash: "0xdead",
		LogIndex:        0,
		EventData:       map[string]any{"value": "10"},
	}
	ev, err := es.InsertOne(ctx, pending)
	if err != nil {
		t.Fatalf("insert one: %v", err)
	}
	if ev.ContractAddress != "0xaaaa000000000000000000000000000000aaaa" {
		t.Errorf("contract address not lowercased: %s", ev.ContractAddress)
	}

	// Re-inserting the same (tx_hash, log_index) refreshes event_data but
	// keeps the same row identity.
	pending.EventData = map[string]any{"value": "20"}
	updated, err := es.InsertOne(ctx, pending)
	if err != nil {
		t.Fatalf("re-insert: %v", err)
	}
	if updated.ID != ev.ID {
		t.Errorf("expected same id on conflict update, got %s want %s", updated.ID, ev.ID)
	}
	if updated.EventData["value"] != "20" {
		t.Errorf("expected refreshed event_data, got %v", updated.EventData)
	}

	found, ok, err := es.GetByID(ctx, ev.ID)
	if err != nil || !ok {
		t.Fatalf("get by id: found=%v err=%v", ok, err)
	}
	if found.EventName != "Transfer" {
		t.Errorf("event name = %s", found.EventName)
	}
}

func TestEventStoreInsertBatchSkipsConflicts(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	es := NewEventStore(pool)

	batch := []PendingEvent{
		{ContractAddress: "0xbbbb", EventName: "Transfer", BlockNumber: 1, TransactionHash: "0x1", LogIndex: 0, EventData: map[string]any{}},
		{ContractAddress: "0xbbbb", EventName: "Transfer", BlockNumber: 2, TransactionHash: "0x2", LogIndex: 0, EventData: map[string]any{}},
	}
	n, err := es.InsertBatch(ctx, batch)
	if err != nil {
		t.Fatalf("insert batch: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 new rows, got %d", n)
	}

	n, err = es.InsertBatch(ctx, batch)
	if err != nil {
		t.Fatalf("insert batch again: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 new rows on conflict, got %d", n)
	}
}

func TestEventStoreDeleteFromBlock(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	es := NewEventStore(pool)

	// Blocks sit above every other block this package's tests insert, since
	// DeleteFromBlock removes matching rows store-wide.
	for i, block := range []int64{1010, 1020, 1030} {
		_, err := es.InsertOne(ctx, PendingEvent{
			ContractAddress: "0xcccc", EventName: "Transfer", BlockNumber: block,
			TransactionHash: "0xreorg", LogIndex: int64(i), EventData: map[string]any{},
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	deleted, err := es.DeleteFromBlock(ctx, 1020)
	if err != nil {
		t.Fatalf("delete from block: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 rows deleted, got %d", deleted)
	}
}

func TestCursorStoreLifecycle(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	cs := NewCursorStore(pool)

	contract := "0xDDDD000000000000000000000000000000DDDD"
	cur, err := cs.Upsert(ctx, contract, 50)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if cur.LastIndexedBlock != 49 {
		t.Fatalf("expected cursor seeded at startBlock-1=49, got %d", cur.LastIndexedBlock)
	}

	// Re-upserting must not rewind progress already recorded.
	if _, err := cs.Advance(ctx, contract, 75); err != nil {
		t.Fatalf("advance: %v", err)
	}
	cur, err = cs.Upsert(ctx, contract, 50)
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if cur.LastIndexedBlock != 75 {
		t.Fatalf("re-upsert must not rewind, got %d", cur.LastIndexedBlock)
	}

	cur, err = cs.Rewind(ctx, contract, 60)
	if err != nil {
		t.Fatalf("rewind: %v", err)
	}
	if cur.LastIndexedBlock != 60 {
		t.Fatalf("expected rewound block 60, got %d", cur.LastIndexedBlock)
	}

	active, err := cs.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	found := false
	for _, c := range active {
		if c.ContractAddress == "0xdddd000000000000000000000000000000dddd" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected contract in active cursor list")
	}

	if err := cs.Deactivate(ctx, contract); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	active, err = cs.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active after deactivate: %v", err)
	}
	for _, c := range active {
		if c.ContractAddress == "0xdddd000000000000000000000000000000dddd" {
			t.Fatal("deactivated contract still listed as active")
		}
	}
}
