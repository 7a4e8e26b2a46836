package indexing

import (
	"context"
	"fmt"
	"testing"

	"github.com/vocdoni/chainindex/internal/store"
)

func storePendingEvent(contract string, block int64) store.PendingEvent {
	return store.PendingEvent{
		ContractAddress: contract,
		EventName:       "Transfer",
		BlockNumber:     block,
		TransactionHash: fmt.Sprintf("0xreorgtest%d", block),
		LogIndex:        0,
		EventData:       map[string]any{"value": "1"},
	}
}

func queryFilterFor(contract string) store.QueryFilter {
	return store.QueryFilter{ContractAddress: contract, HasContractAddress: true, Limit: store.MaxQueryLimit}
}

func TestHandleReorgDeletesAndRewinds(t *testing.T) {
	events, cursors := testStores(t)
	ctx := context.Background()

	contract := "0x2222222222222222222222222222222222222222"
	if _, err := cursors.Upsert(ctx, contract, 0); err != nil {
		t.Fatalf("upsert cursor: %v", err)
	}
	if _, err := cursors.Advance(ctx, contract, 150); err != nil {
		t.Fatalf("advance cursor: %v", err)
	}

	for _, block := range []int64{90, 100, 110} {
		_, err := events.InsertOne(ctx, storePendingEvent(contract, block))
		if err != nil {
			t.Fatalf("insert event at block %d: %v", block, err)
		}
	}

	handler := NewReorgHandler(events, cursors, nil)
	if err := handler.HandleReorg(ctx, 100); err != nil {
		t.Fatalf("handle reorg: %v", err)
	}

	remaining, err := events.Query(ctx, queryFilterFor(contract))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	for _, ev := range remaining {
		if ev.BlockNumber >= 100 {
			t.Errorf("expected no events at or above block 100, found one at %d", ev.BlockNumber)
		}
	}

	cur, ok, err := cursors.Get(ctx, contract)
	if err != nil || !ok {
		t.Fatalf("get cursor: ok=%v err=%v", ok, err)
	}
	if cur.LastIndexedBlock != 99 {
		t.Errorf("expected cursor rewound to 99, got %d", cur.LastIndexedBlock)
	}
}

func TestDetectFork(t *testing.T) {
	if DetectFork("", "0xabc") {
		t.Error("empty remembered hash must not signal a fork")
	}
	if DetectFork("0xabc", "0xabc") {
		t.Error("matching hashes must not signal a fork")
	}
	if !DetectFork("0xabc", "0xdef") {
		t.Error("mismatched hashes must signal a fork")
	}
}
