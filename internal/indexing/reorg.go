package indexing

import (
	"context"
	"fmt"

	"github.com/vocdoni/davinci-node/log"

	"github.com/vocdoni/chainindex/internal/cache"
	"github.com/vocdoni/chainindex/internal/store"
)

// ReorgHandler implements the reorg recovery procedure: delete events at or
// past the fork point, rewind every active cursor that had reached it, and
// invalidate caches that could now be serving stale data. latest_block is
// deliberately never touched here; the next committed batch overwrites it.
type ReorgHandler struct {
	events  *store.EventStore
	cursors *store.CursorStore
	cache   *cache.Cache
	metrics *Metrics
}

// NewReorgHandler wires the stores and cache a reorg recovery needs.
func NewReorgHandler(events *store.EventStore, cursors *store.CursorStore, c *cache.Cache) *ReorgHandler {
	return &ReorgHandler{events: events, cursors: cursors, cache: c, metrics: NewMetrics(nil)}
}

// WithMetrics attaches a shared Metrics instance, letting the reorg handler
// and the indexing loop it recovers for report to the same counters.
func (h *ReorgHandler) WithMetrics(m *Metrics) *ReorgHandler {
	if m != nil {
		h.metrics = m
	}
	return h
}

// HandleReorg implements handle_reorg(reorg_block): delete every event with
// block_number >= reorgBlock store-wide, then rewind every active cursor
// whose last_indexed_block >= reorgBlock to reorgBlock-1. Scoped globally
// per the spec's literal wording rather than per-contract, since a single
// chain reorg can affect every contract's cursor at once.
func (h *ReorgHandler) HandleReorg(ctx context.Context, reorgBlock int64) error {
	log.Warnw("handling chain reorganization", "reorgBlock", reorgBlock)

	deleted, err := h.events.DeleteFromBlock(ctx, reorgBlock)
	if err != nil {
		return fmt.Errorf("rollback events from block %d: %w", reorgBlock, err)
	}

	rewindTo := reorgBlock - 1
	if rewindTo < store.NoCursorBlock {
		rewindTo = store.NoCursorBlock
	}

	cursors, err := h.cursors.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active cursors: %w", err)
	}
	rewound := 0
	for _, cur := range cursors {
		if cur.LastIndexedBlock < reorgBlock {
			continue
		}
		if _, err := h.cursors.Rewind(ctx, cur.ContractAddress, rewindTo); err != nil {
			return fmt.Errorf("rewind cursor for %s: %w", cur.ContractAddress, err)
		}
		rewound++
	}

	if h.cache != nil {
		if err := h.cache.InvalidateQueries(ctx); err != nil {
			log.Warnf("invalidate queries after reorg: %v", err)
		}
		if err := h.cache.InvalidateStats(ctx); err != nil {
			log.Warnf("invalidate stats after reorg: %v", err)
		}
	}

	h.metrics.ReorgsHandled.Inc()
	log.Infow("reorg handled", "reorgBlock", reorgBlock, "deletedEvents", deleted, "cursorsRewound", rewound, "cursorRewoundTo", rewindTo)
	return nil
}

// DetectFork compares a remembered last-seen block hash against the chain's
// current hash at the same height; a mismatch means a reorg happened below
// that height. The caller supplies both hashes: neither the indexing loop
// nor the chain package retrieves block hashes or calls DetectFork.
func DetectFork(rememberedHash, currentHash string) bool {
	if rememberedHash == "" || currentHash == "" {
		return false
	}
	return rememberedHash != currentHash
}
