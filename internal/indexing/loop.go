// Package indexing implements the Indexing Loop (C6): per-contract cursor
// management, confirmation-depth gating, batched range fetch, decoding,
// idempotent persistence, cache invalidation, and real-time fan-out, plus
// the explicit reorg recovery operation and the retry policy that shields
// it from transient chain RPC and store failures.
package indexing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vocdoni/davinci-node/log"

	"github.com/vocdoni/chainindex/internal/cache"
	"github.com/vocdoni/chainindex/internal/chain"
	"github.com/vocdoni/chainindex/internal/decoder"
	"github.com/vocdoni/chainindex/internal/schema"
	"github.com/vocdoni/chainindex/internal/store"
)

// Config wires the loop's dependencies and tuning knobs. Zero-valued
// durations/counts fall back to conservative defaults in New.
type Config struct {
	Chain           chain.Source
	Registry        *schema.Registry
	Events          *store.EventStore
	Cursors         *store.CursorStore
	Cache           *cache.Cache
	Confirmations   uint64
	BatchSize       uint64
	PollInterval    time.Duration
	RealtimeEnabled bool
	Retry           RetryPolicy
	Metrics         *Metrics
}

// Loop runs the main indexing coordination tick described by the engine's
// indexing loop component: a single logical producer per contract. Within
// one tick the active contracts are processed one after another, so each
// contract's cursor advance is serialized against itself.
type Loop struct {
	chain           chain.Source
	registry        *schema.Registry
	events          *store.EventStore
	cursors         *store.CursorStore
	cache           *cache.Cache
	confirmations   uint64
	batchSize       uint64
	pollInterval    time.Duration
	realtimeEnabled bool
	retry           RetryPolicy
	metrics         *Metrics
}

// New validates and returns a ready Loop.
func New(cfg Config) (*Loop, error) {
	if cfg.Chain == nil {
		return nil, errors.New("indexing: chain source is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("indexing: schema registry is required")
	}
	if cfg.Events == nil || cfg.Cursors == nil {
		return nil, errors.New("indexing: event store and cursor store are required")
	}
	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = 2000
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	retryPolicy := cfg.Retry
	if retryPolicy.MaxRetries == 0 && retryPolicy.InitialDelay == 0 {
		retryPolicy = DefaultRetryPolicy()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Loop{
		chain:           cfg.Chain,
		registry:        cfg.Registry,
		events:          cfg.Events,
		cursors:         cfg.Cursors,
		cache:           cfg.Cache,
		confirmations:   cfg.Confirmations,
		batchSize:       batchSize,
		pollInterval:    pollInterval,
		realtimeEnabled: cfg.RealtimeEnabled,
		retry:           retryPolicy,
		metrics:         metrics,
	}, nil
}

// Run ticks until ctx is canceled. A stop signal lets the current
// iteration's batches finish (including their cursor advances) before
// exiting.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.tick(context.WithoutCancel(ctx)); err != nil {
			log.Warnf("indexing tick failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}

// tick implements one pass of the main loop documented in the indexing
// loop's component description: read active contracts, compute the safe
// head, and walk each contract's pending range in fixed-size batches.
func (l *Loop) tick(ctx context.Context) error {
	active, err := l.cursors.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active cursors: %w", err)
	}
	if len(active) == 0 {
		return nil
	}

	head, err := l.chain.CurrentBlock(ctx)
	if err != nil {
		return fmt.Errorf("fetch chain head: %w", err)
	}
	safeHead := int64(0)
	if head > l.confirmations {
		safeHead = int64(head - l.confirmations)
	}

	for _, cur := range active {
		if err := l.processContract(ctx, cur, safeHead); err != nil {
			log.Warnf("process contract %s: %v", cur.ContractAddress, err)
		}
	}
	return nil
}

// processContract walks one contract's pending range [cursor+1, safeHead]
// in batches of at most batchSize blocks, advancing the cursor after each
// batch commits. The cursor advance is the commit point: a failed batch
// leaves the cursor untouched so the range is retried on the next tick.
func (l *Loop) processContract(ctx context.Context, cur store.CursorEntry, safeHead int64) error {
	from := cur.LastIndexedBlock + 1
	to := safeHead
	if from > to {
		return nil
	}

	contractAddr := common.HexToAddress(cur.ContractAddress)

	for from <= to {
		batchEnd := from + int64(l.batchSize) - 1
		if batchEnd > to {
			batchEnd = to
		}

		var pending []store.PendingEvent
		err := l.retry.Do(ctx, func(ctx context.Context) error {
			var batchErr error
			pending, batchErr = l.fetchAndDecodeBatch(ctx, contractAddr, from, batchEnd)
			return batchErr
		})
		if err != nil {
			return fmt.Errorf("batch [%d,%d] exhausted retries: %w", from, batchEnd, err)
		}

		err = l.retry.Do(ctx, func(ctx context.Context) error {
			_, insertErr := l.events.InsertBatch(ctx, pending)
			return insertErr
		})
		if err != nil {
			return fmt.Errorf("insert batch [%d,%d]: %w", from, batchEnd, err)
		}
		l.metrics.BatchesProcessed.Inc()

		if l.cache != nil {
			if err := l.cache.InvalidateQueries(ctx); err != nil {
				log.Warnf("invalidate queries: %v", err)
			}
			if err := l.cache.InvalidateStats(ctx); err != nil {
				log.Warnf("invalidate stats: %v", err)
			}
			if err := l.cache.SetLatestBlock(ctx, batchEnd); err != nil {
				log.Warnf("set latest block: %v", err)
			}
		}

		if _, err := l.cursors.Advance(ctx, cur.ContractAddress, batchEnd); err != nil {
			return fmt.Errorf("advance cursor to %d: %w", batchEnd, err)
		}

		if l.realtimeEnabled && l.cache != nil {
			l.publishBatch(ctx, pending)
		}

		if len(pending) > 0 {
			log.Infow("indexed batch", "contract", cur.ContractAddress, "from", from, "to", batchEnd, "events", len(pending))
		}
		from = batchEnd + 1
	}
	return nil
}

// fetchAndDecodeBatch fetches logs for [from, to] and decodes them. Per
// spec, a decode failure is always a per-log skip-and-log, never a
// batch-aborting error: logs the registry has no schema for
// (ErrMissingContext) are silently out of scope, and logs that are
// registered but fail to decode (malformed topics/data) are logged and
// counted, but skipped rather than poisoning the whole batch — the same
// log would otherwise re-fail on every subsequent tick and permanently
// stall the contract.
func (l *Loop) fetchAndDecodeBatch(ctx context.Context, contract common.Address, from, to int64) ([]store.PendingEvent, error) {
	logs, err := l.chain.GetLogs(ctx, contract, uint64(from), uint64(to))
	if err != nil {
		return nil, fmt.Errorf("fetch logs: %w", err)
	}
	pending := make([]store.PendingEvent, 0, len(logs))
	for _, raw := range logs {
		ev, err := decoder.Decode(raw, l.registry)
		if err != nil {
			if !errors.Is(err, decoder.ErrMissingContext) {
				l.metrics.DecodeErrors.Inc()
				log.Warnf("skipping undecodable log at block %d index %d: %v", raw.BlockNumber, raw.Index, err)
			}
			continue
		}
		pending = append(pending, ev)
	}
	return pending, nil
}

// publishBatch fans out one EventUpdate per pending event on the real-time
// channel. Publish failures are logged, never propagated: real-time
// delivery is best-effort and must not fail the batch it describes.
func (l *Loop) publishBatch(ctx context.Context, pending []store.PendingEvent) {
	now := time.Now().UTC().Format(time.RFC3339)
	for _, p := range pending {
		update := cache.EventUpdate{
			UpdateType: cache.UpdateTypeNew,
			Event: store.Event{
				ContractAddress: p.ContractAddress,
				EventName:       p.EventName,
				BlockNumber:     p.BlockNumber,
				TransactionHash: p.TransactionHash,
				LogIndex:        p.LogIndex,
				EventData:       p.EventData,
			},
			Timestamp: now,
		}
		if err := l.cache.PublishEventUpdate(ctx, update); err != nil {
			log.Warnf("publish event update: %v", err)
		}
	}
}
