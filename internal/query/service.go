// Package query implements the Query Service (C7): a read-through caching
// facade over the Event Store. It is read-only with respect to the store —
// it never inserts events or advances cursors.
package query

import (
	"context"
	"fmt"

	"github.com/vocdoni/davinci-node/log"

	"github.com/vocdoni/chainindex/internal/cache"
	"github.com/vocdoni/chainindex/internal/store"
)

// RecentEventsDefaultLimit bounds the recent_events convenience wrapper
// when the caller does not specify one.
const RecentEventsDefaultLimit = 20

// Service is the read path: probe cache, fall back to the store, populate
// the cache on miss.
type Service struct {
	events *store.EventStore
	cache  *cache.Cache
}

// New wraps an event store and its cache.
func New(events *store.EventStore, c *cache.Cache) *Service {
	return &Service{events: events, cache: c}
}

// Query resolves filter via read-through caching keyed by the filter's
// canonical hash: cache hit returns immediately, cache miss queries the
// store and populates the cache with the query TTL before returning.
func (s *Service) Query(ctx context.Context, filter store.QueryFilter) ([]store.Event, error) {
	filter = filter.Normalize()
	hash := cache.QueryHash(filter)

	if s.cache != nil {
		if cached, ok, err := s.cache.GetQuery(ctx, hash); err == nil && ok {
			return cached, nil
		} else if err != nil {
			log.Warnf("query cache read failed, falling back to store: %v", err)
		}
	}

	events, err := s.events.Query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.CacheQuery(ctx, hash, events); err != nil {
			log.Warnf("populate query cache: %v", err)
		}
	}
	return events, nil
}

// GetEvent resolves a single event by id, populating event:{id} on a miss.
// Writers never pre-populate this key; it is populated on read only.
func (s *Service) GetEvent(ctx context.Context, id string) (store.Event, bool, error) {
	if s.cache != nil {
		if cached, ok, err := s.cache.GetEvent(ctx, id); err == nil && ok {
			return cached, true, nil
		} else if err != nil {
			log.Warnf("event cache read failed, falling back to store: %v", err)
		}
	}

	ev, found, err := s.events.GetByID(ctx, id)
	if err != nil {
		return store.Event{}, false, fmt.Errorf("get event %s: %w", id, err)
	}
	if !found {
		return store.Event{}, false, nil
	}

	if s.cache != nil {
		if err := s.cache.CacheEvent(ctx, ev); err != nil {
			log.Warnf("populate event cache: %v", err)
		}
	}
	return ev, true, nil
}

// Stats resolves the global stats snapshot, populating stats:global on a
// miss.
func (s *Service) Stats(ctx context.Context) (store.Stats, error) {
	if s.cache != nil {
		if cached, ok, err := s.cache.GetStats(ctx); err == nil && ok {
			return cached, nil
		} else if err != nil {
			log.Warnf("stats cache read failed, falling back to store: %v", err)
		}
	}

	stats, err := s.events.Stats(ctx)
	if err != nil {
		return store.Stats{}, fmt.Errorf("compute stats: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.CacheStats(ctx, stats); err != nil {
			log.Warnf("populate stats cache: %v", err)
		}
	}
	return stats, nil
}

// RecentEvents returns the most recent events across all contracts, most
// recent first.
func (s *Service) RecentEvents(ctx context.Context, limit int) ([]store.Event, error) {
	if limit <= 0 {
		limit = RecentEventsDefaultLimit
	}
	return s.Query(ctx, store.QueryFilter{Limit: limit})
}

// EventsByTransaction returns every event recorded for a transaction hash.
func (s *Service) EventsByTransaction(ctx context.Context, txHash string) ([]store.Event, error) {
	events, err := s.events.GetByTransaction(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("events by transaction %s: %w", txHash, err)
	}
	return events, nil
}

// EventsByName returns events matching eventName, optionally bounded to a
// block range. A zero fromBlock/toBlock leaves that bound unset.
func (s *Service) EventsByName(ctx context.Context, eventName string, fromBlock, toBlock int64) ([]store.Event, error) {
	filter := store.QueryFilter{EventName: eventName, HasEventName: true}
	if fromBlock > 0 {
		filter.BlockNumberGTE = fromBlock
		filter.HasBlockNumberGTE = true
	}
	if toBlock > 0 {
		filter.BlockNumberLTE = toBlock
		filter.HasBlockNumberLTE = true
	}
	return s.Query(ctx, filter)
}

// InvalidateAll flushes derived caches (queries and stats). Single-event
// and latest-block entries are left in place per the cache's consistency
// model.
func (s *Service) InvalidateAll(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.InvalidateQueries(ctx); err != nil {
		return fmt.Errorf("invalidate queries: %w", err)
	}
	if err := s.cache.InvalidateStats(ctx); err != nil {
		return fmt.Errorf("invalidate stats: %w", err)
	}
	return nil
}

// Warm opportunistically prefetches recent events and stats into the
// cache. Failures are logged, never propagated: warming is best-effort.
func (s *Service) Warm(ctx context.Context) {
	if _, err := s.RecentEvents(ctx, RecentEventsDefaultLimit); err != nil {
		log.Warnf("warm recent events: %v", err)
	}
	if _, err := s.Stats(ctx); err != nil {
		log.Warnf("warm stats: %v", err)
	}
}
