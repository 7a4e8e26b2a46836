// Package cache implements the Cache (C5): a read-through Redis layer in
// front of the Event Store, with namespaced keys, per-namespace TTLs,
// pattern-based invalidation, and pub/sub fan-out of newly indexed events.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vocdoni/chainindex/internal/store"
)

// NewEventsChannel is the pub/sub channel new events are published to.
const NewEventsChannel = "events:new"

// UpdateType enumerates the kinds of change an EventUpdate can carry.
type UpdateType string

const (
	UpdateTypeNew     UpdateType = "new"
	UpdateTypeUpdated UpdateType = "updated"
	UpdateTypeDeleted UpdateType = "deleted"
)

// EventUpdate is the wire format published to NewEventsChannel whenever an
// event is freshly indexed, re-decoded, or rolled back by a reorg.
type EventUpdate struct {
	UpdateType UpdateType  `json:"update_type"`
	Event      store.Event `json:"event"`
	Timestamp  string      `json:"timestamp"`
}

// TTLConfig sets the per-namespace cache lifetimes.
type TTLConfig struct {
	EventTTL    time.Duration
	QueryTTL    time.Duration
	StatsTTL    time.Duration
	MetadataTTL time.Duration
}

// DefaultTTLConfig mirrors sane defaults for a chain indexer: events are
// immutable once confirmed so they can live longer than query result pages,
// which should go stale quickly after new blocks land.
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		EventTTL:    1 * time.Hour,
		QueryTTL:    30 * time.Second,
		StatsTTL:    15 * time.Second,
		MetadataTTL: 10 * time.Minute,
	}
}

// Cache wraps a redis client with the namespaced key scheme the Query
// Service and indexing loop depend on.
type Cache struct {
	client *redis.Client
	ttl    TTLConfig
}

// New wraps an already-connected redis client.
func New(client *redis.Client, ttl TTLConfig) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Connect dials Redis at addr and verifies connectivity with a PING.
func Connect(ctx context.Context, addr, password string, db int, ttl TTLConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to cache: %w", err)
	}
	return New(client, ttl), nil
}

func eventKey(id string) string            { return "event:" + id }
func queryKey(hash string) string           { return "query:" + hash }
func metadataKey(contract string) string    { return "metadata:" + contract }
const statsKey = "stats:global"
const latestBlockKey = "latest_block"

// QueryHash computes the deterministic cache key for a query filter: its
// fields are serialized in a fixed, sorted order so equivalent filters
// always hash to the same key regardless of how they were constructed.
// Fields whose Has* flag is unset are left out, and the contract address is
// lowercased, matching how the Event Store applies the filter.
func QueryHash(filter store.QueryFilter) string {
	filter = filter.Normalize()
	parts := []string{
		fmt.Sprintf("limit=%d", filter.Limit),
		fmt.Sprintf("offset=%d", filter.Offset),
	}
	if filter.HasContractAddress {
		parts = append(parts, "contract="+strings.ToLower(filter.ContractAddress))
	}
	if filter.HasEventName {
		parts = append(parts, "event="+filter.EventName)
	}
	if filter.HasBlockNumberGTE {
		parts = append(parts, fmt.Sprintf("gte=%d", filter.BlockNumberGTE))
	}
	if filter.HasBlockNumberLTE {
		parts = append(parts, fmt.Sprintf("lte=%d", filter.BlockNumberLTE))
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%v", parts)))
	return hex.EncodeToString(sum[:])
}

// CacheEvent stores a single event under its id.
func (c *Cache) CacheEvent(ctx context.Context, ev store.Event) error {
	return c.setJSON(ctx, eventKey(ev.ID), ev, c.ttl.EventTTL)
}

// GetEvent returns a previously cached event, or ok=false on a cache miss.
func (c *Cache) GetEvent(ctx context.Context, id string) (store.Event, bool, error) {
	var ev store.Event
	ok, err := c.getJSON(ctx, eventKey(id), &ev)
	return ev, ok, err
}

// CacheQuery stores a query's result page under its canonical hash.
func (c *Cache) CacheQuery(ctx context.Context, hash string, events []store.Event) error {
	return c.setJSON(ctx, queryKey(hash), events, c.ttl.QueryTTL)
}

// GetQuery returns a previously cached query result page.
func (c *Cache) GetQuery(ctx context.Context, hash string) ([]store.Event, bool, error) {
	var events []store.Event
	ok, err := c.getJSON(ctx, queryKey(hash), &events)
	return events, ok, err
}

// CacheStats stores the global stats snapshot.
func (c *Cache) CacheStats(ctx context.Context, stats store.Stats) error {
	return c.setJSON(ctx, statsKey, stats, c.ttl.StatsTTL)
}

// GetStats returns the cached global stats snapshot.
func (c *Cache) GetStats(ctx context.Context) (store.Stats, bool, error) {
	var stats store.Stats
	ok, err := c.getJSON(ctx, statsKey, &stats)
	return stats, ok, err
}

// CacheMetadata stores arbitrary per-contract metadata (e.g. schema info).
func (c *Cache) CacheMetadata(ctx context.Context, contractAddress string, metadata any) error {
	return c.setJSON(ctx, metadataKey(contractAddress), metadata, c.ttl.MetadataTTL)
}

// GetMetadata returns cached per-contract metadata into dest.
func (c *Cache) GetMetadata(ctx context.Context, contractAddress string, dest any) (bool, error) {
	return c.getJSON(ctx, metadataKey(contractAddress), dest)
}

// SetLatestBlock records the last block of the most recently committed
// indexing batch for quick, cache-only health/status reads. Never touched
// by reorg invalidation.
func (c *Cache) SetLatestBlock(ctx context.Context, blockNumber int64) error {
	if err := c.client.Set(ctx, latestBlockKey, blockNumber, 0).Err(); err != nil {
		return fmt.Errorf("set latest block: %w", err)
	}
	return nil
}

// GetLatestBlock returns the cached latest-block pointer, or ok=false if
// never set.
func (c *Cache) GetLatestBlock(ctx context.Context) (int64, bool, error) {
	val, err := c.client.Get(ctx, latestBlockKey).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get latest block: %w", err)
	}
	return val, true, nil
}

// InvalidateEvent removes a single cached event.
func (c *Cache) InvalidateEvent(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, eventKey(id)).Err(); err != nil {
		return fmt.Errorf("invalidate event: %w", err)
	}
	return nil
}

// InvalidateQueries drops every cached query result page. Called whenever
// new events are indexed, since any cached page may now be stale.
func (c *Cache) InvalidateQueries(ctx context.Context) error {
	return c.invalidatePattern(ctx, "query:*")
}

// InvalidateStats drops the cached global stats snapshot.
func (c *Cache) InvalidateStats(ctx context.Context) error {
	if err := c.client.Del(ctx, statsKey).Err(); err != nil {
		return fmt.Errorf("invalidate stats: %w", err)
	}
	return nil
}

// InvalidateContract drops a contract's cached metadata and every event
// cached under it is left alone (events are keyed by id, not contract);
// callers that need a full wipe should pair this with InvalidateQueries.
func (c *Cache) InvalidateContract(ctx context.Context, contractAddress string) error {
	if err := c.client.Del(ctx, metadataKey(contractAddress)).Err(); err != nil {
		return fmt.Errorf("invalidate contract metadata: %w", err)
	}
	return nil
}

func (c *Cache) invalidatePattern(ctx context.Context, pattern string) error {
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	keys := make([]string, 0, 64)
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan keys matching %s: %w", pattern, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete keys matching %s: %w", pattern, err)
	}
	return nil
}

// PublishEventUpdate fans out a newly indexed event over the pub/sub
// channel so subscribers can react without polling.
func (c *Cache) PublishEventUpdate(ctx context.Context, update EventUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal event update: %w", err)
	}
	if err := c.client.Publish(ctx, NewEventsChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish event update: %w", err)
	}
	return nil
}

// Subscribe returns a subscription to NewEventsChannel. Callers must close
// the returned *redis.PubSub when done.
func (c *Cache) Subscribe(ctx context.Context) *redis.PubSub {
	return c.client.Subscribe(ctx, NewEventsChannel)
}

// HealthCheck reports whether the cache connection is alive.
func (c *Cache) HealthCheck(ctx context.Context) bool {
	return c.client.Ping(ctx).Err() == nil
}

// ClearAll wipes every key in the selected Redis database. Intended for
// tests and local development only.
func (c *Cache) ClearAll(ctx context.Context) error {
	if err := c.client.FlushDB(ctx).Err(); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}

// Close releases the underlying redis connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) setJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value for %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("set cache value for %s: %w", key, err)
	}
	return nil
}

func (c *Cache) getJSON(ctx context.Context, key string, dest any) (bool, error) {
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get cache value for %s: %w", key, err)
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return false, fmt.Errorf("unmarshal cache value for %s: %w", key, err)
	}
	return true, nil
}
