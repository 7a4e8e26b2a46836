// Package health implements the engine's operational surface: a
// HealthCheck record aggregated from cheap per-component round-trip
// probes against the store, cache, and chain source.
package health

import (
	"context"
	"time"

	"github.com/vocdoni/chainindex/internal/cache"
	"github.com/vocdoni/chainindex/internal/chain"
	"github.com/vocdoni/chainindex/internal/store"
)

// DefaultProbeTimeout bounds each individual component probe so a stalled
// dependency cannot make the aggregate check hang indefinitely.
const DefaultProbeTimeout = 2 * time.Second

// Check is the aggregated health record. Healthy means all three probes
// succeeded.
type Check struct {
	Store bool `json:"store"`
	Cache bool `json:"cache"`
	Chain bool `json:"chain"`
}

// Healthy reports whether every component probe succeeded.
func (c Check) Healthy() bool {
	return c.Store && c.Cache && c.Chain
}

// Prober aggregates the probes a HealthCheck needs. Cache is optional: a
// deployment without caching reports Cache healthy by default rather than
// failing the aggregate on a component it never wired in.
type Prober struct {
	Store *store.EventStore
	Cache *cache.Cache
	Chain chain.Source
}

// Check runs all three probes one after another and returns the aggregate
// record. Each probe is bounded by DefaultProbeTimeout, so a slow dependency
// delays the others by at most that long, and one failing probe does not
// change the others' results.
func (p *Prober) Check(ctx context.Context) Check {
	return Check{
		Store: p.probeStore(ctx),
		Cache: p.probeCache(ctx),
		Chain: p.probeChain(ctx),
	}
}

func (p *Prober) probeStore(ctx context.Context) bool {
	if p.Store == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultProbeTimeout)
	defer cancel()
	_, err := p.Store.Stats(ctx)
	return err == nil
}

func (p *Prober) probeCache(ctx context.Context) bool {
	if p.Cache == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultProbeTimeout)
	defer cancel()
	return p.Cache.HealthCheck(ctx)
}

func (p *Prober) probeChain(ctx context.Context) bool {
	if p.Chain == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultProbeTimeout)
	defer cancel()
	_, err := p.Chain.CurrentBlock(ctx)
	return err == nil
}
