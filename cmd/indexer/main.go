// Command indexer runs the blockchain event indexing and caching engine:
// it decodes registered contracts' logs into Postgres, serves them through
// a Redis read-through cache, and exposes a GraphQL query surface over
// HTTP.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/vocdoni/davinci-node/log"
	"github.com/vocdoni/davinci-node/web3/rpc"

	"github.com/vocdoni/chainindex/internal/api"
	"github.com/vocdoni/chainindex/internal/cache"
	"github.com/vocdoni/chainindex/internal/chain"
	"github.com/vocdoni/chainindex/internal/health"
	"github.com/vocdoni/chainindex/internal/indexing"
	"github.com/vocdoni/chainindex/internal/query"
	"github.com/vocdoni/chainindex/internal/schema"
	"github.com/vocdoni/chainindex/internal/store"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	log.Init(cfg.Log.Level, "stderr", nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := schema.NewRegistry()
	for _, spec := range cfg.Contracts {
		abiJSON, err := os.ReadFile(spec.ABIPath)
		if err != nil {
			log.Fatalf("read abi for %s: %v", spec.Address.Hex(), err)
		}
		if err := registry.Register(spec.Address.Hex(), abiJSON); err != nil {
			log.Fatalf("register schema for %s: %v", spec.Address.Hex(), err)
		}
	}
	log.Infow("schema registry ready", "contracts", len(cfg.Contracts))

	pool, err := store.Open(ctx, store.PoolConfig{
		URL:            cfg.Store.URL,
		MaxConnections: cfg.Store.MaxConnections,
		MinConnections: cfg.Store.MinConnections,
	})
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer pool.Close()
	eventStore := store.NewEventStore(pool)
	cursorStore := store.NewCursorStore(pool)

	for _, spec := range cfg.Contracts {
		if _, err := cursorStore.Upsert(ctx, spec.Address.Hex(), int64(spec.StartBlock)); err != nil {
			log.Fatalf("register cursor for %s: %v", spec.Address.Hex(), err)
		}
	}

	redisCache, err := cache.Connect(ctx, cfg.Cache.URL, cfg.Cache.Password, cfg.Cache.DB, cache.TTLConfig{
		EventTTL:    cfg.Cache.EventTTL,
		QueryTTL:    cfg.Cache.QueryTTL,
		StatsTTL:    cfg.Cache.StatsTTL,
		MetadataTTL: cache.DefaultTTLConfig().MetadataTTL,
	})
	if err != nil {
		log.Fatalf("connect cache: %v", err)
	}
	defer redisCache.Close()

	web3Pool := rpc.NewWeb3Pool()
	for _, endpoint := range cfg.Blockchain.RPCs {
		if _, err := web3Pool.AddEndpoint(endpoint); err != nil {
			log.Fatalf("add rpc endpoint %s: %v", endpoint, err)
		}
	}
	chainSource, err := chain.Client(web3Pool, cfg.Blockchain.ChainID, cfg.Blockchain.AutoRPC, cfg.Blockchain.MaxEndpoints)
	if err != nil {
		log.Fatalf("set up chain source: %v", err)
	}

	retryPolicy := indexing.DefaultRetryPolicy()
	retryPolicy.MaxRetries = cfg.Indexer.MaxRetries
	retryPolicy.InitialDelay = time.Duration(cfg.Indexer.RetryDelayMS) * time.Millisecond

	metrics := indexing.NewMetrics(prometheus.DefaultRegisterer)
	loop, err := indexing.New(indexing.Config{
		Chain:           chainSource,
		Registry:        registry,
		Events:          eventStore,
		Cursors:         cursorStore,
		Cache:           redisCache,
		Confirmations:   cfg.Indexer.Confirmations,
		BatchSize:       cfg.Indexer.BatchSize,
		PollInterval:    cfg.Indexer.pollInterval,
		RealtimeEnabled: cfg.Indexer.RealtimeEnabled,
		Retry:           retryPolicy,
		Metrics:         metrics,
	})
	if err != nil {
		log.Fatalf("create indexing loop: %v", err)
	}

	querySvc := query.New(eventStore, redisCache)
	prober := &health.Prober{Store: eventStore, Cache: redisCache, Chain: chainSource}
	reorgHandler := indexing.NewReorgHandler(eventStore, cursorStore, redisCache).WithMetrics(metrics)
	apiSvc, err := api.New(querySvc, registry, cursorStore, prober, reorgHandler)
	if err != nil {
		log.Fatalf("create api service: %v", err)
	}

	loopErr := make(chan error, 1)
	go func() { loopErr <- loop.Run(ctx) }()

	apiErr := make(chan error, 1)
	go func() { apiErr <- apiSvc.Start(ctx, cfg.HTTP.ListenAddr, cfg.HTTP.AllowedOrigins) }()

	log.Infow("indexer started", "listen", cfg.HTTP.ListenAddr, "graphql", "/graphql", "healthz", "/healthz")

	apiDone := false
	select {
	case <-ctx.Done():
	case err := <-loopErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warnf("indexing loop stopped: %v", err)
		}
	case err := <-apiErr:
		apiDone = true
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnf("http server stopped: %v", err)
		}
	}

	stop()
	if !apiDone {
		if err := <-apiErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnf("http server stopped: %v", err)
		}
	}
}
