package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/vocdoni/davinci-node/log"
)

// ContractSpec is one entry of the --contracts flag: an address to watch,
// the path to its ABI JSON file, and the block to start indexing from.
type ContractSpec struct {
	Address    common.Address
	ABIPath    string
	StartBlock uint64
}

type Config struct {
	ContractsRaw string         `mapstructure:"contracts"`
	Contracts    []ContractSpec `mapstructure:"-"`
	Blockchain   BlockchainConfig `mapstructure:"blockchain"`
	Indexer      IndexerConfig    `mapstructure:"indexer"`
	Store        StoreConfig      `mapstructure:"store"`
	Cache        CacheConfig      `mapstructure:"cache"`
	HTTP         HTTPConfig       `mapstructure:"http"`
	Log          LogConfig        `mapstructure:"log"`
}

// BlockchainConfig mirrors the engine's `blockchain` configuration block:
// an RPC endpoint list (WS preferred, HTTP fallback) plus the expected
// chain ID.
type BlockchainConfig struct {
	RPCs         []string `mapstructure:"rpc"`
	ChainID      uint64   `mapstructure:"chainId"`
	AutoRPC      bool     `mapstructure:"autoRpc"`
	MaxEndpoints int      `mapstructure:"maxEndpoints"`
}

// IndexerConfig mirrors the `indexer` configuration block: confirmation
// depth, batching, polling cadence, retry tuning, and real-time fan-out.
type IndexerConfig struct {
	Confirmations       uint64        `mapstructure:"confirmations"`
	BatchSize           uint64        `mapstructure:"batchSize"`
	PollIntervalSeconds uint64        `mapstructure:"pollIntervalSeconds"`
	MaxRetries          uint64        `mapstructure:"maxRetries"`
	RetryDelayMS        uint64        `mapstructure:"retryDelayMs"`
	RealtimeEnabled     bool          `mapstructure:"realtimeEnabled"`
	pollInterval        time.Duration `mapstructure:"-"`
}

// StoreConfig mirrors the `store` configuration block: Postgres connection
// and pool sizing.
type StoreConfig struct {
	URL            string `mapstructure:"url"`
	MaxConnections int32  `mapstructure:"maxConnections"`
	MinConnections int32  `mapstructure:"minConnections"`
}

// CacheConfig mirrors the `cache` configuration block: Redis connection
// and per-namespace TTLs.
type CacheConfig struct {
	URL       string        `mapstructure:"url"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	EventTTL  time.Duration `mapstructure:"eventTtl"`
	QueryTTL  time.Duration `mapstructure:"queryTtl"`
	StatsTTL  time.Duration `mapstructure:"statsTtl"`
}

type HTTPConfig struct {
	ListenAddr     string   `mapstructure:"listen"`
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}

	pflag.String("contracts", "", "Contracts in format address:abiPath:startBlock,address:abiPath:startBlock")
	pflag.StringSlice("blockchain.rpc", nil, "RPC endpoint (repeatable)")
	pflag.Uint64("blockchain.chainId", 0, "Expected chain ID")
	pflag.Bool("blockchain.autoRpc", false, "Auto-discover public RPC endpoints via chainlist when none are configured")
	pflag.Int("blockchain.maxEndpoints", 3, "Maximum auto-discovered endpoints to add")
	pflag.Uint64("indexer.confirmations", 12, "Confirmation depth before a block is considered safe to index")
	pflag.Uint64("indexer.batchSize", 2000, "Block batch size per eth_getLogs call")
	pflag.Uint64("indexer.pollIntervalSeconds", 5, "Seconds between indexing ticks")
	pflag.Uint64("indexer.maxRetries", 5, "Maximum retries per batch before giving up for the tick")
	pflag.Uint64("indexer.retryDelayMs", 250, "Initial retry backoff in milliseconds")
	pflag.Bool("indexer.realtimeEnabled", true, "Publish newly indexed events over the cache's pub/sub channel")
	pflag.String("store.url", "", "Postgres connection URL")
	pflag.Int("store.maxConnections", 10, "Postgres pool max connections")
	pflag.Int("store.minConnections", 2, "Postgres pool min connections")
	pflag.String("cache.url", "localhost:6379", "Redis address")
	pflag.String("cache.password", "", "Redis password")
	pflag.Int("cache.db", 0, "Redis logical database")
	pflag.Duration("cache.eventTtl", 1*time.Hour, "Event cache TTL")
	pflag.Duration("cache.queryTtl", 30*time.Second, "Query result cache TTL")
	pflag.Duration("cache.statsTtl", 15*time.Second, "Stats cache TTL")
	pflag.String("http.listen", ":8080", "HTTP listen address")
	pflag.StringSlice("http.allowedOrigins", nil, "Allowed CORS origins (repeatable, default: any)")
	pflag.String("log.level", log.LogLevelDebug, "Log level (debug, info, warn, error)")
	pflag.Parse()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(pflag.CommandLine); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	_ = v.BindEnv("contracts", "CONTRACTS")
	_ = v.BindEnv("blockchain.rpc", "BLOCKCHAIN_RPC", "RPC_ENDPOINTS")
	_ = v.BindEnv("blockchain.chainId", "BLOCKCHAIN_CHAIN_ID")
	_ = v.BindEnv("store.url", "STORE_URL", "DATABASE_URL")
	_ = v.BindEnv("cache.url", "CACHE_URL", "REDIS_ADDR")
	_ = v.BindEnv("log.level", "LOG_LEVEL")

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.ContractsRaw == "" {
		return nil, fmt.Errorf("--contracts or CONTRACTS env var is required")
	}
	contracts, err := parseContractSpecs(cfg.ContractsRaw)
	if err != nil {
		return nil, fmt.Errorf("invalid contracts: %w", err)
	}
	cfg.Contracts = contracts

	if cfg.Blockchain.ChainID == 0 {
		return nil, fmt.Errorf("--blockchain.chainId or BLOCKCHAIN_CHAIN_ID env var is required")
	}
	if len(cfg.Blockchain.RPCs) == 0 && !cfg.Blockchain.AutoRPC {
		return nil, fmt.Errorf("at least one --blockchain.rpc is required unless --blockchain.autoRpc is set")
	}
	if cfg.Store.URL == "" {
		return nil, fmt.Errorf("--store.url or STORE_URL env var is required")
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = log.LogLevelDebug
	}
	if cfg.Indexer.PollIntervalSeconds == 0 {
		cfg.Indexer.PollIntervalSeconds = 5
	}
	cfg.Indexer.pollInterval = time.Duration(cfg.Indexer.PollIntervalSeconds) * time.Second
	if cfg.Indexer.BatchSize == 0 {
		cfg.Indexer.BatchSize = 2000
	}
	if cfg.Indexer.MaxRetries == 0 {
		cfg.Indexer.MaxRetries = 5
	}
	if cfg.Indexer.RetryDelayMS == 0 {
		cfg.Indexer.RetryDelayMS = 250
	}
	if cfg.Cache.URL == "" {
		cfg.Cache.URL = "localhost:6379"
	}
	if cfg.Cache.EventTTL == 0 {
		cfg.Cache.EventTTL = 1 * time.Hour
	}
	if cfg.Cache.QueryTTL == 0 {
		cfg.Cache.QueryTTL = 30 * time.Second
	}
	if cfg.Cache.StatsTTL == 0 {
		cfg.Cache.StatsTTL = 15 * time.Second
	}
	if cfg.HTTP.ListenAddr == "" {
		cfg.HTTP.ListenAddr = ":8080"
	}

	return cfg, nil
}

func parseContractSpecs(value string) ([]ContractSpec, error) {
	entries := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == ';'
	})
	if len(entries) == 0 {
		return nil, fmt.Errorf("no contract entries provided")
	}
	out := make([]ContractSpec, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid contract entry %q (expected address:abiPath:startBlock)", entry)
		}
		address := strings.TrimSpace(parts[0])
		if !common.IsHexAddress(address) {
			return nil, fmt.Errorf("invalid contract address in %q", entry)
		}
		abiPath := strings.TrimSpace(parts[1])
		if abiPath == "" {
			return nil, fmt.Errorf("missing abi path in %q", entry)
		}
		startBlock, err := strconv.ParseUint(strings.TrimSpace(parts[2]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid start block in %q", entry)
		}
		out = append(out, ContractSpec{
			Address:    common.HexToAddress(address),
			ABIPath:    abiPath,
			StartBlock: startBlock,
		})
	}
	return out, nil
}
