// Package chain defines the indexing loop's view of a blockchain RPC
// endpoint and adapts go-ethereum's filter-log API and davinci-node's
// connection pool to it.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/vocdoni/davinci-node/web3/rpc"
	"github.com/vocdoni/davinci-node/web3/rpc/chainlist"

	"github.com/vocdoni/chainindex/internal/decoder"
)

// Source is everything the indexing loop needs from a chain connection:
// the current head and a bounded, ordered slice of logs for one contract
// over an inclusive block range.
type Source interface {
	CurrentBlock(ctx context.Context) (uint64, error)
	GetLogs(ctx context.Context, contract common.Address, from, to uint64) ([]decoder.RawLog, error)
}

// Web3Source adapts an rpc.Client into a Source, translating
// ethereum.FilterQuery results into the decoder's chain-agnostic RawLog.
type Web3Source struct {
	client *rpc.Client
}

// NewWeb3Source wraps an already-connected RPC client.
func NewWeb3Source(client *rpc.Client) *Web3Source {
	return &Web3Source{client: client}
}

// CurrentBlock returns the chain's current head block number.
func (s *Web3Source) CurrentBlock(ctx context.Context) (uint64, error) {
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch head block: %w", err)
	}
	return head, nil
}

// GetLogs fetches every log emitted by contract within the inclusive range
// [from, to], sorted by (block number, log index) ascending so downstream
// persistence can assume arrival order matches chain order.
func (s *Web3Source) GetLogs(ctx context.Context, contract common.Address, from, to uint64) ([]decoder.RawLog, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{contract},
	}
	logs, err := s.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter logs from %d to %d: %w", from, to, err)
	}
	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber == logs[j].BlockNumber {
			return logs[i].Index < logs[j].Index
		}
		return logs[i].BlockNumber < logs[j].BlockNumber
	})
	return toRawLogs(logs), nil
}

func toRawLogs(logs []gethtypes.Log) []decoder.RawLog {
	out := make([]decoder.RawLog, len(logs))
	for i, l := range logs {
		out[i] = decoder.RawLog{
			Address:         l.Address,
			Topics:          l.Topics,
			Data:            l.Data,
			BlockNumber:     l.BlockNumber,
			TransactionHash: l.TxHash,
			Index:           l.Index,
		}
	}
	return out
}

// EndpointPool is the subset of rpc.Web3Pool the chain package needs to
// provision connections, kept narrow so callers can fake it in tests.
type EndpointPool interface {
	AddEndpoint(endpoint string) (uint64, error)
	Client(chainID uint64) (*rpc.Client, error)
	NumberOfEndpoints(chainID uint64, healthyOnly bool) int
}

// EnsureEndpoints guarantees chainID has at least one live RPC endpoint in
// pool, optionally auto-discovering public endpoints via chainlist when
// none were configured explicitly.
func EnsureEndpoints(pool EndpointPool, chainID uint64, autoRPC bool, maxEndpoints int) error {
	if pool.NumberOfEndpoints(chainID, false) > 0 {
		return nil
	}
	if !autoRPC {
		return fmt.Errorf("no RPC endpoints configured for chainID %d", chainID)
	}
	if maxEndpoints <= 0 {
		maxEndpoints = 3
	}
	chainMap, err := chainlist.ChainList()
	if err != nil {
		return fmt.Errorf("load chainlist: %w", err)
	}
	var shortName string
	for name, id := range chainMap {
		if id == chainID {
			shortName = name
			break
		}
	}
	if shortName == "" {
		return fmt.Errorf("chainID %d not found in chainlist", chainID)
	}
	endpoints, err := chainlist.EndpointList(shortName, maxEndpoints)
	if err != nil {
		return fmt.Errorf("chainlist endpoints: %w", err)
	}
	added := 0
	for _, endpoint := range endpoints {
		if _, err := pool.AddEndpoint(endpoint); err == nil {
			added++
		}
	}
	if added == 0 {
		return fmt.Errorf("failed to add any endpoints for chainID %d", chainID)
	}
	return nil
}

// Client resolves a ready Source for chainID from pool, provisioning
// endpoints first if needed.
func Client(pool *rpc.Web3Pool, chainID uint64, autoRPC bool, maxEndpoints int) (Source, error) {
	if err := EnsureEndpoints(pool, chainID, autoRPC, maxEndpoints); err != nil {
		return nil, err
	}
	client, err := pool.Client(chainID)
	if err != nil {
		return nil, fmt.Errorf("create web3 client for chainID %d: %w", chainID, err)
	}
	return NewWeb3Source(client), nil
}
