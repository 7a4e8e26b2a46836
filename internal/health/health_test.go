package health

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vocdoni/chainindex/internal/decoder"
)

type stubChain struct {
	block uint64
	err   error
}

func (s *stubChain) CurrentBlock(ctx context.Context) (uint64, error) { return s.block, s.err }

func (s *stubChain) GetLogs(ctx context.Context, contract common.Address, from, to uint64) ([]decoder.RawLog, error) {
	return nil, nil
}

func TestCheckUnhealthyWhenOnlyChainWired(t *testing.T) {
	prober := &Prober{Chain: &stubChain{block: 100}}
	got := prober.Check(context.Background())
	if got.Cache != true {
		t.Error("expected cache to default healthy when not wired")
	}
	if got.Store != false {
		t.Error("expected store to be unhealthy when not wired")
	}
	if got.Chain != true {
		t.Error("expected chain to be healthy")
	}
	if got.Healthy() {
		t.Error("expected aggregate unhealthy since store is not wired")
	}
}

func TestCheckUnhealthyWhenChainErrors(t *testing.T) {
	prober := &Prober{Chain: &stubChain{err: errors.New("rpc timeout")}}
	got := prober.Check(context.Background())
	if got.Chain {
		t.Error("expected chain to be unhealthy on probe error")
	}
	if got.Healthy() {
		t.Error("expected aggregate unhealthy")
	}
}
