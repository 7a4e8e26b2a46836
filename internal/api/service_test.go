package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/vocdoni/chainindex/internal/cache"
	"github.com/vocdoni/chainindex/internal/health"
	"github.com/vocdoni/chainindex/internal/indexing"
	"github.com/vocdoni/chainindex/internal/query"
	"github.com/vocdoni/chainindex/internal/schema"
	"github.com/vocdoni/chainindex/internal/store"
)

func TestWithCORSPreflightAllowedOrigin(t *testing.T) {
	handler := withCORS(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("preflight request should not reach wrapped handler")
	}), []string{"https://app.example.com"})

	req := httptest.NewRequest(http.MethodOptions, "/contracts", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type, X-Client-Version")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected %d, got %d", http.StatusNoContent, rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("expected allowed origin header to echo request origin, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type, X-Client-Version" {
		t.Fatalf("expected allow headers to mirror preflight request, got %q", got)
	}
}

func TestWithCORSPreflightDisallowedOrigin(t *testing.T) {
	handler := withCORS(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("disallowed preflight should not reach wrapped handler")
	}), []string{"https://allowed.example.com"})

	req := httptest.NewRequest(http.MethodOptions, "/contracts", nil)
	req.Header.Set("Origin", "https://blocked.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected %d, got %d", http.StatusForbidden, rec.Code)
	}
}

func TestWithCORSWildcardAllowsAnyOrigin(t *testing.T) {
	called := false
	handler := withCORS(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}), nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://any-origin.example.com")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Fatalf("expected wrapped handler to be called")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected %d, got %d", http.StatusOK, rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected wildcard allow origin, got %q", got)
	}
}

// testService connects to disposable Postgres and Redis instances for the
// handler-level tests below, mirroring the gating used across
// internal/query and internal/graphqlapi.
func testService(t *testing.T) *Service {
	t.Helper()
	dbURL := os.Getenv("CHAININDEX_TEST_DATABASE_URL")
	redisAddr := os.Getenv("CHAININDEX_TEST_REDIS_ADDR")
	if dbURL == "" || redisAddr == "" {
		t.Skip("CHAININDEX_TEST_DATABASE_URL and CHAININDEX_TEST_REDIS_ADDR must both be set to run api service integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := store.Open(ctx, store.PoolConfig{URL: dbURL})
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(pool.Close)

	c, err := cache.Connect(ctx, redisAddr, "", 0, cache.DefaultTTLConfig())
	if err != nil {
		t.Fatalf("connect cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	events := store.NewEventStore(pool)
	cursors := store.NewCursorStore(pool)
	reg := schema.NewRegistry()
	querySvc := query.New(events, c)
	prober := &health.Prober{Store: events, Cache: c}
	reorg := indexing.NewReorgHandler(events, cursors, c)

	svc, err := New(querySvc, reg, cursors, prober, reorg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

const transferABI = `[
	{
		"name": "Transfer",
		"type": "event",
		"anonymous": false,
		"inputs": [
			{"name": "from", "type": "address", "indexed": true},
			{"name": "to", "type": "address", "indexed": true},
			{"name": "value", "type": "uint256", "indexed": false}
		]
	}
]`

func TestHandleContractsRegistersSchemaAndCursor(t *testing.T) {
	svc := testService(t)

	body := `{"contractAddress":"0x8888888888888888888888888888888888888888","abi":` + asJSONString(transferABI) + `,"startBlock":100}`
	req := httptest.NewRequest(http.MethodPost, "/contracts", strings.NewReader(body))
	rec := httptest.NewRecorder()
	svc.handleContracts(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected %d, got %d: %s", http.StatusCreated, rec.Code, rec.Body.String())
	}
	var resp registerResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.StartBlock != 100 {
		t.Errorf("expected start block 100, got %d", resp.StartBlock)
	}

	if !svc.registry.ContractRegistered("0x8888888888888888888888888888888888888888") {
		t.Error("expected contract to be registered in the schema registry")
	}
	cur, ok, err := svc.cursors.Get(context.Background(), "0x8888888888888888888888888888888888888888")
	if err != nil || !ok {
		t.Fatalf("expected cursor to exist: ok=%v err=%v", ok, err)
	}
	if cur.LastIndexedBlock != 99 {
		t.Errorf("expected cursor seeded at startBlock-1=99, got %d", cur.LastIndexedBlock)
	}
}

func TestHandleContractsRejectsMissingAddress(t *testing.T) {
	svc := testService(t)

	req := httptest.NewRequest(http.MethodPost, "/contracts", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	svc.handleContracts(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestHandleHealthzReportsDegradedWhenChainMissing(t *testing.T) {
	svc := testService(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	svc.handleHealthz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected %d since no chain source is wired, got %d", http.StatusServiceUnavailable, rec.Code)
	}
	var check health.Check
	if err := json.Unmarshal(rec.Body.Bytes(), &check); err != nil {
		t.Fatalf("unmarshal health check: %v", err)
	}
	if !check.Store {
		t.Error("expected store probe to succeed")
	}
	if check.Chain {
		t.Error("expected chain probe to fail since no chain source was wired")
	}
}

func TestHandleReorgRewindsCursorAndDeletesEvents(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	addr := "0x9999999999999999999999999999999999999999"
	if _, err := svc.cursors.Upsert(ctx, addr, 0); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}
	if _, err := svc.cursors.Advance(ctx, addr, 150); err != nil {
		t.Fatalf("advance cursor: %v", err)
	}

	body := `{"reorgBlock":100}`
	req := httptest.NewRequest(http.MethodPost, "/reorg", strings.NewReader(body))
	rec := httptest.NewRecorder()
	svc.handleReorg(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected %d, got %d: %s", http.StatusNoContent, rec.Code, rec.Body.String())
	}

	cur, ok, err := svc.cursors.Get(ctx, addr)
	if err != nil || !ok {
		t.Fatalf("expected cursor to still exist: ok=%v err=%v", ok, err)
	}
	if cur.LastIndexedBlock != 99 {
		t.Errorf("expected cursor rewound to 99, got %d", cur.LastIndexedBlock)
	}
}

func TestHandleReorgRejectsNonPositiveBlock(t *testing.T) {
	svc := testService(t)

	req := httptest.NewRequest(http.MethodPost, "/reorg", strings.NewReader(`{"reorgBlock":0}`))
	rec := httptest.NewRecorder()
	svc.handleReorg(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestHandleReorgReportsUnavailableWhenNotConfigured(t *testing.T) {
	svc := testService(t)
	svc.reorg = nil

	req := httptest.NewRequest(http.MethodPost, "/reorg", strings.NewReader(`{"reorgBlock":1}`))
	rec := httptest.NewRecorder()
	svc.handleReorg(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}

func asJSONString(s string) string {
	encoded, _ := json.Marshal(json.RawMessage(s))
	return string(encoded)
}
