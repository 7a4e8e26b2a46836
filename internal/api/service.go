// Package api wires the HTTP surface: a single GraphQL endpoint backed by
// the Query Service, a healthz probe backed by the health package, a
// contracts endpoint for registering new ABI schemas and cursors at
// runtime, and a reorg endpoint exposing the indexing loop's reorg
// recovery as an explicit, externally-triggered operation. Adapted from
// the teacher's per-contract GraphQL handler map into a single
// cross-contract schema, since the engine indexes many event types
// behind one query surface rather than one deployment per contract.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/graphql-go/handler"

	"github.com/vocdoni/chainindex/internal/graphqlapi"
	"github.com/vocdoni/chainindex/internal/health"
	"github.com/vocdoni/chainindex/internal/indexing"
	"github.com/vocdoni/chainindex/internal/query"
	"github.com/vocdoni/chainindex/internal/schema"
	"github.com/vocdoni/chainindex/internal/store"
)

// Service exposes the GraphQL API, health probe, contract registration, and
// reorg-recovery endpoints over HTTP.
type Service struct {
	query    *query.Service
	registry *schema.Registry
	cursors  *store.CursorStore
	prober   *health.Prober
	reorg    *indexing.ReorgHandler
	handler  *handler.Handler
}

// New creates a new API service. prober may be nil, in which case /healthz
// always reports unhealthy rather than lying about unchecked dependencies.
// reorg may be nil, in which case POST /reorg reports 503.
func New(querySvc *query.Service, registry *schema.Registry, cursors *store.CursorStore, prober *health.Prober, reorg *indexing.ReorgHandler) (*Service, error) {
	if querySvc == nil {
		return nil, fmt.Errorf("query service is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("schema registry is required")
	}
	if cursors == nil {
		return nil, fmt.Errorf("cursor store is required")
	}
	gqlSchema, err := graphqlapi.NewSchema(querySvc)
	if err != nil {
		return nil, fmt.Errorf("build graphql schema: %w", err)
	}
	return &Service{
		query:    querySvc,
		registry: registry,
		cursors:  cursors,
		prober:   prober,
		reorg:    reorg,
		handler: handler.New(&handler.Config{
			Schema:   &gqlSchema,
			Pretty:   true,
			GraphiQL: true,
		}),
	}, nil
}

// Start runs the HTTP server until the context is canceled. addr is a full
// listen address (e.g. ":8080" or "0.0.0.0:8080").
func (s *Service) Start(ctx context.Context, addr string, allowedOrigins []string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: withCORS(s.routes(), allowedOrigins),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	default:
	}
	return nil
}

func withCORS(next http.Handler, allowedOrigins []string) http.Handler {
	origins := normalizeAllowedOrigins(allowedOrigins)
	allowAll := len(origins) == 1 && origins[0] == "*"

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		isPreflight := r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != ""
		allowedOrigin := ""
		if allowAll {
			allowedOrigin = "*"
		} else {
			for _, allowed := range origins {
				if strings.EqualFold(allowed, origin) {
					allowedOrigin = origin
					break
				}
			}
		}

		if allowedOrigin == "" {
			if isPreflight {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		if !allowAll {
			w.Header().Add("Vary", "Origin")
		}

		if isPreflight {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
			if requestHeaders == "" {
				requestHeaders = "Content-Type, Authorization"
			}
			w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func normalizeAllowedOrigins(values []string) []string {
	if len(values) == 0 {
		return []string{"*"}
	}
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		for _, entry := range splitList(value) {
			if entry == "*" {
				return []string{"*"}
			}
			key := strings.ToLower(entry)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, entry)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

func splitList(value string) []string {
	parts := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n'
	})
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func (s *Service) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/contracts", s.handleContracts)
	mux.HandleFunc("/reorg", s.handleReorg)
	mux.Handle("/graphql", s.handler)
	mux.HandleFunc("/", s.handleRoot)
	return mux
}

func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.prober == nil {
		http.Error(w, "health prober not configured", http.StatusServiceUnavailable)
		return
	}
	check := s.prober.Check(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if !check.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(check)
}

// registerRequest is the body accepted by POST /contracts: a new contract
// address, its ABI (for decoding), and the block height to start indexing
// from.
type registerRequest struct {
	ContractAddress string          `json:"contractAddress"`
	ABI             json.RawMessage `json:"abi"`
	StartBlock      int64           `json:"startBlock"`
}

type registerResponse struct {
	ContractAddress string `json:"contractAddress"`
	StartBlock      int64  `json:"startBlock"`
}

func (s *Service) handleContracts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if req.ContractAddress == "" {
		http.Error(w, "contractAddress is required", http.StatusBadRequest)
		return
	}
	if err := s.registry.Register(req.ContractAddress, req.ABI); err != nil {
		http.Error(w, fmt.Sprintf("register schema: %v", err), http.StatusBadRequest)
		return
	}
	if _, err := s.cursors.Upsert(r.Context(), req.ContractAddress, req.StartBlock); err != nil {
		http.Error(w, fmt.Sprintf("register cursor: %v", err), http.StatusInternalServerError)
		return
	}

	resp := registerResponse{ContractAddress: req.ContractAddress, StartBlock: req.StartBlock}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}

// reorgRequest is the body accepted by POST /reorg. The indexing loop does
// not auto-detect reorgs; a caller that has independently detected a fork
// (e.g. by comparing parent hashes) submits the first invalid block here.
type reorgRequest struct {
	ReorgBlock int64 `json:"reorgBlock"`
}

func (s *Service) handleReorg(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.reorg == nil {
		http.Error(w, "reorg handler not configured", http.StatusServiceUnavailable)
		return
	}
	var req reorgRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if req.ReorgBlock <= 0 {
		http.Error(w, "reorgBlock must be positive", http.StatusBadRequest)
		return
	}
	if err := s.reorg.HandleReorg(r.Context(), req.ReorgBlock); err != nil {
		http.Error(w, fmt.Sprintf("handle reorg: %v", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	contracts := s.registry.RegisteredContracts()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"contracts": contracts,
		"graphql":   "/graphql",
		"healthz":   "/healthz",
		"reorg":     "/reorg",
	})
}
