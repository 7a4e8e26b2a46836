package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CursorStore implements the Cursor Store (C4): per-contract indexing
// progress, advanced monotonically and rewound only by the reorg handler.
type CursorStore struct {
	pool *pgxpool.Pool
}

// NewCursorStore wraps an already-migrated pool.
func NewCursorStore(pool *pgxpool.Pool) *CursorStore {
	return &CursorStore{pool: pool}
}

// Upsert registers a contract's cursor if it does not already exist,
// created with last_indexed_block = startBlock - 1 (clamped to the
// NoCursorBlock sentinel) so processContract's first batch begins exactly
// at startBlock rather than skipping it. An existing cursor keeps its
// last_indexed_block, so re-registering a contract never rewinds progress,
// and is marked active again.
func (s *CursorStore) Upsert(ctx context.Context, contractAddress string, startBlock int64) (CursorEntry, error) {
	if startBlock < NoCursorBlock {
		return CursorEntry{}, fmt.Errorf("%w: negative start block %d", ErrInvalidBlockRange, startBlock)
	}
	initial := startBlock - 1
	if initial < NoCursorBlock {
		initial = NoCursorBlock
	}
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO cursors (contract_address, last_indexed_block, last_indexed_at, active)
		VALUES ($1, $2, $3, true)
		ON CONFLICT (contract_address) DO UPDATE SET
			active = true
		RETURNING contract_address, last_indexed_block, last_indexed_at, active
	`, strings.ToLower(contractAddress), initial, now)
	return scanCursor(row)
}

// Get returns a contract's cursor, or false if it has never been registered.
func (s *CursorStore) Get(ctx context.Context, contractAddress string) (CursorEntry, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT contract_address, last_indexed_block, last_indexed_at, active
		FROM cursors WHERE contract_address = $1
	`, strings.ToLower(contractAddress))
	cur, err := scanCursor(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return CursorEntry{}, false, nil
		}
		return CursorEntry{}, false, err
	}
	return cur, true, nil
}

// Advance moves a contract's cursor forward. Callers are responsible for
// serializing advances per contract; Advance itself does not enforce
// monotonicity so a caller-detected reorg can still call Rewind.
func (s *CursorStore) Advance(ctx context.Context, contractAddress string, newLastIndexed int64) (CursorEntry, error) {
	if newLastIndexed < NoCursorBlock {
		return CursorEntry{}, fmt.Errorf("%w: negative block %d", ErrInvalidBlockRange, newLastIndexed)
	}
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		UPDATE cursors SET last_indexed_block = $2, last_indexed_at = $3
		WHERE contract_address = $1
		RETURNING contract_address, last_indexed_block, last_indexed_at, active
	`, strings.ToLower(contractAddress), newLastIndexed, now)
	cur, err := scanCursor(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return CursorEntry{}, fmt.Errorf("advance: contract %s has no cursor", contractAddress)
		}
		return CursorEntry{}, err
	}
	return cur, nil
}

// Rewind sets a contract's cursor back to toBlock. Used exclusively by the
// reorg handler after events at or above the fork point have been deleted.
func (s *CursorStore) Rewind(ctx context.Context, contractAddress string, toBlock int64) (CursorEntry, error) {
	if toBlock < NoCursorBlock {
		return CursorEntry{}, fmt.Errorf("%w: negative block %d", ErrInvalidBlockRange, toBlock)
	}
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		UPDATE cursors SET last_indexed_block = $2, last_indexed_at = $3
		WHERE contract_address = $1
		RETURNING contract_address, last_indexed_block, last_indexed_at, active
	`, strings.ToLower(contractAddress), toBlock, now)
	cur, err := scanCursor(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return CursorEntry{}, fmt.Errorf("rewind: contract %s has no cursor", contractAddress)
		}
		return CursorEntry{}, err
	}
	return cur, nil
}

// Deactivate marks a contract's cursor inactive, excluding it from
// ListActive without losing its recorded progress.
func (s *CursorStore) Deactivate(ctx context.Context, contractAddress string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE cursors SET active = false WHERE contract_address = $1`, strings.ToLower(contractAddress))
	if err != nil {
		return fmt.Errorf("deactivate cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deactivate: contract %s has no cursor", contractAddress)
	}
	return nil
}

// ListActive returns every active cursor, ordered by contract address.
func (s *CursorStore) ListActive(ctx context.Context) ([]CursorEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT contract_address, last_indexed_block, last_indexed_at, active
		FROM cursors WHERE active = true ORDER BY contract_address ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list active cursors: %w", err)
	}
	defer rows.Close()

	var out []CursorEntry
	for rows.Next() {
		cur, err := scanCursorRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cur)
	}
	return out, rows.Err()
}

func scanCursor(row pgx.Row) (CursorEntry, error) {
	return scanCursorRows(row)
}

func scanCursorRows(row rowScanner) (CursorEntry, error) {
	var cur CursorEntry
	if err := row.Scan(&cur.ContractAddress, &cur.LastIndexedBlock, &cur.LastIndexedAt, &cur.Active); err != nil {
		return CursorEntry{}, err
	}
	return cur, nil
}
