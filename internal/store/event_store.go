package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// insertBatchChunkSize bounds each multi-row INSERT so the number of bound
// parameters stays well under Postgres's protocol limit; 1000 rows at 8
// params each is a known-safe default.
const insertBatchChunkSize = 1000

// EventStore implements the Event Store (C3) persistence contracts over
// Postgres.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore wraps an already-migrated pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

func validatePending(p PendingEvent) error {
	if p.BlockNumber < 0 {
		return fmt.Errorf("%w: negative block number %d", ErrInvalidBlockRange, p.BlockNumber)
	}
	if p.LogIndex < 0 {
		return fmt.Errorf("%w: negative log index %d", ErrInvalidBlockRange, p.LogIndex)
	}
	return nil
}

// InsertOne upserts a single pending event on the (transaction_hash,
// log_index) unique key. A conflicting row has its event_data and
// indexed_at refreshed; its id and created_at are left untouched.
func (s *EventStore) InsertOne(ctx context.Context, pending PendingEvent) (Event, error) {
	if err := validatePending(pending); err != nil {
		return Event{}, err
	}
	payload, err := json.Marshal(pending.EventData)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event data: %w", err)
	}
	now := time.Now().UTC()
	id := uuid.NewString()

	row := s.pool.QueryRow(ctx, `
		INSERT INTO events (id, contract_address, event_name, block_number, transaction_hash, log_index, event_data, indexed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (transaction_hash, log_index) DO UPDATE SET
			event_data = EXCLUDED.event_data,
			indexed_at = EXCLUDED.indexed_at
		RETURNING id, contract_address, event_name, block_number, transaction_hash, log_index, event_data, indexed_at, created_at
	`, id, strings.ToLower(pending.ContractAddress), pending.EventName, pending.BlockNumber,
		strings.ToLower(pending.TransactionHash), pending.LogIndex, payload, now)

	return scanEvent(row)
}

// InsertBatch chunk-inserts pending events. Conflicts on the unique key are
// skipped (batch writes never overwrite), and the returned count is the
// number of genuinely new rows.
func (s *EventStore) InsertBatch(ctx context.Context, pendings []PendingEvent) (int, error) {
	if len(pendings) == 0 {
		return 0, nil
	}
	total := 0
	for start := 0; start < len(pendings); start += insertBatchChunkSize {
		end := min(start+insertBatchChunkSize, len(pendings))
		n, err := s.insertChunk(ctx, pendings[start:end])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (s *EventStore) insertChunk(ctx context.Context, chunk []PendingEvent) (int, error) {
	now := time.Now().UTC()
	const cols = 8
	values := make([]string, 0, len(chunk))
	args := make([]any, 0, len(chunk)*cols)
	for i, p := range chunk {
		if err := validatePending(p); err != nil {
			return 0, err
		}
		payload, err := json.Marshal(p.EventData)
		if err != nil {
			return 0, fmt.Errorf("marshal event data: %w", err)
		}
		base := i * cols
		values = append(values, fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8))
		args = append(args,
			uuid.NewString(),
			strings.ToLower(p.ContractAddress),
			p.EventName,
			p.BlockNumber,
			strings.ToLower(p.TransactionHash),
			p.LogIndex,
			payload,
			now,
		)
	}

	query := fmt.Sprintf(`
		INSERT INTO events (id, contract_address, event_name, block_number, transaction_hash, log_index, event_data, indexed_at)
		VALUES %s
		ON CONFLICT (transaction_hash, log_index) DO NOTHING
		RETURNING id
	`, strings.Join(values, ","))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("insert batch: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		count++
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("insert batch: %w", err)
	}
	return count, nil
}

// Query applies filter, ordered by (block_number DESC, log_index DESC), and
// paginated per the filter's limit/offset.
func (s *EventStore) Query(ctx context.Context, filter QueryFilter) ([]Event, error) {
	filter = filter.Normalize()

	where := make([]string, 0, 4)
	args := make([]any, 0, 6)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.HasContractAddress {
		where = append(where, "contract_address = "+arg(strings.ToLower(filter.ContractAddress)))
	}
	if filter.HasEventName {
		where = append(where, "event_name = "+arg(filter.EventName))
	}
	if filter.HasBlockNumberGTE {
		where = append(where, "block_number >= "+arg(filter.BlockNumberGTE))
	}
	if filter.HasBlockNumberLTE {
		where = append(where, "block_number <= "+arg(filter.BlockNumberLTE))
	}

	query := "SELECT id, contract_address, event_name, block_number, transaction_hash, log_index, event_data, indexed_at, created_at FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY block_number DESC, log_index DESC"
	query += " LIMIT " + arg(filter.Limit)
	query += " OFFSET " + arg(filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEventRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return out, nil
}

// GetByID fetches one event by its id.
func (s *EventStore) GetByID(ctx context.Context, id string) (Event, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, contract_address, event_name, block_number, transaction_hash, log_index, event_data, indexed_at, created_at
		FROM events WHERE id = $1
	`, id)
	ev, err := scanEvent(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Event{}, false, nil
		}
		return Event{}, false, err
	}
	return ev, true, nil
}

// GetByTransaction returns every event recorded for a transaction hash,
// ordered by log index.
func (s *EventStore) GetByTransaction(ctx context.Context, txHash string) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, contract_address, event_name, block_number, transaction_hash, log_index, event_data, indexed_at, created_at
		FROM events WHERE transaction_hash = $1 ORDER BY log_index ASC
	`, strings.ToLower(txHash))
	if err != nil {
		return nil, fmt.Errorf("query by transaction: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEventRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Stats returns a single aggregated snapshot, zero-valued when the store is
// empty.
func (s *EventStore) Stats(ctx context.Context) (Stats, error) {
	var total, unique int64
	var latest *int64
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT contract_address), MAX(block_number) FROM events
	`)
	if err := row.Scan(&total, &unique, &latest); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	latestBlock := int64(0)
	if latest != nil {
		latestBlock = *latest
	}
	return Stats{
		TotalEvents:     total,
		UniqueContracts: unique,
		LatestBlock:     latestBlock,
		SnapshotTakenAt: time.Now().UTC(),
	}, nil
}

// DeleteFromBlock removes every row with block_number >= from, returning the
// count of deleted rows. Used by the reorg handler.
func (s *EventStore) DeleteFromBlock(ctx context.Context, from int64) (int64, error) {
	if from < 0 {
		return 0, fmt.Errorf("%w: negative block number %d", ErrInvalidBlockRange, from)
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM events WHERE block_number >= $1`, from)
	if err != nil {
		return 0, fmt.Errorf("delete from block: %w", err)
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row pgx.Row) (Event, error) {
	return scanEventRows(row)
}

func scanEventRows(row rowScanner) (Event, error) {
	var ev Event
	var payload []byte
	if err := row.Scan(&ev.ID, &ev.ContractAddress, &ev.EventName, &ev.BlockNumber,
		&ev.TransactionHash, &ev.LogIndex, &payload, &ev.IndexedAt, &ev.CreatedAt); err != nil {
		return Event{}, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev.EventData); err != nil {
			return Event{}, fmt.Errorf("unmarshal event data: %w", err)
		}
	}
	return ev, nil
}
