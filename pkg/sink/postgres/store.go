package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/amdstream/pkg/classifier"
	"github.com/MrWong99/amdstream/pkg/sink"
)

var (
	_ sink.Store  = (*Store)(nil)
	_ sink.Pinger = (*Store)(nil)
)

// ErrNotFound is returned by [Store.Get] for an unknown call id.
var ErrNotFound = errors.New("postgres store: call not found")

// Record is one row of the calls table.
type Record struct {
	ID         string
	Strategy   string
	AMDResult  classifier.Label
	Confidence float64
	Status     string
	Duration   time.Duration
	Metadata   map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store writes call records through a [pgxpool.Pool]. Safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping implements [sink.Pinger].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const upsertVerdict = `
INSERT INTO calls (id, amd_result, confidence, status, strategy, metadata)
VALUES ($1, $2, $3, $4, $5, $6::jsonb)
ON CONFLICT (id) DO UPDATE SET
    amd_result = EXCLUDED.amd_result,
    confidence = EXCLUDED.confidence,
    status     = CASE WHEN EXCLUDED.status = '' THEN calls.status ELSE EXCLUDED.status END,
    strategy   = CASE WHEN EXCLUDED.strategy = '' THEN calls.strategy ELSE EXCLUDED.strategy END,
    metadata   = EXCLUDED.metadata,
    updated_at = now()`

// SetVerdict implements [sink.ResultSink]. The stored metadata is replaced by
// u.Metadata so it always describes the latest verdict. The "strategy"
// metadata key, when a string, is also stored in its own column.
func (s *Store) SetVerdict(ctx context.Context, sessionID string, u sink.Update) error {
	meta, err := encodeMetadata(u.Metadata)
	if err != nil {
		return fmt.Errorf("%w: encode metadata: %w", sink.ErrPersistence, err)
	}
	strategy, _ := u.Metadata["strategy"].(string)

	if _, err := s.pool.Exec(ctx, upsertVerdict,
		sessionID, string(u.Label), u.Confidence, u.StatusHint, strategy, meta,
	); err != nil {
		return fmt.Errorf("%w: set verdict %q: %w", sink.ErrPersistence, sessionID, err)
	}
	return nil
}

const upsertStatus = `
INSERT INTO calls (id, status, duration_seconds)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET
    status           = EXCLUDED.status,
    duration_seconds = COALESCE(EXCLUDED.duration_seconds, calls.duration_seconds),
    updated_at       = now()`

// SetStatus implements [sink.StatusRecorder].
func (s *Store) SetStatus(ctx context.Context, sessionID, status string, duration time.Duration) error {
	var secs *int32
	if duration > 0 {
		v := int32(duration / time.Second)
		secs = &v
	}
	if _, err := s.pool.Exec(ctx, upsertStatus, sessionID, status, secs); err != nil {
		return fmt.Errorf("%w: set status %q: %w", sink.ErrPersistence, sessionID, err)
	}
	return nil
}

// Get loads one call record.
func (s *Store) Get(ctx context.Context, sessionID string) (Record, error) {
	const q = `
SELECT id, strategy, amd_result, confidence, status, duration_seconds, metadata, created_at, updated_at
FROM calls WHERE id = $1`

	var (
		r       Record
		label   string
		secs    *int32
		rawMeta []byte
	)
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(
		&r.ID, &r.Strategy, &label, &r.Confidence, &r.Status, &secs, &rawMeta, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("postgres store: get %q: %w", sessionID, err)
	}
	r.AMDResult = classifier.Label(label)
	if secs != nil {
		r.Duration = time.Duration(*secs) * time.Second
	}
	if len(rawMeta) > 0 {
		if err := json.Unmarshal(rawMeta, &r.Metadata); err != nil {
			return Record{}, fmt.Errorf("postgres store: decode metadata: %w", err)
		}
	}
	return r, nil
}

// encodeMetadata renders metadata as a JSON object literal. nil encodes as {}.
func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
