package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore is the durable idempotency backend. It survives process
// restarts, which is what makes crash-recovery replay of the orchestrator
// pipeline safe.
type PostgresStore struct {
	db *sql.DB
}

// PostgresSchema is the DDL the store expects. Applied by the deploy
// migration, re-applied idempotently at boot.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS idempotency_records (
	scope          TEXT NOT NULL,
	key            TEXT NOT NULL,
	state          TEXT NOT NULL,
	request_digest TEXT NOT NULL,
	result_digest  TEXT,
	result         JSONB,
	created_at     TIMESTAMPTZ NOT NULL,
	expires_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (scope, key)
);
CREATE INDEX IF NOT EXISTS idx_idem_expiry ON idempotency_records (expires_at);`

// NewPostgresStore creates a Postgres-backed idempotency store and applies
// the schema.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	if _, err := db.ExecContext(ctx, PostgresSchema); err != nil {
		return nil, fmt.Errorf("idempotency: schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Begin implements Store. The insert races are resolved by the primary key:
// ON CONFLICT DO NOTHING followed by a read gives exactly one winner.
func (s *PostgresStore) Begin(ctx context.Context, scope, key, requestDigest string, ttl time.Duration) (*Record, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_records (scope, key, state, request_digest, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (scope, key) DO NOTHING`,
		scope, key, StateInFlight, requestDigest, now, now.Add(ttl))
	if err != nil {
		return nil, fmt.Errorf("idempotency: begin: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil, nil
	}

	prior, err := s.Get(ctx, scope, key)
	if err != nil {
		return nil, err
	}
	if prior == nil {
		// Row expired between insert and read; retry once.
		return s.Begin(ctx, scope, key, requestDigest, ttl)
	}
	if prior.RequestDigest != requestDigest {
		return prior, ErrConflict
	}
	if prior.State == StateInFlight {
		return prior, ErrInFlight
	}
	return prior, nil
}

// Complete implements Store.
func (s *PostgresStore) Complete(ctx context.Context, scope, key string, result json.RawMessage, resultDigest string) error {
	return s.finish(ctx, scope, key, StateCompleted, result, resultDigest)
}

// Fail implements Store.
func (s *PostgresStore) Fail(ctx context.Context, scope, key string, result json.RawMessage, resultDigest string) error {
	return s.finish(ctx, scope, key, StateFailed, result, resultDigest)
}

func (s *PostgresStore) finish(ctx context.Context, scope, key string, state State, result json.RawMessage, resultDigest string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_records SET state = $1, result = $2, result_digest = $3
		 WHERE scope = $4 AND key = $5`,
		state, []byte(result), resultDigest, scope, key)
	if err != nil {
		return fmt.Errorf("idempotency: finish: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, scope, key string) (*Record, error) {
	var rec Record
	var resultDigest sql.NullString
	var result []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT scope, key, state, request_digest, result_digest, result, created_at, expires_at
		 FROM idempotency_records
		 WHERE scope = $1 AND key = $2 AND expires_at > NOW()`,
		scope, key).Scan(&rec.Scope, &rec.Key, &rec.State, &rec.RequestDigest,
		&resultDigest, &result, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: get: %w", err)
	}
	rec.ResultDigest = resultDigest.String
	rec.Result = json.RawMessage(result)
	return &rec, nil
}

// Sweep implements Store.
func (s *PostgresStore) Sweep(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("idempotency: sweep: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
