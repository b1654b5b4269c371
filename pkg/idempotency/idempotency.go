// Package idempotency enforces at-most-once semantics for scoped
// operations: `(scope, key) → prior outcome` with TTL expiry, plus
// single-flight locks for the per-payment serialization the orchestrator
// depends on.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// State of an idempotency record.
type State string

const (
	StateInFlight  State = "in_flight"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Record is the stored outcome of a scoped operation.
type Record struct {
	Scope         string          `json:"scope"` // e.g. "payment.execute", "ach.fund"
	Key           string          `json:"key"`
	State         State           `json:"state"`
	RequestDigest string          `json:"request_digest"`
	ResultDigest  string          `json:"result_digest,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

// Errors surfaced to the orchestrator. ErrConflict maps to HTTP 409.
var (
	// ErrInFlight means the same key with the same request digest is being
	// processed; callers return a duplicate-in-flight marker.
	ErrInFlight = errors.New("idempotency: operation in flight")
	// ErrConflict means the same key arrived with a different request digest.
	ErrConflict = errors.New("idempotency: key reused with different request")
)

// Store is the idempotency backend contract. Begin atomically creates an
// in_flight record, or returns the prior record with ErrInFlight /
// ErrConflict / nil according to its state and digest.
type Store interface {
	// Begin returns (nil, nil) when a fresh in_flight record was created.
	// When a prior record exists it is returned together with:
	//   - ErrConflict if the request digest differs,
	//   - ErrInFlight if the prior record is still in_flight,
	//   - nil if the prior record is completed or failed (replay its result).
	Begin(ctx context.Context, scope, key, requestDigest string, ttl time.Duration) (*Record, error)

	// Complete marks the record completed with the serialized result.
	Complete(ctx context.Context, scope, key string, result json.RawMessage, resultDigest string) error

	// Fail marks the record failed with the serialized failure result.
	Fail(ctx context.Context, scope, key string, result json.RawMessage, resultDigest string) error

	// Get returns the record, or nil when absent or expired.
	Get(ctx context.Context, scope, key string) (*Record, error)

	// Sweep removes expired records and returns how many were dropped.
	Sweep(ctx context.Context) (int, error)
}

// Locker provides bounded single-flight locks keyed by resource id. The
// orchestrator holds one per payment for the duration of a transition.
type Locker interface {
	// Acquire blocks up to wait for the lock; ok is false on timeout.
	Acquire(ctx context.Context, key string, ttl, wait time.Duration) (ok bool, release func(), err error)
}
