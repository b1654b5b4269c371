// Package provider routes payment submissions across rail adapters. A
// capability matrix maps (org, rail, currency) to an ordered adapter list;
// dispatch walks that list exactly once, guarded by a per-adapter circuit
// breaker, and classifies every adapter response as accepted, retryable, or
// fatal.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/sardis-hq/sardis/pkg/types"
)

// Classification of a submission attempt.
type Classification string

const (
	Accepted  Classification = "accepted"
	Retryable Classification = "retryable"
	Fatal     Classification = "fatal"
)

// SubmitRequest carries everything an adapter needs to originate a payment.
type SubmitRequest struct {
	PaymentID      string          `json:"payment_id"`
	OrgID          string          `json:"org_id"`
	MandateID      string          `json:"mandate_id"`
	Rail           types.Rail      `json:"rail"`
	Direction      types.Direction `json:"direction"`
	Amount         types.Money     `json:"amount"`
	Destination    string          `json:"destination"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// SubmitResult is an adapter's classified answer.
type SubmitResult struct {
	Classification Classification `json:"classification"`
	ProviderRef    string         `json:"provider_ref,omitempty"`
	Detail         string         `json:"detail,omitempty"`
}

// StatusResult is an adapter's view of a previously submitted payment.
type StatusResult struct {
	ProviderRef string `json:"provider_ref"`
	State       string `json:"state"`
	ReturnCode  string `json:"return_code,omitempty"`
}

// Adapter is one payment provider integration.
type Adapter interface {
	// Key is the stable adapter identifier used in routing and audit.
	Key() string
	// Supports reports whether the adapter can carry the rail/currency pair.
	Supports(rail types.Rail, currency string) bool
	// Submit originates the payment. The result classification decides
	// whether dispatch stops (accepted, fatal) or fails over (retryable).
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
	// Status fetches the provider-side state for reconciliation.
	Status(ctx context.Context, providerRef string) (*StatusResult, error)
	// Void cancels a not-yet-final payment when the provider allows it.
	Void(ctx context.Context, providerRef string) error
}

// Errors surfaced by dispatch.
var (
	ErrNoRoute     = errors.New("provider: no adapter route for request")
	ErrAllFailed   = errors.New("provider: all adapters failed")
	ErrFatal       = errors.New("provider: adapter reported fatal failure")
	ErrBreakerOpen = errors.New("provider: circuit breaker open")
)

// Attempt is one dispatch step, recorded for audit and metrics.
type Attempt struct {
	AdapterKey     string         `json:"adapter_key"`
	Classification Classification `json:"classification"`
	Detail         string         `json:"detail,omitempty"`
	Elapsed        time.Duration  `json:"elapsed"`
	BreakerSkipped bool           `json:"breaker_skipped,omitempty"`
}
