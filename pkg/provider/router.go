package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sardis-hq/sardis/pkg/types"
)

// Route is one capability-matrix row: an ordered adapter preference for an
// (org, rail, currency) triple. Org "*" matches any org.
type Route struct {
	OrgID    string     `yaml:"org_id" json:"org_id"`
	Rail     types.Rail `yaml:"rail" json:"rail"`
	Currency string     `yaml:"currency" json:"currency"`
	Primary  string     `yaml:"primary" json:"primary"`
	Fallback []string   `yaml:"fallback" json:"fallback"`
}

// Observer receives per-attempt samples for metrics.
type Observer interface {
	DispatchAttempt(ctx context.Context, adapterKey string, classification Classification, elapsed time.Duration)
	FailoverSuccess(ctx context.Context, adapterKey string)
}

// Router owns the capability matrix, the adapter set, and one breaker per
// adapter. Dispatch is deterministic: the same request against the same
// matrix always walks adapters in the same order.
type Router struct {
	adapters    map[string]Adapter
	breakers    map[string]*Breaker
	routes      []Route
	observer    Observer
	logger      *slog.Logger
	clock       func() time.Time
	callTimeout time.Duration
}

// NewRouter builds a router. Every adapter named by a route must be
// registered; unknown names fail construction.
func NewRouter(adapters []Adapter, routes []Route, breakerCfg BreakerConfig, observer Observer) (*Router, error) {
	r := &Router{
		adapters:    make(map[string]Adapter, len(adapters)),
		breakers:    make(map[string]*Breaker, len(adapters)),
		routes:      routes,
		observer:    observer,
		logger:      slog.Default().With("component", "provider"),
		clock:       time.Now,
		callTimeout: 10 * time.Second,
	}
	for _, a := range adapters {
		key := a.Key()
		if _, dup := r.adapters[key]; dup {
			return nil, fmt.Errorf("provider: duplicate adapter key %q", key)
		}
		r.adapters[key] = a
		r.breakers[key] = NewBreaker(breakerCfg)
	}
	for _, rt := range routes {
		for _, key := range append([]string{rt.Primary}, rt.Fallback...) {
			if _, ok := r.adapters[key]; !ok {
				return nil, fmt.Errorf("provider: route references unknown adapter %q", key)
			}
		}
	}
	return r, nil
}

// WithCallTimeout overrides the per-attempt submit deadline. The deadline
// bounds each adapter call individually so a hung primary cannot consume the
// fallback's budget.
func (r *Router) WithCallTimeout(d time.Duration) *Router {
	if d > 0 {
		r.callTimeout = d
	}
	return r
}

// Adapter returns a registered adapter by key.
func (r *Router) Adapter(key string) (Adapter, bool) {
	a, ok := r.adapters[key]
	return a, ok
}

// BreakerStates returns adapter -> breaker state for health surfaces.
func (r *Router) BreakerStates() map[string]string {
	out := make(map[string]string, len(r.breakers))
	for key, b := range r.breakers {
		out[key] = b.State()
	}
	return out
}

// chain resolves the ordered adapter list for a request. Org-specific rows
// take precedence over the "*" wildcard; the first matching row wins.
func (r *Router) chain(orgID string, rail types.Rail, currency string) []string {
	match := func(wantOrg string) []string {
		for _, rt := range r.routes {
			if rt.OrgID == wantOrg && rt.Rail == rail && strings.EqualFold(rt.Currency, currency) {
				return append([]string{rt.Primary}, rt.Fallback...)
			}
		}
		return nil
	}
	if keys := match(orgID); keys != nil {
		return keys
	}
	return match("*")
}

// Dispatch walks the route chain exactly once. Accepted and fatal answers
// stop the walk; retryable answers, transport errors, breaker-open and
// capability mismatches fail over to the next adapter. The attempt list is
// always returned, even on error.
func (r *Router) Dispatch(ctx context.Context, req SubmitRequest) (*SubmitResult, []Attempt, error) {
	keys := r.chain(req.OrgID, req.Rail, req.Amount.Currency)
	if len(keys) == 0 {
		return nil, nil, ErrNoRoute
	}

	var attempts []Attempt
	for i, key := range keys {
		adapter := r.adapters[key]
		breaker := r.breakers[key]

		if !adapter.Supports(req.Rail, req.Amount.Currency) {
			attempts = append(attempts, Attempt{AdapterKey: key, Classification: Retryable, Detail: "capability mismatch"})
			continue
		}
		if !breaker.Allow() {
			attempts = append(attempts, Attempt{AdapterKey: key, Classification: Retryable, Detail: "breaker open", BreakerSkipped: true})
			r.logger.Warn("adapter skipped, breaker open", "adapter", key, "payment_id", req.PaymentID)
			continue
		}

		start := r.clock()
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		res, err := adapter.Submit(callCtx, req)
		cancel()
		elapsed := r.clock().Sub(start)

		switch {
		case err != nil:
			breaker.Failure()
			attempts = append(attempts, Attempt{AdapterKey: key, Classification: Retryable, Detail: err.Error(), Elapsed: elapsed})
			r.observe(ctx, key, Retryable, elapsed)
			r.logger.Warn("adapter submit failed", "adapter", key, "payment_id", req.PaymentID, "err", err)

		case res.Classification == Accepted:
			breaker.Success()
			attempts = append(attempts, Attempt{AdapterKey: key, Classification: Accepted, Elapsed: elapsed})
			r.observe(ctx, key, Accepted, elapsed)
			if i > 0 && r.observer != nil {
				r.observer.FailoverSuccess(ctx, key)
			}
			return res, attempts, nil

		case res.Classification == Fatal:
			// A decisive provider answer is not an adapter health signal.
			breaker.Success()
			attempts = append(attempts, Attempt{AdapterKey: key, Classification: Fatal, Detail: res.Detail, Elapsed: elapsed})
			r.observe(ctx, key, Fatal, elapsed)
			return res, attempts, fmt.Errorf("%w: %s: %s", ErrFatal, key, res.Detail)

		default:
			breaker.Failure()
			attempts = append(attempts, Attempt{AdapterKey: key, Classification: Retryable, Detail: res.Detail, Elapsed: elapsed})
			r.observe(ctx, key, Retryable, elapsed)
		}
	}
	return nil, attempts, ErrAllFailed
}

func (r *Router) observe(ctx context.Context, key string, c Classification, elapsed time.Duration) {
	if r.observer != nil {
		r.observer.DispatchAttempt(ctx, key, c, elapsed)
	}
}
