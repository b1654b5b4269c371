// Package orchestrator executes mandates end to end: idempotency admission,
// policy evaluation, approval gating, provider dispatch with failover, and
// the ledger anchors that make every step reconstructible. The orchestrator
// refuses new work whenever the audit ledger cannot accept appends.
package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sardis-hq/sardis/pkg/approval"
	"github.com/sardis-hq/sardis/pkg/canonical"
	"github.com/sardis-hq/sardis/pkg/guardrail"
	"github.com/sardis-hq/sardis/pkg/idempotency"
	"github.com/sardis-hq/sardis/pkg/ledger"
	"github.com/sardis-hq/sardis/pkg/payments"
	"github.com/sardis-hq/sardis/pkg/policy"
	"github.com/sardis-hq/sardis/pkg/provider"
	"github.com/sardis-hq/sardis/pkg/store"
	"github.com/sardis-hq/sardis/pkg/types"
)

// Scope is the idempotency scope for mandate execution.
const Scope = "payment.execute"

// Outcome summarizes where an execution ended up.
type Outcome string

const (
	OutcomeSubmitted        Outcome = "submitted"
	OutcomeBlocked          Outcome = "blocked"
	OutcomeAwaitingApproval Outcome = "awaiting_approval"
	OutcomeDuplicate        Outcome = "duplicate_in_flight"
	OutcomeFailed           Outcome = "failed"
)

// Result is the caller-visible answer; replays return it verbatim.
type Result struct {
	Outcome     Outcome            `json:"outcome"`
	PaymentID   string             `json:"payment_id,omitempty"`
	DecisionID  string             `json:"decision_id,omitempty"`
	ReasonCode  types.ReasonCode   `json:"reason_code,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	ApprovalID  string             `json:"approval_id,omitempty"`
	ProviderKey string             `json:"provider_key,omitempty"`
	ProviderRef string             `json:"provider_ref,omitempty"`
	LedgerRef   string             `json:"ledger_ref,omitempty"`
	Attempts    []provider.Attempt `json:"attempts,omitempty"`
}

// Errors.
var (
	// ErrLedgerUnavailable means the audit ledger cannot accept appends;
	// no new payment is admitted until it can.
	ErrLedgerUnavailable = errors.New("orchestrator: ledger unavailable, refusing new payments")
	// ErrPaymentBusy means the per-payment lock could not be acquired.
	ErrPaymentBusy = errors.New("orchestrator: payment busy")
	// ErrNotResumable means the approval is not in a resumable state.
	ErrNotResumable = errors.New("orchestrator: approval not resumable")
)

// Journal is the slice of the ledger the orchestrator needs.
type Journal interface {
	Append(ctx context.Context, orgID, kind string, payload any) (*ledger.Entry, error)
	Healthy(ctx context.Context) bool
}

// InputBuilder assembles the policy input for a mandate: wallet state,
// rolling counters, hints, and drift distributions.
type InputBuilder interface {
	Build(ctx context.Context, m types.Mandate) (policy.Input, error)
}

// Config tunes the execution pipeline.
type Config struct {
	ExecuteTimeout  time.Duration
	ProviderTimeout time.Duration
	IdempotencyTTL  time.Duration
	ApprovalTTL     time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ExecuteTimeout:  30 * time.Second,
		ProviderTimeout: 10 * time.Second,
		IdempotencyTTL:  24 * time.Hour,
		ApprovalTTL:     24 * time.Hour,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.ExecuteTimeout <= 0 {
		c.ExecuteTimeout = d.ExecuteTimeout
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = d.ProviderTimeout
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = d.IdempotencyTTL
	}
	if c.ApprovalTTL <= 0 {
		c.ApprovalTTL = d.ApprovalTTL
	}
	return c
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS pending_executions (
		approval_id     TEXT PRIMARY KEY,
		org_id          TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		decision_id     TEXT NOT NULL,
		mandate         TEXT NOT NULL,
		created_at      TEXT NOT NULL
	);`,
}

// Orchestrator is the mandate execution pipeline.
type Orchestrator struct {
	cfg       Config
	db        *sql.DB
	engine    *policy.Engine
	inputs    InputBuilder
	approvals *approval.Manager
	payments  *payments.Store
	router    *provider.Router
	idem      idempotency.Store
	locker    idempotency.Locker
	journal   Journal
	guard     *guardrail.Registry
	counters  *policy.CounterStore
	logger    *slog.Logger
	clock     func() time.Time
}

// New wires the pipeline.
func New(ctx context.Context, cfg Config, db *sql.DB, engine *policy.Engine, inputs InputBuilder,
	approvals *approval.Manager, pay *payments.Store, router *provider.Router,
	idem idempotency.Store, locker idempotency.Locker, journal Journal,
	guard *guardrail.Registry, counters *policy.CounterStore) (*Orchestrator, error) {
	if err := store.Migrate(ctx, db, migrations); err != nil {
		return nil, err
	}
	cfg = cfg.normalized()
	return &Orchestrator{
		cfg:       cfg,
		db:        db,
		engine:    engine,
		inputs:    inputs,
		approvals: approvals,
		payments:  pay,
		router:    router.WithCallTimeout(cfg.ProviderTimeout),
		idem:      idem,
		locker:    locker,
		journal:   journal,
		guard:     guard,
		counters:  counters,
		logger:    slog.Default().With("component", "orchestrator"),
		clock:     time.Now,
	}, nil
}

// WithClock overrides the clock for tests.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// Execute runs one mandate under an idempotency key. Replaying the key with
// the same mandate returns the stored result; a different mandate under the
// same key is a conflict.
func (o *Orchestrator) Execute(ctx context.Context, m types.Mandate, idemKey string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ExecuteTimeout)
	defer cancel()

	if err := m.Validate(); err != nil {
		return nil, err
	}
	hash, err := m.ComputeAuditHash()
	if err != nil {
		return nil, err
	}
	if m.AuditHash == "" || hash != m.AuditHash {
		return &Result{
			Outcome:    OutcomeBlocked,
			ReasonCode: types.ReasonComplianceFail,
			Reason:     "mandate content hash does not match audit_hash",
		}, nil
	}

	switch o.guard.Mode() {
	case guardrail.ModeContainment:
		return &Result{
			Outcome:    OutcomeBlocked,
			ReasonCode: types.ReasonContainment,
			Reason:     "control plane is in containment, new payments refused",
		}, nil
	case guardrail.ModeDegraded:
		// Signer-dependent rails are suspended while degraded; fiat rails
		// keep flowing under the normal policy and approval gates.
		if m.Rail == types.RailOnChain || m.Rail == types.RailStablecoin {
			return &Result{
				Outcome:    OutcomeBlocked,
				ReasonCode: types.ReasonDegradedRail,
				Reason:     "rail suspended while the control plane is degraded",
			}, nil
		}
	}
	if !o.journal.Healthy(ctx) {
		return nil, ErrLedgerUnavailable
	}

	// Idempotency admission before any side effect.
	prior, err := o.idem.Begin(ctx, Scope, idemKey, m.AuditHash, o.cfg.IdempotencyTTL)
	switch {
	case errors.Is(err, idempotency.ErrConflict):
		return nil, err
	case errors.Is(err, idempotency.ErrInFlight):
		return &Result{Outcome: OutcomeDuplicate, ReasonCode: types.ReasonDuplicateInFlight,
			Reason: "same idempotency key currently executing"}, nil
	case err != nil:
		return nil, err
	case prior != nil:
		var replay Result
		if err := json.Unmarshal(prior.Result, &replay); err != nil {
			return nil, fmt.Errorf("orchestrator: decode stored result: %w", err)
		}
		if replay.Outcome == OutcomeAwaitingApproval && replay.ApprovalID != "" {
			// The approval may have resolved since the caller last replayed;
			// resume the parked execution under the original key.
			res, rerr := o.ResumeApproved(ctx, replay.ApprovalID)
			switch {
			case rerr == nil:
				return res, nil
			case errors.Is(rerr, ErrNotResumable):
				// Still pending, the stored answer stands.
			default:
				return nil, rerr
			}
		}
		return &replay, nil
	}

	res, err := o.admit(ctx, m, idemKey)
	if err != nil {
		// The record stays in_flight only for infrastructure errors the
		// caller will retry; terminal pipeline failures were stored.
		return nil, err
	}
	return res, nil
}

// admit runs guardrails, policy, and (when approved) submission.
func (o *Orchestrator) admit(ctx context.Context, m types.Mandate, idemKey string) (*Result, error) {
	halted, err := o.guard.Halted(ctx, m.SubjectWallet)
	if err != nil {
		return nil, err
	}
	if halted {
		res := &Result{Outcome: OutcomeBlocked, ReasonCode: types.ReasonWalletHalted,
			Reason: "wallet kill switch engaged"}
		return o.finishBlocked(ctx, m, idemKey, res)
	}

	in, err := o.inputs.Build(ctx, m)
	if err != nil {
		return nil, err
	}
	decision := o.engine.Evaluate(ctx, in)

	switch decision.Outcome {
	case policy.OutcomeBlocked:
		res := &Result{Outcome: OutcomeBlocked, DecisionID: decision.DecisionID,
			ReasonCode: decision.ReasonCode, Reason: decision.Reason}
		return o.finishBlocked(ctx, m, idemKey, res)

	case policy.OutcomeRequiresApproval:
		return o.parkForApproval(ctx, m, idemKey, decision)

	case policy.OutcomeApproved:
		return o.submit(ctx, m, idemKey, decision.DecisionID)
	}
	return nil, fmt.Errorf("orchestrator: unknown policy outcome %q", decision.Outcome)
}

func (o *Orchestrator) finishBlocked(ctx context.Context, m types.Mandate, idemKey string, res *Result) (*Result, error) {
	entry, err := o.journal.Append(ctx, m.OrgID, "payment.blocked", map[string]any{
		"mandate_id":  m.MandateID,
		"audit_hash":  m.AuditHash,
		"decision_id": res.DecisionID,
		"reason_code": res.ReasonCode,
		"reason":      res.Reason,
	})
	if err != nil {
		return nil, err
	}
	res.LedgerRef = entry.LtxID
	// A block is a decisive answer, not an error: the record completes so
	// replays of the key see the same blocked result.
	return res, o.storeCompleted(ctx, idemKey, res)
}

func (o *Orchestrator) parkForApproval(ctx context.Context, m types.Mandate, idemKey string, d policy.Decision) (*Result, error) {
	tpl := d.Approval
	if tpl == nil {
		tpl = &policy.ApprovalTemplate{Action: "payment.execute", SubjectDigest: m.AuditHash, MinReviewers: 1}
	}
	ttl := o.cfg.ApprovalTTL
	if tpl.TTLSeconds > 0 {
		ttl = time.Duration(tpl.TTLSeconds) * time.Second
	}
	req, err := o.approvals.Create(ctx, m.OrgID, tpl.Action, tpl.SubjectDigest, tpl.MinReviewers, ttl)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: encode mandate: %w", err)
	}
	_, err = o.db.ExecContext(ctx,
		`INSERT INTO pending_executions (approval_id, org_id, idempotency_key, decision_id, mandate, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		req.ApprovalID, m.OrgID, idemKey, d.DecisionID, string(raw),
		o.clock().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: park execution: %w", err)
	}

	entry, err := o.journal.Append(ctx, m.OrgID, "payment.awaiting_approval", map[string]any{
		"mandate_id":  m.MandateID,
		"audit_hash":  m.AuditHash,
		"decision_id": d.DecisionID,
		"approval_id": req.ApprovalID,
		"reason_code": d.ReasonCode,
	})
	if err != nil {
		return nil, err
	}

	res := &Result{
		Outcome:    OutcomeAwaitingApproval,
		DecisionID: d.DecisionID,
		ReasonCode: d.ReasonCode,
		Reason:     d.Reason,
		ApprovalID: req.ApprovalID,
		LedgerRef:  entry.LtxID,
	}
	return res, o.storeCompleted(ctx, idemKey, res)
}

// submit dispatches through the provider router and anchors the outcome.
func (o *Orchestrator) submit(ctx context.Context, m types.Mandate, idemKey, decisionID string) (*Result, error) {
	p := &payments.Payment{
		PaymentID:        types.NewID(types.PrefixPayment),
		OrgID:            m.OrgID,
		MandateID:        m.MandateID,
		Rail:             m.Rail,
		Direction:        m.Direction,
		AmountPendingMin: m.Amount.AmountMinor,
		Currency:         m.Amount.Currency,
		IdempotencyKey:   idemKey,
	}

	ok, release, err := o.locker.Acquire(ctx, "payment:"+p.PaymentID, o.cfg.ExecuteTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPaymentBusy
	}
	defer release()

	if err := o.payments.Create(ctx, p); err != nil {
		return nil, err
	}

	// The router bounds each adapter call with its own deadline; the walk as
	// a whole runs under the execute timeout.
	sub, attempts, err := o.router.Dispatch(ctx, provider.SubmitRequest{
		PaymentID:      p.PaymentID,
		OrgID:          m.OrgID,
		MandateID:      m.MandateID,
		Rail:           m.Rail,
		Direction:      m.Direction,
		Amount:         m.Amount,
		Destination:    m.Destination,
		IdempotencyKey: idemKey,
	})

	switch {
	case err == nil:
		if err := o.payments.SetSubmitted(ctx, p.PaymentID, attempts[len(attempts)-1].AdapterKey, sub.ProviderRef); err != nil {
			return nil, err
		}
		o.counters.Record(m.SubjectWallet, m.Amount.AmountMinor, m.Rail)
		entry, jerr := o.journal.Append(ctx, m.OrgID, "payment.submitted", map[string]any{
			"mandate_id":   m.MandateID,
			"payment_id":   p.PaymentID,
			"audit_hash":   m.AuditHash,
			"decision_id":  decisionID,
			"provider_key": attempts[len(attempts)-1].AdapterKey,
			"provider_ref": sub.ProviderRef,
		})
		if jerr != nil {
			return nil, jerr
		}
		res := &Result{
			Outcome:     OutcomeSubmitted,
			PaymentID:   p.PaymentID,
			DecisionID:  decisionID,
			ProviderKey: attempts[len(attempts)-1].AdapterKey,
			ProviderRef: sub.ProviderRef,
			LedgerRef:   entry.LtxID,
			Attempts:    attempts,
		}
		return res, o.storeCompleted(ctx, idemKey, res)

	case errors.Is(err, provider.ErrFatal):
		if _, terr := o.payments.Transition(ctx, p.PaymentID, declinedStateFor(m.Rail)); terr != nil {
			o.logger.Error("decline transition failed", "payment_id", p.PaymentID, "err", terr)
		}
		res := &Result{Outcome: OutcomeFailed, PaymentID: p.PaymentID, DecisionID: decisionID,
			ReasonCode: types.ReasonProviderFatal, Reason: err.Error(), Attempts: attempts}
		return res, o.storeFailed(ctx, idemKey, res)

	case errors.Is(err, provider.ErrAllFailed), errors.Is(err, provider.ErrNoRoute):
		// No provider gave a decisive answer, so the payment stays in its
		// pre-submit state; a fresh key retries it once routes recover.
		res := &Result{Outcome: OutcomeFailed, PaymentID: p.PaymentID, DecisionID: decisionID,
			ReasonCode: types.ReasonProviderAllFailed, Reason: err.Error(), Attempts: attempts}
		return res, o.storeFailed(ctx, idemKey, res)
	}
	return nil, err
}

// ResumeApproved finishes a parked execution once its approval resolved.
// Approved requests submit; denied or expired ones fail terminally under
// the original idempotency key.
func (o *Orchestrator) ResumeApproved(ctx context.Context, approvalID string) (*Result, error) {
	req, err := o.approvals.Status(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	var orgID, idemKey, decisionID, rawMandate string
	err = o.db.QueryRowContext(ctx,
		`SELECT org_id, idempotency_key, decision_id, mandate FROM pending_executions WHERE approval_id = ?`,
		approvalID).Scan(&orgID, &idemKey, &decisionID, &rawMandate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotResumable
	}
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load parked execution: %w", err)
	}

	var m types.Mandate
	if err := json.Unmarshal([]byte(rawMandate), &m); err != nil {
		return nil, fmt.Errorf("orchestrator: decode parked mandate: %w", err)
	}

	var res *Result
	switch req.Status {
	case approval.StatusApproved:
		if !o.journal.Healthy(ctx) {
			return nil, ErrLedgerUnavailable
		}
		res, err = o.submit(ctx, m, idemKey, decisionID)
	case approval.StatusDenied, approval.StatusExpired, approval.StatusCancelled:
		res = &Result{Outcome: OutcomeBlocked, DecisionID: decisionID, ApprovalID: approvalID,
			ReasonCode: types.ReasonApprovalRequired,
			Reason:     fmt.Sprintf("approval %s", req.Status)}
		err = o.storeFailed(ctx, idemKey, res)
	default:
		return nil, ErrNotResumable
	}
	if err != nil {
		return nil, err
	}

	if _, derr := o.db.ExecContext(ctx,
		`DELETE FROM pending_executions WHERE approval_id = ?`, approvalID); derr != nil {
		o.logger.Error("pending execution cleanup failed", "approval_id", approvalID, "err", derr)
	}
	return res, nil
}

// Cancel voids an in-flight payment. Terminal payments cannot be cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, paymentID string) (*Result, error) {
	ok, release, err := o.locker.Acquire(ctx, "payment:"+paymentID, 15*time.Second, 5*time.Second)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPaymentBusy
	}
	defer release()

	p, err := o.payments.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Terminal() {
		return &Result{Outcome: OutcomeFailed, PaymentID: paymentID,
			ReasonCode: types.ReasonTerminalInflight,
			Reason:     fmt.Sprintf("payment already terminal in state %s", p.Status)}, nil
	}

	if p.ProviderKey != "" && p.ProviderRef != "" {
		if adapter, found := o.router.Adapter(p.ProviderKey); found {
			if verr := adapter.Void(ctx, p.ProviderRef); verr != nil {
				o.logger.Warn("provider void failed", "payment_id", paymentID, "err", verr)
			}
		}
	}
	if _, err := o.payments.Transition(ctx, paymentID, voidStateFor(p.Rail)); err != nil {
		return nil, err
	}
	entry, err := o.journal.Append(ctx, p.OrgID, "payment.cancelled", map[string]any{
		"payment_id": paymentID,
		"mandate_id": p.MandateID,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Outcome: OutcomeFailed, PaymentID: paymentID, LedgerRef: entry.LtxID,
		Reason: "cancelled by caller"}, nil
}

func voidStateFor(rail types.Rail) payments.State {
	switch rail {
	case types.RailACH:
		return payments.ACHVoided
	case types.RailCard:
		return payments.CardReversed
	default:
		return payments.ChainReplaced
	}
}

func declinedStateFor(rail types.Rail) payments.State {
	switch rail {
	case types.RailACH:
		return payments.ACHDeclined
	case types.RailCard:
		return payments.CardDeclined
	default:
		return payments.ChainFailed
	}
}

func (o *Orchestrator) storeCompleted(ctx context.Context, idemKey string, res *Result) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return o.idem.Complete(ctx, Scope, idemKey, raw, canonical.HashBytes(raw))
}

func (o *Orchestrator) storeFailed(ctx context.Context, idemKey string, res *Result) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	if err := o.idem.Fail(ctx, Scope, idemKey, raw, canonical.HashBytes(raw)); err != nil {
		return err
	}
	return nil
}
