package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sardis-hq/sardis/pkg/types"
)

// Event is a normalized provider event after webhook ingress has verified
// and deduplicated it. Events reference payments by id only.
type Event struct {
	Provider        string    `json:"provider"`
	ProviderEventID string    `json:"provider_event_id"`
	PaymentID       string    `json:"payment_id"`
	Kind            string    `json:"kind"`
	ReturnCode      string    `json:"return_code,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// ApplyResult reports what an event application did.
type ApplyResult struct {
	Changed        bool   `json:"changed"`
	From           State  `json:"from"`
	To             State  `json:"to"`
	RetryScheduled bool   `json:"retry_scheduled"`
	AccountPaused  bool   `json:"account_paused"`
	ManualReview   bool   `json:"manual_review"`
	Invalid        bool   `json:"invalid"`
	Detail         string `json:"detail,omitempty"`
}

// eventTargets maps normalized event kinds to FSM target states. Kinds
// with no entry are acknowledged and ignored (informational events).
var eventTargets = map[string]State{
	"ACH_ORIGINATION_INITIATED": ACHPending,
	"ACH_REVIEWED":              ACHReviewed,
	"ACH_PROCESSED":             ACHProcessed,
	"ACH_SETTLED":               ACHSettled,
	"ACH_RELEASED":              ACHReleased,
	"ACH_RETURN_INITIATED":      ACHReturnInitiated,
	"ACH_RETURNED":              ACHReturned,
	"ACH_DECLINED":              ACHDeclined,
	"ACH_VOIDED":                ACHVoided,
	"ACH_REVERSED":              ACHReversed,
	"ACH_EXPIRED":               ACHExpired,

	"CARD_AUTHORIZED": CardAuthorized,
	"CARD_CAPTURED":   CardCaptured,
	"CARD_REVERSED":   CardReversed,
	"CARD_DECLINED":   CardDeclined,
	"CARD_EXPIRED":    CardExpired,

	"CHAIN_SUBMITTED": ChainSubmitted,
	"CHAIN_INCLUDED":  ChainIncluded,
	"CHAIN_CONFIRMED": ChainConfirmed,
	"CHAIN_FAILED":    ChainFailed,
	"CHAIN_REPLACED":  ChainReplaced,
}

// settlementStates move the pending amount into settled when entered.
var settlementStates = map[State]bool{
	ACHSettled:     true,
	CardCaptured:   true,
	ChainConfirmed: true,
}

// ApplyEvent drives a payment's FSM from a normalized provider event.
// The caller must hold the per-payment single-flight lock. Application is
// idempotent: a replayed event that would re-assert the current state, or
// any event against a terminal state targeting that same state, changes
// nothing. Invalid transitions are rejected, audited, and leave the
// payment untouched.
func (s *Store) ApplyEvent(ctx context.Context, ev Event) (*ApplyResult, error) {
	p, err := s.Get(ctx, ev.PaymentID)
	if err != nil {
		return nil, err
	}
	machine, err := MachineFor(p.Rail)
	if err != nil {
		return nil, err
	}

	result := &ApplyResult{From: p.Status, To: p.Status}

	target, known := eventTargets[ev.Kind]
	if !known {
		result.Detail = fmt.Sprintf("informational event %s ignored", ev.Kind)
		return result, s.recordEvent(ctx, ev)
	}
	if target == p.Status {
		result.Detail = "state already current"
		return result, s.recordEvent(ctx, ev)
	}

	if err := machine.Step(p.Status, target); err != nil {
		var invalid *ErrInvalidTransition
		if errors.As(err, &invalid) {
			result.Invalid = true
			result.Detail = err.Error()
			s.logger.Warn("invalid transition rejected",
				"payment_id", p.PaymentID, "from", p.Status, "to", target, "event", ev.Kind)
			s.audit(ctx, p.OrgID, "policy.invalid_transition", map[string]any{
				"payment_id": p.PaymentID,
				"from":       p.Status,
				"to":         target,
				"event_kind": ev.Kind,
			})
			return result, s.recordEvent(ctx, ev)
		}
		return nil, err
	}

	// Return-code handling before persisting the move.
	if target == ACHReturnInitiated || target == ACHReturned {
		disp := DispositionFor(ev.ReturnCode)
		p.LastReturnReason = disp.Code
		switch {
		case disp.AutoRetry && p.RetryCount < MaxRetries:
			p.RetryCount++
			result.RetryScheduled = true
		case disp.PauseAccount && p.ExternalAccountID != "":
			if err := s.PauseExternalAccount(ctx, p.OrgID, p.ExternalAccountID, disp.Code); err != nil {
				return nil, err
			}
			result.AccountPaused = true
		}
		result.ManualReview = disp.ManualReview
	}

	prior := p.Status
	p.Status = target
	if settlementStates[target] {
		p.AmountSettledMin += p.AmountPendingMin
		p.AmountPendingMin = 0
	}
	if machine.Terminal(target) {
		p.AmountPendingMin = 0
	}

	if err := s.persistTransition(ctx, p); err != nil {
		return nil, err
	}
	if err := s.recordEvent(ctx, ev); err != nil {
		return nil, err
	}

	result.Changed = true
	result.To = target
	s.audit(ctx, p.OrgID, "payment.transition", map[string]any{
		"payment_id":  p.PaymentID,
		"from":        prior,
		"to":          target,
		"event_kind":  ev.Kind,
		"return_code": ev.ReturnCode,
		"provider":    ev.Provider,
		"event_id":    ev.ProviderEventID,
	})
	return result, nil
}

// Transition moves a payment directly (orchestrator-initiated moves such
// as void). Terminal monotonicity is enforced by the machine.
func (s *Store) Transition(ctx context.Context, paymentID string, to State) (*Payment, error) {
	p, err := s.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	machine, err := MachineFor(p.Rail)
	if err != nil {
		return nil, err
	}
	if err := machine.Step(p.Status, to); err != nil {
		return nil, err
	}
	prior := p.Status
	p.Status = to
	if settlementStates[to] {
		p.AmountSettledMin += p.AmountPendingMin
		p.AmountPendingMin = 0
	}
	if machine.Terminal(to) {
		p.AmountPendingMin = 0
	}
	if err := s.persistTransition(ctx, p); err != nil {
		return nil, err
	}
	s.audit(ctx, p.OrgID, "payment.transition", map[string]any{
		"payment_id": p.PaymentID,
		"from":       prior,
		"to":         to,
	})
	return p, nil
}

func (s *Store) persistTransition(ctx context.Context, p *Payment) error {
	now := s.clock().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments
		 SET status = ?, amount_pending = ?, amount_settled = ?, retry_count = ?, last_return_reason = ?, updated_at = ?
		 WHERE payment_id = ?`,
		p.Status, p.AmountPendingMin, p.AmountSettledMin, p.RetryCount, p.LastReturnReason, now, p.PaymentID)
	if err != nil {
		return fmt.Errorf("payments: persist transition: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) recordEvent(ctx context.Context, ev Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payment_events (provider, provider_event_id, payment_id, kind, return_code, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (provider, provider_event_id) DO NOTHING`,
		ev.Provider, ev.ProviderEventID, ev.PaymentID, ev.Kind, ev.ReturnCode,
		ev.OccurredAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("payments: record event: %w", err)
	}
	return nil
}

func (s *Store) audit(ctx context.Context, orgID, kind string, payload any) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.Audit(ctx, orgID, kind, payload); err != nil {
		s.logger.Error("payment audit append failed", "kind", kind, "err", err)
	}
}

// Rails that the store understands; exposed for validation at the API seam.
var Rails = []types.Rail{types.RailACH, types.RailCard, types.RailOnChain, types.RailStablecoin}
