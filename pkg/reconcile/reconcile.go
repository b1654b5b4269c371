// Package reconcile compares internal payment state against provider-side
// truth and files breaks when they disagree. Breaks carry a severity tier
// and an SLA deadline; critical breaks page, non-critical ones queue for
// the daily sweep.
package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sardis-hq/sardis/pkg/payments"
	"github.com/sardis-hq/sardis/pkg/provider"
	"github.com/sardis-hq/sardis/pkg/store"
	"github.com/sardis-hq/sardis/pkg/types"
)

// Severity tiers a break.
type Severity string

const (
	// SeverityCritical breaks demand immediate operator attention:
	// provider says money moved and we disagree, or vice versa.
	SeverityCritical Severity = "critical"
	// SeverityNonCritical breaks are timing drift and informational gaps.
	SeverityNonCritical Severity = "non_critical"
)

// Break is one filed discrepancy.
type Break struct {
	BreakID       string    `json:"break_id"`
	OrgID         string    `json:"org_id"`
	PaymentID     string    `json:"payment_id"`
	Severity      Severity  `json:"severity"`
	Kind          string    `json:"kind"`
	Detail        string    `json:"detail"`
	InternalState string    `json:"internal_state"`
	ProviderState string    `json:"provider_state"`
	DetectedAt    time.Time `json:"detected_at"`
	SLADue        time.Time `json:"sla_due"`
	ResolvedAt    time.Time `json:"resolved_at,omitzero"`
	Resolution    string    `json:"resolution,omitempty"`
}

// ErrBreakNotFound is returned for unknown break ids.
var ErrBreakNotFound = errors.New("reconcile: break not found")

// Config tunes the reconciliation pass.
type Config struct {
	// DriftWindow is how long a payment may sit unchanged before its
	// provider state is re-checked.
	DriftWindow time.Duration
	// SLACritical bounds operator response for critical breaks.
	SLACritical time.Duration
	// SLANonCritical bounds response for everything else.
	SLANonCritical time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DriftWindow:    2 * time.Minute,
		SLACritical:    1 * time.Hour,
		SLANonCritical: 24 * time.Hour,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.DriftWindow <= 0 {
		c.DriftWindow = d.DriftWindow
	}
	if c.SLACritical <= 0 {
		c.SLACritical = d.SLACritical
	}
	if c.SLANonCritical <= 0 {
		c.SLANonCritical = d.SLANonCritical
	}
	return c
}

// Auditor records filed and resolved breaks.
type Auditor interface {
	Audit(ctx context.Context, orgID, kind string, payload any) error
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS reconcile_breaks (
		break_id       TEXT PRIMARY KEY,
		org_id         TEXT NOT NULL,
		payment_id     TEXT NOT NULL,
		severity       TEXT NOT NULL,
		kind           TEXT NOT NULL,
		detail         TEXT NOT NULL,
		internal_state TEXT NOT NULL,
		provider_state TEXT NOT NULL,
		detected_at    TEXT NOT NULL,
		sla_due        TEXT NOT NULL,
		resolved_at    TEXT NOT NULL DEFAULT '',
		resolution     TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE INDEX IF NOT EXISTS idx_breaks_open ON reconcile_breaks (resolved_at, severity, sla_due);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_breaks_payment_kind
		ON reconcile_breaks (payment_id, kind) WHERE resolved_at = '';`,
}

// Reconciler runs the comparison pass and owns the break queue.
type Reconciler struct {
	cfg      Config
	db       *sql.DB
	payments *payments.Store
	router   *provider.Router
	auditor  Auditor
	logger   *slog.Logger
	clock    func() time.Time
}

// New opens the reconciler.
func New(ctx context.Context, cfg Config, db *sql.DB, pay *payments.Store, router *provider.Router, auditor Auditor) (*Reconciler, error) {
	if err := store.Migrate(ctx, db, migrations); err != nil {
		return nil, err
	}
	return &Reconciler{
		cfg:      cfg.normalized(),
		db:       db,
		payments: pay,
		router:   router,
		auditor:  auditor,
		logger:   slog.Default().With("component", "reconcile"),
		clock:    time.Now,
	}, nil
}

// WithClock overrides the clock for tests.
func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// journeyStates maps a provider-reported state to the internal states it is
// consistent with, per rail family. Anything outside the set is a break.
var journeyStates = map[string][]payments.State{
	"pending":    {payments.ACHPending, payments.ACHReviewed, payments.ChainSubmitted, payments.CardAuthorized},
	"processing": {payments.ACHProcessed, payments.ChainIncluded, payments.CardAuthorized},
	"settled":    {payments.ACHSettled, payments.ACHReleased, payments.ChainConfirmed, payments.CardCaptured},
	"returned":   {payments.ACHReturnInitiated, payments.ACHReturned},
	"failed":     {payments.ACHDeclined, payments.ACHVoided, payments.ChainFailed, payments.CardDeclined},
}

// moneyMoved are provider states asserting that value actually moved.
var moneyMoved = map[string]bool{"settled": true, "returned": true}

// CheckPayment compares one payment against its provider and files at most
// one open break per (payment, kind).
func (r *Reconciler) CheckPayment(ctx context.Context, p *payments.Payment) (*Break, error) {
	if p.ProviderKey == "" || p.ProviderRef == "" {
		return nil, nil
	}
	adapter, ok := r.router.Adapter(p.ProviderKey)
	if !ok {
		return r.file(ctx, p, SeverityCritical, "unknown_adapter",
			fmt.Sprintf("payment references unregistered adapter %q", p.ProviderKey), "")
	}
	st, err := adapter.Status(ctx, p.ProviderRef)
	if err != nil {
		return r.file(ctx, p, SeverityNonCritical, "status_unavailable", err.Error(), "")
	}

	allowed, known := journeyStates[st.State]
	if !known {
		return r.file(ctx, p, SeverityCritical, "unknown_provider_state",
			fmt.Sprintf("provider reports unmapped state %q", st.State), st.State)
	}
	for _, s := range allowed {
		if p.Status == s {
			return nil, nil
		}
	}

	severity := SeverityNonCritical
	kind := "state_drift"
	if moneyMoved[st.State] != r.settledInternally(p) {
		severity = SeverityCritical
		kind = "settlement_mismatch"
	}
	return r.file(ctx, p, severity, kind,
		fmt.Sprintf("internal %s vs provider %s", p.Status, st.State), st.State)
}

func (r *Reconciler) settledInternally(p *payments.Payment) bool {
	return p.AmountSettledMin > 0
}

func (r *Reconciler) file(ctx context.Context, p *payments.Payment, severity Severity, kind, detail, providerState string) (*Break, error) {
	now := r.clock().UTC().Truncate(time.Millisecond)
	sla := r.cfg.SLANonCritical
	if severity == SeverityCritical {
		sla = r.cfg.SLACritical
	}
	b := &Break{
		BreakID:       types.NewID(types.PrefixBreak),
		OrgID:         p.OrgID,
		PaymentID:     p.PaymentID,
		Severity:      severity,
		Kind:          kind,
		Detail:        detail,
		InternalState: string(p.Status),
		ProviderState: providerState,
		DetectedAt:    now,
		SLADue:        now.Add(sla),
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO reconcile_breaks
		 (break_id, org_id, payment_id, severity, kind, detail, internal_state, provider_state, detected_at, sla_due)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		b.BreakID, b.OrgID, b.PaymentID, b.Severity, b.Kind, b.Detail,
		b.InternalState, b.ProviderState,
		now.Format(time.RFC3339Nano), b.SLADue.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("reconcile: file break: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// An open break for this payment and kind already exists.
		return nil, nil
	}
	r.logger.Warn("reconciliation break filed",
		"break_id", b.BreakID, "payment_id", b.PaymentID, "severity", b.Severity, "kind", b.Kind)
	if r.auditor != nil {
		_ = r.auditor.Audit(ctx, b.OrgID, "reconcile.break_filed", b)
	}
	return b, nil
}

// Resolve closes a break with an operator-supplied resolution.
func (r *Reconciler) Resolve(ctx context.Context, breakID, resolution string) error {
	now := r.clock().UTC().Format(time.RFC3339Nano)
	res, err := r.db.ExecContext(ctx,
		`UPDATE reconcile_breaks SET resolved_at = ?, resolution = ?
		 WHERE break_id = ? AND resolved_at = ''`,
		now, resolution, breakID)
	if err != nil {
		return fmt.Errorf("reconcile: resolve: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBreakNotFound
	}
	if r.auditor != nil {
		_ = r.auditor.Audit(ctx, "", "reconcile.break_resolved", map[string]any{
			"break_id": breakID, "resolution": resolution,
		})
	}
	return nil
}

// Open lists unresolved breaks, critical first then nearest SLA.
func (r *Reconciler) Open(ctx context.Context, limit int) ([]*Break, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT break_id, org_id, payment_id, severity, kind, detail, internal_state, provider_state,
		        detected_at, sla_due, resolved_at, resolution
		 FROM reconcile_breaks WHERE resolved_at = ''
		 ORDER BY CASE severity WHEN 'critical' THEN 0 ELSE 1 END, sla_due ASC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list open: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Break
	for rows.Next() {
		var b Break
		var detectedAt, slaDue, resolvedAt string
		if err := rows.Scan(&b.BreakID, &b.OrgID, &b.PaymentID, &b.Severity, &b.Kind, &b.Detail,
			&b.InternalState, &b.ProviderState, &detectedAt, &slaDue, &resolvedAt, &b.Resolution); err != nil {
			return nil, err
		}
		b.DetectedAt, _ = time.Parse(time.RFC3339Nano, detectedAt)
		b.SLADue, _ = time.Parse(time.RFC3339Nano, slaDue)
		if resolvedAt != "" {
			b.ResolvedAt, _ = time.Parse(time.RFC3339Nano, resolvedAt)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

// Run executes one reconciliation pass over non-terminal payments that have
// not changed within the drift window.
func (r *Reconciler) Run(ctx context.Context) (checked, filed int, err error) {
	cutoff := r.clock().UTC().Add(-r.cfg.DriftWindow).Format(time.RFC3339Nano)
	rows, err := r.db.QueryContext(ctx,
		`SELECT payment_id FROM payments WHERE updated_at <= ? AND provider_ref != ''`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("reconcile: scan payments: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, 0, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()

	for _, id := range ids {
		p, err := r.payments.Get(ctx, id)
		if err != nil {
			return checked, filed, err
		}
		if p.Terminal() {
			continue
		}
		checked++
		b, err := r.CheckPayment(ctx, p)
		if err != nil {
			return checked, filed, err
		}
		if b != nil {
			filed++
		}
	}
	return checked, filed, nil
}
