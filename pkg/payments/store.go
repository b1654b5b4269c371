package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sardis-hq/sardis/pkg/store"
	"github.com/sardis-hq/sardis/pkg/types"
)

// Payment is the lifecycle entity. It is owned jointly by the orchestrator
// (creation, submission) and the state machine (event-driven transitions);
// all writes go through this store's transition methods.
type Payment struct {
	PaymentID         string          `json:"payment_id"`
	OrgID             string          `json:"org_id"`
	MandateID         string          `json:"mandate_id"`
	Rail              types.Rail      `json:"rail"`
	Direction         types.Direction `json:"direction"`
	Status            State           `json:"status"`
	AmountPendingMin  int64           `json:"amount_pending"`
	AmountSettledMin  int64           `json:"amount_settled"`
	Currency          string          `json:"currency"`
	RetryCount        int             `json:"retry_count"`
	LastReturnReason  string          `json:"last_return_reason,omitempty"`
	ProviderKey       string          `json:"provider_key,omitempty"`
	ProviderRef       string          `json:"provider_ref,omitempty"`
	IdempotencyKey    string          `json:"idempotency_key"`
	ExternalAccountID string          `json:"external_bank_account_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Terminal reports whether the payment's status is terminal for its rail.
func (p *Payment) Terminal() bool {
	m, err := MachineFor(p.Rail)
	if err != nil {
		return false
	}
	return m.Terminal(p.Status)
}

// Auditor receives a ledger entry for every applied transition.
type Auditor interface {
	Audit(ctx context.Context, orgID, kind string, payload any) error
}

// Errors.
var (
	ErrNotFound = errors.New("payments: not found")
)

// Store persists payments, their event arena, and external account state.
type Store struct {
	db      *sql.DB
	auditor Auditor
	logger  *slog.Logger
	clock   func() time.Time
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS payments (
		payment_id          TEXT PRIMARY KEY,
		org_id              TEXT NOT NULL,
		mandate_id          TEXT NOT NULL,
		rail                TEXT NOT NULL,
		direction           TEXT NOT NULL,
		status              TEXT NOT NULL,
		amount_pending      INTEGER NOT NULL,
		amount_settled      INTEGER NOT NULL DEFAULT 0,
		currency            TEXT NOT NULL,
		retry_count         INTEGER NOT NULL DEFAULT 0,
		last_return_reason  TEXT NOT NULL DEFAULT '',
		provider_key        TEXT NOT NULL DEFAULT '',
		provider_ref        TEXT NOT NULL DEFAULT '',
		idempotency_key     TEXT NOT NULL,
		external_account_id TEXT NOT NULL DEFAULT '',
		created_at          TEXT NOT NULL,
		updated_at          TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_payments_org ON payments (org_id, created_at);`,
	// Arena-and-index: payments reference events by id only, events carry
	// payment_id; no object cycles.
	`CREATE TABLE IF NOT EXISTS payment_events (
		provider          TEXT NOT NULL,
		provider_event_id TEXT NOT NULL,
		payment_id        TEXT NOT NULL,
		kind              TEXT NOT NULL,
		return_code       TEXT NOT NULL DEFAULT '',
		occurred_at       TEXT NOT NULL,
		PRIMARY KEY (provider, provider_event_id)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_payment_events_payment ON payment_events (payment_id);`,
	`CREATE TABLE IF NOT EXISTS external_accounts (
		account_id   TEXT PRIMARY KEY,
		org_id       TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'active',
		pause_reason TEXT NOT NULL DEFAULT '',
		updated_at   TEXT NOT NULL
	);`,
}

// NewStore opens the payment store.
func NewStore(ctx context.Context, db *sql.DB, auditor Auditor) (*Store, error) {
	if err := store.Migrate(ctx, db, migrations); err != nil {
		return nil, err
	}
	return &Store{
		db:      db,
		auditor: auditor,
		logger:  slog.Default().With("component", "payments"),
		clock:   time.Now,
	}, nil
}

// WithClock overrides the clock for tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Create inserts a new payment in its rail's initial state.
func (s *Store) Create(ctx context.Context, p *Payment) error {
	m, err := MachineFor(p.Rail)
	if err != nil {
		return err
	}
	if p.Status == "" {
		p.Status = m.Initial()
	}
	now := s.clock().UTC().Truncate(time.Millisecond)
	p.CreatedAt, p.UpdatedAt = now, now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO payments
		 (payment_id, org_id, mandate_id, rail, direction, status, amount_pending, amount_settled,
		  currency, retry_count, last_return_reason, provider_key, provider_ref, idempotency_key,
		  external_account_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PaymentID, p.OrgID, p.MandateID, p.Rail, p.Direction, p.Status,
		p.AmountPendingMin, p.AmountSettledMin, p.Currency, p.RetryCount,
		p.LastReturnReason, p.ProviderKey, p.ProviderRef, p.IdempotencyKey,
		p.ExternalAccountID, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("payments: create: %w", err)
	}
	return nil
}

// Get returns a payment by id.
func (s *Store) Get(ctx context.Context, paymentID string) (*Payment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payment_id, org_id, mandate_id, rail, direction, status, amount_pending, amount_settled,
		        currency, retry_count, last_return_reason, provider_key, provider_ref, idempotency_key,
		        external_account_id, created_at, updated_at
		 FROM payments WHERE payment_id = ?`, paymentID)
	return scanPayment(row)
}

// SetSubmitted records the provider acceptance after a successful dispatch.
func (s *Store) SetSubmitted(ctx context.Context, paymentID, providerKey, providerRef string) error {
	now := s.clock().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET provider_key = ?, provider_ref = ?, updated_at = ? WHERE payment_id = ?`,
		providerKey, providerRef, now, paymentID)
	if err != nil {
		return fmt.Errorf("payments: set submitted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EventIDs returns the event arena index for a payment.
func (s *Store) EventIDs(ctx context.Context, paymentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider || ':' || provider_event_id FROM payment_events
		 WHERE payment_id = ? ORDER BY occurred_at ASC`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("payments: event ids: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Balance is the net treasury position for one currency: settled credits
// minus settled debits, with in-flight amounts reported separately.
type Balance struct {
	Currency     string `json:"currency"`
	SettledMinor int64  `json:"settled_minor"`
	PendingMinor int64  `json:"pending_minor"`
}

// Balances aggregates the org's position per currency.
func (s *Store) Balances(ctx context.Context, orgID string) ([]Balance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT currency,
		        SUM(CASE WHEN direction = 'credit' THEN amount_settled ELSE -amount_settled END),
		        SUM(amount_pending)
		 FROM payments WHERE org_id = ?
		 GROUP BY currency ORDER BY currency`, orgID)
	if err != nil {
		return nil, fmt.Errorf("payments: balances: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Balance
	for rows.Next() {
		var b Balance
		if err := rows.Scan(&b.Currency, &b.SettledMinor, &b.PendingMinor); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// PauseExternalAccount marks the bank account paused; idempotent.
func (s *Store) PauseExternalAccount(ctx context.Context, orgID, accountID, reason string) error {
	now := s.clock().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO external_accounts (account_id, org_id, status, pause_reason, updated_at)
		 VALUES (?, ?, 'paused', ?, ?)
		 ON CONFLICT (account_id) DO UPDATE SET status = 'paused', pause_reason = excluded.pause_reason, updated_at = excluded.updated_at`,
		accountID, orgID, reason, now)
	if err != nil {
		return fmt.Errorf("payments: pause account: %w", err)
	}
	return nil
}

// ExternalAccountStatus returns "active" when the account is unknown.
func (s *Store) ExternalAccountStatus(ctx context.Context, accountID string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM external_accounts WHERE account_id = ?`, accountID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "active", nil
	}
	if err != nil {
		return "", fmt.Errorf("payments: account status: %w", err)
	}
	return status, nil
}

func scanPayment(row interface{ Scan(...any) error }) (*Payment, error) {
	var p Payment
	var createdAt, updatedAt string
	err := row.Scan(&p.PaymentID, &p.OrgID, &p.MandateID, &p.Rail, &p.Direction, &p.Status,
		&p.AmountPendingMin, &p.AmountSettledMin, &p.Currency, &p.RetryCount,
		&p.LastReturnReason, &p.ProviderKey, &p.ProviderRef, &p.IdempotencyKey,
		&p.ExternalAccountID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("payments: scan: %w", err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &p, nil
}
