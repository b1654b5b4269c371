package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sardis-hq/sardis/pkg/store"
	"github.com/sardis-hq/sardis/pkg/types"
)

// HoldStatus is the two-phase reservation lifecycle.
type HoldStatus string

const (
	HoldActive   HoldStatus = "active"
	HoldCaptured HoldStatus = "captured"
	HoldVoided   HoldStatus = "voided"
	HoldExpired  HoldStatus = "expired"
)

// Terminal reports whether no further hold transitions are possible.
func (h HoldStatus) Terminal() bool { return h != HoldActive }

// Hold is a two-phase reservation against a wallet.
type Hold struct {
	HoldID         string      `json:"hold_id"`
	OrgID          string      `json:"org_id"`
	WalletID       string      `json:"wallet_id"`
	Amount         types.Money `json:"amount"`
	Status         HoldStatus  `json:"status"`
	CapturedAmount int64       `json:"captured_amount"`
	CreatedAt      time.Time   `json:"created_at"`
	ExpiresAt      time.Time   `json:"expires_at"`
}

// Hold errors.
var (
	ErrHoldNotFound   = errors.New("payments: hold not found")
	ErrHoldTerminal   = errors.New("payments: hold already terminal")
	ErrCaptureExceeds = errors.New("payments: capture exceeds held amount")
)

var holdMigrations = []string{
	`CREATE TABLE IF NOT EXISTS holds (
		hold_id         TEXT PRIMARY KEY,
		org_id          TEXT NOT NULL,
		wallet_id       TEXT NOT NULL,
		amount_minor    INTEGER NOT NULL,
		currency        TEXT NOT NULL,
		status          TEXT NOT NULL,
		captured_amount INTEGER NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL,
		expires_at      TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_holds_active ON holds (status, expires_at);`,
}

// HoldStore persists holds.
type HoldStore struct {
	db      *sql.DB
	auditor Auditor
	clock   func() time.Time
}

// NewHoldStore opens the hold store.
func NewHoldStore(ctx context.Context, db *sql.DB, auditor Auditor) (*HoldStore, error) {
	if err := store.Migrate(ctx, db, holdMigrations); err != nil {
		return nil, err
	}
	return &HoldStore{db: db, auditor: auditor, clock: time.Now}, nil
}

// WithClock overrides the clock for tests.
func (s *HoldStore) WithClock(clock func() time.Time) *HoldStore {
	s.clock = clock
	return s
}

// Create places a new active hold.
func (s *HoldStore) Create(ctx context.Context, orgID, walletID string, amount types.Money, ttl time.Duration) (*Hold, error) {
	if err := amount.Validate(); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	now := s.clock().UTC().Truncate(time.Millisecond)
	h := &Hold{
		HoldID:    types.NewID(types.PrefixHold),
		OrgID:     orgID,
		WalletID:  walletID,
		Amount:    amount,
		Status:    HoldActive,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO holds (hold_id, org_id, wallet_id, amount_minor, currency, status, captured_amount, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		h.HoldID, h.OrgID, h.WalletID, h.Amount.AmountMinor, h.Amount.Currency, h.Status,
		now.Format(time.RFC3339Nano), h.ExpiresAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("payments: create hold: %w", err)
	}
	s.auditHold(ctx, h, "hold.created")
	return h, nil
}

// Get returns a hold, lazily expiring it when overdue.
func (s *HoldStore) Get(ctx context.Context, holdID string) (*Hold, error) {
	h, err := s.get(ctx, holdID)
	if err != nil {
		return nil, err
	}
	if h.Status == HoldActive && !s.clock().UTC().Before(h.ExpiresAt) {
		h.Status = HoldExpired
		if err := s.persist(ctx, h); err != nil {
			return nil, err
		}
		s.auditHold(ctx, h, "hold.expired")
	}
	return h, nil
}

// Capture settles up to the held amount. Partial captures are allowed once;
// capture is a terminal transition.
func (s *HoldStore) Capture(ctx context.Context, holdID string, amountMinor int64) (*Hold, error) {
	h, err := s.Get(ctx, holdID)
	if err != nil {
		return nil, err
	}
	if h.Status.Terminal() {
		return h, ErrHoldTerminal
	}
	if amountMinor <= 0 || amountMinor > h.Amount.AmountMinor {
		return h, ErrCaptureExceeds
	}
	h.Status = HoldCaptured
	h.CapturedAmount = amountMinor
	if err := s.persist(ctx, h); err != nil {
		return nil, err
	}
	s.auditHold(ctx, h, "hold.captured")
	return h, nil
}

// Void releases an active hold.
func (s *HoldStore) Void(ctx context.Context, holdID string) (*Hold, error) {
	h, err := s.Get(ctx, holdID)
	if err != nil {
		return nil, err
	}
	if h.Status.Terminal() {
		return h, ErrHoldTerminal
	}
	h.Status = HoldVoided
	if err := s.persist(ctx, h); err != nil {
		return nil, err
	}
	s.auditHold(ctx, h, "hold.voided")
	return h, nil
}

// ExpireSweep expires every overdue active hold.
func (s *HoldStore) ExpireSweep(ctx context.Context) (int, error) {
	now := s.clock().UTC().Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx,
		`SELECT hold_id FROM holds WHERE status = ? AND expires_at <= ?`, HoldActive, now)
	if err != nil {
		return 0, fmt.Errorf("payments: hold sweep: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()

	for _, id := range ids {
		if _, err := s.Get(ctx, id); err != nil { // Get performs the lazy expiry
			return 0, err
		}
	}
	return len(ids), nil
}

func (s *HoldStore) get(ctx context.Context, holdID string) (*Hold, error) {
	var h Hold
	var createdAt, expiresAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT hold_id, org_id, wallet_id, amount_minor, currency, status, captured_amount, created_at, expires_at
		 FROM holds WHERE hold_id = ?`, holdID).
		Scan(&h.HoldID, &h.OrgID, &h.WalletID, &h.Amount.AmountMinor, &h.Amount.Currency,
			&h.Status, &h.CapturedAmount, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("payments: get hold: %w", err)
	}
	h.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	h.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	return &h, nil
}

func (s *HoldStore) persist(ctx context.Context, h *Hold) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE holds SET status = ?, captured_amount = ? WHERE hold_id = ?`,
		h.Status, h.CapturedAmount, h.HoldID)
	if err != nil {
		return fmt.Errorf("payments: persist hold: %w", err)
	}
	return nil
}

func (s *HoldStore) auditHold(ctx context.Context, h *Hold, kind string) {
	if s.auditor == nil {
		return
	}
	_ = s.auditor.Audit(ctx, h.OrgID, kind, map[string]any{
		"hold_id":         h.HoldID,
		"wallet_id":       h.WalletID,
		"amount_minor":    h.Amount.AmountMinor,
		"currency":        h.Amount.Currency,
		"status":          h.Status,
		"captured_amount": h.CapturedAmount,
	})
}
