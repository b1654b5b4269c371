// Package wallet is the directory of agent wallets: ownership, activation,
// KYB verification state, and the expected spend profile used for goal
// drift scoring.
package wallet

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sardis-hq/sardis/pkg/store"
	"github.com/sardis-hq/sardis/pkg/types"
)

// Wallet is one agent's spending wallet.
type Wallet struct {
	WalletID    string    `json:"wallet_id"`
	OrgID       string    `json:"org_id"`
	AgentID     string    `json:"agent_id"`
	Active      bool      `json:"active"`
	KYBVerified bool      `json:"kyb_verified"`
	// ExpectedProfile is the declared category distribution for this
	// wallet's purpose; drift scoring compares observed spend against it.
	ExpectedProfile map[string]int64 `json:"expected_profile,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// ErrNotFound is returned for unknown wallet ids.
var ErrNotFound = errors.New("wallet: not found")

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS wallets (
		wallet_id        TEXT PRIMARY KEY,
		org_id           TEXT NOT NULL,
		agent_id         TEXT NOT NULL,
		active           INTEGER NOT NULL DEFAULT 1,
		kyb_verified     INTEGER NOT NULL DEFAULT 0,
		expected_profile TEXT NOT NULL DEFAULT '{}',
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_wallets_agent ON wallets (agent_id);`,
}

// Directory persists wallets.
type Directory struct {
	db    *sql.DB
	clock func() time.Time
}

// NewDirectory opens the wallet directory.
func NewDirectory(ctx context.Context, db *sql.DB) (*Directory, error) {
	if err := store.Migrate(ctx, db, migrations); err != nil {
		return nil, err
	}
	return &Directory{db: db, clock: time.Now}, nil
}

// WithClock overrides the clock for tests.
func (d *Directory) WithClock(clock func() time.Time) *Directory {
	d.clock = clock
	return d
}

// Create registers a wallet.
func (d *Directory) Create(ctx context.Context, w *Wallet) error {
	if err := types.ValidateID(w.OrgID, types.PrefixOrg); err != nil {
		return err
	}
	if err := types.ValidateID(w.AgentID, types.PrefixAgent); err != nil {
		return err
	}
	if w.WalletID == "" {
		w.WalletID = types.NewID(types.PrefixWallet)
	}
	now := d.clock().UTC().Truncate(time.Millisecond)
	w.CreatedAt, w.UpdatedAt = now, now
	profile, err := json.Marshal(w.ExpectedProfile)
	if err != nil {
		return fmt.Errorf("wallet: encode profile: %w", err)
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO wallets (wallet_id, org_id, agent_id, active, kyb_verified, expected_profile, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.WalletID, w.OrgID, w.AgentID, boolInt(w.Active), boolInt(w.KYBVerified),
		string(profile), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("wallet: create: %w", err)
	}
	return nil
}

// Get returns a wallet by id.
func (d *Directory) Get(ctx context.Context, walletID string) (*Wallet, error) {
	var w Wallet
	var active, kyb int
	var profile, createdAt, updatedAt string
	err := d.db.QueryRowContext(ctx,
		`SELECT wallet_id, org_id, agent_id, active, kyb_verified, expected_profile, created_at, updated_at
		 FROM wallets WHERE wallet_id = ?`, walletID).
		Scan(&w.WalletID, &w.OrgID, &w.AgentID, &active, &kyb, &profile, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("wallet: get: %w", err)
	}
	w.Active, w.KYBVerified = active == 1, kyb == 1
	if err := json.Unmarshal([]byte(profile), &w.ExpectedProfile); err != nil {
		return nil, fmt.Errorf("wallet: decode profile: %w", err)
	}
	w.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	w.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &w, nil
}

// SetActive flips the activation flag.
func (d *Directory) SetActive(ctx context.Context, walletID string, active bool) error {
	return d.update(ctx, walletID, `UPDATE wallets SET active = ?, updated_at = ? WHERE wallet_id = ?`, boolInt(active))
}

// SetKYBVerified records the KYB verification outcome.
func (d *Directory) SetKYBVerified(ctx context.Context, walletID string, verified bool) error {
	return d.update(ctx, walletID, `UPDATE wallets SET kyb_verified = ?, updated_at = ? WHERE wallet_id = ?`, boolInt(verified))
}

func (d *Directory) update(ctx context.Context, walletID, stmt string, val int) error {
	res, err := d.db.ExecContext(ctx, stmt, val, d.clock().UTC().Format(time.RFC3339Nano), walletID)
	if err != nil {
		return fmt.Errorf("wallet: update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
