// Package guardrail holds the operator-facing safety controls: per-wallet
// and global kill switches, and the coarse operating mode the whole plane
// runs in. Engaging a switch is immediate; releasing one goes through the
// approval workflow.
package guardrail

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sardis-hq/sardis/pkg/store"
)

// Mode is the plane-wide operating posture.
type Mode string

const (
	// ModeNormal admits and executes payments.
	ModeNormal Mode = "normal"
	// ModeDegraded admits payments on fiat rails only; signer-dependent
	// rails are suspended and non-critical background work (anchoring,
	// sweeps) is shed.
	ModeDegraded Mode = "degraded"
	// ModeContainment refuses all new payments; in-flight ones drain.
	ModeContainment Mode = "containment"
)

// GlobalScope engages a switch for every wallet.
const GlobalScope = "*"

// ErrUnknownMode rejects mode values outside the closed set.
var ErrUnknownMode = errors.New("guardrail: unknown mode")

// Auditor records guardrail changes to the ledger.
type Auditor interface {
	Audit(ctx context.Context, orgID, kind string, payload any) error
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS kill_switches (
		scope      TEXT PRIMARY KEY,
		reason     TEXT NOT NULL,
		engaged_by TEXT NOT NULL,
		engaged_at TEXT NOT NULL
	);`,
}

// Registry is the durable switch set plus the in-memory mode. Switch state
// survives restarts; mode is re-asserted by the operator after one.
type Registry struct {
	db      *sql.DB
	auditor Auditor
	logger  *slog.Logger
	clock   func() time.Time

	mu   sync.RWMutex
	mode Mode
}

// NewRegistry opens the registry in normal mode.
func NewRegistry(ctx context.Context, db *sql.DB, auditor Auditor) (*Registry, error) {
	if err := store.Migrate(ctx, db, migrations); err != nil {
		return nil, err
	}
	return &Registry{
		db:      db,
		auditor: auditor,
		logger:  slog.Default().With("component", "guardrail"),
		clock:   time.Now,
		mode:    ModeNormal,
	}, nil
}

// Mode returns the current operating mode.
func (r *Registry) Mode() Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode
}

// SetMode switches posture. Entering containment is always allowed;
// leaving it is expected to come through an approved request.
func (r *Registry) SetMode(ctx context.Context, mode Mode, actor string) error {
	switch mode {
	case ModeNormal, ModeDegraded, ModeContainment:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	r.mu.Lock()
	prior := r.mode
	r.mode = mode
	r.mu.Unlock()
	r.logger.Warn("operating mode changed", "from", prior, "to", mode, "actor", actor)
	r.audit(ctx, "guardrail.mode_changed", map[string]any{"from": prior, "to": mode, "actor": actor})
	return nil
}

// Engage trips the switch for a wallet (or GlobalScope). Idempotent.
func (r *Registry) Engage(ctx context.Context, walletID, reason, actor string) error {
	now := r.clock().UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO kill_switches (scope, reason, engaged_by, engaged_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (scope) DO UPDATE SET reason = excluded.reason`,
		walletID, reason, actor, now)
	if err != nil {
		return fmt.Errorf("guardrail: engage: %w", err)
	}
	r.logger.Warn("kill switch engaged", "scope", walletID, "reason", reason, "actor", actor)
	r.audit(ctx, "guardrail.killswitch_engaged", map[string]any{
		"scope": walletID, "reason": reason, "actor": actor,
	})
	return nil
}

// Release clears the switch. Callers gate this behind an approved
// killswitch.release request; the registry only records the outcome.
func (r *Registry) Release(ctx context.Context, walletID, approvalRef, actor string) error {
	if approvalRef == "" {
		return errors.New("guardrail: release requires an approval reference")
	}
	_, err := r.db.ExecContext(ctx, `DELETE FROM kill_switches WHERE scope = ?`, walletID)
	if err != nil {
		return fmt.Errorf("guardrail: release: %w", err)
	}
	r.audit(ctx, "guardrail.killswitch_released", map[string]any{
		"scope": walletID, "approval_ref": approvalRef, "actor": actor,
	})
	return nil
}

// Halted reports whether the wallet (or everything) is switched off.
func (r *Registry) Halted(ctx context.Context, walletID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM kill_switches WHERE scope IN (?, ?)`,
		walletID, GlobalScope).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("guardrail: halted check: %w", err)
	}
	return n > 0, nil
}

func (r *Registry) audit(ctx context.Context, kind string, payload any) {
	if r.auditor == nil {
		return
	}
	_ = r.auditor.Audit(ctx, "", kind, payload)
}
