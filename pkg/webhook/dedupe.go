package webhook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sardis-hq/sardis/pkg/canonical"
	"github.com/sardis-hq/sardis/pkg/store"
)

// DedupeOutcome classifies a delivery against the seen set.
type DedupeOutcome int

const (
	// DeliveryNew must be applied: either first sight of the id, or a
	// retry of a delivery whose apply never completed.
	DeliveryNew DedupeOutcome = iota
	// DeliveryDuplicate replays a fully processed (provider, event_id)
	// with the same body.
	DeliveryDuplicate
	// DeliverySuspicious replays a seen id with a DIFFERENT body.
	DeliverySuspicious
)

// Delivery states. A row is born "new" and moves to "processed" only after
// the state machine ran; "suspicious" is terminal.
const (
	stateNew        = "new"
	stateProcessed  = "processed"
	stateSuspicious = "suspicious"
)

var dedupeMigrations = []string{
	`CREATE TABLE IF NOT EXISTS webhook_deliveries (
		provider    TEXT NOT NULL,
		event_id    TEXT NOT NULL,
		body_hash   TEXT NOT NULL,
		state       TEXT NOT NULL DEFAULT 'new',
		received_at TEXT NOT NULL,
		PRIMARY KEY (provider, event_id)
	);`,
}

// DedupeStore is the durable seen-set for deliveries.
type DedupeStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewDedupeStore opens the seen-set.
func NewDedupeStore(ctx context.Context, db *sql.DB) (*DedupeStore, error) {
	if err := store.Migrate(ctx, db, dedupeMigrations); err != nil {
		return nil, err
	}
	return &DedupeStore{db: db, clock: time.Now}, nil
}

// WithClock overrides the clock for tests.
func (d *DedupeStore) WithClock(clock func() time.Time) *DedupeStore {
	d.clock = clock
	return d
}

// Check records the delivery if new and classifies it. The body hash pins
// delivery identity: same id with a changed body is suspicious. A retry of
// a row still in state "new" classifies as DeliveryNew so the apply runs
// again; event application is idempotent behind the per-payment lock.
func (d *DedupeStore) Check(ctx context.Context, provider, eventID string, body []byte) (DedupeOutcome, error) {
	bodyHash := canonical.HashBytes(body)
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (provider, event_id, body_hash, state, received_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (provider, event_id) DO NOTHING`,
		provider, eventID, bodyHash, stateNew, d.clock().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("webhook: dedupe insert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return DeliveryNew, nil
	}

	var seen, state string
	err = d.db.QueryRowContext(ctx,
		`SELECT body_hash, state FROM webhook_deliveries WHERE provider = ? AND event_id = ?`,
		provider, eventID).Scan(&seen, &state)
	if errors.Is(err, sql.ErrNoRows) {
		// Row vanished between insert and read; treat as new on retry.
		return 0, fmt.Errorf("webhook: dedupe read after conflict: %w", err)
	}
	if err != nil {
		return 0, fmt.Errorf("webhook: dedupe read: %w", err)
	}
	if seen != bodyHash {
		if _, uerr := d.db.ExecContext(ctx,
			`UPDATE webhook_deliveries SET state = ? WHERE provider = ? AND event_id = ?`,
			stateSuspicious, provider, eventID); uerr != nil {
			return 0, fmt.Errorf("webhook: mark suspicious: %w", uerr)
		}
		return DeliverySuspicious, nil
	}
	if state == stateProcessed {
		return DeliveryDuplicate, nil
	}
	return DeliveryNew, nil
}

// MarkProcessed records that the delivery's side effect ran. Until this is
// called a retry of the same delivery is applied again, not suppressed.
func (d *DedupeStore) MarkProcessed(ctx context.Context, provider, eventID string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE webhook_deliveries SET state = ? WHERE provider = ? AND event_id = ? AND state = ?`,
		stateProcessed, provider, eventID, stateNew)
	if err != nil {
		return fmt.Errorf("webhook: mark processed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("webhook: mark processed: no new delivery for %s/%s", provider, eventID)
	}
	return nil
}
