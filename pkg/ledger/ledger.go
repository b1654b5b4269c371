// Package ledger implements the append-only, hash-chained audit ledger.
//
//   - One strictly increasing sequence per org; (org_id, seq) is unique.
//   - entry_hash = SHA-256(prev_hash || payload_digest || created_at || kind)
//     with domain separation; prev_hash of entry N equals entry_hash of N-1.
//   - Entries are immutable for all time; there is no update or delete path.
//   - Batches are sealed into Merkle roots and anchored to an external
//     reference (see batch.go); exports are replay-safe (see export.go).
//
// The ledger is the only writer of LedgerEntry rows. Every other component
// appends through this package and treats append failure as fail-closed on
// the money path.
package ledger

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sardis-hq/sardis/pkg/canonical"
	"github.com/sardis-hq/sardis/pkg/store"
	"github.com/sardis-hq/sardis/pkg/types"
)

const genesisHash = "genesis"

const entryDomain = "sardis:ledger:entry:v1"

// Entry is one immutable ledger record.
type Entry struct {
	LtxID         string          `json:"ltx_id"`
	OrgID         string          `json:"org_id"`
	Seq           uint64          `json:"seq"`
	Kind          string          `json:"kind"`
	PayloadDigest string          `json:"payload_digest"`
	PrevHash      string          `json:"prev_hash"`
	EntryHash     string          `json:"entry_hash"`
	CreatedAt     time.Time       `json:"created_at"`
	Payload       json.RawMessage `json:"payload"`
}

// VerificationReport is the result of verifying a single entry.
type VerificationReport struct {
	LtxID           string `json:"ltx_id"`
	ChainOK         bool   `json:"chain_ok"`
	LeafInRoot      bool   `json:"leaf_in_root"`
	RootAnchored    bool   `json:"root_anchored"`
	TamperedIndices []int  `json:"tampered_indices,omitempty"`
}

// Ledger is the durable audit ledger. Appends are globally ordered per org
// under an in-process mutex plus the sqlite write transaction.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
	clock  func() time.Time

	mu sync.Mutex // serializes appends across orgs; sqlite has one writer anyway
}

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("ledger: entry not found")

// ErrUnavailable wraps storage errors. Callers on the money path must treat
// it as fail-closed and refuse the operation.
var ErrUnavailable = errors.New("ledger: store unavailable")

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		ltx_id         TEXT PRIMARY KEY,
		org_id         TEXT NOT NULL,
		seq            INTEGER NOT NULL,
		kind           TEXT NOT NULL,
		payload_digest TEXT NOT NULL,
		prev_hash      TEXT NOT NULL,
		entry_hash     TEXT NOT NULL,
		created_at     TEXT NOT NULL,
		payload        TEXT NOT NULL,
		batch_id       TEXT,
		UNIQUE (org_id, seq)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_org_seq ON ledger_entries (org_id, seq);`,
	`CREATE TABLE IF NOT EXISTS ledger_batches (
		batch_id     TEXT PRIMARY KEY,
		org_id       TEXT NOT NULL,
		first_seq    INTEGER NOT NULL,
		last_seq     INTEGER NOT NULL,
		root         TEXT NOT NULL,
		anchor_ref   TEXT,
		sealed_at    TEXT NOT NULL
	);`,
}

// New opens the ledger over db, applying migrations.
func New(ctx context.Context, db *sql.DB) (*Ledger, error) {
	if err := store.Migrate(ctx, db, migrations); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Ledger{
		db:     db,
		logger: slog.Default().With("component", "ledger"),
		clock:  time.Now,
	}, nil
}

// WithClock overrides the clock for tests.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Append writes a new entry for org with the given kind and payload.
// The payload is canonicalized before digesting so equal payloads always
// produce equal digests.
func (l *Ledger) Append(ctx context.Context, orgID, kind string, payload any) (*Entry, error) {
	if err := types.ValidateID(orgID, types.PrefixOrg); err != nil {
		return nil, err
	}
	if kind == "" {
		return nil, errors.New("ledger: empty kind")
	}

	canonicalPayload, err := canonical.JCS(payload)
	if err != nil {
		return nil, fmt.Errorf("ledger: payload canonicalization: %w", err)
	}
	digest := canonical.HashBytes(canonicalPayload)

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	var prevSeq uint64
	var prevHash string
	err = tx.QueryRowContext(ctx,
		`SELECT seq, entry_hash FROM ledger_entries WHERE org_id = ? ORDER BY seq DESC LIMIT 1`,
		orgID,
	).Scan(&prevSeq, &prevHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		prevSeq, prevHash = 0, genesisHash
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	now := l.clock().UTC().Truncate(time.Millisecond)
	entry := &Entry{
		LtxID:         types.NewID(types.PrefixLedgerEntry),
		OrgID:         orgID,
		Seq:           prevSeq + 1,
		Kind:          kind,
		PayloadDigest: digest,
		PrevHash:      prevHash,
		CreatedAt:     now,
		Payload:       canonicalPayload,
	}
	entry.EntryHash = computeEntryHash(entry)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_entries
		 (ltx_id, org_id, seq, kind, payload_digest, prev_hash, entry_hash, created_at, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.LtxID, entry.OrgID, entry.Seq, entry.Kind, entry.PayloadDigest,
		entry.PrevHash, entry.EntryHash, entry.CreatedAt.Format(time.RFC3339Nano),
		string(entry.Payload),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	l.logger.Debug("ledger append", "org_id", orgID, "seq", entry.Seq, "kind", kind)
	return entry, nil
}

// SystemOrg receives control-plane audit events that are not attributable
// to a single tenant, such as ops mode changes and webhook secret rotations.
const SystemOrg = "org_system"

// Audit appends an audit entry, filing tenant-less events under SystemOrg.
// It satisfies the Auditor seam declared by the consuming packages.
func (l *Ledger) Audit(ctx context.Context, orgID, kind string, payload any) error {
	if orgID == "" {
		orgID = SystemOrg
	}
	_, err := l.Append(ctx, orgID, kind, payload)
	return err
}

// Orgs lists every org with at least one ledger entry.
func (l *Ledger) Orgs(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT DISTINCT org_id FROM ledger_entries ORDER BY org_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var orgs []string
	for rows.Next() {
		var org string
		if err := rows.Scan(&org); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}

// Get retrieves a single entry by ltx id.
func (l *Ledger) Get(ctx context.Context, ltxID string) (*Entry, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT ltx_id, org_id, seq, kind, payload_digest, prev_hash, entry_hash, created_at, payload
		 FROM ledger_entries WHERE ltx_id = ?`, ltxID)
	return scanEntry(row)
}

// List returns up to limit entries for org starting after the given sequence.
func (l *Ledger) List(ctx context.Context, orgID string, afterSeq uint64, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT ltx_id, org_id, seq, kind, payload_digest, prev_hash, entry_hash, created_at, payload
		 FROM ledger_entries WHERE org_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		orgID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// VerifyChain walks the whole chain for org and reports broken links.
// Tampered indices are the sequences whose recomputed hash or prev link
// does not match the stored value.
func (l *Ledger) VerifyChain(ctx context.Context, orgID string) (bool, []int, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT ltx_id, org_id, seq, kind, payload_digest, prev_hash, entry_hash, created_at, payload
		 FROM ledger_entries WHERE org_id = ? ORDER BY seq ASC`, orgID)
	if err != nil {
		return false, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var tampered []int
	prevHash := genesisHash
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return false, nil, err
		}
		if e.PrevHash != prevHash || computeEntryHash(e) != e.EntryHash {
			tampered = append(tampered, int(e.Seq))
		}
		prevHash = e.EntryHash
	}
	if err := rows.Err(); err != nil {
		return false, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return len(tampered) == 0, tampered, nil
}

// Verify produces the full verification report for one entry: chain link
// integrity, Merkle leaf inclusion, and anchor presence.
func (l *Ledger) Verify(ctx context.Context, ltxID string) (*VerificationReport, error) {
	entry, err := l.Get(ctx, ltxID)
	if err != nil {
		return nil, err
	}

	chainOK, tampered, err := l.VerifyChain(ctx, entry.OrgID)
	if err != nil {
		return nil, err
	}

	leafInRoot, rootAnchored, err := l.verifyBatchInclusion(ctx, entry)
	if err != nil {
		return nil, err
	}

	return &VerificationReport{
		LtxID:           ltxID,
		ChainOK:         chainOK,
		LeafInRoot:      leafInRoot,
		RootAnchored:    rootAnchored,
		TamperedIndices: tampered,
	}, nil
}

// Healthy reports whether the durable store answers. The orchestrator
// refuses new payments when this returns false.
func (l *Ledger) Healthy(ctx context.Context) bool {
	return l.db.PingContext(ctx) == nil
}

func computeEntryHash(e *Entry) string {
	var buf bytes.Buffer
	buf.WriteString(entryDomain)
	buf.WriteByte(0)
	buf.WriteString(e.PrevHash)
	buf.WriteByte(0)
	buf.WriteString(e.PayloadDigest)
	buf.WriteByte(0)
	buf.WriteString(e.CreatedAt.UTC().Format(time.RFC3339Nano))
	buf.WriteByte(0)
	buf.WriteString(e.Kind)
	return canonical.HashBytes(buf.Bytes())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var createdAt, payload string
	err := row.Scan(&e.LtxID, &e.OrgID, &e.Seq, &e.Kind, &e.PayloadDigest,
		&e.PrevHash, &e.EntryHash, &createdAt, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("ledger: corrupt created_at for %s: %w", e.LtxID, err)
	}
	e.Payload = json.RawMessage(payload)
	return &e, nil
}
