package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sardis-hq/sardis/pkg/canonical"
	"github.com/sardis-hq/sardis/pkg/merkle"
)

// Cursor binds an export to a fixed org and time window plus the last
// sequence already returned. Because the window is pinned when the cursor
// is minted, a mid-export append (which always lands at a higher sequence
// and a later created_at) can never change or reorder pages already served.
type Cursor struct {
	OrgID       string    `json:"org"`
	WindowStart time.Time `json:"ws"`
	WindowEnd   time.Time `json:"we"`
	LastSeenSeq uint64    `json:"seq"`
}

// Encode serializes the cursor for transport.
func (c Cursor) Encode() string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a transport cursor.
func DecodeCursor(s string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("ledger: malformed cursor: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return Cursor{}, fmt.Errorf("ledger: malformed cursor: %w", err)
	}
	if c.OrgID == "" || c.WindowEnd.Before(c.WindowStart) {
		return Cursor{}, errors.New("ledger: malformed cursor")
	}
	return c, nil
}

// Page is one replay-safe export page.
type Page struct {
	Entries []*Entry `json:"entries"`
	Next    string   `json:"next_cursor,omitempty"`
}

// NewExportCursor mints the initial cursor for an export window.
func NewExportCursor(orgID string, windowStart, windowEnd time.Time) Cursor {
	return Cursor{
		OrgID:       orgID,
		WindowStart: windowStart.UTC().Truncate(time.Millisecond),
		WindowEnd:   windowEnd.UTC().Truncate(time.Millisecond),
	}
}

// ExportPage returns the next page of the export identified by cursor.
func (l *Ledger) ExportPage(ctx context.Context, cursor Cursor, limit int) (*Page, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT ltx_id, org_id, seq, kind, payload_digest, prev_hash, entry_hash, created_at, payload
		 FROM ledger_entries
		 WHERE org_id = ? AND seq > ? AND created_at >= ? AND created_at < ?
		 ORDER BY seq ASC LIMIT ?`,
		cursor.OrgID, cursor.LastSeenSeq,
		cursor.WindowStart.Format(time.RFC3339Nano),
		cursor.WindowEnd.Format(time.RFC3339Nano),
		limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	page := &Page{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		page.Entries = append(page.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if len(page.Entries) == limit {
		next := cursor
		next.LastSeenSeq = page.Entries[len(page.Entries)-1].Seq
		page.Next = next.Encode()
	}
	return page, nil
}

// Manifest accompanies an evidence bundle.
type Manifest struct {
	OrgID       string    `json:"org_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	RecordCount int       `json:"record_count"`
	SHA256      string    `json:"sha256"`
	MerkleRoot  string    `json:"merkle_root"`
	ExportedAt  time.Time `json:"exported_at"`
}

// WriteEvidenceBundle streams every entry in the window as newline-delimited
// canonical JSON records to w and returns the manifest: SHA-256 over the
// concatenated records plus the Merkle root over their entry hashes.
func (l *Ledger) WriteEvidenceBundle(ctx context.Context, orgID string, windowStart, windowEnd time.Time, w io.Writer) (*Manifest, error) {
	cursor := NewExportCursor(orgID, windowStart, windowEnd)
	hasher := sha256.New()
	var entryHashes []string
	count := 0

	for {
		page, err := l.ExportPage(ctx, cursor, 500)
		if err != nil {
			return nil, err
		}
		for _, e := range page.Entries {
			record, err := canonical.JCS(e)
			if err != nil {
				return nil, err
			}
			record = append(record, '\n')
			if _, err := w.Write(record); err != nil {
				return nil, fmt.Errorf("ledger: bundle write: %w", err)
			}
			hasher.Write(record)
			entryHashes = append(entryHashes, e.EntryHash)
			count++
		}
		if page.Next == "" {
			break
		}
		cursor, err = DecodeCursor(page.Next)
		if err != nil {
			return nil, err
		}
	}

	manifest := &Manifest{
		OrgID:       orgID,
		WindowStart: cursor.WindowStart,
		WindowEnd:   cursor.WindowEnd,
		RecordCount: count,
		SHA256:      hex.EncodeToString(hasher.Sum(nil)),
		ExportedAt:  l.clock().UTC().Truncate(time.Millisecond),
	}
	if len(entryHashes) > 0 {
		tree, err := merkle.Build(entryHashes)
		if err != nil {
			return nil, err
		}
		manifest.MerkleRoot = tree.Root
	}
	return manifest, nil
}
