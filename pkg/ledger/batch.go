package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sardis-hq/sardis/pkg/merkle"
	"github.com/sardis-hq/sardis/pkg/types"
)

// Batch is a sealed Merkle window over a contiguous run of entries.
type Batch struct {
	BatchID   string    `json:"batch_id"`
	OrgID     string    `json:"org_id"`
	FirstSeq  uint64    `json:"first_seq"`
	LastSeq   uint64    `json:"last_seq"`
	Root      string    `json:"root"`
	AnchorRef string    `json:"anchor_ref,omitempty"`
	SealedAt  time.Time `json:"sealed_at"`
}

// Anchorer commits a Merkle root to an external immutable reference and
// returns that reference. The reference is opaque to the ledger.
type Anchorer interface {
	Anchor(ctx context.Context, orgID, root string) (string, error)
}

// SealBatch builds a Merkle tree over every unsealed entry for org, stores
// the batch row, and stamps the batch id onto the covered entries. When an
// anchorer is supplied the root is committed externally in the same pass.
// Returns nil, nil when there is nothing to seal.
func (l *Ledger) SealBatch(ctx context.Context, orgID string, anchorer Anchorer) (*Batch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, entry_hash FROM ledger_entries
		 WHERE org_id = ? AND batch_id IS NULL ORDER BY seq ASC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var seqs []uint64
	var hashes []string
	for rows.Next() {
		var seq uint64
		var h string
		if err := rows.Scan(&seq, &h); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		seqs = append(seqs, seq)
		hashes = append(hashes, h)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(hashes) == 0 {
		return nil, nil
	}

	tree, err := merkle.Build(hashes)
	if err != nil {
		return nil, err
	}

	batch := &Batch{
		BatchID:  types.NewID("bat"),
		OrgID:    orgID,
		FirstSeq: seqs[0],
		LastSeq:  seqs[len(seqs)-1],
		Root:     tree.Root,
		SealedAt: l.clock().UTC().Truncate(time.Millisecond),
	}
	if anchorer != nil {
		ref, err := anchorer.Anchor(ctx, orgID, tree.Root)
		if err != nil {
			// Anchoring is retried by the next sweep; the batch still seals.
			l.logger.Warn("anchor failed, batch sealed unanchored", "org_id", orgID, "err", err)
		} else {
			batch.AnchorRef = ref
		}
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_batches (batch_id, org_id, first_seq, last_seq, root, anchor_ref, sealed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		batch.BatchID, batch.OrgID, batch.FirstSeq, batch.LastSeq, batch.Root,
		nullable(batch.AnchorRef), batch.SealedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE ledger_entries SET batch_id = ? WHERE org_id = ? AND seq BETWEEN ? AND ?`,
		batch.BatchID, orgID, batch.FirstSeq, batch.LastSeq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return batch, nil
}

// verifyBatchInclusion checks whether the entry's batch root still covers
// its hash and whether the root has an anchor reference. Unsealed entries
// report false on both counts without error.
func (l *Ledger) verifyBatchInclusion(ctx context.Context, entry *Entry) (leafInRoot, rootAnchored bool, err error) {
	var batchID sql.NullString
	err = l.db.QueryRowContext(ctx,
		`SELECT batch_id FROM ledger_entries WHERE ltx_id = ?`, entry.LtxID).Scan(&batchID)
	if err != nil {
		return false, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !batchID.Valid {
		return false, false, nil
	}

	var firstSeq, lastSeq uint64
	var root string
	var anchorRef sql.NullString
	err = l.db.QueryRowContext(ctx,
		`SELECT first_seq, last_seq, root, anchor_ref FROM ledger_batches WHERE batch_id = ?`,
		batchID.String).Scan(&firstSeq, &lastSeq, &root, &anchorRef)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT entry_hash FROM ledger_entries
		 WHERE org_id = ? AND seq BETWEEN ? AND ? ORDER BY seq ASC`,
		entry.OrgID, firstSeq, lastSeq)
	if err != nil {
		return false, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var hashes []string
	index := -1
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			_ = rows.Close()
			return false, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if h == entry.EntryHash {
			index = len(hashes)
		}
		hashes = append(hashes, h)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return false, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if index < 0 {
		return false, anchorRef.Valid, nil
	}

	tree, err := merkle.Build(hashes)
	if err != nil {
		return false, anchorRef.Valid, err
	}
	proof, err := tree.Prove(index)
	if err != nil {
		return false, anchorRef.Valid, err
	}
	return merkle.Verify(entry.EntryHash, proof, root) && tree.Root == root, anchorRef.Valid, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
