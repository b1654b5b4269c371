package compliance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sardis-hq/sardis/pkg/store"
	"github.com/sardis-hq/sardis/pkg/types"
)

// TrustRelation authorizes agent-to-agent transfers from sender to
// recipient. Creating one is a sensitive mutation: the approval reference
// must point at a resolved 4-eyes approval.
type TrustRelation struct {
	SenderAgent    string    `json:"sender_agent"`
	RecipientAgent string    `json:"recipient_agent"`
	CreatedBy      string    `json:"created_by"`
	ApprovalRef    string    `json:"approval_ref"`
	CreatedAt      time.Time `json:"created_at"`
}

// TrustStore persists trust relations in SQLite.
type TrustStore struct {
	db *sql.DB
}

var trustMigrations = []string{
	`CREATE TABLE IF NOT EXISTS trust_relations (
		sender_agent    TEXT NOT NULL,
		recipient_agent TEXT NOT NULL,
		created_by      TEXT NOT NULL,
		approval_ref    TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		PRIMARY KEY (sender_agent, recipient_agent)
	);`,
}

// NewTrustStore opens the trust table over db.
func NewTrustStore(ctx context.Context, db *sql.DB) (*TrustStore, error) {
	if err := store.Migrate(ctx, db, trustMigrations); err != nil {
		return nil, err
	}
	return &TrustStore{db: db}, nil
}

// Put records a relation. ApprovalRef is mandatory; enforcement that the
// referenced approval carried two distinct reviewers happens at the API
// seam before this is called.
func (s *TrustStore) Put(ctx context.Context, rel TrustRelation) error {
	if err := types.ValidateID(rel.SenderAgent, types.PrefixAgent); err != nil {
		return err
	}
	if err := types.ValidateID(rel.RecipientAgent, types.PrefixAgent); err != nil {
		return err
	}
	if rel.ApprovalRef == "" {
		return errors.New("compliance: trust relation requires approval_ref")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trust_relations (sender_agent, recipient_agent, created_by, approval_ref, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (sender_agent, recipient_agent) DO UPDATE
		 SET created_by = excluded.created_by, approval_ref = excluded.approval_ref, created_at = excluded.created_at`,
		rel.SenderAgent, rel.RecipientAgent, rel.CreatedBy, rel.ApprovalRef,
		rel.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("compliance: put trust relation: %w", err)
	}
	return nil
}

// Trusted implements policy.TrustChecker.
func (s *TrustStore) Trusted(ctx context.Context, senderAgent, recipientAgent string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM trust_relations WHERE sender_agent = ? AND recipient_agent = ?`,
		senderAgent, recipientAgent).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("compliance: trust lookup: %w", err)
	}
	return n > 0, nil
}

// Remove drops a relation.
func (s *TrustStore) Remove(ctx context.Context, senderAgent, recipientAgent string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM trust_relations WHERE sender_agent = ? AND recipient_agent = ?`,
		senderAgent, recipientAgent)
	if err != nil {
		return fmt.Errorf("compliance: remove trust relation: %w", err)
	}
	return nil
}
