// Package approval implements the 4-eyes approval manager. State lives in
// the durable store and is re-read by pollers; there is no in-memory
// hand-off channel to the orchestrator.
package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sardis-hq/sardis/pkg/store"
	"github.com/sardis-hq/sardis/pkg/types"
)

// Status of an approval request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool { return s != StatusPending }

// Vote outcome of a single reviewer.
type Vote string

const (
	VoteApprove Vote = "approve"
	VoteDeny    Vote = "deny"
)

// Request is one approval request.
type Request struct {
	ApprovalID    string    `json:"approval_id"`
	OrgID         string    `json:"org_id"`
	Action        string    `json:"action"`
	SubjectDigest string    `json:"subject_digest"`
	Status        Status    `json:"status"`
	MinReviewers  int       `json:"min_reviewers"`
	Reviewers     []string  `json:"reviewers"` // distinct reviewer ids that have voted
	Approvals     int       `json:"approvals"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Auditor receives a ledger entry for every transition.
type Auditor interface {
	Audit(ctx context.Context, orgID, kind string, payload any) error
}

// Errors.
var (
	ErrNotFound       = errors.New("approval: not found")
	ErrTerminal       = errors.New("approval: request already terminal")
	ErrDuplicateVote  = errors.New("approval: reviewer already voted")
	ErrTooFewReviewer = errors.New("approval: min_reviewers must be at least 1")
)

// sensitiveActions require two distinct reviewers regardless of the
// requested quorum.
var sensitiveActions = map[string]bool{
	"trust.create":       true,
	"trust.remove":       true,
	"policy.update":      true,
	"killswitch.release": true,
}

// Manager coordinates approval lifecycles over SQLite.
type Manager struct {
	db      *sql.DB
	auditor Auditor
	logger  *slog.Logger
	clock   func() time.Time
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS approvals (
		approval_id    TEXT PRIMARY KEY,
		org_id         TEXT NOT NULL,
		action         TEXT NOT NULL,
		subject_digest TEXT NOT NULL,
		status         TEXT NOT NULL,
		min_reviewers  INTEGER NOT NULL,
		reviewers      TEXT NOT NULL DEFAULT '',
		approvals      INTEGER NOT NULL DEFAULT 0,
		created_at     TEXT NOT NULL,
		expires_at     TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_approvals_pending ON approvals (status, expires_at);`,
}

// NewManager opens the approval store.
func NewManager(ctx context.Context, db *sql.DB, auditor Auditor) (*Manager, error) {
	if err := store.Migrate(ctx, db, migrations); err != nil {
		return nil, err
	}
	return &Manager{
		db:      db,
		auditor: auditor,
		logger:  slog.Default().With("component", "approval"),
		clock:   time.Now,
	}, nil
}

// WithClock overrides the clock for tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Create opens a new pending request. Sensitive actions are forced to a
// quorum of at least two distinct reviewers.
func (m *Manager) Create(ctx context.Context, orgID, action, subjectDigest string, minReviewers int, ttl time.Duration) (*Request, error) {
	if minReviewers < 1 {
		return nil, ErrTooFewReviewer
	}
	if sensitiveActions[action] && minReviewers < 2 {
		minReviewers = 2
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	now := m.clock().UTC().Truncate(time.Millisecond)
	req := &Request{
		ApprovalID:    types.NewID(types.PrefixApproval),
		OrgID:         orgID,
		Action:        action,
		SubjectDigest: subjectDigest,
		Status:        StatusPending,
		MinReviewers:  minReviewers,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}

	_, err := m.db.ExecContext(ctx,
		`INSERT INTO approvals (approval_id, org_id, action, subject_digest, status, min_reviewers, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ApprovalID, req.OrgID, req.Action, req.SubjectDigest, req.Status,
		req.MinReviewers, req.CreatedAt.Format(time.RFC3339Nano), req.ExpiresAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("approval: create: %w", err)
	}
	m.audit(ctx, req, "approval.created")
	return req, nil
}

// Decide records a reviewer's vote. Each reviewer identity contributes at
// most one vote; a single deny is sticky and terminal. The read and the
// write share one transaction so concurrent votes by the same reviewer
// cannot both pass the duplicate check.
func (m *Manager) Decide(ctx context.Context, approvalID, reviewerID string, vote Vote) (*Request, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("approval: begin decide: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	req, err := m.get(ctx, tx, approvalID)
	if err != nil {
		return nil, err
	}
	if req.Status == StatusPending && !m.clock().UTC().Before(req.ExpiresAt) {
		req.Status = StatusExpired
		if err := m.persist(ctx, tx, req); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("approval: commit decide: %w", err)
		}
		m.audit(ctx, req, "approval.expired")
		return req, ErrTerminal
	}
	if req.Status.Terminal() {
		return req, ErrTerminal
	}
	for _, r := range req.Reviewers {
		if r == reviewerID {
			return req, ErrDuplicateVote
		}
	}

	req.Reviewers = append(req.Reviewers, reviewerID)
	switch vote {
	case VoteDeny:
		req.Status = StatusDenied
	case VoteApprove:
		req.Approvals++
		if req.Approvals >= req.MinReviewers {
			req.Status = StatusApproved
		}
	default:
		return req, fmt.Errorf("approval: unknown vote %q", vote)
	}

	if err := m.persist(ctx, tx, req); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("approval: commit decide: %w", err)
	}
	m.audit(ctx, req, "approval."+string(vote))
	if req.Status.Terminal() {
		m.audit(ctx, req, "approval."+string(req.Status))
	}
	return req, nil
}

// Status returns the current state, lazily expiring overdue requests.
func (m *Manager) Status(ctx context.Context, approvalID string) (*Request, error) {
	req, err := m.get(ctx, m.db, approvalID)
	if err != nil {
		return nil, err
	}
	return m.lazyExpire(ctx, req), nil
}

// Cancel terminates a pending request.
func (m *Manager) Cancel(ctx context.Context, approvalID, reason string) (*Request, error) {
	req, err := m.get(ctx, m.db, approvalID)
	if err != nil {
		return nil, err
	}
	req = m.lazyExpire(ctx, req)
	if req.Status.Terminal() {
		return req, ErrTerminal
	}
	req.Status = StatusCancelled
	if err := m.persist(ctx, m.db, req); err != nil {
		return nil, err
	}
	m.audit(ctx, req, "approval.cancelled", "reason", reason)
	return req, nil
}

// ExpireSweep transitions every overdue pending request to expired and
// returns how many were swept. Run on the scheduled pool.
func (m *Manager) ExpireSweep(ctx context.Context) (int, error) {
	now := m.clock().UTC().Format(time.RFC3339Nano)
	rows, err := m.db.QueryContext(ctx,
		`SELECT approval_id FROM approvals WHERE status = ? AND expires_at <= ?`,
		StatusPending, now)
	if err != nil {
		return 0, fmt.Errorf("approval: sweep: %w", err)
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
		req, err := m.get(ctx, m.db, id)
		if err != nil {
			continue
		}
		req.Status = StatusExpired
		if err := m.persist(ctx, m.db, req); err != nil {
			return 0, err
		}
		m.audit(ctx, req, "approval.expired")
	}
	return len(ids), nil
}

func (m *Manager) lazyExpire(ctx context.Context, req *Request) *Request {
	if req.Status == StatusPending && !m.clock().UTC().Before(req.ExpiresAt) {
		req.Status = StatusExpired
		if err := m.persist(ctx, m.db, req); err == nil {
			m.audit(ctx, req, "approval.expired")
		}
	}
	return req
}

// querier is the slice of database/sql shared by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (m *Manager) get(ctx context.Context, q querier, approvalID string) (*Request, error) {
	var req Request
	var reviewers, createdAt, expiresAt string
	err := q.QueryRowContext(ctx,
		`SELECT approval_id, org_id, action, subject_digest, status, min_reviewers, reviewers, approvals, created_at, expires_at
		 FROM approvals WHERE approval_id = ?`, approvalID).
		Scan(&req.ApprovalID, &req.OrgID, &req.Action, &req.SubjectDigest, &req.Status,
			&req.MinReviewers, &reviewers, &req.Approvals, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("approval: get: %w", err)
	}
	if reviewers != "" {
		req.Reviewers = strings.Split(reviewers, ",")
	}
	req.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	req.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	return &req, nil
}

func (m *Manager) persist(ctx context.Context, q querier, req *Request) error {
	_, err := q.ExecContext(ctx,
		`UPDATE approvals SET status = ?, reviewers = ?, approvals = ? WHERE approval_id = ?`,
		req.Status, strings.Join(req.Reviewers, ","), req.Approvals, req.ApprovalID)
	if err != nil {
		return fmt.Errorf("approval: persist: %w", err)
	}
	return nil
}

func (m *Manager) audit(ctx context.Context, req *Request, kind string, extra ...string) {
	if m.auditor == nil {
		return
	}
	payload := map[string]any{
		"approval_id":    req.ApprovalID,
		"action":         req.Action,
		"subject_digest": req.SubjectDigest,
		"status":         req.Status,
		"reviewers":      req.Reviewers,
	}
	for i := 0; i+1 < len(extra); i += 2 {
		payload[extra[i]] = extra[i+1]
	}
	if err := m.auditor.Audit(ctx, req.OrgID, kind, payload); err != nil {
		m.logger.Error("approval audit append failed", "approval_id", req.ApprovalID, "kind", kind, "err", err)
	}
}

// MarshalResult serializes a request for idempotent result storage.
func MarshalResult(req *Request) json.RawMessage {
	raw, _ := json.Marshal(req)
	return raw
}
