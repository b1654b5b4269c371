package approval_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sardis-hq/sardis/pkg/approval"
	"github.com/sardis-hq/sardis/pkg/store"
)

type recordingAuditor struct {
	kinds []string
}

func (a *recordingAuditor) Audit(_ context.Context, _, kind string, _ any) error {
	a.kinds = append(a.kinds, kind)
	return nil
}

func newManager(t *testing.T) (*approval.Manager, *recordingAuditor, *time.Time) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "approvals.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	aud := &recordingAuditor{}
	now := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	m, err := approval.NewManager(context.Background(), db, aud)
	require.NoError(t, err)
	m.WithClock(func() time.Time { return now })
	return m, aud, &now
}

func TestSingleReviewerApproval(t *testing.T) {
	m, aud, _ := newManager(t)
	ctx := context.Background()

	req, err := m.Create(ctx, "org_1", "payment.execute", "sha256:abc", 1, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusPending, req.Status)

	req, err = m.Decide(ctx, req.ApprovalID, "reviewer-a", approval.VoteApprove)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, req.Status)
	assert.Contains(t, aud.kinds, "approval.created")
	assert.Contains(t, aud.kinds, "approval.approved")
}

func TestQuorumRequiresDistinctReviewers(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	req, err := m.Create(ctx, "org_1", "payment.execute", "sha256:abc", 2, time.Hour)
	require.NoError(t, err)

	req, err = m.Decide(ctx, req.ApprovalID, "reviewer-a", approval.VoteApprove)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusPending, req.Status, "one of two votes is not quorum")

	// The same reviewer cannot vote twice.
	_, err = m.Decide(ctx, req.ApprovalID, "reviewer-a", approval.VoteApprove)
	require.ErrorIs(t, err, approval.ErrDuplicateVote)

	req, err = m.Decide(ctx, req.ApprovalID, "reviewer-b", approval.VoteApprove)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, req.Status)
}

func TestDenyIsSticky(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	req, err := m.Create(ctx, "org_1", "payment.execute", "sha256:abc", 2, time.Hour)
	require.NoError(t, err)

	req, err = m.Decide(ctx, req.ApprovalID, "reviewer-a", approval.VoteDeny)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusDenied, req.Status)

	// No later approvals can flip a deny.
	_, err = m.Decide(ctx, req.ApprovalID, "reviewer-b", approval.VoteApprove)
	require.ErrorIs(t, err, approval.ErrTerminal)

	got, err := m.Status(ctx, req.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusDenied, got.Status)
}

func TestSensitiveActionForcesTwoReviewers(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	req, err := m.Create(ctx, "org_1", "killswitch.release", "sha256:abc", 1, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, req.MinReviewers)

	req2, err := m.Create(ctx, "org_1", "trust.create", "sha256:def", 1, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, req2.MinReviewers)
}

func TestCreateRejectsZeroQuorum(t *testing.T) {
	m, _, _ := newManager(t)
	_, err := m.Create(context.Background(), "org_1", "payment.execute", "sha256:abc", 0, time.Hour)
	require.ErrorIs(t, err, approval.ErrTooFewReviewer)
}

func TestLazyExpiry(t *testing.T) {
	m, _, now := newManager(t)
	ctx := context.Background()

	req, err := m.Create(ctx, "org_1", "payment.execute", "sha256:abc", 1, time.Hour)
	require.NoError(t, err)

	*now = now.Add(2 * time.Hour)

	got, err := m.Status(ctx, req.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusExpired, got.Status)

	// Votes against an expired request bounce.
	_, err = m.Decide(ctx, req.ApprovalID, "reviewer-a", approval.VoteApprove)
	require.ErrorIs(t, err, approval.ErrTerminal)
}

func TestExpireSweep(t *testing.T) {
	m, aud, now := newManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "org_1", "payment.execute", "sha256:a", 1, time.Hour)
	require.NoError(t, err)
	_, err = m.Create(ctx, "org_1", "payment.execute", "sha256:b", 1, 3*time.Hour)
	require.NoError(t, err)

	*now = now.Add(2 * time.Hour)

	n, err := m.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the overdue request expires")
	assert.Contains(t, aud.kinds, "approval.expired")
}

func TestCancel(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	req, err := m.Create(ctx, "org_1", "payment.execute", "sha256:abc", 1, time.Hour)
	require.NoError(t, err)

	req, err = m.Cancel(ctx, req.ApprovalID, "operator abort")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusCancelled, req.Status)

	_, err = m.Cancel(ctx, req.ApprovalID, "again")
	require.ErrorIs(t, err, approval.ErrTerminal)
}

func TestStatusUnknownID(t *testing.T) {
	m, _, _ := newManager(t)
	_, err := m.Status(context.Background(), "apr_missing")
	require.ErrorIs(t, err, approval.ErrNotFound)
}

func TestConcurrentSameReviewerVotes(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	req, err := m.Create(ctx, "org_1", "payment.execute", "sha256:abc", 2, time.Hour)
	require.NoError(t, err)

	// Both votes race on one identity; the transactional read-modify-write
	// lets exactly one through.
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, derr := m.Decide(ctx, req.ApprovalID, "reviewer-a", approval.VoteApprove)
			errs <- derr
		}()
	}
	wg.Wait()
	close(errs)

	var landed, duplicates int
	for derr := range errs {
		switch {
		case derr == nil:
			landed++
		case errors.Is(derr, approval.ErrDuplicateVote):
			duplicates++
		default:
			t.Fatalf("unexpected decide error: %v", derr)
		}
	}
	assert.Equal(t, 1, landed, "exactly one vote lands")
	assert.Equal(t, 1, duplicates)

	got, err := m.Status(ctx, req.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, []string{"reviewer-a"}, got.Reviewers)
	assert.Equal(t, 1, got.Approvals)
}
