package orchestrator_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sardis-hq/sardis/pkg/approval"
	"github.com/sardis-hq/sardis/pkg/guardrail"
	"github.com/sardis-hq/sardis/pkg/idempotency"
	"github.com/sardis-hq/sardis/pkg/ledger"
	"github.com/sardis-hq/sardis/pkg/orchestrator"
	"github.com/sardis-hq/sardis/pkg/payments"
	"github.com/sardis-hq/sardis/pkg/policy"
	"github.com/sardis-hq/sardis/pkg/provider"
	"github.com/sardis-hq/sardis/pkg/store"
	"github.com/sardis-hq/sardis/pkg/types"
)

type stubJournal struct {
	healthy bool
	kinds   []string
}

func (j *stubJournal) Append(_ context.Context, _, kind string, _ any) (*ledger.Entry, error) {
	j.kinds = append(j.kinds, kind)
	return &ledger.Entry{LtxID: types.NewID(types.PrefixLedgerEntry)}, nil
}

func (j *stubJournal) Healthy(context.Context) bool { return j.healthy }

type stubInputs struct {
	err error
}

func (b *stubInputs) Build(_ context.Context, m types.Mandate) (policy.Input, error) {
	if b.err != nil {
		return policy.Input{}, b.err
	}
	return policy.Input{
		Mandate: m,
		Wallet:  policy.WalletState{Active: true, KYBVerified: true},
	}, nil
}

type scriptedAdapter struct {
	key     string
	results []*provider.SubmitResult
	calls   int
	voided  []string
}

func (a *scriptedAdapter) Key() string { return a.key }

func (a *scriptedAdapter) Supports(types.Rail, string) bool { return true }

func (a *scriptedAdapter) Void(_ context.Context, ref string) error {
	a.voided = append(a.voided, ref)
	return nil
}

func (a *scriptedAdapter) Submit(context.Context, provider.SubmitRequest) (*provider.SubmitResult, error) {
	i := a.calls
	a.calls++
	if i < len(a.results) {
		return a.results[i], nil
	}
	return &provider.SubmitResult{Classification: provider.Accepted, ProviderRef: "prov-ref"}, nil
}

func (a *scriptedAdapter) Status(context.Context, string) (*provider.StatusResult, error) {
	return &provider.StatusResult{}, nil
}

type auditStub struct{}

func (auditStub) Audit(context.Context, string, string, any) error { return nil }

type fixture struct {
	orch      *orchestrator.Orchestrator
	journal   *stubJournal
	approvals *approval.Manager
	payments  *payments.Store
	guard     *guardrail.Registry
	adapter   *scriptedAdapter
	idem      *idempotency.MemoryStore
}

func newFixture(t *testing.T, snap *policy.Snapshot) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "orchestrator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	engine := policy.NewEngine(noopScreener{}, noopTrust{}, nil)
	require.NoError(t, engine.LoadSnapshot(snap))

	approvals, err := approval.NewManager(ctx, db, auditStub{})
	require.NoError(t, err)
	pay, err := payments.NewStore(ctx, db, auditStub{})
	require.NoError(t, err)
	guard, err := guardrail.NewRegistry(ctx, db, auditStub{})
	require.NoError(t, err)

	adapter := &scriptedAdapter{key: "ach_treasury"}
	router, err := provider.NewRouter(
		[]provider.Adapter{adapter},
		[]provider.Route{{OrgID: "*", Rail: types.RailACH, Currency: "USD", Primary: "ach_treasury"}},
		provider.DefaultBreakerConfig(), nil)
	require.NoError(t, err)

	f := &fixture{
		journal:   &stubJournal{healthy: true},
		approvals: approvals,
		payments:  pay,
		guard:     guard,
		adapter:   adapter,
		idem:      idempotency.NewMemoryStore(),
	}
	f.orch, err = orchestrator.New(ctx, orchestrator.DefaultConfig(), db, engine, &stubInputs{},
		approvals, pay, router, f.idem, idempotency.NewMemoryLocker(), f.journal, guard,
		policy.NewCounterStore())
	require.NoError(t, err)
	return f
}

type noopScreener struct{}

func (noopScreener) Screen(context.Context, types.Mandate) error { return nil }

type noopTrust struct{}

func (noopTrust) Trusted(context.Context, string, string) (bool, error) { return true, nil }

func orgSnapshot() *policy.Snapshot {
	return &policy.Snapshot{
		PolicyID: "pol_1",
		OrgID:    "org_1",
		Version:  1,
		HardCaps: policy.HardCaps{PerTxMinor: 1_000_00, PerDayMinor: 5_000_00},
	}
}

func sealedMandate(t *testing.T, amountMinor int64) types.Mandate {
	t.Helper()
	m := types.Mandate{
		MandateID:     "mnd_1",
		AgentID:       "agt_1",
		OrgID:         "org_1",
		SubjectWallet: "wal_1",
		Destination:   "acme.example",
		Amount:        types.NewMoney(amountMinor, "USD"),
		Rail:          types.RailACH,
		Direction:     types.DirectionDebit,
		Purpose:       "office supplies",
		Category:      "supplies",
		Timestamp:     time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}
	sealed, err := m.Seal()
	require.NoError(t, err)
	return sealed
}

func TestExecuteApprovedSubmits(t *testing.T) {
	f := newFixture(t, orgSnapshot())
	ctx := context.Background()

	res, err := f.orch.Execute(ctx, sealedMandate(t, 100_00), "idem-1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeSubmitted, res.Outcome)
	assert.Equal(t, "ach_treasury", res.ProviderKey)
	assert.Equal(t, "prov-ref", res.ProviderRef)
	assert.NotEmpty(t, res.PaymentID)
	assert.NotEmpty(t, res.LedgerRef)
	assert.Contains(t, f.journal.kinds, "payment.submitted")

	p, err := f.payments.Get(ctx, res.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, "prov-ref", p.ProviderRef)
}

func TestExecuteReplayReturnsStoredResult(t *testing.T) {
	f := newFixture(t, orgSnapshot())
	ctx := context.Background()
	m := sealedMandate(t, 100_00)

	first, err := f.orch.Execute(ctx, m, "idem-1")
	require.NoError(t, err)

	replay, err := f.orch.Execute(ctx, m, "idem-1")
	require.NoError(t, err)
	assert.Equal(t, first.PaymentID, replay.PaymentID)
	assert.Equal(t, 1, f.adapter.calls, "replay never re-dispatches")
}

func TestExecuteConflictingReuse(t *testing.T) {
	f := newFixture(t, orgSnapshot())
	ctx := context.Background()

	_, err := f.orch.Execute(ctx, sealedMandate(t, 100_00), "idem-1")
	require.NoError(t, err)

	// Same key, different mandate content.
	_, err = f.orch.Execute(ctx, sealedMandate(t, 200_00), "idem-1")
	require.ErrorIs(t, err, idempotency.ErrConflict)
}

func TestExecuteDuplicateInFlight(t *testing.T) {
	f := newFixture(t, orgSnapshot())
	ctx := context.Background()
	m := sealedMandate(t, 100_00)

	// Simulate a concurrent execution holding the key.
	_, err := f.idem.Begin(ctx, orchestrator.Scope, "idem-1", m.AuditHash, time.Hour)
	require.NoError(t, err)

	res, err := f.orch.Execute(ctx, m, "idem-1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeDuplicate, res.Outcome)
	assert.Zero(t, f.adapter.calls)
}

func TestExecuteRejectsBadAuditHash(t *testing.T) {
	f := newFixture(t, orgSnapshot())
	ctx := context.Background()

	m := sealedMandate(t, 100_00)
	m.Amount = types.NewMoney(999_00, "USD") // content no longer matches the hash

	res, err := f.orch.Execute(ctx, m, "idem-1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeBlocked, res.Outcome)
	assert.Equal(t, types.ReasonComplianceFail, res.ReasonCode)
}

func TestExecuteBlockedByPolicy(t *testing.T) {
	f := newFixture(t, orgSnapshot())
	ctx := context.Background()

	res, err := f.orch.Execute(ctx, sealedMandate(t, 2_000_00), "idem-1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeBlocked, res.Outcome)
	assert.NotEmpty(t, res.DecisionID)
	assert.Contains(t, f.journal.kinds, "payment.blocked")
	assert.Zero(t, f.adapter.calls)

	// The block is a decisive answer: the record completes and replays of
	// the key see the same blocked result.
	rec, err := f.idem.Get(ctx, orchestrator.Scope, "idem-1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StateCompleted, rec.State)

	replay, err := f.orch.Execute(ctx, sealedMandate(t, 2_000_00), "idem-1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeBlocked, replay.Outcome)
}

func TestExecuteContainmentRefusesNewWork(t *testing.T) {
	f := newFixture(t, orgSnapshot())
	ctx := context.Background()
	require.NoError(t, f.guard.SetMode(ctx, guardrail.ModeContainment, "ops@example.com"))

	res, err := f.orch.Execute(ctx, sealedMandate(t, 100_00), "idem-1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeBlocked, res.Outcome)
	assert.Equal(t, types.ReasonContainment, res.ReasonCode)
}

func TestExecuteDegradedSuspendsSignerRails(t *testing.T) {
	f := newFixture(t, orgSnapshot())
	ctx := context.Background()
	require.NoError(t, f.guard.SetMode(ctx, guardrail.ModeDegraded, "ops@example.com"))

	m := sealedMandate(t, 100_00)
	m.Rail = types.RailStablecoin
	m, err := m.Seal()
	require.NoError(t, err)

	res, err := f.orch.Execute(ctx, m, "idem-1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeBlocked, res.Outcome)
	assert.Equal(t, types.ReasonDegradedRail, res.ReasonCode)
	assert.Zero(t, f.adapter.calls)

	// Fiat rails keep flowing.
	res, err = f.orch.Execute(ctx, sealedMandate(t, 100_00), "idem-2")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeSubmitted, res.Outcome)
}

func TestExecuteHaltedWallet(t *testing.T) {
	f := newFixture(t, orgSnapshot())
	ctx := context.Background()
	require.NoError(t, f.guard.Engage(ctx, "wal_1", "incident", "ops@example.com"))

	res, err := f.orch.Execute(ctx, sealedMandate(t, 100_00), "idem-1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeBlocked, res.Outcome)
	assert.Equal(t, types.ReasonWalletHalted, res.ReasonCode)
}

func TestExecuteRefusesWhenLedgerUnhealthy(t *testing.T) {
	f := newFixture(t, orgSnapshot())
	f.journal.healthy = false

	_, err := f.orch.Execute(context.Background(), sealedMandate(t, 100_00), "idem-1")
	require.ErrorIs(t, err, orchestrator.ErrLedgerUnavailable)
}

func TestExecuteProviderFatal(t *testing.T) {
	f := newFixture(t, orgSnapshot())
	f.adapter.results = []*provider.SubmitResult{{Classification: provider.Fatal, Detail: "account closed"}}
	ctx := context.Background()

	res, err := f.orch.Execute(ctx, sealedMandate(t, 100_00), "idem-1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeFailed, res.Outcome)
	assert.Equal(t, types.ReasonProviderFatal, res.ReasonCode)

	p, err := f.payments.Get(ctx, res.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, payments.ACHDeclined, p.Status)
}

func TestExecuteAllProvidersFailed(t *testing.T) {
	f := newFixture(t, orgSnapshot())
	f.adapter.results = []*provider.SubmitResult{{Classification: provider.Retryable, Detail: "503"}}
	ctx := context.Background()

	res, err := f.orch.Execute(ctx, sealedMandate(t, 100_00), "idem-1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeFailed, res.Outcome)
	assert.Equal(t, types.ReasonProviderAllFailed, res.ReasonCode)

	// An exhausted route is not a decline: the payment keeps its pre-submit
	// state and a fresh key retries it.
	p, err := f.payments.Get(ctx, res.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, payments.ACHPending, p.Status)

	rec, err := f.idem.Get(ctx, orchestrator.Scope, "idem-1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StateFailed, rec.State)

	retry, err := f.orch.Execute(ctx, sealedMandate(t, 100_00), "idem-2")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeSubmitted, retry.Outcome)
}

func TestApprovalRoundTrip(t *testing.T) {
	snap := orgSnapshot()
	snap.Rules.ApprovalAboveMinor = 50_00
	f := newFixture(t, snap)
	ctx := context.Background()

	res, err := f.orch.Execute(ctx, sealedMandate(t, 100_00), "idem-1")
	require.NoError(t, err)
	require.Equal(t, orchestrator.OutcomeAwaitingApproval, res.Outcome)
	require.NotEmpty(t, res.ApprovalID)
	assert.Contains(t, f.journal.kinds, "payment.awaiting_approval")
	assert.Zero(t, f.adapter.calls)

	// Resume before the approval resolves is refused.
	_, err = f.orch.ResumeApproved(ctx, res.ApprovalID)
	require.ErrorIs(t, err, orchestrator.ErrNotResumable)

	_, err = f.approvals.Decide(ctx, res.ApprovalID, "reviewer-a", approval.VoteApprove)
	require.NoError(t, err)

	final, err := f.orch.ResumeApproved(ctx, res.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeSubmitted, final.Outcome)
	assert.Equal(t, 1, f.adapter.calls)

	// The parked execution is consumed.
	_, err = f.orch.ResumeApproved(ctx, res.ApprovalID)
	require.ErrorIs(t, err, orchestrator.ErrNotResumable)
}

func TestReplayResumesResolvedApproval(t *testing.T) {
	snap := orgSnapshot()
	snap.Rules.ApprovalAboveMinor = 50_00
	f := newFixture(t, snap)
	ctx := context.Background()
	m := sealedMandate(t, 100_00)

	res, err := f.orch.Execute(ctx, m, "idem-1")
	require.NoError(t, err)
	require.Equal(t, orchestrator.OutcomeAwaitingApproval, res.Outcome)

	// While the approval is open, replays keep answering awaiting_approval.
	replay, err := f.orch.Execute(ctx, m, "idem-1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeAwaitingApproval, replay.Outcome)
	assert.Equal(t, res.ApprovalID, replay.ApprovalID)

	_, err = f.approvals.Decide(ctx, res.ApprovalID, "reviewer-a", approval.VoteApprove)
	require.NoError(t, err)

	// Replaying the original key after the approval resolved submits the
	// parked mandate instead of echoing the stale answer.
	resumed, err := f.orch.Execute(ctx, m, "idem-1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeSubmitted, resumed.Outcome)
	assert.Equal(t, 1, f.adapter.calls)

	// Further replays return the submitted result without re-dispatching.
	again, err := f.orch.Execute(ctx, m, "idem-1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeSubmitted, again.Outcome)
	assert.Equal(t, resumed.PaymentID, again.PaymentID)
	assert.Equal(t, 1, f.adapter.calls)
}

func TestDeniedApprovalFailsTerminally(t *testing.T) {
	snap := orgSnapshot()
	snap.Rules.ApprovalAboveMinor = 50_00
	f := newFixture(t, snap)
	ctx := context.Background()
	m := sealedMandate(t, 100_00)

	res, err := f.orch.Execute(ctx, m, "idem-1")
	require.NoError(t, err)
	require.Equal(t, orchestrator.OutcomeAwaitingApproval, res.Outcome)

	_, err = f.approvals.Decide(ctx, res.ApprovalID, "reviewer-a", approval.VoteDeny)
	require.NoError(t, err)

	final, err := f.orch.ResumeApproved(ctx, res.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeBlocked, final.Outcome)
	assert.Zero(t, f.adapter.calls, "denied work never reaches a provider")

	// The original key now replays the terminal denial.
	replay, err := f.orch.Execute(ctx, m, "idem-1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeBlocked, replay.Outcome)
}

func TestCancelVoidsInFlightPayment(t *testing.T) {
	f := newFixture(t, orgSnapshot())
	ctx := context.Background()

	res, err := f.orch.Execute(ctx, sealedMandate(t, 100_00), "idem-1")
	require.NoError(t, err)
	require.Equal(t, orchestrator.OutcomeSubmitted, res.Outcome)

	cancelled, err := f.orch.Cancel(ctx, res.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeFailed, cancelled.Outcome)
	assert.Equal(t, []string{"prov-ref"}, f.adapter.voided)
	assert.Contains(t, f.journal.kinds, "payment.cancelled")

	p, err := f.payments.Get(ctx, res.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, payments.ACHVoided, p.Status)

	// A second cancel finds the payment already terminal.
	again, err := f.orch.Cancel(ctx, res.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, types.ReasonTerminalInflight, again.ReasonCode)
}
