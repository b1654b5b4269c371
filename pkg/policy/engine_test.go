package policy_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sardis-hq/sardis/pkg/policy"
	"github.com/sardis-hq/sardis/pkg/types"
)

type stubScreener struct {
	err    error
	denied map[string]bool
}

func (s *stubScreener) Screen(_ context.Context, m types.Mandate) error {
	if s.err != nil {
		return s.err
	}
	if s.denied[m.Destination] {
		return errors.New("destination on sanctions list")
	}
	return nil
}

type stubTrust struct {
	err     error
	trusted map[string]bool
}

func (s *stubTrust) Trusted(_ context.Context, sender, recipient string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.trusted[sender+"->"+recipient], nil
}

func baseSnapshot() *policy.Snapshot {
	return &policy.Snapshot{
		PolicyID: "pol_1",
		OrgID:    "org_test",
		Version:  1,
		HardCaps: policy.HardCaps{
			PerTxMinor:  1_000_00,
			PerDayMinor: 5_000_00,
		},
		Rules:                policy.Rules{},
		DriftReviewThreshold: 0.30,
		DriftBlockThreshold:  0.60,
	}
}

func newEngine(t *testing.T, snap *policy.Snapshot) *policy.Engine {
	t.Helper()
	e := policy.NewEngine(&stubScreener{}, &stubTrust{}, nil)
	require.NoError(t, e.LoadSnapshot(snap))
	return e
}

func baseInput() policy.Input {
	return policy.Input{
		Mandate: types.Mandate{
			MandateID:     "mnd_1",
			AgentID:       "agt_1",
			OrgID:         "org_test",
			SubjectWallet: "wal_1",
			Destination:   "acme.example",
			Amount:        types.NewMoney(100_00, "USD"),
			Rail:          types.RailACH,
			Direction:     types.DirectionDebit,
			Purpose:       "office supplies",
			Category:      "supplies",
			Timestamp:     time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC),
		},
		Wallet: policy.WalletState{Active: true, KYBVerified: true},
	}
}

func TestEvaluateApproved(t *testing.T) {
	e := newEngine(t, baseSnapshot())

	d := e.Evaluate(context.Background(), baseInput())
	assert.Equal(t, policy.OutcomeApproved, d.Outcome)
	assert.Empty(t, d.ReasonCode)
	assert.NotEmpty(t, d.DecisionID)
	require.Len(t, d.Checks, 7, "every layer reports a check when all pass")
	for _, c := range d.Checks {
		assert.True(t, c.Passed, c.Name)
	}
}

func TestEvaluateNoSnapshotFailsClosed(t *testing.T) {
	e := policy.NewEngine(&stubScreener{}, &stubTrust{}, nil)

	d := e.Evaluate(context.Background(), baseInput())
	assert.Equal(t, policy.OutcomeBlocked, d.Outcome)
	assert.Equal(t, types.ReasonCheckFailed, d.ReasonCode)
}

func TestEvaluateMalformedMandateFailsClosed(t *testing.T) {
	e := newEngine(t, baseSnapshot())
	in := baseInput()
	in.Mandate.Amount.AmountMinor = -5

	d := e.Evaluate(context.Background(), in)
	assert.Equal(t, policy.OutcomeBlocked, d.Outcome)
	assert.Equal(t, types.ReasonCheckFailed, d.ReasonCode)
}

func TestHardCapsDominate(t *testing.T) {
	e := newEngine(t, baseSnapshot())

	in := baseInput()
	in.Mandate.Amount.AmountMinor = 1_000_01
	d := e.Evaluate(context.Background(), in)
	assert.Equal(t, policy.OutcomeBlocked, d.Outcome)
	assert.Equal(t, types.ReasonLimitExceeded, d.ReasonCode)

	// Daily cap counts the pending amount.
	in = baseInput()
	in.Mandate.Amount.AmountMinor = 500_00
	in.Counters.DayAmountMinor = 4_600_00
	d = e.Evaluate(context.Background(), in)
	assert.Equal(t, policy.OutcomeBlocked, d.Outcome)
	assert.Equal(t, types.ReasonLimitExceeded, d.ReasonCode)
}

func TestPerRailHardCap(t *testing.T) {
	snap := baseSnapshot()
	snap.HardCaps.PerRailMinor = map[types.Rail]int64{types.RailACH: 200_00}
	e := newEngine(t, snap)

	in := baseInput()
	in.Counters.RailDayMinor = map[types.Rail]int64{types.RailACH: 150_00}
	d := e.Evaluate(context.Background(), in)
	assert.Equal(t, policy.OutcomeBlocked, d.Outcome)

	in.Mandate.Rail = types.RailCard
	d = e.Evaluate(context.Background(), in)
	assert.Equal(t, policy.OutcomeApproved, d.Outcome, "cap is per rail")
}

func TestWalletPreconditions(t *testing.T) {
	snap := baseSnapshot()
	snap.Rules.DisabledRails = []types.Rail{types.RailOnChain}
	e := newEngine(t, snap)

	in := baseInput()
	in.Wallet.KillSwitched = true
	d := e.Evaluate(context.Background(), in)
	assert.Equal(t, policy.OutcomeBlocked, d.Outcome)
	assert.Equal(t, types.ReasonWalletHalted, d.ReasonCode)

	in = baseInput()
	in.Wallet.Active = false
	d = e.Evaluate(context.Background(), in)
	assert.Equal(t, types.ReasonWalletHalted, d.ReasonCode)

	in = baseInput()
	in.Mandate.Rail = types.RailOnChain
	d = e.Evaluate(context.Background(), in)
	assert.Equal(t, types.ReasonWalletHalted, d.ReasonCode)
}

func TestComplianceGates(t *testing.T) {
	in := baseInput()
	in.Wallet.KYBVerified = false
	e := newEngine(t, baseSnapshot())
	d := e.Evaluate(context.Background(), in)
	assert.Equal(t, policy.OutcomeBlocked, d.Outcome)
	assert.Equal(t, types.ReasonComplianceFail, d.ReasonCode)

	// Screening hit.
	e = policy.NewEngine(&stubScreener{denied: map[string]bool{"acme.example": true}}, &stubTrust{}, nil)
	require.NoError(t, e.LoadSnapshot(baseSnapshot()))
	d = e.Evaluate(context.Background(), baseInput())
	assert.Equal(t, types.ReasonComplianceFail, d.ReasonCode)

	// Screening provider down: fail closed, not open.
	e = policy.NewEngine(&stubScreener{err: errors.New("upstream 503")}, &stubTrust{}, nil)
	require.NoError(t, e.LoadSnapshot(baseSnapshot()))
	d = e.Evaluate(context.Background(), baseInput())
	assert.Equal(t, policy.OutcomeBlocked, d.Outcome)
	assert.Equal(t, types.ReasonComplianceFail, d.ReasonCode)
}

func TestAgentToAgentTrustTable(t *testing.T) {
	snap := baseSnapshot()
	snap.Rules.EnforceTrustTable = true

	trust := &stubTrust{trusted: map[string]bool{"agt_1->agt_2": true}}
	e := policy.NewEngine(&stubScreener{}, trust, nil)
	require.NoError(t, e.LoadSnapshot(snap))

	in := baseInput()
	in.Mandate.Destination = "agt_2"
	in.AgentToAgent = true
	d := e.Evaluate(context.Background(), in)
	assert.Equal(t, policy.OutcomeApproved, d.Outcome)

	in.Mandate.Destination = "agt_3"
	d = e.Evaluate(context.Background(), in)
	assert.Equal(t, policy.OutcomeBlocked, d.Outcome)
	assert.Equal(t, types.ReasonComplianceFail, d.ReasonCode)

	// Trust store unavailable fails closed.
	e = policy.NewEngine(&stubScreener{}, &stubTrust{err: errors.New("db down")}, nil)
	require.NoError(t, e.LoadSnapshot(snap))
	d = e.Evaluate(context.Background(), in)
	assert.Equal(t, types.ReasonComplianceFail, d.ReasonCode)
}

func TestVendorRules(t *testing.T) {
	snap := baseSnapshot()
	snap.Rules.BlockedVendors = []string{"https://Gamble.example/tables"}
	snap.Rules.ReviewVendors = []string{"newvendor.example"}
	snap.Rules.BlockedCategories = []string{"gambling"}
	e := newEngine(t, snap)

	in := baseInput()
	in.Mandate.Destination = "gamble.example"
	d := e.Evaluate(context.Background(), in)
	assert.Equal(t, policy.OutcomeBlocked, d.Outcome)
	assert.Equal(t, types.ReasonVendorBlocked, d.ReasonCode)

	in = baseInput()
	in.Mandate.Destination = "newvendor.example"
	d = e.Evaluate(context.Background(), in)
	assert.Equal(t, policy.OutcomeRequiresApproval, d.Outcome)
	assert.Equal(t, types.ReasonVendorRequiresApproval, d.ReasonCode)
	require.NotNil(t, d.Approval)
	assert.Equal(t, "payment.execute", d.Approval.Action)

	in = baseInput()
	in.Mandate.Category = "gambling"
	d = e.Evaluate(context.Background(), in)
	assert.Equal(t, types.ReasonCategoryBlocked, d.ReasonCode)
}

func TestVendorAllowlistExactMatch(t *testing.T) {
	snap := baseSnapshot()
	snap.Rules.AllowedVendors = []string{"aws.amazon.com"}
	e := newEngine(t, snap)

	in := baseInput()
	in.Mandate.Destination = "aws.amazon.com"
	d := e.Evaluate(context.Background(), in)
	assert.Equal(t, policy.OutcomeApproved, d.Outcome)

	// Lookalike domains never match by substring.
	in.Mandate.Destination = "aws.amazon.com.evil.example"
	d = e.Evaluate(context.Background(), in)
	assert.Equal(t, policy.OutcomeBlocked, d.Outcome)
	assert.Equal(t, types.ReasonVendorBlocked, d.ReasonCode)
}

func TestVelocityWindows(t *testing.T) {
	snap := baseSnapshot()
	snap.Rules.Velocity = []policy.VelocityLimit{
		{Window: time.Hour, MaxCount: 3},
		{Window: 24 * time.Hour, MaxAmtMinor: 400_00},
	}
	e := newEngine(t, snap)

	in := baseInput()
	in.Counters.WindowUsage = []policy.WindowUsage{{Count: 3}, {}}
	d := e.Evaluate(context.Background(), in)
	assert.Equal(t, policy.OutcomeBlocked, d.Outcome)
	assert.Equal(t, types.ReasonVelocityExceeded, d.ReasonCode)

	in.Counters.WindowUsage = []policy.WindowUsage{{Count: 1}, {AmountMinor: 350_00}}
	d = e.Evaluate(context.Background(), in)
	assert.Equal(t, types.ReasonVelocityExceeded, d.ReasonCode)

	in.Counters.WindowUsage = []policy.WindowUsage{{Count: 1}, {AmountMinor: 100_00}}
	d = e.Evaluate(context.Background(), in)
	assert.Equal(t, policy.OutcomeApproved, d.Outcome)
}

func TestApprovalThreshold(t *testing.T) {
	snap := baseSnapshot()
	snap.Rules.ApprovalAboveMinor = 250_00
	e := newEngine(t, snap)

	in := baseInput()
	in.Mandate.Amount.AmountMinor = 300_00
	d := e.Evaluate(context.Background(), in)
	assert.Equal(t, policy.OutcomeRequiresApproval, d.Outcome)
	assert.Equal(t, types.ReasonApprovalRequired, d.ReasonCode)
	require.NotNil(t, d.Approval)
	assert.Equal(t, 1, d.Approval.MinReviewers)

	// An order of magnitude above the threshold needs two reviewers.
	in.Mandate.Amount.AmountMinor = 2_600_00
	snap2 := baseSnapshot()
	snap2.HardCaps.PerTxMinor = 10_000_00
	snap2.HardCaps.PerDayMinor = 0
	snap2.Rules.ApprovalAboveMinor = 250_00
	e2 := newEngine(t, snap2)
	d = e2.Evaluate(context.Background(), in)
	assert.Equal(t, policy.OutcomeRequiresApproval, d.Outcome)
	require.NotNil(t, d.Approval)
	assert.Equal(t, 2, d.Approval.MinReviewers)
}

func TestGoalDriftBands(t *testing.T) {
	e := newEngine(t, baseSnapshot())

	in := baseInput()
	in.Expected = map[string]int64{"supplies": 90, "travel": 10}
	in.Observed = map[string]int64{"supplies": 88, "travel": 12}
	d := e.Evaluate(context.Background(), in)
	assert.Equal(t, policy.OutcomeApproved, d.Outcome)

	// Entirely new category: maximal surprise, lands in the block band.
	in.Observed = map[string]int64{"crypto": 100}
	d = e.Evaluate(context.Background(), in)
	assert.Equal(t, policy.OutcomeBlocked, d.Outcome)
	assert.Equal(t, types.ReasonDriftBlocked, d.ReasonCode)
	assert.Greater(t, d.RiskScore, 0.6)

	// Moderate drift escalates to review.
	in.Observed = map[string]int64{"supplies": 70, "travel": 30}
	d = e.Evaluate(context.Background(), in)
	assert.Equal(t, policy.OutcomeRequiresApproval, d.Outcome)
}

func TestHintsTightenOnly(t *testing.T) {
	var overreaches []policy.Overreach
	e := policy.NewEngine(&stubScreener{}, &stubTrust{}, func(_ string, o policy.Overreach) {
		overreaches = append(overreaches, o)
	})
	require.NoError(t, e.LoadSnapshot(baseSnapshot()))

	// Tightening hint applies.
	in := baseInput()
	in.Mandate.Amount.AmountMinor = 80_00
	in.Hints = []policy.Hint{{HintID: "hint_1", Field: "per_tx_cap", LimitMinor: 50_00}}
	d := e.Evaluate(context.Background(), in)
	assert.Equal(t, policy.OutcomeBlocked, d.Outcome)
	assert.Equal(t, types.ReasonLimitExceeded, d.ReasonCode)
	assert.Empty(t, overreaches)

	// Relaxing hint is ignored and recorded; the hard cap still rules.
	in = baseInput()
	in.Mandate.Amount.AmountMinor = 1_000_01
	in.Hints = []policy.Hint{{HintID: "hint_2", Field: "per_tx_cap", LimitMinor: 2_000_00}}
	d = e.Evaluate(context.Background(), in)
	assert.Equal(t, policy.OutcomeBlocked, d.Outcome)
	require.Len(t, overreaches, 1)
	assert.Equal(t, "hint_2", overreaches[0].HintID)

	// Hint-blocked vendor.
	in = baseInput()
	in.Hints = []policy.Hint{{HintID: "hint_3", Field: "block_vendor", Vendor: "acme.example"}}
	d = e.Evaluate(context.Background(), in)
	assert.Equal(t, types.ReasonVendorBlocked, d.ReasonCode)
}

func TestCustomCELRules(t *testing.T) {
	snap := baseSnapshot()
	snap.Rules.CustomCEL = []policy.CustomRule{
		{RuleID: "no-weekend-chain", Source: `rail != "on_chain" || amount_minor < 10000`, Effect: "deny"},
		{RuleID: "big-card-review", Source: `rail != "card" || amount_minor < 50000`, Effect: "review"},
	}
	e := newEngine(t, snap)

	in := baseInput()
	in.Mandate.Rail = types.RailOnChain
	in.Mandate.Amount.AmountMinor = 20_000
	d := e.Evaluate(context.Background(), in)
	assert.Equal(t, policy.OutcomeBlocked, d.Outcome)
	assert.Equal(t, types.ReasonVendorBlocked, d.ReasonCode)

	in = baseInput()
	in.Mandate.Rail = types.RailCard
	in.Mandate.Amount.AmountMinor = 60_000
	d = e.Evaluate(context.Background(), in)
	assert.Equal(t, policy.OutcomeRequiresApproval, d.Outcome)

	in = baseInput()
	d = e.Evaluate(context.Background(), in)
	assert.Equal(t, policy.OutcomeApproved, d.Outcome)
}

func TestLoadSnapshotValidation(t *testing.T) {
	e := policy.NewEngine(&stubScreener{}, &stubTrust{}, nil)

	assert.Error(t, e.LoadSnapshot(nil))

	snap := baseSnapshot()
	snap.OrgID = "nope"
	assert.Error(t, e.LoadSnapshot(snap))

	snap = baseSnapshot()
	snap.DriftBlockThreshold = 0
	assert.Error(t, e.LoadSnapshot(snap), "drift thresholds have no defaults")

	snap = baseSnapshot()
	snap.DriftReviewThreshold = 0.9
	assert.Error(t, e.LoadSnapshot(snap), "review band must sit below block band")

	snap = baseSnapshot()
	snap.Rules.CustomCEL = []policy.CustomRule{{RuleID: "r", Source: "true", Effect: "allow"}}
	assert.Error(t, e.LoadSnapshot(snap), "rules may only deny or review")

	snap = baseSnapshot()
	snap.Rules.CustomCEL = []policy.CustomRule{{RuleID: "r", Source: "this is not cel", Effect: "deny"}}
	assert.Error(t, e.LoadSnapshot(snap))
}

func TestEvaluateDeterministic(t *testing.T) {
	snap := baseSnapshot()
	snap.Rules.ReviewVendors = []string{"newvendor.example"}
	e := newEngine(t, snap)

	in := baseInput()
	in.Mandate.Destination = "newvendor.example"

	first := e.Evaluate(context.Background(), in)
	for i := 0; i < 20; i++ {
		d := e.Evaluate(context.Background(), in)
		assert.Equal(t, first.Outcome, d.Outcome)
		assert.Equal(t, first.ReasonCode, d.ReasonCode)
		assert.Equal(t, first.Reason, d.Reason)
		assert.Equal(t, first.Checks, d.Checks)
	}
}

func TestSnapshotVersionPinning(t *testing.T) {
	e := newEngine(t, baseSnapshot())
	assert.Equal(t, 1, e.SnapshotVersion("org_test"))
	assert.Equal(t, 0, e.SnapshotVersion("org_other"))

	next := baseSnapshot()
	next.Version = 2
	next.Rules.BlockedVendors = []string{"acme.example"}
	require.NoError(t, e.LoadSnapshot(next))
	assert.Equal(t, 2, e.SnapshotVersion("org_test"))

	d := e.Evaluate(context.Background(), baseInput())
	assert.Equal(t, policy.OutcomeBlocked, d.Outcome, "new revision replaces the whole snapshot")
}
