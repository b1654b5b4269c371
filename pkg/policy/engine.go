package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/sardis-hq/sardis/pkg/types"
)

// Screener is the external compliance contract: sanctions/AML screening
// and KYB/KYC state. Any error or unavailability fails closed.
type Screener interface {
	Screen(ctx context.Context, m types.Mandate) error
}

// TrustChecker answers whether an agent-to-agent transfer is covered by an
// approved trust relation.
type TrustChecker interface {
	Trusted(ctx context.Context, senderAgent, recipientAgent string) (bool, error)
}

// OverreachRecorder receives every NL hint overreach for audit. Recording
// never affects the decision.
type OverreachRecorder func(orgID string, o Overreach)

// Engine evaluates mandates against revision-pinned org snapshots.
type Engine struct {
	screener Screener
	trust    TrustChecker
	logger   *slog.Logger
	recordNL OverreachRecorder

	mu        sync.RWMutex
	snapshots map[string]*Snapshot     // org_id → pinned snapshot
	cel       map[string]*celEvaluator // org_id → compiled custom rules
}

// ErrNoSnapshot is returned when an org has no loaded policy. Fail closed:
// the orchestrator treats it as BLOCKED.
var ErrNoSnapshot = errors.New("policy: no snapshot loaded for org")

// NewEngine creates the decision engine. screener and trust may not be nil;
// compliance gates are part of the deterministic layer stack.
func NewEngine(screener Screener, trust TrustChecker, recordNL OverreachRecorder) *Engine {
	if recordNL == nil {
		recordNL = func(string, Overreach) {}
	}
	return &Engine{
		screener:  screener,
		trust:     trust,
		logger:    slog.Default().With("component", "policy"),
		recordNL:  recordNL,
		snapshots: make(map[string]*Snapshot),
		cel:       make(map[string]*celEvaluator),
	}
}

// LoadSnapshot validates, compiles, and pins an org policy revision.
// Goal-drift thresholds carry no defaults: both must be set explicitly and
// ordered, or the snapshot is rejected at load time.
func (e *Engine) LoadSnapshot(snap *Snapshot) error {
	if snap == nil {
		return errors.New("policy: nil snapshot")
	}
	if err := types.ValidateID(snap.OrgID, types.PrefixOrg); err != nil {
		return err
	}
	if snap.DriftBlockThreshold <= 0 || snap.DriftReviewThreshold <= 0 {
		return fmt.Errorf("policy: org %s: goal-drift thresholds must be set explicitly", snap.OrgID)
	}
	if snap.DriftReviewThreshold >= snap.DriftBlockThreshold {
		return fmt.Errorf("policy: org %s: review threshold %v must be below block threshold %v",
			snap.OrgID, snap.DriftReviewThreshold, snap.DriftBlockThreshold)
	}

	ev, err := newCELEvaluator()
	if err != nil {
		return err
	}
	if err := ev.load(snap.Rules.CustomCEL); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *snap
	e.snapshots[snap.OrgID] = &cp
	e.cel[snap.OrgID] = ev
	return nil
}

// SnapshotVersion returns the pinned revision for an org, 0 if none.
func (e *Engine) SnapshotVersion(orgID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if snap, ok := e.snapshots[orgID]; ok {
		return snap.Version
	}
	return 0
}

// VelocityWindows returns the pinned snapshot's velocity limits so callers
// can align counter snapshots with the windows the engine will check.
func (e *Engine) VelocityWindows(orgID string) []VelocityLimit {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if snap, ok := e.snapshots[orgID]; ok {
		return snap.Rules.Velocity
	}
	return nil
}

// Evaluate runs the layered decision stack in its fixed order and fails
// closed on any internal error.
func (e *Engine) Evaluate(ctx context.Context, in Input) (decision Decision) {
	decision.DecisionID = types.NewID(types.PrefixDecision)

	// Fail-closed seam: a panic anywhere below becomes BLOCKED.
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("policy evaluation panic", "org_id", in.Mandate.OrgID, "panic", fmt.Sprint(r))
			decision.Outcome = OutcomeBlocked
			decision.ReasonCode = types.ReasonCheckFailed
			decision.Reason = "internal policy check failure"
		}
	}()

	if err := in.Mandate.Validate(); err != nil {
		return e.blocked(decision, types.ReasonCheckFailed, err.Error())
	}

	e.mu.RLock()
	snap, ok := e.snapshots[in.Mandate.OrgID]
	ev := e.cel[in.Mandate.OrgID]
	e.mu.RUnlock()
	if !ok {
		return e.blocked(decision, types.ReasonCheckFailed, ErrNoSnapshot.Error())
	}

	decision.RiskScore = driftScore(in.Observed, in.Expected)

	eff, overreaches := applyHints(snap, in.Hints)
	for _, o := range overreaches {
		e.logger.Warn("nl hint overreach ignored", "org_id", snap.OrgID, "hint_id", o.HintID, "field", o.Field)
		e.recordNL(snap.OrgID, o)
	}
	if len(overreaches) > 0 {
		decision.Checks = append(decision.Checks, Check{
			Name: "policy.nl_overreach", Passed: true,
			Detail: fmt.Sprintf("%d overreaching hints ignored", len(overreaches)),
		})
	}

	type layer struct {
		name string
		run  func(ctx context.Context, snap *Snapshot, eff effectiveLimits, in Input) (Outcome, types.ReasonCode, string)
	}
	layers := []layer{
		{"hard_caps", e.layerHardCaps},
		{"wallet_preconditions", e.layerWallet},
		{"compliance_gates", e.layerCompliance},
		{"vendor_category", func(ctx context.Context, snap *Snapshot, eff effectiveLimits, in Input) (Outcome, types.ReasonCode, string) {
			return e.layerVendor(snap, eff, ev, in)
		}},
		{"velocity_windows", e.layerVelocity},
		{"approval_threshold", e.layerApprovalThreshold},
		{"goal_drift", e.layerDrift},
	}

	for _, l := range layers {
		outcome, code, detail := l.run(ctx, snap, eff, in)
		passed := outcome == OutcomeApproved
		decision.Checks = append(decision.Checks, Check{Name: l.name, Passed: passed, Detail: detail})
		if !passed {
			decision.Outcome = outcome
			decision.ReasonCode = code
			decision.Reason = detail
			if outcome == OutcomeRequiresApproval {
				decision.Approval = approvalTemplate(in.Mandate, snap)
			}
			return decision
		}
	}

	decision.Outcome = OutcomeApproved
	return decision
}

func (e *Engine) blocked(d Decision, code types.ReasonCode, reason string) Decision {
	d.Outcome = OutcomeBlocked
	d.ReasonCode = code
	d.Reason = reason
	d.Checks = append(d.Checks, Check{Name: "input", Passed: false, Detail: reason})
	return d
}

// Layer 1: immutable hard caps. Never relaxable by any downstream logic.
func (e *Engine) layerHardCaps(_ context.Context, snap *Snapshot, _ effectiveLimits, in Input) (Outcome, types.ReasonCode, string) {
	amt := in.Mandate.Amount.AmountMinor
	caps := snap.HardCaps

	if caps.PerTxMinor > 0 && amt > caps.PerTxMinor {
		return OutcomeBlocked, types.ReasonLimitExceeded,
			fmt.Sprintf("amount %d exceeds per-tx hard cap %d", amt, caps.PerTxMinor)
	}
	if caps.PerDayMinor > 0 && in.Counters.DayAmountMinor+amt > caps.PerDayMinor {
		return OutcomeBlocked, types.ReasonLimitExceeded,
			fmt.Sprintf("daily total %d would exceed hard cap %d", in.Counters.DayAmountMinor+amt, caps.PerDayMinor)
	}
	if caps.PerMonthMinor > 0 && in.Counters.MonthAmountMinor+amt > caps.PerMonthMinor {
		return OutcomeBlocked, types.ReasonLimitExceeded,
			fmt.Sprintf("monthly total %d would exceed hard cap %d", in.Counters.MonthAmountMinor+amt, caps.PerMonthMinor)
	}
	if railCap, ok := caps.PerRailMinor[in.Mandate.Rail]; ok && railCap > 0 {
		if in.Counters.RailDayMinor[in.Mandate.Rail]+amt > railCap {
			return OutcomeBlocked, types.ReasonLimitExceeded,
				fmt.Sprintf("rail %s daily total would exceed hard cap %d", in.Mandate.Rail, railCap)
		}
	}
	return OutcomeApproved, "", ""
}

// Layer 2: wallet-state preconditions.
func (e *Engine) layerWallet(_ context.Context, snap *Snapshot, _ effectiveLimits, in Input) (Outcome, types.ReasonCode, string) {
	if in.Wallet.KillSwitched {
		return OutcomeBlocked, types.ReasonWalletHalted, "wallet kill switch engaged"
	}
	if !in.Wallet.Active {
		return OutcomeBlocked, types.ReasonWalletHalted, "wallet inactive"
	}
	for _, r := range snap.Rules.DisabledRails {
		if r == in.Mandate.Rail {
			return OutcomeBlocked, types.ReasonWalletHalted,
				fmt.Sprintf("rail %s disabled for org", in.Mandate.Rail)
		}
	}
	return OutcomeApproved, "", ""
}

// Layer 3: compliance gates. Screening unavailability fails closed.
func (e *Engine) layerCompliance(ctx context.Context, snap *Snapshot, _ effectiveLimits, in Input) (Outcome, types.ReasonCode, string) {
	if !in.Wallet.KYBVerified {
		return OutcomeBlocked, types.ReasonComplianceFail, "org KYB not verified"
	}
	if err := e.screener.Screen(ctx, in.Mandate); err != nil {
		return OutcomeBlocked, types.ReasonComplianceFail,
			fmt.Sprintf("screening failed: %v", err)
	}
	if in.AgentToAgent && snap.Rules.EnforceTrustTable {
		trusted, err := e.trust.Trusted(ctx, in.Mandate.AgentID, in.Mandate.Destination)
		if err != nil {
			return OutcomeBlocked, types.ReasonComplianceFail,
				fmt.Sprintf("trust check unavailable: %v", err)
		}
		if !trusted {
			return OutcomeBlocked, types.ReasonComplianceFail,
				"no approved trust relation for agent-to-agent transfer"
		}
	}
	return OutcomeApproved, "", ""
}

// Layer 4: vendor/category rules, exact normalized match, plus custom CEL
// rules (which can only deny or escalate).
func (e *Engine) layerVendor(snap *Snapshot, eff effectiveLimits, ev *celEvaluator, in Input) (Outcome, types.ReasonCode, string) {
	vendor := NormalizeVendor(in.Mandate.Destination)

	if eff.blockedVendors.contains(vendor) {
		return OutcomeBlocked, types.ReasonVendorBlocked,
			fmt.Sprintf("vendor %s is blocked", vendor)
	}
	if allowed := newVendorSet(snap.Rules.AllowedVendors); len(allowed) > 0 && !in.AgentToAgent {
		if !allowed.contains(vendor) {
			return OutcomeBlocked, types.ReasonVendorBlocked,
				fmt.Sprintf("vendor %s not in allowlist", vendor)
		}
	}
	for _, cat := range snap.Rules.BlockedCategories {
		if in.Mandate.Category == cat {
			return OutcomeBlocked, types.ReasonCategoryBlocked,
				fmt.Sprintf("category %s is blocked", cat)
		}
	}

	// Rule-layer caps (hint-tightened). Hard caps already ran above; these
	// can only be tighter.
	amt := in.Mandate.Amount.AmountMinor
	if eff.perTx > 0 && amt > eff.perTx {
		return OutcomeBlocked, types.ReasonLimitExceeded,
			fmt.Sprintf("amount %d exceeds effective per-tx cap %d", amt, eff.perTx)
	}
	if eff.daily > 0 && in.Counters.DayAmountMinor+amt > eff.daily {
		return OutcomeBlocked, types.ReasonLimitExceeded,
			fmt.Sprintf("daily total would exceed effective cap %d", eff.daily)
	}
	if snap.Rules.WeeklyCapMinor > 0 && in.Counters.WeekAmountMinor+amt > snap.Rules.WeeklyCapMinor {
		return OutcomeBlocked, types.ReasonLimitExceeded,
			fmt.Sprintf("weekly total would exceed cap %d", snap.Rules.WeeklyCapMinor)
	}
	if snap.Rules.MonthlyCapMinor > 0 && in.Counters.MonthAmountMinor+amt > snap.Rules.MonthlyCapMinor {
		return OutcomeBlocked, types.ReasonLimitExceeded,
			fmt.Sprintf("monthly total would exceed cap %d", snap.Rules.MonthlyCapMinor)
	}

	// Custom CEL rules, sorted for deterministic reason selection; deny
	// dominates review.
	verdicts := ev.evaluate(in.Mandate)
	sort.Slice(verdicts, func(i, j int) bool { return verdicts[i].ruleID < verdicts[j].ruleID })
	var review *ruleVerdict
	for i := range verdicts {
		v := verdicts[i]
		if v.effect == "deny" {
			return OutcomeBlocked, types.ReasonVendorBlocked,
				fmt.Sprintf("rule %s: %s", v.ruleID, v.detail)
		}
		if review == nil {
			review = &v
		}
	}
	if review != nil {
		return OutcomeRequiresApproval, types.ReasonVendorRequiresApproval,
			fmt.Sprintf("rule %s: %s", review.ruleID, review.detail)
	}

	if eff.reviewVendors.contains(vendor) {
		return OutcomeRequiresApproval, types.ReasonVendorRequiresApproval,
			fmt.Sprintf("vendor %s requires approval", vendor)
	}
	return OutcomeApproved, "", ""
}

// Layer 5: rolling velocity windows (count and amount).
func (e *Engine) layerVelocity(_ context.Context, snap *Snapshot, _ effectiveLimits, in Input) (Outcome, types.ReasonCode, string) {
	amt := in.Mandate.Amount.AmountMinor
	for i, limit := range snap.Rules.Velocity {
		var usage WindowUsage
		if i < len(in.Counters.WindowUsage) {
			usage = in.Counters.WindowUsage[i]
		}
		if limit.MaxCount > 0 && usage.Count+1 > limit.MaxCount {
			return OutcomeBlocked, types.ReasonVelocityExceeded,
				fmt.Sprintf("count limit %d per %s exceeded", limit.MaxCount, limit.Window)
		}
		if limit.MaxAmtMinor > 0 && usage.AmountMinor+amt > limit.MaxAmtMinor {
			return OutcomeBlocked, types.ReasonVelocityExceeded,
				fmt.Sprintf("amount limit %d per %s exceeded", limit.MaxAmtMinor, limit.Window)
		}
	}
	return OutcomeApproved, "", ""
}

// Layer 6: approval threshold.
func (e *Engine) layerApprovalThreshold(_ context.Context, snap *Snapshot, _ effectiveLimits, in Input) (Outcome, types.ReasonCode, string) {
	if snap.Rules.ApprovalAboveMinor > 0 && in.Mandate.Amount.AmountMinor > snap.Rules.ApprovalAboveMinor {
		return OutcomeRequiresApproval, types.ReasonApprovalRequired,
			fmt.Sprintf("amount %d exceeds approval threshold %d",
				in.Mandate.Amount.AmountMinor, snap.Rules.ApprovalAboveMinor)
	}
	return OutcomeApproved, "", ""
}

// Layer 7: behavioral goal drift.
func (e *Engine) layerDrift(_ context.Context, snap *Snapshot, _ effectiveLimits, in Input) (Outcome, types.ReasonCode, string) {
	score := driftScore(in.Observed, in.Expected)
	if score >= snap.DriftBlockThreshold {
		return OutcomeBlocked, types.ReasonDriftBlocked,
			fmt.Sprintf("goal-drift score %.4f at or above block threshold %.4f", score, snap.DriftBlockThreshold)
	}
	if score >= snap.DriftReviewThreshold {
		return OutcomeRequiresApproval, types.ReasonDriftBlocked,
			fmt.Sprintf("goal-drift score %.4f in review band", score)
	}
	return OutcomeApproved, "", ""
}

func approvalTemplate(m types.Mandate, snap *Snapshot) *ApprovalTemplate {
	min := 1
	if m.Amount.AmountMinor > snap.Rules.ApprovalAboveMinor*10 && snap.Rules.ApprovalAboveMinor > 0 {
		min = 2
	}
	return &ApprovalTemplate{
		Action:        "payment.execute",
		SubjectDigest: m.AuditHash,
		MinReviewers:  min,
		TTLSeconds:    24 * 60 * 60,
	}
}
