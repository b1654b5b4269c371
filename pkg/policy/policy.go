// Package policy implements the deterministic, layered policy decision
// engine. Evaluation order is fixed, every layer can only refuse or
// escalate, and any internal failure translates to a BLOCKED decision
// (fail closed). The immutable hard-cap layer dominates everything,
// including the natural-language hint stream.
package policy

import (
	"time"

	"github.com/sardis-hq/sardis/pkg/types"
)

// Outcome of a policy decision.
type Outcome string

const (
	OutcomeApproved         Outcome = "APPROVED"
	OutcomeBlocked          Outcome = "BLOCKED"
	OutcomeRequiresApproval Outcome = "REQUIRES_APPROVAL"
)

// Check records one evaluated layer for explainability.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// ApprovalTemplate is the exact approval request the caller must create
// when the outcome is REQUIRES_APPROVAL.
type ApprovalTemplate struct {
	Action        string `json:"action"`
	SubjectDigest string `json:"subject_digest"`
	MinReviewers  int    `json:"min_reviewers"`
	TTLSeconds    int    `json:"ttl_seconds"`
}

// Decision is the engine's output. Same (mandate, snapshot, counters)
// always produces the same decision, including the reason code.
type Decision struct {
	DecisionID string            `json:"decision_id"`
	Outcome    Outcome           `json:"outcome"`
	ReasonCode types.ReasonCode  `json:"reason_code,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	RiskScore  float64           `json:"risk_score"`
	Checks     []Check           `json:"checks"`
	Approval   *ApprovalTemplate `json:"approval,omitempty"`
}

// HardCaps is the immutable ceiling layer, pinned per org policy revision.
// A zero value means "no cap configured" for that dimension.
type HardCaps struct {
	PerTxMinor    int64                `json:"per_tx_minor"`
	PerDayMinor   int64                `json:"per_day_minor"`
	PerMonthMinor int64                `json:"per_month_minor"`
	PerRailMinor  map[types.Rail]int64 `json:"per_rail_minor,omitempty"`
}

// VelocityLimit bounds count and amount inside a rolling window.
type VelocityLimit struct {
	Window      time.Duration `json:"window"`
	MaxCount    int           `json:"max_count"`
	MaxAmtMinor int64         `json:"max_amount_minor"`
}

// Rules are the org-authored declarative predicates. They sit strictly
// below the hard caps and can only tighten.
type Rules struct {
	PerTxCapMinor      int64           `json:"per_tx_cap_minor,omitempty"`
	DailyCapMinor      int64           `json:"daily_cap_minor,omitempty"`
	WeeklyCapMinor     int64           `json:"weekly_cap_minor,omitempty"`
	MonthlyCapMinor    int64           `json:"monthly_cap_minor,omitempty"`
	AllowedVendors     []string        `json:"allowed_vendors,omitempty"` // normalized domains; empty = all
	BlockedVendors     []string        `json:"blocked_vendors,omitempty"`
	ReviewVendors      []string        `json:"review_vendors,omitempty"` // exact match escalates to review
	BlockedCategories  []string        `json:"blocked_categories,omitempty"`
	ApprovalAboveMinor int64           `json:"approval_above_minor,omitempty"`
	Velocity           []VelocityLimit `json:"velocity,omitempty"`
	CustomCEL          []CustomRule    `json:"custom_cel,omitempty"`
	EnforceTrustTable  bool            `json:"enforce_trust_table,omitempty"`
	DisabledRails      []types.Rail    `json:"disabled_rails,omitempty"`
}

// CustomRule is a CEL predicate compiled at snapshot load. Effect is what
// happens when the predicate evaluates false: rules can deny or escalate,
// never relax.
type CustomRule struct {
	RuleID string `json:"rule_id"`
	Source string `json:"source"`
	Effect string `json:"effect"` // "deny" | "review"
}

// Snapshot is a revision-pinned org policy. Snapshots are immutable after
// load; a new revision replaces the whole value.
type Snapshot struct {
	PolicyID string   `json:"policy_id"`
	OrgID    string   `json:"org_id"`
	Version  int      `json:"version"`
	HardCaps HardCaps `json:"hard_caps"`
	Rules    Rules    `json:"rules"`

	// Goal-drift thresholds. No defaults exist: startup validation
	// rejects a snapshot that enables drift scoring without both set.
	DriftReviewThreshold float64 `json:"drift_review_threshold,omitempty"`
	DriftBlockThreshold  float64 `json:"drift_block_threshold,omitempty"`
}

// WalletState is the orchestrator's view of the subject wallet at
// evaluation time.
type WalletState struct {
	Active       bool
	KillSwitched bool
	KYBVerified  bool
}

// Counters is the snapshot of rolling window usage the caller passes in.
// The engine never reads shared mutable state directly, so the same input
// always yields the same decision.
type Counters struct {
	DayAmountMinor   int64
	WeekAmountMinor  int64
	MonthAmountMinor int64
	RailDayMinor     map[types.Rail]int64
	WindowUsage      []WindowUsage // aligned with Rules.Velocity by index
}

// WindowUsage is the observed usage for one velocity window.
type WindowUsage struct {
	Count       int
	AmountMinor int64
}

// Input bundles everything one evaluation sees.
type Input struct {
	Mandate      types.Mandate
	Wallet       WalletState
	Counters     Counters
	Hints        []Hint
	Observed     map[string]int64 // category to mandate count, for drift scoring
	Expected     map[string]int64 // expected distribution over the same bins
	AgentToAgent bool             // destination is another agent
}
