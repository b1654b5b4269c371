package types

// ReasonCode is the closed enumeration of machine-readable refusal and
// failure codes. Strings rendered to callers are presentation only; this
// enumeration is the source of truth.
type ReasonCode string

const (
	// Policy refusals.
	ReasonLimitExceeded          ReasonCode = "POLICY.LIMIT_EXCEEDED"
	ReasonVendorBlocked          ReasonCode = "POLICY.VENDOR_BLOCKED"
	ReasonVendorRequiresApproval ReasonCode = "POLICY.VENDOR_REQUIRES_APPROVAL"
	ReasonCategoryBlocked        ReasonCode = "POLICY.CATEGORY_BLOCKED"
	ReasonVelocityExceeded       ReasonCode = "POLICY.VELOCITY_EXCEEDED"
	ReasonComplianceFail         ReasonCode = "POLICY.COMPLIANCE_FAIL"
	ReasonDriftBlocked           ReasonCode = "POLICY.DRIFT_BLOCKED"
	ReasonWalletHalted           ReasonCode = "POLICY.WALLET_HALTED"
	ReasonNLOverreach            ReasonCode = "POLICY.NL_OVERREACH"
	ReasonCheckFailed            ReasonCode = "POLICY.CHECK_FAILED"
	ReasonApprovalRequired       ReasonCode = "POLICY.APPROVAL_REQUIRED"

	// Orchestration and provider failures.
	ReasonProviderAllFailed   ReasonCode = "PROVIDER.ALL_FAILED"
	ReasonProviderRetryable   ReasonCode = "PROVIDER.RETRYABLE"
	ReasonProviderFatal       ReasonCode = "PROVIDER.FATAL"
	ReasonPaymentTimeout      ReasonCode = "PAYMENT.TIMEOUT"
	ReasonTerminalInflight    ReasonCode = "PAYMENT.TERMINAL_INFLIGHT"
	ReasonDuplicateInFlight   ReasonCode = "IDEMPOTENCY.DUPLICATE_IN_FLIGHT"
	ReasonIdempotencyConflict ReasonCode = "IDEMPOTENCY.CONFLICT"
	ReasonRateLimited         ReasonCode = "LIMITS.RATE_EXCEEDED"
	ReasonContainment         ReasonCode = "OPS.CONTAINMENT"
	ReasonDegradedRail        ReasonCode = "OPS.DEGRADED_RAIL"
)

// Valid reports whether rc belongs to the closed set.
func (rc ReasonCode) Valid() bool {
	switch rc {
	case ReasonLimitExceeded, ReasonVendorBlocked, ReasonVendorRequiresApproval,
		ReasonCategoryBlocked, ReasonVelocityExceeded, ReasonComplianceFail,
		ReasonDriftBlocked, ReasonWalletHalted, ReasonNLOverreach, ReasonCheckFailed,
		ReasonApprovalRequired, ReasonProviderAllFailed, ReasonProviderRetryable,
		ReasonProviderFatal, ReasonPaymentTimeout, ReasonTerminalInflight,
		ReasonDuplicateInFlight, ReasonIdempotencyConflict, ReasonRateLimited,
		ReasonContainment, ReasonDegradedRail:
		return true
	}
	return false
}

// Rail is a channel for value movement.
type Rail string

const (
	RailACH        Rail = "ach"
	RailCard       Rail = "card"
	RailOnChain    Rail = "on_chain"
	RailStablecoin Rail = "stablecoin"
)

// Valid reports whether r is a known rail.
func (r Rail) Valid() bool {
	switch r {
	case RailACH, RailCard, RailOnChain, RailStablecoin:
		return true
	}
	return false
}

// Direction of value movement relative to the subject wallet.
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionDebit || d == DirectionCredit
}
