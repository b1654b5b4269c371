package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is the deployment-profile YAML. It carries the domain settings
// that differ between environments; process plumbing stays in env vars.
type Profile struct {
	Name      string          `yaml:"name"`
	Funding   FundingConfig   `yaml:"funding"`
	Policy    PolicyConfig    `yaml:"policy"`
	Checkout  CheckoutConfig  `yaml:"checkout"`
	A2A       A2AConfig       `yaml:"a2a"`
	AI        AIConfig        `yaml:"ai"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Webhook   WebhookConfig   `yaml:"webhook"`
}

// Funding strategies order the rails a wallet draws from.
const (
	StrategyFiatFirst       = "fiat_first"
	StrategyStablecoinFirst = "stablecoin_first"
	StrategyHybrid          = "hybrid"
)

// PAN boundary modes. Card numbers stay inside the issuer's iframe unless a
// break-glass enclave path is explicitly enabled, and never in production.
const (
	PANIssuerIframeOnly       = "issuer_hosted_iframe_only"
	PANEnclaveBreakGlassOnly  = "enclave_break_glass_only"
	PANIssuerIframePlusBreakG = "issuer_hosted_iframe_plus_enclave_break_glass"
)

// FundingConfig selects the rail preference and the adapter pair.
type FundingConfig struct {
	Strategy        string `yaml:"strategy"`
	PrimaryAdapter  string `yaml:"primary_adapter"`
	FallbackAdapter string `yaml:"fallback_adapter"`
}

// PolicyConfig carries the engine thresholds with no in-code defaults.
type PolicyConfig struct {
	// GoalDriftReview and GoalDriftBlock have no defaults. A profile that
	// omits them fails validation; drift scoring never guesses.
	GoalDriftReview float64 `yaml:"goal_drift_review"`
	GoalDriftBlock  float64 `yaml:"goal_drift_block"`
}

// CheckoutConfig controls the card checkout boundary.
type CheckoutConfig struct {
	// PANBoundaryMode is clamped by environment: the issuer-hosted iframe
	// everywhere, break-glass enclave variants only outside production.
	PANBoundaryMode string `yaml:"pan_boundary_mode"`
	// AllowInMemorySecretStore is the explicit dev-only opt-in for a
	// volatile secret store.
	AllowInMemorySecretStore bool `yaml:"allow_inmemory_secret_store"`
}

// A2AConfig controls agent-to-agent transfers.
type A2AConfig struct {
	EnforceTrustTable bool `yaml:"enforce_trust_table"`
}

// AIConfig pins the posture of any model-produced signal.
type AIConfig struct {
	// AdvisoryOnly must stay true: model output may annotate, never decide.
	AdvisoryOnly bool `yaml:"advisory_only"`
}

// ReconcileConfig carries reconciliation tuning.
type ReconcileConfig struct {
	DriftWindow    string `yaml:"drift_window"`
	SLANonCritical string `yaml:"sla_non_critical"`
}

// WebhookConfig carries ingress tuning.
type WebhookConfig struct {
	SecretRotationGrace string `yaml:"secret_rotation_grace"`
}

// LoadProfile reads and validates a profile file for an environment.
func LoadProfile(path, environment string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read profile: %w", err)
	}
	var p Profile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("config: parse profile %s: %w", path, err)
	}
	if err := p.Validate(environment); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate enforces the mandatory settings and environment clamps.
func (p *Profile) Validate(environment string) error {
	switch p.Funding.Strategy {
	case "":
		p.Funding.Strategy = StrategyFiatFirst
	case StrategyFiatFirst, StrategyStablecoinFirst, StrategyHybrid:
	default:
		return fmt.Errorf("config: funding.strategy %q not recognized", p.Funding.Strategy)
	}
	if p.Funding.PrimaryAdapter == "" {
		return fmt.Errorf("config: funding.primary_adapter is required")
	}

	if p.Policy.GoalDriftReview <= 0 || p.Policy.GoalDriftBlock <= 0 {
		return fmt.Errorf("config: policy.goal_drift_review and policy.goal_drift_block are mandatory and must be positive")
	}
	if p.Policy.GoalDriftReview >= p.Policy.GoalDriftBlock {
		return fmt.Errorf("config: policy.goal_drift_review (%v) must be below goal_drift_block (%v)",
			p.Policy.GoalDriftReview, p.Policy.GoalDriftBlock)
	}

	switch p.Checkout.PANBoundaryMode {
	case "":
		p.Checkout.PANBoundaryMode = PANIssuerIframeOnly
	case PANIssuerIframeOnly:
	case PANEnclaveBreakGlassOnly, PANIssuerIframePlusBreakG:
		if environment == "production" {
			return fmt.Errorf("config: checkout.pan_boundary_mode=%s is not permitted in production", p.Checkout.PANBoundaryMode)
		}
	default:
		return fmt.Errorf("config: checkout.pan_boundary_mode %q not recognized", p.Checkout.PANBoundaryMode)
	}
	if p.Checkout.AllowInMemorySecretStore && environment == "production" {
		return fmt.Errorf("config: checkout.allow_inmemory_secret_store is not permitted in production")
	}

	if !p.AI.AdvisoryOnly {
		return fmt.Errorf("config: ai.advisory_only must be true")
	}
	return nil
}

// DriftWindow parses the reconcile drift window; zero means default.
func (p *Profile) DriftWindow() (time.Duration, error) {
	return parseDuration("reconcile.drift_window", p.Reconcile.DriftWindow)
}

// SLANonCritical parses the non-critical break SLA; zero means default.
func (p *Profile) SLANonCritical() (time.Duration, error) {
	return parseDuration("reconcile.sla_non_critical", p.Reconcile.SLANonCritical)
}

// SecretRotationGrace parses the webhook rotation overlap; zero means default.
func (p *Profile) SecretRotationGrace() (time.Duration, error) {
	return parseDuration("webhook.secret_rotation_grace", p.Webhook.SecretRotationGrace)
}
