package types

import (
	"fmt"
	"time"

	"github.com/sardis-hq/sardis/pkg/canonical"
)

// Mandate is the immutable record of intent authorized by an agent. It is
// the unit that policy evaluates and is content-addressed via AuditHash.
type Mandate struct {
	MandateID     string    `json:"mandate_id"`
	AgentID       string    `json:"agent_id"`
	OrgID         string    `json:"org_id"`
	SubjectWallet string    `json:"subject_wallet"`
	Destination   string    `json:"destination"` // normalized vendor domain or counterparty agent id
	Amount        Money     `json:"amount"`
	Rail          Rail      `json:"rail"`
	Direction     Direction `json:"direction"`
	Purpose       string    `json:"purpose"`
	Category      string    `json:"category,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	AuditHash     string    `json:"audit_hash,omitempty"`
}

// ComputeAuditHash returns the content address of the mandate: SHA-256 over
// the JCS canonical serialization of every field preceding audit_hash.
// Timestamps are normalized to UTC millisecond precision so the same intent
// always hashes identically regardless of source clock resolution.
func (m Mandate) ComputeAuditHash() (string, error) {
	shadow := m
	shadow.AuditHash = ""
	shadow.Timestamp = m.Timestamp.UTC().Truncate(time.Millisecond)
	return canonical.Hash(shadow)
}

// Seal computes and stamps the audit hash. Returns a copy; the receiver is
// never mutated.
func (m Mandate) Seal() (Mandate, error) {
	h, err := m.ComputeAuditHash()
	if err != nil {
		return Mandate{}, err
	}
	m.AuditHash = h
	return m, nil
}

// Validate checks structural well-formedness. Policy semantics live in the
// policy engine; this only rejects malformed input.
func (m Mandate) Validate() error {
	if err := ValidateID(m.MandateID, PrefixMandate); err != nil {
		return err
	}
	if err := ValidateID(m.AgentID, PrefixAgent); err != nil {
		return err
	}
	if err := ValidateID(m.OrgID, PrefixOrg); err != nil {
		return err
	}
	if err := ValidateID(m.SubjectWallet, PrefixWallet); err != nil {
		return err
	}
	if m.Destination == "" {
		return fmt.Errorf("mandate %s: empty destination", m.MandateID)
	}
	if !m.Rail.Valid() {
		return fmt.Errorf("mandate %s: unknown rail %q", m.MandateID, m.Rail)
	}
	if !m.Direction.Valid() {
		return fmt.Errorf("mandate %s: unknown direction %q", m.MandateID, m.Direction)
	}
	if err := m.Amount.Validate(); err != nil {
		return fmt.Errorf("mandate %s: %w", m.MandateID, err)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("mandate %s: zero timestamp", m.MandateID)
	}
	return nil
}
