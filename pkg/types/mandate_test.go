package types_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sardis-hq/sardis/pkg/types"
)

func validMandate() types.Mandate {
	return types.Mandate{
		MandateID:     "mnd_0001",
		AgentID:       "agt_0001",
		OrgID:         "org_0001",
		SubjectWallet: "wal_0001",
		Destination:   "acme.example",
		Amount:        types.NewMoney(125_00, "USD"),
		Rail:          types.RailACH,
		Direction:     types.DirectionDebit,
		Purpose:       "monthly software subscription",
		Category:      "saas",
		Timestamp:     time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
	}
}

func TestMandateValidate(t *testing.T) {
	require.NoError(t, validMandate().Validate())

	cases := map[string]func(*types.Mandate){
		"bad mandate id": func(m *types.Mandate) { m.MandateID = "pay_0001" },
		"bad agent id":   func(m *types.Mandate) { m.AgentID = "nope" },
		"bad org id":     func(m *types.Mandate) { m.OrgID = "" },
		"bad wallet id":  func(m *types.Mandate) { m.SubjectWallet = "wal_" },
		"no destination": func(m *types.Mandate) { m.Destination = "" },
		"bad rail":       func(m *types.Mandate) { m.Rail = "wire" },
		"bad direction":  func(m *types.Mandate) { m.Direction = "up" },
		"negative money": func(m *types.Mandate) { m.Amount.AmountMinor = -1 },
		"zero timestamp": func(m *types.Mandate) { m.Timestamp = time.Time{} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			m := validMandate()
			mutate(&m)
			assert.Error(t, m.Validate())
		})
	}
}

func TestMandateAuditHashDeterministic(t *testing.T) {
	m := validMandate()
	h1, err := m.ComputeAuditHash()
	require.NoError(t, err)
	h2, err := m.ComputeAuditHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Contains(t, h1, "sha256:")
}

func TestMandateAuditHashIgnoresSubMillisecondClock(t *testing.T) {
	a := validMandate()
	b := validMandate()
	b.Timestamp = a.Timestamp.Add(250 * time.Microsecond)

	ha, err := a.ComputeAuditHash()
	require.NoError(t, err)
	hb, err := b.ComputeAuditHash()
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestMandateAuditHashBindsFields(t *testing.T) {
	base, err := validMandate().ComputeAuditHash()
	require.NoError(t, err)

	m := validMandate()
	m.Amount.AmountMinor++
	changed, err := m.ComputeAuditHash()
	require.NoError(t, err)
	assert.NotEqual(t, base, changed)
}

func TestMandateSealDoesNotMutate(t *testing.T) {
	m := validMandate()
	sealed, err := m.Seal()
	require.NoError(t, err)
	assert.Empty(t, m.AuditHash)
	assert.NotEmpty(t, sealed.AuditHash)

	// The stamped hash must verify against recomputation.
	h, err := sealed.ComputeAuditHash()
	require.NoError(t, err)
	assert.Equal(t, sealed.AuditHash, h)
}
