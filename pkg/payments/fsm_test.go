package payments_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sardis-hq/sardis/pkg/payments"
	"github.com/sardis-hq/sardis/pkg/types"
)

func TestMachineForRails(t *testing.T) {
	for _, rail := range payments.Rails {
		m, err := payments.MachineFor(rail)
		require.NoError(t, err, rail)
		require.NotNil(t, m)
	}
	_, err := payments.MachineFor(types.Rail("wire"))
	assert.Error(t, err)
}

func TestStablecoinSharesChainLifecycle(t *testing.T) {
	chain, err := payments.MachineFor(types.RailOnChain)
	require.NoError(t, err)
	stable, err := payments.MachineFor(types.RailStablecoin)
	require.NoError(t, err)
	assert.Equal(t, chain.Initial(), stable.Initial())
}

func TestACHHappyPath(t *testing.T) {
	m, err := payments.MachineFor(types.RailACH)
	require.NoError(t, err)
	assert.Equal(t, payments.ACHPending, m.Initial())

	path := []payments.State{
		payments.ACHReviewed, payments.ACHProcessed, payments.ACHSettled, payments.ACHReleased,
	}
	cur := m.Initial()
	for _, next := range path {
		require.NoError(t, m.Step(cur, next), "%s -> %s", cur, next)
		cur = next
	}
	assert.True(t, m.Terminal(cur))
}

func TestACHReturnPath(t *testing.T) {
	m, err := payments.MachineFor(types.RailACH)
	require.NoError(t, err)

	// Returns are reachable from both processed and settled.
	assert.NoError(t, m.Step(payments.ACHProcessed, payments.ACHReturnInitiated))
	assert.NoError(t, m.Step(payments.ACHSettled, payments.ACHReturnInitiated))
	assert.NoError(t, m.Step(payments.ACHReturnInitiated, payments.ACHReturned))
	assert.True(t, m.Terminal(payments.ACHReturned))
}

func TestTerminalStatesAreMonotonic(t *testing.T) {
	m, err := payments.MachineFor(types.RailACH)
	require.NoError(t, err)

	for _, terminal := range []payments.State{
		payments.ACHReleased, payments.ACHReturned, payments.ACHDeclined,
		payments.ACHVoided, payments.ACHReversed, payments.ACHExpired,
	} {
		require.True(t, m.Terminal(terminal), terminal)

		// Re-asserting the same terminal state is an idempotent no-op.
		assert.NoError(t, m.Step(terminal, terminal), terminal)

		// Any move out of a terminal state is invalid.
		err := m.Step(terminal, payments.ACHPending)
		var invalid *payments.ErrInvalidTransition
		require.ErrorAs(t, err, &invalid, terminal)
		assert.Equal(t, terminal, invalid.From)
	}
}

func TestACHInvalidEdges(t *testing.T) {
	m, err := payments.MachineFor(types.RailACH)
	require.NoError(t, err)

	assert.Error(t, m.Step(payments.ACHPending, payments.ACHSettled), "cannot skip review and processing")
	assert.Error(t, m.Step(payments.ACHPending, payments.ACHReleased))
	assert.Error(t, m.Step(payments.ACHSettled, payments.ACHProcessed), "no moving backwards")
}

func TestCardLifecycle(t *testing.T) {
	m, err := payments.MachineFor(types.RailCard)
	require.NoError(t, err)
	assert.Equal(t, payments.CardAuthorized, m.Initial())

	assert.NoError(t, m.Step(payments.CardAuthorized, payments.CardCaptured))
	assert.NoError(t, m.Step(payments.CardCaptured, payments.CardReversed))
	assert.NoError(t, m.Step(payments.CardAuthorized, payments.CardExpired))
	assert.Error(t, m.Step(payments.CardCaptured, payments.CardCaptured), "capture is not terminal but self-loop is not an edge")
	assert.Error(t, m.Step(payments.CardCaptured, payments.CardExpired))
}

func TestChainLifecycle(t *testing.T) {
	m, err := payments.MachineFor(types.RailOnChain)
	require.NoError(t, err)

	assert.NoError(t, m.Step(payments.ChainSubmitted, payments.ChainIncluded))
	assert.NoError(t, m.Step(payments.ChainIncluded, payments.ChainConfirmed))
	assert.NoError(t, m.Step(payments.ChainIncluded, payments.ChainReplaced))
	assert.Error(t, m.Step(payments.ChainSubmitted, payments.ChainConfirmed), "inclusion precedes confirmation")
	assert.True(t, m.Terminal(payments.ChainConfirmed))
}

func TestReturnDispositions(t *testing.T) {
	for _, code := range []string{"R01", "R09"} {
		d := payments.DispositionFor(code)
		assert.True(t, d.AutoRetry, code)
		assert.False(t, d.PauseAccount, code)
		assert.False(t, d.ManualReview, code)
	}
	for _, code := range []string{"R02", "R03"} {
		d := payments.DispositionFor(code)
		assert.False(t, d.AutoRetry, code)
		assert.True(t, d.PauseAccount, code)
		assert.False(t, d.ManualReview, code)
	}

	r29 := payments.DispositionFor("R29")
	assert.True(t, r29.PauseAccount)
	assert.True(t, r29.ManualReview)

	// Unknown codes get the conservative treatment.
	unknown := payments.DispositionFor("R99")
	assert.False(t, unknown.AutoRetry)
	assert.True(t, unknown.PauseAccount)
	assert.True(t, unknown.ManualReview)
}
