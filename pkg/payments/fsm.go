// Package payments owns the payment lifecycle: one finite state machine
// per rail, the ACH return-code matrix, the durable payment store, and
// two-phase holds. Writes happen only through well-defined transitions and
// a terminal state is never downgraded.
package payments

import (
	"fmt"

	"github.com/sardis-hq/sardis/pkg/types"
)

// State is a payment lifecycle state. The value set depends on the rail.
type State string

// ACH states.
const (
	ACHPending         State = "PENDING"
	ACHReviewed        State = "REVIEWED"
	ACHProcessed       State = "PROCESSED"
	ACHSettled         State = "SETTLED"
	ACHReleased        State = "RELEASED"
	ACHReturnInitiated State = "RETURN_INITIATED"
	ACHReturned        State = "RETURNED"
	ACHDeclined        State = "DECLINED"
	ACHVoided          State = "VOIDED"
	ACHReversed        State = "REVERSED"
	ACHExpired         State = "EXPIRED"
)

// Card states.
const (
	CardAuthorized State = "AUTHORIZED"
	CardCaptured   State = "CAPTURED"
	CardReversed   State = "REVERSED"
	CardDeclined   State = "DECLINED"
	CardExpired    State = "EXPIRED"
)

// On-chain states (stablecoin shares them).
const (
	ChainSubmitted State = "SUBMITTED"
	ChainIncluded  State = "INCLUDED"
	ChainConfirmed State = "CONFIRMED"
	ChainFailed    State = "FAILED"
	ChainReplaced  State = "REPLACED"
)

// Machine is the transition table for one rail.
type Machine struct {
	rail        types.Rail
	initial     State
	transitions map[State]map[State]bool
	terminal    map[State]bool
}

// ErrInvalidTransition is wrapped by Step on a disallowed move.
type ErrInvalidTransition struct {
	Rail types.Rail
	From State
	To   State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("payments: invalid %s transition %s -> %s", e.Rail, e.From, e.To)
}

func newMachine(rail types.Rail, initial State, terminal []State, edges map[State][]State) *Machine {
	m := &Machine{
		rail:        rail,
		initial:     initial,
		transitions: make(map[State]map[State]bool),
		terminal:    make(map[State]bool),
	}
	for _, s := range terminal {
		m.terminal[s] = true
	}
	for from, tos := range edges {
		m.transitions[from] = make(map[State]bool, len(tos))
		for _, to := range tos {
			m.transitions[from][to] = true
		}
	}
	return m
}

// achMachine per the lifecycle: origination review through release, with
// the return path reachable from both PROCESSED and SETTLED.
var achMachine = newMachine(types.RailACH, ACHPending,
	[]State{ACHReleased, ACHReturned, ACHDeclined, ACHVoided, ACHReversed, ACHExpired},
	map[State][]State{
		ACHPending:         {ACHReviewed, ACHDeclined, ACHVoided, ACHExpired},
		ACHReviewed:        {ACHProcessed, ACHDeclined, ACHVoided, ACHExpired},
		ACHProcessed:       {ACHSettled, ACHReturnInitiated, ACHDeclined, ACHExpired},
		ACHSettled:         {ACHReleased, ACHReturnInitiated, ACHReversed, ACHDeclined},
		ACHReturnInitiated: {ACHReturned, ACHDeclined},
	})

var cardMachine = newMachine(types.RailCard, CardAuthorized,
	[]State{CardReversed, CardDeclined, CardExpired},
	map[State][]State{
		CardAuthorized: {CardCaptured, CardReversed, CardDeclined, CardExpired},
		CardCaptured:   {CardReversed},
	})

var chainMachine = newMachine(types.RailOnChain, ChainSubmitted,
	[]State{ChainConfirmed, ChainFailed, ChainReplaced},
	map[State][]State{
		ChainSubmitted: {ChainIncluded, ChainFailed, ChainReplaced},
		ChainIncluded:  {ChainConfirmed, ChainFailed, ChainReplaced},
	})

// MachineFor returns the FSM for a rail. Stablecoin movements follow the
// on-chain lifecycle.
func MachineFor(rail types.Rail) (*Machine, error) {
	switch rail {
	case types.RailACH:
		return achMachine, nil
	case types.RailCard:
		return cardMachine, nil
	case types.RailOnChain, types.RailStablecoin:
		return chainMachine, nil
	}
	return nil, fmt.Errorf("payments: no machine for rail %q", rail)
}

// Initial returns the entry state.
func (m *Machine) Initial() State { return m.initial }

// Terminal reports whether s is terminal for this rail.
func (m *Machine) Terminal(s State) bool { return m.terminal[s] }

// Step validates a transition. Re-asserting the current terminal state is
// idempotent and allowed; any other move out of a terminal state, or an
// edge not in the table, is invalid.
func (m *Machine) Step(from, to State) error {
	if from == to && m.terminal[from] {
		return nil
	}
	if m.terminal[from] {
		return &ErrInvalidTransition{Rail: m.rail, From: from, To: to}
	}
	if !m.transitions[from][to] {
		return &ErrInvalidTransition{Rail: m.rail, From: from, To: to}
	}
	return nil
}
