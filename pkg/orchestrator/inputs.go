package orchestrator

import (
	"context"
	"strings"

	"github.com/sardis-hq/sardis/pkg/guardrail"
	"github.com/sardis-hq/sardis/pkg/policy"
	"github.com/sardis-hq/sardis/pkg/types"
	"github.com/sardis-hq/sardis/pkg/wallet"
)

// HintSource supplies the active natural-language hints for an agent.
// Implementations may return nothing; hints only ever tighten policy.
type HintSource interface {
	Hints(ctx context.Context, agentID string) ([]policy.Hint, error)
}

// SpendTracker answers the observed category distribution for a wallet.
type SpendTracker interface {
	Observed(ctx context.Context, walletID string) (map[string]int64, error)
}

// Inputs assembles the policy input from the wallet directory, guardrails,
// rolling counters, and the optional hint and spend sources.
type Inputs struct {
	wallets  *wallet.Directory
	guard    *guardrail.Registry
	counters *policy.CounterStore
	engine   *policy.Engine
	hints    HintSource
	spend    SpendTracker
}

// NewInputs wires the builder; hints and spend may be nil.
func NewInputs(wallets *wallet.Directory, guard *guardrail.Registry, counters *policy.CounterStore,
	engine *policy.Engine, hints HintSource, spend SpendTracker) *Inputs {
	return &Inputs{
		wallets:  wallets,
		guard:    guard,
		counters: counters,
		engine:   engine,
		hints:    hints,
		spend:    spend,
	}
}

// Build implements InputBuilder.
func (b *Inputs) Build(ctx context.Context, m types.Mandate) (policy.Input, error) {
	w, err := b.wallets.Get(ctx, m.SubjectWallet)
	if err != nil {
		return policy.Input{}, err
	}
	halted, err := b.guard.Halted(ctx, m.SubjectWallet)
	if err != nil {
		return policy.Input{}, err
	}

	in := policy.Input{
		Mandate: m,
		Wallet: policy.WalletState{
			Active:       w.Active,
			KillSwitched: halted,
			KYBVerified:  w.KYBVerified,
		},
		Counters:     b.counters.Snapshot(m.SubjectWallet, b.engine.VelocityWindows(m.OrgID)),
		Expected:     w.ExpectedProfile,
		AgentToAgent: strings.HasPrefix(m.Destination, types.PrefixAgent+"_"),
	}

	if b.hints != nil {
		hints, err := b.hints.Hints(ctx, m.AgentID)
		if err != nil {
			return policy.Input{}, err
		}
		in.Hints = hints
	}
	if b.spend != nil {
		observed, err := b.spend.Observed(ctx, m.SubjectWallet)
		if err != nil {
			return policy.Input{}, err
		}
		in.Observed = observed
	}
	return in, nil
}
