package policy

import (
	"sync"
	"time"

	"github.com/sardis-hq/sardis/pkg/types"
)

// CounterStore accumulates disbursement events and answers rolling-window
// usage questions. The orchestrator records an event only after a provider
// accepts a submission, then passes a read-only snapshot into Evaluate so
// the engine itself stays pure.
type CounterStore struct {
	mu     sync.Mutex
	events map[string][]event // wallet_id → events, oldest first
	clock  func() time.Time
}

type event struct {
	at     time.Time
	amount int64
	rail   types.Rail
}

// NewCounterStore creates an in-memory rolling counter store.
func NewCounterStore() *CounterStore {
	return &CounterStore{
		events: make(map[string][]event),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for tests.
func (c *CounterStore) WithClock(clock func() time.Time) *CounterStore {
	c.clock = clock
	return c
}

// Record notes an accepted disbursement for the wallet.
func (c *CounterStore) Record(walletID string, amountMinor int64, rail types.Rail) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[walletID] = append(c.events[walletID], event{at: c.clock(), amount: amountMinor, rail: rail})
}

// Snapshot produces the Counters view for one wallet aligned with the
// snapshot's velocity windows. Events older than the longest horizon (31
// days) are pruned in passing.
func (c *CounterStore) Snapshot(walletID string, velocity []VelocityLimit) Counters {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	horizon := now.Add(-31 * 24 * time.Hour)
	events := c.events[walletID]
	pruned := events[:0]
	for _, ev := range events {
		if ev.at.After(horizon) {
			pruned = append(pruned, ev)
		}
	}
	c.events[walletID] = pruned

	counters := Counters{
		RailDayMinor: make(map[types.Rail]int64),
		WindowUsage:  make([]WindowUsage, len(velocity)),
	}
	dayStart := now.Add(-24 * time.Hour)
	weekStart := now.Add(-7 * 24 * time.Hour)
	monthStart := now.Add(-30 * 24 * time.Hour)

	for _, ev := range pruned {
		if ev.at.After(dayStart) {
			counters.DayAmountMinor += ev.amount
			counters.RailDayMinor[ev.rail] += ev.amount
		}
		if ev.at.After(weekStart) {
			counters.WeekAmountMinor += ev.amount
		}
		if ev.at.After(monthStart) {
			counters.MonthAmountMinor += ev.amount
		}
		for i, limit := range velocity {
			if limit.Window > 0 && ev.at.After(now.Add(-limit.Window)) {
				counters.WindowUsage[i].Count++
				counters.WindowUsage[i].AmountMinor += ev.amount
			}
		}
	}
	return counters
}
