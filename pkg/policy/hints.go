package policy

import (
	"fmt"

	"github.com/sardis-hq/sardis/pkg/types"
)

// Hint is one advisory suggestion from the natural-language policy parser.
// The parser lives outside the core; its output arrives here as a typed
// stream. Hints may only tighten: any hint that would relax a hard cap or
// an org rule is ignored and recorded as an overreach.
type Hint struct {
	HintID       string     `json:"hint_id"`
	Field        string     `json:"field"` // "per_tx_cap" | "daily_cap" | "block_vendor" | "review_vendor"
	LimitMinor   int64      `json:"limit_minor,omitempty"`
	Vendor       string     `json:"vendor,omitempty"`
	Rail         types.Rail `json:"rail,omitempty"`
	SourcePhrase string     `json:"source_phrase,omitempty"`
}

// Overreach records a hint that attempted to relax the snapshot.
type Overreach struct {
	HintID string `json:"hint_id"`
	Field  string `json:"field"`
	Detail string `json:"detail"`
}

// effectiveLimits is the snapshot after hints are applied. Hard caps are
// copied verbatim first; hints then clamp downward only.
type effectiveLimits struct {
	perTx          int64 // 0 = uncapped
	daily          int64
	blockedVendors vendorSet
	reviewVendors  vendorSet
}

// applyHints folds the hint stream over the snapshot limits and returns the
// tightened limits together with every overreach.
func applyHints(snap *Snapshot, hints []Hint) (effectiveLimits, []Overreach) {
	eff := effectiveLimits{
		perTx:          minNonZero(snap.HardCaps.PerTxMinor, snap.Rules.PerTxCapMinor),
		daily:          minNonZero(snap.HardCaps.PerDayMinor, snap.Rules.DailyCapMinor),
		blockedVendors: newVendorSet(snap.Rules.BlockedVendors),
		reviewVendors:  newVendorSet(snap.Rules.ReviewVendors),
	}

	var overreaches []Overreach
	for _, h := range hints {
		switch h.Field {
		case "per_tx_cap":
			if h.LimitMinor <= 0 || (eff.perTx > 0 && h.LimitMinor >= eff.perTx) {
				overreaches = append(overreaches, Overreach{
					HintID: h.HintID, Field: h.Field,
					Detail: fmt.Sprintf("hint %d would not tighten effective cap %d", h.LimitMinor, eff.perTx),
				})
				continue
			}
			eff.perTx = h.LimitMinor
		case "daily_cap":
			if h.LimitMinor <= 0 || (eff.daily > 0 && h.LimitMinor >= eff.daily) {
				overreaches = append(overreaches, Overreach{
					HintID: h.HintID, Field: h.Field,
					Detail: fmt.Sprintf("hint %d would not tighten effective cap %d", h.LimitMinor, eff.daily),
				})
				continue
			}
			eff.daily = h.LimitMinor
		case "block_vendor":
			if n := NormalizeVendor(h.Vendor); n != "" {
				eff.blockedVendors[n] = struct{}{}
			}
		case "review_vendor":
			if n := NormalizeVendor(h.Vendor); n != "" {
				eff.reviewVendors[n] = struct{}{}
			}
		default:
			overreaches = append(overreaches, Overreach{
				HintID: h.HintID, Field: h.Field, Detail: "unknown hint field",
			})
		}
	}
	return eff, overreaches
}

// minNonZero returns the smaller of two limits where zero means uncapped.
func minNonZero(a, b int64) int64 {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}
