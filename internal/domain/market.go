package domain

import "time"

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusOpen              MarketStatus = "open"
	MarketStatusPendingResolution MarketStatus = "pending_resolution"
	MarketStatusDisputable        MarketStatus = "disputable"
	MarketStatusResolved          MarketStatus = "resolved"
	MarketStatusInvalid           MarketStatus = "invalid"
)

// Terminal reports whether the status admits no further transitions.
func (s MarketStatus) Terminal() bool {
	return s == MarketStatusResolved || s == MarketStatusInvalid
}

// Outcome is the resolved answer to a market's claim.
type Outcome string

const (
	OutcomeYes     Outcome = "YES"
	OutcomeNo      Outcome = "NO"
	OutcomeInvalid Outcome = "INVALID"
)

// Market represents a CAST prediction market.
type Market struct {
	ID       string
	Claim    string
	Category string
	Creator  string

	EndTime time.Time
	// DisputePeriodEnd is always EndTime + the protocol dispute window. It is
	// derived once, when the market enters the disputable state, and never
	// recomputed from the clock.
	DisputePeriodEnd *time.Time
	PreliminaryAt    *time.Time

	Status MarketStatus

	// Resolution payload. Populated by the state machine from the latest
	// ResolutionDecision; zero while the market is open.
	Outcome    Outcome
	Confidence float64 // 0..100
	Reasoning  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// VolumeTally holds the staked CAST totals on each side of a market.
type VolumeTally struct {
	MarketID string
	Yes      float64
	No       float64
}

// Total returns the combined staked volume.
func (v VolumeTally) Total() float64 { return v.Yes + v.No }

// Skew returns the dominant side and the fraction of total volume on it, in
// [0.5, 1.0]. A market with no volume reports 0.5 (no information).
func (v VolumeTally) Skew() (Outcome, float64) {
	total := v.Total()
	if total <= 0 {
		return OutcomeYes, 0.5
	}
	if v.Yes >= v.No {
		return OutcomeYes, v.Yes / total
	}
	return OutcomeNo, v.No / total
}
