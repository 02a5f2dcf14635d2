package domain

import "time"

// RecommendedAction tells the operator how a decision should be handled.
type RecommendedAction string

const (
	ActionAutoResolve    RecommendedAction = "AUTO_RESOLVE"
	ActionAdminReview    RecommendedAction = "ADMIN_REVIEW"
	ActionExtendedReview RecommendedAction = "EXTENDED_REVIEW"
)

// RiskFlag marks a condition that warrants elevated scrutiny of a decision.
type RiskFlag string

const (
	RiskLowEvidence           RiskFlag = "LOW_EVIDENCE"
	RiskLanguageImbalance     RiskFlag = "LANGUAGE_IMBALANCE"
	RiskCrossLangContradiction RiskFlag = "CROSS_LANGUAGE_CONTRADICTION"
	RiskLowCredibility        RiskFlag = "LOW_CREDIBILITY"
	RiskSensitiveCategory     RiskFlag = "SENSITIVE_CATEGORY"
	RiskExternalUnavailable   RiskFlag = "EXTERNAL_UNAVAILABLE"
)

// SignalBreakdown holds the three component scores that sum to the decision
// confidence. Caps: betting 25, evidence 45, external 30.
type SignalBreakdown struct {
	Betting  float64
	Evidence float64
	External float64
}

// Total returns the combined confidence contribution.
func (b SignalBreakdown) Total() float64 { return b.Betting + b.Evidence + b.External }

// DecisionKind distinguishes the two resolution stages.
type DecisionKind string

const (
	DecisionPreliminary DecisionKind = "preliminary"
	DecisionFinal       DecisionKind = "final"
)

// ResolutionDecision is the aggregator's probabilistic verdict on a market.
// It is produced once per resolution attempt and immutable afterwards.
type ResolutionDecision struct {
	ID       string
	MarketID string
	Kind     DecisionKind

	Outcome    Outcome
	Confidence float64 // 0..100
	Signals    SignalBreakdown
	RiskFlags  []RiskFlag
	Action     RecommendedAction
	Reasoning  string

	CreatedAt time.Time
}

// HasFlag reports whether the decision carries the given risk flag.
func (d ResolutionDecision) HasFlag(f RiskFlag) bool {
	for _, rf := range d.RiskFlags {
		if rf == f {
			return true
		}
	}
	return false
}
