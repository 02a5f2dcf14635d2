package domain

import "time"

// DisputeStatus is the lifecycle state of a dispute.
type DisputeStatus string

const (
	DisputeStatusActive   DisputeStatus = "active"
	DisputeStatusResolved DisputeStatus = "resolved"
	DisputeStatusRejected DisputeStatus = "rejected"
	DisputeStatusExpired  DisputeStatus = "expired"
)

// DisputeValidity is the evaluator's judgement of a dispute.
type DisputeValidity string

const (
	ValidityLikelyValid   DisputeValidity = "LIKELY_VALID"
	ValidityUncertain     DisputeValidity = "UNCERTAIN"
	ValidityLikelyInvalid DisputeValidity = "LIKELY_INVALID"
)

// BondRecommendation is the evaluator's suggested treatment of the bond.
type BondRecommendation string

const (
	BondReturnWithReward BondRecommendation = "RETURN_WITH_REWARD"
	BondReturnOnly       BondRecommendation = "RETURN_ONLY"
	BondSlash            BondRecommendation = "SLASH"
)

// AdminPriority orders disputes in the review queue.
type AdminPriority string

const (
	PriorityLow    AdminPriority = "low"
	PriorityMedium AdminPriority = "medium"
	PriorityHigh   AdminPriority = "high"
)

// MinDisputeReasonLen is the minimum accepted length of a dispute reason.
const MinDisputeReasonLen = 20

// Dispute is a bonded challenge against a market's preliminary resolution.
type Dispute struct {
	ID       string
	MarketID string
	Disputer string

	Reason       string
	Evidence     string
	EvidenceHash string // keccak256 hex of the evidence payload
	Sources      []string
	// EvidenceDate is the claimed date of the cited evidence, used for
	// temporal-relevance scoring.
	EvidenceDate *time.Time
	Bond         float64

	Status    DisputeStatus
	CreatedAt time.Time
	UpdatedAt time.Time

	// Assessment is attached once by the quality evaluator.
	Assessment *DisputeAssessment
}

// DisputeAssessment is the evaluator's scored judgement of one dispute.
type DisputeAssessment struct {
	Validity    DisputeValidity
	Quality     float64 // 0..1
	AutoResolve bool
	Priority    AdminPriority
	Bond        BondRecommendation
	Reasoning   string

	// Sub-score breakdown; weights sum to 1.0.
	SourceCredibility    float64
	TemporalRelevance    float64
	EvidenceAuthenticity float64
	ContradictionScore   float64
	DisputerReputation   float64

	EvaluatedAt time.Time
}

// DisputerProfile is the historical reputation record for an address.
type DisputerProfile struct {
	Address       string
	TotalDisputes int
	ValidDisputes int
	AccountAge    time.Duration
	LastDisputeAt *time.Time
}

// SuccessRate returns the fraction of past disputes judged valid. An address
// with no history scores a neutral 0.5.
func (p DisputerProfile) SuccessRate() float64 {
	if p.TotalDisputes == 0 {
		return 0.5
	}
	return float64(p.ValidDisputes) / float64(p.TotalDisputes)
}
