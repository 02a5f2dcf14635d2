package domain

import "time"

// SettlementAction is the treatment applied to one dispute's bond.
type SettlementAction string

const (
	SettlementRewardWithBonuses SettlementAction = "REWARD_WITH_BONUSES"
	SettlementReturnBondOnly    SettlementAction = "RETURN_BOND_ONLY"
	SettlementSlashBond         SettlementAction = "SLASH_BOND"
)

// SettlementTx is a single ledger transaction within a settlement plan.
// Transactions are emitted in execution order: slashes first, then per-dispute
// payouts, then the aggregate treasury transfer.
type SettlementTx struct {
	DisputeID string
	Recipient string
	Action    SettlementAction
	// Amount is the total CAST moved to (positive) or from (slash) the
	// recipient.
	Amount float64
	// Component amounts, for audit. Bond + Reward + Bonus + Redistribution +
	// GasRefund == Amount for payouts.
	Bond           float64
	Reward         float64
	Bonus          float64
	Redistribution float64
	GasRefund      float64
	Reason         string
	// TxHash is the ledger transaction hash, recorded once the transfer is
	// mined. Empty means the transaction has not executed yet; a resumed
	// plan skips transactions that carry a hash.
	TxHash string
}

// SettlementPlan is the ordered list of ledger transactions that settles all
// disputes of a finalized market. It is produced once per finalization and
// immutable once emitted.
type SettlementPlan struct {
	ID       string
	MarketID string
	Outcome  Outcome

	Transactions []SettlementTx

	TotalRewards     float64
	TotalSlashed     float64
	TreasuryCut      float64
	RedistributedPot float64

	CreatedAt time.Time
}

// SettlementParams are the protocol parameters for reward and slashing math.
type SettlementParams struct {
	RewardMultiplier          float64 // default 2.0
	QualityBonusThreshold     float64 // default 0.8
	QualityBonusMultiplier    float64 // default 0.5
	EvidenceStrengthThreshold float64 // default 0.9
	EvidenceStrengthBonus     float64 // default 0.3
	EarlyBonusWindow          time.Duration // default 12h from dispute window open
	EarlyBonusMultiplier      float64 // default 0.2
	TreasuryFee               float64 // default 0.10 of slashed bonds
	GasRefund                 float64 // fixed CAST amount per valid dispute
	TreasuryAddress           string
}
