// Package settlement turns a finalized market's dispute assessments into an
// ordered, deterministic plan of ledger transactions: slashes first, then
// per-dispute payouts, then the aggregate treasury transfer.
package settlement

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/castprotocol/resolutiond/internal/domain"
)

// DefaultParams returns the protocol-default settlement parameters.
func DefaultParams() domain.SettlementParams {
	return domain.SettlementParams{
		RewardMultiplier:          2.0,
		QualityBonusThreshold:     0.8,
		QualityBonusMultiplier:    0.5,
		EvidenceStrengthThreshold: 0.9,
		EvidenceStrengthBonus:     0.3,
		EarlyBonusWindow:          12 * time.Hour,
		EarlyBonusMultiplier:      0.2,
		TreasuryFee:               0.10,
		GasRefund:                 0.5,
	}
}

// Calculator builds settlement plans. It is a pure computation: the same
// inputs always yield the same transaction amounts, so a regenerated plan is
// byte-for-byte comparable with the original.
type Calculator struct {
	params domain.SettlementParams
}

// NewCalculator creates a Calculator with the given protocol parameters.
func NewCalculator(params domain.SettlementParams) *Calculator {
	return &Calculator{params: params}
}

// Build computes the settlement plan for a finalized market.
// disputeWindowOpen is when the disputable period began (the market's
// preliminary resolution time), used for the early-submission bonus.
func (c *Calculator) Build(market domain.Market, disputes []domain.Dispute, disputeWindowOpen time.Time) (domain.SettlementPlan, error) {
	if !market.Status.Terminal() {
		return domain.SettlementPlan{}, fmt.Errorf("settlement: market %s is %s: %w", market.ID, market.Status, domain.ErrStateConflict)
	}

	plan := domain.SettlementPlan{
		ID:        uuid.NewString(),
		MarketID:  market.ID,
		Outcome:   market.Outcome,
		CreatedAt: time.Now().UTC(),
	}

	// Deterministic ordering regardless of store iteration order.
	sorted := make([]domain.Dispute, len(disputes))
	copy(sorted, disputes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var valid, uncertain, invalid []domain.Dispute
	for _, d := range sorted {
		if d.Assessment == nil {
			// Never evaluated: treated as uncertain, bond returned.
			uncertain = append(uncertain, d)
			continue
		}
		switch d.Assessment.Validity {
		case domain.ValidityLikelyValid:
			valid = append(valid, d)
		case domain.ValidityLikelyInvalid:
			invalid = append(invalid, d)
		default:
			uncertain = append(uncertain, d)
		}
	}

	// Slashing runs first: the redistribution pool depends on the slashed
	// total.
	var slashedTotal float64
	for _, d := range invalid {
		slashedTotal += d.Bond
		plan.Transactions = append(plan.Transactions, domain.SettlementTx{
			DisputeID: d.ID,
			Recipient: d.Disputer,
			Action:    domain.SettlementSlashBond,
			Amount:    -d.Bond,
			Bond:      d.Bond,
			Reason:    fmt.Sprintf("dispute judged invalid (quality %.2f), bond slashed", d.Assessment.Quality),
		})
	}

	treasuryCut := c.params.TreasuryFee * slashedTotal
	redistribution := slashedTotal - treasuryCut

	// Pro-rata weights by quality among valid disputers.
	var qualitySum float64
	for _, d := range valid {
		qualitySum += d.Assessment.Quality
	}

	var distributed float64
	for i, d := range valid {
		a := d.Assessment

		reward := d.Bond * c.params.RewardMultiplier
		var bonus float64
		if a.Quality >= c.params.QualityBonusThreshold {
			bonus += d.Bond * c.params.QualityBonusMultiplier
		}
		if a.EvidenceAuthenticity >= c.params.EvidenceStrengthThreshold {
			bonus += d.Bond * c.params.EvidenceStrengthBonus
		}
		if !d.CreatedAt.After(disputeWindowOpen.Add(c.params.EarlyBonusWindow)) {
			bonus += d.Bond * c.params.EarlyBonusMultiplier
		}

		var share float64
		if qualitySum > 0 {
			if i == len(valid)-1 {
				// Remainder to the last recipient so shares sum exactly to
				// the pool with no float leakage.
				share = redistribution - distributed
			} else {
				share = redistribution * a.Quality / qualitySum
				distributed += share
			}
		}

		amount := d.Bond + reward + bonus + share + c.params.GasRefund
		plan.Transactions = append(plan.Transactions, domain.SettlementTx{
			DisputeID:      d.ID,
			Recipient:      d.Disputer,
			Action:         domain.SettlementRewardWithBonuses,
			Amount:         amount,
			Bond:           d.Bond,
			Reward:         reward,
			Bonus:          bonus,
			Redistribution: share,
			GasRefund:      c.params.GasRefund,
			Reason:         fmt.Sprintf("dispute judged valid (quality %.2f)", a.Quality),
		})
		plan.TotalRewards += amount
	}

	for _, d := range uncertain {
		plan.Transactions = append(plan.Transactions, domain.SettlementTx{
			DisputeID: d.ID,
			Recipient: d.Disputer,
			Action:    domain.SettlementReturnBondOnly,
			Amount:    d.Bond,
			Bond:      d.Bond,
			Reason:    "dispute uncertain, bond returned without bonus",
		})
	}

	// With no valid disputers the redistribution pool goes to treasury in
	// full, so slashed bonds are never lost.
	if len(valid) == 0 {
		treasuryCut = slashedTotal
		redistribution = 0
	}

	plan.TotalSlashed = slashedTotal
	plan.TreasuryCut = treasuryCut
	plan.RedistributedPot = redistribution

	if treasuryCut > 0 {
		plan.Transactions = append(plan.Transactions, domain.SettlementTx{
			Recipient: c.params.TreasuryAddress,
			Action:    domain.SettlementSlashBond,
			Amount:    treasuryCut,
			Reason:    fmt.Sprintf("treasury fee on %.2f slashed", slashedTotal),
		})
	}

	return plan, nil
}
