package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/castprotocol/resolutiond/internal/domain"
)

// Attestor produces a detached signature over an executed plan so third
// parties can verify the settlement off-chain.
type Attestor interface {
	SignSettlement(plan domain.SettlementPlan) (string, error)
}

// Executor builds, persists, and executes settlement plans for finalized
// markets. Execution is replay-safe: an already-settled market is detected
// and skipped, and a failed execution leaves the plan unexecuted so the next
// pass retries it.
type Executor struct {
	markets     domain.MarketStore
	disputes    domain.DisputeStore
	settlements domain.SettlementStore
	ledger      domain.BondLedger
	audit       domain.AuditStore
	bus         domain.EventBus
	calculator  *Calculator
	attestor    Attestor
	logger      *slog.Logger
}

// NewExecutor creates an Executor. bus and attestor may be nil.
func NewExecutor(markets domain.MarketStore, disputes domain.DisputeStore, settlements domain.SettlementStore, ledger domain.BondLedger, audit domain.AuditStore, bus domain.EventBus, calculator *Calculator, attestor Attestor, logger *slog.Logger) *Executor {
	return &Executor{
		markets:     markets,
		disputes:    disputes,
		settlements: settlements,
		ledger:      ledger,
		audit:       audit,
		bus:         bus,
		calculator:  calculator,
		attestor:    attestor,
		logger:      logger.With(slog.String("component", "settlement_executor")),
	}
}

// Settle computes and executes the settlement plan for a terminal market.
// Re-invoking it for a settled market is a logged no-op.
func (e *Executor) Settle(ctx context.Context, marketID string) error {
	settled, err := e.settlements.AlreadySettled(ctx, marketID)
	if err != nil {
		return fmt.Errorf("settlement: check settled %s: %w", marketID, err)
	}
	if settled {
		// Replay: the ledger already executed this plan.
		e.logger.WarnContext(ctx, "settlement replay detected, skipping",
			slog.String("market_id", marketID),
		)
		return nil
	}

	market, err := e.markets.GetByID(ctx, marketID)
	if err != nil {
		return fmt.Errorf("settlement: load market %s: %w", marketID, err)
	}
	if !market.Status.Terminal() {
		return fmt.Errorf("settlement: market %s is %s: %w", marketID, market.Status, domain.ErrStateConflict)
	}

	// An unexecuted plan from an earlier pass is resumed, never rebuilt: some
	// of its transfers may already be mined, and the store holds at most one
	// plan per market.
	plan, err := e.settlements.GetByMarket(ctx, marketID)
	switch {
	case err == nil:
		e.logger.InfoContext(ctx, "resuming unexecuted settlement plan",
			slog.String("market_id", marketID),
			slog.String("plan_id", plan.ID),
		)
	case errors.Is(err, domain.ErrNotFound):
		disputes, listErr := e.disputes.ListByMarket(ctx, marketID, domain.ListOpts{})
		if listErr != nil {
			return fmt.Errorf("settlement: list disputes %s: %w", marketID, listErr)
		}

		windowOpen := market.EndTime
		if market.PreliminaryAt != nil {
			windowOpen = *market.PreliminaryAt
		}

		plan, err = e.calculator.Build(market, disputes, windowOpen)
		if err != nil {
			return err
		}

		// Persist before executing so a crash mid-execution is visible and
		// the plan can be resumed on retry.
		if err := e.settlements.Insert(ctx, plan); err != nil {
			return fmt.Errorf("settlement: persist plan %s: %w", marketID, err)
		}
	default:
		return fmt.Errorf("settlement: load plan %s: %w", marketID, err)
	}

	for i, tx := range plan.Transactions {
		if tx.TxHash != "" {
			// Mined on an earlier pass.
			continue
		}
		txHash, err := e.ledger.Execute(ctx, tx)
		if err != nil {
			// Leave the plan unexecuted; the hashes recorded so far let the
			// next pass resume without repeating mined transfers.
			return fmt.Errorf("settlement: execute tx for dispute %s: %w", tx.DisputeID, err)
		}
		if err := e.settlements.MarkTxExecuted(ctx, plan.ID, i, txHash); err != nil {
			return fmt.Errorf("settlement: record tx hash %s/%d: %w", plan.ID, i, err)
		}
		e.logger.DebugContext(ctx, "settlement tx executed",
			slog.String("market_id", marketID),
			slog.String("dispute_id", tx.DisputeID),
			slog.String("action", string(tx.Action)),
			slog.Float64("amount", tx.Amount),
			slog.String("tx_hash", txHash),
		)
	}

	if err := e.settlements.MarkExecuted(ctx, plan.ID); err != nil {
		return fmt.Errorf("settlement: mark executed %s: %w", plan.ID, err)
	}

	detail := map[string]any{
		"market_id":     marketID,
		"plan_id":       plan.ID,
		"outcome":       string(plan.Outcome),
		"total_rewards": plan.TotalRewards,
		"total_slashed": plan.TotalSlashed,
		"treasury_cut":  plan.TreasuryCut,
		"transactions":  len(plan.Transactions),
	}
	if e.attestor != nil {
		sig, sigErr := e.attestor.SignSettlement(plan)
		if sigErr != nil {
			e.logger.ErrorContext(ctx, "plan attestation failed",
				slog.String("plan_id", plan.ID),
				slog.String("error", sigErr.Error()),
			)
		} else {
			detail["attestation"] = sig
		}
	}
	if err := e.audit.Log(ctx, "settlement.executed", detail); err != nil {
		e.logger.ErrorContext(ctx, "audit log failed",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
	}

	e.logger.InfoContext(ctx, "market settled",
		slog.String("market_id", marketID),
		slog.Float64("total_rewards", plan.TotalRewards),
		slog.Float64("total_slashed", plan.TotalSlashed),
		slog.Duration("window", time.Since(market.EndTime)),
	)
	e.announce(ctx, plan)
	return nil
}

// announce publishes the settled event; delivery is best effort.
func (e *Executor) announce(ctx context.Context, plan domain.SettlementPlan) {
	if e.bus == nil {
		return
	}
	var total float64
	for _, tx := range plan.Transactions {
		if tx.Amount > 0 {
			total += tx.Amount
		}
	}
	payload, err := json.Marshal(map[string]any{
		"event":     "resolution.settled",
		"market_id": plan.MarketID,
		"plan_id":   plan.ID,
		"outcome":   string(plan.Outcome),
		"total":     total,
	})
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, "resolution.settled", payload); err != nil {
		e.logger.DebugContext(ctx, "settled event publish failed",
			slog.String("plan_id", plan.ID),
			slog.String("error", err.Error()),
		)
	}
}
