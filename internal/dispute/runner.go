package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/castprotocol/resolutiond/internal/domain"
)

// Runner evaluates pending disputes concurrently. Evaluations are independent
// per dispute, so they run in parallel without shared state; read consistency
// comes from the stores.
type Runner struct {
	markets   domain.MarketStore
	disputes  domain.DisputeStore
	decisions domain.DecisionStore
	evaluator *Evaluator
	workers   int
	logger    *slog.Logger
}

// NewRunner creates a Runner with the given parallelism (minimum 1).
func NewRunner(markets domain.MarketStore, disputes domain.DisputeStore, decisions domain.DecisionStore, evaluator *Evaluator, workers int, logger *slog.Logger) *Runner {
	if workers < 1 {
		workers = 1
	}
	return &Runner{
		markets:   markets,
		disputes:  disputes,
		decisions: decisions,
		evaluator: evaluator,
		workers:   workers,
		logger:    logger.With(slog.String("component", "dispute_runner")),
	}
}

// EvaluateMarket scores every unevaluated active dispute on the market. An
// evaluation whose market has left Disputable by the time it completes is
// discarded rather than applied.
func (r *Runner) EvaluateMarket(ctx context.Context, marketID string) error {
	market, err := r.markets.GetByID(ctx, marketID)
	if err != nil {
		return fmt.Errorf("dispute: load market %s: %w", marketID, err)
	}
	if market.Status != domain.MarketStatusDisputable {
		return nil
	}

	decision, err := r.decisions.Latest(ctx, marketID, domain.DecisionPreliminary)
	if err != nil {
		return fmt.Errorf("dispute: load preliminary decision %s: %w", marketID, err)
	}

	active, err := r.disputes.ListActiveByMarket(ctx, marketID)
	if err != nil {
		return fmt.Errorf("dispute: list active disputes %s: %w", marketID, err)
	}

	pending := make(chan domain.Dispute, len(active))
	for _, d := range active {
		if d.Assessment == nil {
			pending <- d
		}
	}
	close(pending)

	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range pending {
				r.evaluateOne(ctx, d, decision, market)
			}
		}()
	}
	wg.Wait()
	return nil
}

func (r *Runner) evaluateOne(ctx context.Context, d domain.Dispute, decision domain.ResolutionDecision, market domain.Market) {
	assessment, err := r.evaluator.Evaluate(ctx, d, decision, market.EndTime)
	if err != nil {
		r.logger.ErrorContext(ctx, "dispute evaluation failed",
			slog.String("dispute_id", d.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	// Re-read the market: if it finalized while we were scoring, the result
	// is stale and must not be applied.
	fresh, err := r.markets.GetByID(ctx, market.ID)
	if err != nil {
		r.logger.ErrorContext(ctx, "market re-read failed, discarding evaluation",
			slog.String("dispute_id", d.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if fresh.Status != domain.MarketStatusDisputable {
		r.logger.InfoContext(ctx, "market left disputable during evaluation, discarding",
			slog.String("dispute_id", d.ID),
			slog.String("status", string(fresh.Status)),
		)
		return
	}

	if err := r.disputes.SetAssessment(ctx, d.ID, assessment); err != nil {
		r.logger.ErrorContext(ctx, "persisting assessment failed",
			slog.String("dispute_id", d.ID),
			slog.String("error", err.Error()),
		)
	}
}
