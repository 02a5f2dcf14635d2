package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/castprotocol/resolutiond/internal/domain"
	"github.com/castprotocol/resolutiond/internal/settlement"
)

// Settler settles finalized markets. Each pass it looks for terminal markets
// that still have unsettled disputes and runs the settlement executor under a
// per-market lock. Already-settled markets are skipped by the executor, so a
// pass is safe to repeat.
type Settler struct {
	markets     domain.MarketStore
	settlements domain.SettlementStore
	executor    *settlement.Executor
	locks       domain.LockManager
	batchSize   int
	logger      *slog.Logger
}

// NewSettler creates a Settler.
func NewSettler(
	markets domain.MarketStore,
	settlements domain.SettlementStore,
	executor *settlement.Executor,
	locks domain.LockManager,
	batchSize int,
	logger *slog.Logger,
) *Settler {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Settler{
		markets:     markets,
		settlements: settlements,
		executor:    executor,
		locks:       locks,
		batchSize:   batchSize,
		logger:      logger.With(slog.String("component", "settler")),
	}
}

// RunOnce executes one settlement pass and returns the number of markets
// settled. It first retries plans that were emitted but not fully executed,
// then settles freshly terminal markets.
func (s *Settler) RunOnce(ctx context.Context) (int, error) {
	settled := 0

	// Retry partially executed plans before picking up new work.
	pending, err := s.settlements.ListUnexecuted(ctx, s.batchSize)
	if err != nil {
		return 0, err
	}
	for _, plan := range pending {
		if s.settleMarket(ctx, plan.MarketID) {
			settled++
		}
	}

	for _, status := range []domain.MarketStatus{domain.MarketStatusResolved, domain.MarketStatusInvalid} {
		markets, err := s.markets.ListByStatus(ctx, status, domain.ListOpts{Limit: s.batchSize})
		if err != nil {
			return settled, err
		}
		for _, market := range markets {
			select {
			case <-ctx.Done():
				return settled, ctx.Err()
			default:
			}

			done, err := s.settlements.AlreadySettled(ctx, market.ID)
			if err != nil {
				s.logger.Error("settlement check failed",
					slog.String("market_id", market.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if done {
				continue
			}

			if s.settleMarket(ctx, market.ID) {
				settled++
			}
		}
	}

	return settled, nil
}

func (s *Settler) settleMarket(ctx context.Context, marketID string) bool {
	unlock, err := s.locks.Acquire(ctx, "settle:"+marketID, lockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return false
		}
		s.logger.Error("acquire settlement lock failed",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
		return false
	}
	defer unlock()

	if err := s.executor.Settle(ctx, marketID); err != nil {
		s.logger.Error("settlement failed",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// RunLoop settles on the given interval until ctx is cancelled.
func (s *Settler) RunLoop(ctx context.Context, interval time.Duration) error {
	s.logger.Info("settler started", slog.Duration("interval", interval))
	defer s.logger.Info("settler stopped")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := s.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Error("settlement pass failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				s.logger.Info("settlement pass complete", slog.Int("settled", n))
			}
		}
	}
}
