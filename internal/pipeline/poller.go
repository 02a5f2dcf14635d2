// Package pipeline contains the long-running loops that drive resolution:
// the market poller, the dispute evaluation pass, the settlement runner, and
// cold-storage archival.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/castprotocol/resolutiond/internal/dispute"
	"github.com/castprotocol/resolutiond/internal/domain"
	"github.com/castprotocol/resolutiond/internal/resolution"
)

// lockTTL bounds how long a poller instance may hold a per-market lock. A
// crashed instance's lock expires and another instance picks the market up.
const lockTTL = 2 * time.Minute

// Poller drives market state transitions. Each pass it lists markets whose
// deadline has passed, takes a per-market distributed lock, and advances the
// state machine. Timeliness comes from the poll interval, not from timers
// armed at transition time, so restarts lose nothing.
type Poller struct {
	markets   domain.MarketStore
	machine   *resolution.Machine
	evaluator *dispute.Runner
	locks     domain.LockManager
	batchSize int
	logger    *slog.Logger
}

// NewPoller creates a Poller.
func NewPoller(
	markets domain.MarketStore,
	machine *resolution.Machine,
	evaluator *dispute.Runner,
	locks domain.LockManager,
	batchSize int,
	logger *slog.Logger,
) *Poller {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Poller{
		markets:   markets,
		machine:   machine,
		evaluator: evaluator,
		locks:     locks,
		batchSize: batchSize,
		logger:    logger.With(slog.String("component", "poller")),
	}
}

// RunOnce executes a single poll pass and returns the number of markets
// advanced. Individual market failures are logged and skipped; the pass
// continues with the remaining markets.
func (p *Poller) RunOnce(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	due, err := p.markets.ListDue(ctx, now, domain.ListOpts{Limit: p.batchSize})
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	advanced := 0
	for _, market := range due {
		select {
		case <-ctx.Done():
			return advanced, ctx.Err()
		default:
		}

		if p.processMarket(ctx, market) {
			advanced++
		}
	}

	// A separate pass scores newly filed disputes on markets still inside
	// their window.
	p.evaluateDisputes(ctx)

	return advanced, nil
}

// processMarket advances a single market under a distributed lock. Returns
// true when the machine ran (even if it chose to do nothing).
func (p *Poller) processMarket(ctx context.Context, market domain.Market) bool {
	unlock, err := p.locks.Acquire(ctx, "market:"+market.ID, lockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			// Another instance owns this market this pass.
			return false
		}
		p.logger.Error("acquire market lock failed",
			slog.String("market_id", market.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	defer unlock()

	if err := p.machine.Advance(ctx, market.ID); err != nil {
		p.logger.Error("advance market failed",
			slog.String("market_id", market.ID),
			slog.String("status", string(market.Status)),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// evaluateDisputes runs the quality evaluator over disputable markets so
// assessments are ready before the window closes.
func (p *Poller) evaluateDisputes(ctx context.Context) {
	disputable, err := p.markets.ListByStatus(ctx, domain.MarketStatusDisputable, domain.ListOpts{Limit: p.batchSize})
	if err != nil {
		p.logger.Error("list disputable markets failed", slog.String("error", err.Error()))
		return
	}

	for _, market := range disputable {
		if err := p.evaluator.EvaluateMarket(ctx, market.ID); err != nil {
			p.logger.Error("evaluate disputes failed",
				slog.String("market_id", market.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// RunLoop polls on the given interval until ctx is cancelled. The first pass
// runs immediately.
func (p *Poller) RunLoop(ctx context.Context, interval time.Duration) error {
	p.logger.Info("poller started", slog.Duration("interval", interval))
	defer p.logger.Info("poller stopped")

	if n, err := p.RunOnce(ctx); err != nil {
		p.logger.Error("poll pass failed", slog.String("error", err.Error()))
	} else if n > 0 {
		p.logger.Info("poll pass complete", slog.Int("advanced", n))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := p.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.logger.Error("poll pass failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				p.logger.Info("poll pass complete", slog.Int("advanced", n))
			}
		}
	}
}
