package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/castprotocol/resolutiond/internal/aggregate"
	"github.com/castprotocol/resolutiond/internal/dispute"
	"github.com/castprotocol/resolutiond/internal/domain"
	"github.com/castprotocol/resolutiond/internal/evidence"
	"github.com/castprotocol/resolutiond/internal/feed"
	"github.com/castprotocol/resolutiond/internal/notify"
	"github.com/castprotocol/resolutiond/internal/pipeline"
	"github.com/castprotocol/resolutiond/internal/resolution"
	"github.com/castprotocol/resolutiond/internal/service"
	"github.com/castprotocol/resolutiond/internal/settlement"
)

// buildMachine assembles the normalizer, aggregator, and state machine from
// the active configuration.
func (a *App) buildMachine(deps *Dependencies) *resolution.Machine {
	normalizer := evidence.NewNormalizer(evidence.Config{
		MinPatternRatio:  a.cfg.Evidence.MinPatternRatio,
		QualityThreshold: a.cfg.Evidence.QualityThreshold,
		OverlapThreshold: a.cfg.Evidence.OverlapThreshold,
	}, a.logger)

	aggregator := aggregate.New(aggregate.Config{
		MinConfidence:       a.cfg.Resolution.MinConfidence,
		AutoResolveAbove:    a.cfg.Resolution.AutoResolveAbove,
		AdminReviewAbove:    a.cfg.Resolution.AdminReviewAbove,
		ExternalTimeout:     a.cfg.Verify.Timeout.Duration,
		SensitiveCategories: a.cfg.Resolution.SensitiveCategories,
		MinEvidenceCount:    a.cfg.Resolution.MinEvidenceCount,
		MinAvgCredibility:   a.cfg.Resolution.MinAvgCredibility,
	}, deps.Feed, a.logger)

	return resolution.NewMachine(
		deps.Markets,
		deps.Evidence,
		deps.Disputes,
		deps.Decisions,
		deps.Audit,
		deps.Bus,
		normalizer,
		aggregator,
		a.logger,
		resolution.WithDisputeWindow(a.cfg.Resolution.DisputeWindow.Duration),
		resolution.WithMarketCache(deps.MarketCache),
	)
}

// buildPoller assembles the dispute evaluation runner and the resolution
// poller on top of the state machine.
func (a *App) buildPoller(deps *Dependencies) *pipeline.Poller {
	machine := a.buildMachine(deps)
	evaluator := dispute.NewEvaluator(deps.Disputes, a.logger)
	runner := dispute.NewRunner(deps.Markets, deps.Disputes, deps.Decisions, evaluator, a.cfg.Dispute.Workers, a.logger)
	return pipeline.NewPoller(deps.Markets, machine, runner, deps.Locks, a.cfg.Pipeline.PollBatchSize, a.logger)
}

// buildSettler assembles the settlement calculator, executor, and pipeline
// settler.
func (a *App) buildSettler(deps *Dependencies) *pipeline.Settler {
	calculator := settlement.NewCalculator(domain.SettlementParams{
		RewardMultiplier:          a.cfg.Settlement.RewardMultiplier,
		QualityBonusThreshold:     a.cfg.Settlement.QualityBonusThreshold,
		QualityBonusMultiplier:    a.cfg.Settlement.QualityBonusMultiplier,
		EvidenceStrengthThreshold: a.cfg.Settlement.EvidenceStrengthThreshold,
		EvidenceStrengthBonus:     a.cfg.Settlement.EvidenceStrengthBonus,
		EarlyBonusWindow:          a.cfg.Settlement.EarlyBonusWindow.Duration,
		EarlyBonusMultiplier:      a.cfg.Settlement.EarlyBonusMultiplier,
		TreasuryFee:               a.cfg.Settlement.TreasuryFee,
		GasRefund:                 a.cfg.Settlement.GasRefund,
		TreasuryAddress:           a.cfg.Settlement.TreasuryAddress,
	})

	var attestor settlement.Attestor
	if deps.Signer != nil {
		attestor = deps.Signer
	}
	executor := settlement.NewExecutor(deps.Markets, deps.Disputes, deps.Settlements, deps.Ledger, deps.Audit, deps.Bus, calculator, attestor, a.logger)
	return pipeline.NewSettler(deps.Markets, deps.Settlements, executor, deps.Locks, a.cfg.Pipeline.SettleBatchSize, a.logger)
}

// buildIngestor assembles the intake services and the indexer feed ingestor.
// Dispute intake is only wired when a bond ledger is available.
func (a *App) buildIngestor(deps *Dependencies) *feed.Ingestor {
	markets := service.NewMarketService(deps.Markets, deps.MarketCache, a.logger)
	evidenceSvc := service.NewEvidenceService(
		markets,
		deps.Evidence,
		deps.Attachments,
		deps.RateLimiter,
		deps.Bus,
		a.cfg.Dispute.RateLimit,
		a.cfg.Dispute.RateWindow.Duration,
		a.logger,
	)

	var gate feed.DisputeIntake
	if deps.Ledger != nil {
		gate = dispute.NewGate(
			deps.Markets,
			deps.Disputes,
			deps.Ledger,
			deps.RateLimiter,
			deps.Bus,
			a.cfg.Dispute.MinBond,
			a.cfg.Dispute.RateLimit,
			a.cfg.Dispute.RateWindow.Duration,
			a.logger,
		)
	}

	return feed.NewIngestor(a.cfg.Feed.WsURL, deps.Markets, deps.Markets, evidenceSvc, gate, deps.Bus, a.logger)
}

// ResolveMode runs the resolution poller and the notification listener.
func (a *App) ResolveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting resolve mode")

	g, ctx := errgroup.WithContext(ctx)
	poller := a.buildPoller(deps)
	listener := notify.NewListener(deps.Bus, deps.Notifier, a.logger)

	g.Go(func() error {
		err := poller.RunLoop(ctx, a.cfg.Pipeline.PollInterval.Duration)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("poller: %w", err)
	})
	g.Go(func() error {
		err := listener.Run(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("notify listener: %w", err)
	})

	return g.Wait()
}

// SettleMode runs only the settlement pipeline.
func (a *App) SettleMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting settle mode")

	settler := a.buildSettler(deps)
	err := settler.RunLoop(ctx, a.cfg.Pipeline.SettleInterval.Duration)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// IngestMode runs only the indexer feed.
func (a *App) IngestMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting ingest mode")

	if !a.cfg.Feed.Enabled {
		return fmt.Errorf("app: ingest mode requires feed.enabled")
	}

	ingestor := a.buildIngestor(deps)
	defer ingestor.Close()
	err := ingestor.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// FullMode runs every subsystem under a single orchestrator: feed ingest,
// resolution polling, dispute evaluation, settlement, notifications, and the
// audit archive cron.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	var ingestor *feed.Ingestor
	if a.cfg.Feed.Enabled {
		ingestor = a.buildIngestor(deps)
		defer ingestor.Close()
	} else {
		a.logger.InfoContext(ctx, "indexer feed disabled")
	}

	orch := pipeline.NewOrchestrator(
		ingestor,
		a.buildPoller(deps),
		a.buildSettler(deps),
		notify.NewListener(deps.Bus, deps.Notifier, a.logger),
		pipeline.NewArchiver(deps.Archiver, a.cfg.Pipeline.ArchiveRetentionDays, a.logger),
		a.cfg.Pipeline.PollInterval.Duration,
		a.cfg.Pipeline.SettleInterval.Duration,
		a.cfg.Pipeline.ArchiveCron,
		a.logger,
	)
	return orch.Run(ctx)
}
