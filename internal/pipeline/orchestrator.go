package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/castprotocol/resolutiond/internal/feed"
	"github.com/castprotocol/resolutiond/internal/notify"
)

// Orchestrator manages the engine's goroutines: the indexer feed, the market
// poller, the settlement runner, the notification listener, and cold-storage
// archival.
type Orchestrator struct {
	ingestor       *feed.Ingestor
	poller         *Poller
	settler        *Settler
	listener       *notify.Listener
	archiver       *Archiver
	pollInterval   time.Duration
	settleInterval time.Duration
	archiveCron    string
	logger         *slog.Logger
}

// NewOrchestrator creates a new Orchestrator. The ingestor and listener may
// be nil when the corresponding subsystem is disabled.
func NewOrchestrator(
	ingestor *feed.Ingestor,
	poller *Poller,
	settler *Settler,
	listener *notify.Listener,
	archiver *Archiver,
	pollInterval time.Duration,
	settleInterval time.Duration,
	archiveCron string,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		ingestor:       ingestor,
		poller:         poller,
		settler:        settler,
		listener:       listener,
		archiver:       archiver,
		pollInterval:   pollInterval,
		settleInterval: settleInterval,
		archiveCron:    archiveCron,
		logger:         logger,
	}
}

// Run starts all subsystems as concurrent goroutines using an errgroup. Each
// goroutine respects ctx cancellation. If any goroutine returns a non-context
// error, the errgroup cancels the shared context and Run returns that error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator starting",
		slog.Duration("poll_interval", o.pollInterval),
		slog.Duration("settle_interval", o.settleInterval),
		slog.String("archive_cron", o.archiveCron),
	)

	g, ctx := errgroup.WithContext(ctx)

	if o.ingestor != nil {
		g.Go(func() error {
			o.logger.Info("starting indexer feed")
			err := o.ingestor.Run(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("indexer feed: %w", err)
		})
	}

	g.Go(func() error {
		o.logger.Info("starting poller loop")
		err := o.poller.RunLoop(ctx, o.pollInterval)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("poller: %w", err)
	})

	g.Go(func() error {
		o.logger.Info("starting settler loop")
		err := o.settler.RunLoop(ctx, o.settleInterval)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("settler: %w", err)
	})

	if o.listener != nil {
		g.Go(func() error {
			o.logger.Info("starting notify listener")
			err := o.listener.Run(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("notify listener: %w", err)
		})
	}

	g.Go(func() error {
		o.logger.Info("starting archiver cron")
		err := o.archiver.RunCron(ctx, o.archiveCron)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("archiver: %w", err)
	})

	err := g.Wait()
	if err != nil {
		o.logger.Error("orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}

	o.logger.Info("orchestrator stopped cleanly")
	return nil
}
