package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/castprotocol/resolutiond/internal/dispute"
	"github.com/castprotocol/resolutiond/internal/domain"
	"github.com/castprotocol/resolutiond/internal/service"
)

// StakeRecorder is the narrow store surface the ingestor needs for stakes.
// The postgres MarketStore satisfies it.
type StakeRecorder interface {
	RecordStake(ctx context.Context, marketID, staker string, side domain.Outcome, amount float64) error
}

// EvidenceIntake accepts relayed evidence submissions. The service package's
// EvidenceService satisfies it.
type EvidenceIntake interface {
	Submit(ctx context.Context, req service.SubmitEvidenceRequest) (domain.EvidenceSubmission, error)
}

// DisputeIntake accepts relayed dispute filings. The dispute package's Gate
// satisfies it.
type DisputeIntake interface {
	Submit(ctx context.Context, req dispute.Request) (domain.Dispute, error)
}

// Ingestor subscribes to the indexer feed and persists market, stake, and
// evidence events, republishing them on the event bus for downstream
// listeners.
type Ingestor struct {
	wsURL    string
	markets  domain.MarketStore
	stakes   StakeRecorder
	evidence EvidenceIntake
	disputes DisputeIntake
	bus      domain.EventBus
	logger   *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewIngestor creates an Ingestor for the given indexer WebSocket URL.
// evidence and disputes may be nil; the corresponding messages are then
// dropped.
func NewIngestor(wsURL string, markets domain.MarketStore, stakes StakeRecorder, evidence EvidenceIntake, disputes DisputeIntake, bus domain.EventBus, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		wsURL:    wsURL,
		markets:  markets,
		stakes:   stakes,
		evidence: evidence,
		disputes: disputes,
		bus:      bus,
		logger:   logger.With(slog.String("component", "indexer_feed")),
		done:     make(chan struct{}),
	}
}

// Run connects, subscribes, and runs until ctx is cancelled. Reconnects with
// backoff on disconnect.
func (g *Ingestor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.done:
			return nil
		default:
		}

		connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := g.runConnection(ctx, connCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.logger.Warn("indexer feed disconnected, reconnecting", slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (g *Ingestor) runConnection(ctx, connCtx context.Context) error {
	client := NewIndexerClient(g.wsURL)
	defer client.Close()

	client.OnMarketCreated(func(ev MarketCreatedEvent) {
		g.handleMarketCreated(ctx, ev)
	})
	client.OnStake(func(ev StakeEvent) {
		g.handleStake(ctx, ev)
	})
	channels := []string{"market_created", "stake"}
	if g.evidence != nil {
		client.OnEvidence(func(ev EvidenceEvent) {
			g.handleEvidence(ctx, ev)
		})
		channels = append(channels, "evidence")
	}
	if g.disputes != nil {
		client.OnDispute(func(ev DisputeEvent) {
			g.handleDispute(ctx, ev)
		})
		channels = append(channels, "dispute")
	}

	if err := client.Connect(connCtx); err != nil {
		return err
	}
	if err := client.Subscribe(connCtx, channels); err != nil {
		return err
	}
	g.logger.Info("indexer feed subscribed")

	<-ctx.Done()
	return ctx.Err()
}

func (g *Ingestor) handleMarketCreated(ctx context.Context, ev MarketCreatedEvent) {
	if ev.MarketID == "" || strings.TrimSpace(ev.Claim) == "" {
		return
	}

	market := domain.Market{
		ID:        ev.MarketID,
		Claim:     ev.Claim,
		Category:  ev.Category,
		Creator:   ev.Creator,
		EndTime:   ev.EndTime,
		Status:    domain.MarketStatusOpen,
		CreatedAt: ev.CreatedAt,
	}
	if err := g.markets.Create(ctx, market); err != nil {
		// Replays after reconnect are expected.
		if errors.Is(err, domain.ErrAlreadyExists) {
			return
		}
		g.logger.Error("persist market failed",
			slog.String("market_id", ev.MarketID),
			slog.String("error", err.Error()),
		)
		return
	}

	g.publish(ctx, "markets", map[string]any{
		"event":     "market_created",
		"market_id": ev.MarketID,
		"end_time":  ev.EndTime.Format(time.RFC3339),
	})
	g.logger.Info("market ingested", slog.String("market_id", ev.MarketID))
}

func (g *Ingestor) handleStake(ctx context.Context, ev StakeEvent) {
	side := domain.Outcome(strings.ToUpper(ev.Side))
	if side != domain.OutcomeYes && side != domain.OutcomeNo {
		g.logger.Debug("dropping stake with unknown side", slog.String("side", ev.Side))
		return
	}
	if ev.Amount <= 0 || ev.MarketID == "" {
		return
	}

	if err := g.stakes.RecordStake(ctx, ev.MarketID, ev.Staker, side, ev.Amount); err != nil {
		g.logger.Error("persist stake failed",
			slog.String("market_id", ev.MarketID),
			slog.String("error", err.Error()),
		)
		return
	}

	g.publish(ctx, "stakes", map[string]any{
		"event":     "stake",
		"market_id": ev.MarketID,
		"side":      string(side),
		"amount":    ev.Amount,
	})
}

func (g *Ingestor) handleEvidence(ctx context.Context, ev EvidenceEvent) {
	// The service publishes its own bus event on acceptance; rejections are
	// only logged since a relayed submission has no caller to answer.
	_, err := g.evidence.Submit(ctx, service.SubmitEvidenceRequest{
		MarketID:         ev.MarketID,
		Submitter:        ev.Submitter,
		Content:          ev.Content,
		Links:            ev.Links,
		DeclaredLanguage: ev.Language,
		Supports:         domain.Outcome(strings.ToUpper(ev.Supports)),
		Attachment:       ev.Attachment,
		AttachmentType:   ev.ContentType,
	})
	if err != nil {
		g.logger.Debug("evidence submission rejected",
			slog.String("market_id", ev.MarketID),
			slog.String("submitter", ev.Submitter),
			slog.String("error", err.Error()),
		)
	}
}

func (g *Ingestor) handleDispute(ctx context.Context, ev DisputeEvent) {
	// The gate owns all validation, bond locking, and the filed event.
	_, err := g.disputes.Submit(ctx, dispute.Request{
		MarketID:     ev.MarketID,
		Disputer:     ev.Disputer,
		Reason:       ev.Reason,
		Evidence:     ev.Evidence,
		Sources:      ev.Sources,
		EvidenceDate: ev.EvidenceDate,
		Bond:         ev.Bond,
	})
	if err != nil {
		g.logger.Warn("dispute filing rejected",
			slog.String("market_id", ev.MarketID),
			slog.String("disputer", ev.Disputer),
			slog.String("error", err.Error()),
		)
	}
}

func (g *Ingestor) publish(ctx context.Context, channel string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := g.bus.Publish(ctx, channel, data); err != nil {
		g.logger.Debug("bus publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

// Close stops the ingestor.
func (g *Ingestor) Close() {
	g.closeOnce.Do(func() { close(g.done) })
}
