package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/castprotocol/resolutiond/internal/domain"
)

// resolutionEvent is the JSON shape published on the resolution channels.
type resolutionEvent struct {
	Event      string  `json:"event"`
	MarketID   string  `json:"market_id"`
	Outcome    string  `json:"outcome"`
	Confidence float64 `json:"confidence"`
	Action     string  `json:"action"`
	DisputeID  string  `json:"dispute_id"`
	PlanID     string  `json:"plan_id"`
	Total      float64 `json:"total"`
	Reason     string  `json:"reason"`
}

// Listener subscribes to the resolution event channels and forwards
// operator-relevant events to the notifier.
type Listener struct {
	bus      domain.EventBus
	notifier *Notifier
	logger   *slog.Logger
}

// NewListener creates a Listener over the given bus and notifier.
func NewListener(bus domain.EventBus, notifier *Notifier, logger *slog.Logger) *Listener {
	return &Listener{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "notify_listener")),
	}
}

// Run subscribes to the resolution channel pattern and dispatches until ctx
// is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	ch, err := l.bus.Subscribe(ctx, "resolution.*")
	if err != nil {
		return fmt.Errorf("notify: subscribe resolution events: %w", err)
	}
	l.logger.Info("notify listener started")
	defer l.logger.Info("notify listener stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			l.handle(ctx, data)
		}
	}
}

func (l *Listener) handle(ctx context.Context, data []byte) {
	var ev resolutionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		l.logger.Debug("dropping unparseable event", slog.Int("payload_len", len(data)))
		return
	}

	title, message := l.render(ev)
	if title == "" {
		return
	}

	if err := l.notifier.Notify(ctx, ev.Event, title, message); err != nil {
		l.logger.Error("notification failed",
			slog.String("event", ev.Event),
			slog.String("error", err.Error()),
		)
	}
}

// render maps an event to a human-readable notification. Events that do not
// concern operators return an empty title.
func (l *Listener) render(ev resolutionEvent) (string, string) {
	switch ev.Event {
	case "resolution.preliminary":
		return fmt.Sprintf("Preliminary resolution: %s", ev.MarketID),
			fmt.Sprintf("Outcome %s at %.1f confidence, action %s. Dispute window open.",
				ev.Outcome, ev.Confidence, ev.Action)
	case "resolution.final":
		return fmt.Sprintf("Market finalized: %s", ev.MarketID),
			fmt.Sprintf("Final outcome %s at %.1f confidence.", ev.Outcome, ev.Confidence)
	case "resolution.invalid":
		return fmt.Sprintf("Market invalidated: %s", ev.MarketID),
			fmt.Sprintf("All stakes refunded. %s", ev.Reason)
	case "resolution.dispute_filed":
		return fmt.Sprintf("Dispute filed: %s", ev.MarketID),
			fmt.Sprintf("Dispute %s challenges the preliminary outcome.", ev.DisputeID)
	case "resolution.admin_review":
		return fmt.Sprintf("Review needed: %s", ev.MarketID),
			fmt.Sprintf("Decision requires admin review (%s, %.1f confidence). %s",
				ev.Outcome, ev.Confidence, ev.Reason)
	case "resolution.settled":
		return fmt.Sprintf("Settlement executed: %s", ev.MarketID),
			fmt.Sprintf("Plan %s moved %.2f CAST.", ev.PlanID, ev.Total)
	}
	return "", ""
}
