// Package resolution implements the market lifecycle state machine:
// Open -> PendingResolution -> Disputable -> {Resolved, Invalid}. The machine
// is stateless between invocations; the market store is the sole source of
// truth for status, which makes repeated invocations by the poller no-ops
// once a transition has happened.
package resolution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/castprotocol/resolutiond/internal/aggregate"
	"github.com/castprotocol/resolutiond/internal/domain"
	"github.com/castprotocol/resolutiond/internal/evidence"
)

// DefaultDisputeWindow is the protocol default dispute period.
const DefaultDisputeWindow = 168 * time.Hour

// Machine advances one market at a time through the resolution lifecycle.
type Machine struct {
	markets       domain.MarketStore
	evidenceStore domain.EvidenceStore
	disputes      domain.DisputeStore
	decisions     domain.DecisionStore
	audit         domain.AuditStore
	bus           domain.EventBus

	normalizer *evidence.Normalizer
	aggregator *aggregate.Aggregator
	cache      domain.MarketCache

	disputeWindow time.Duration
	cultural      func(market domain.Market) domain.CulturalContext
	now           func() time.Time
	logger        *slog.Logger
}

// Option customizes a Machine.
type Option func(*Machine)

// WithDisputeWindow overrides the default 168h dispute window.
func WithDisputeWindow(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.disputeWindow = d
		}
	}
}

// WithCulturalContext supplies the region descriptor used when normalizing a
// market's evidence.
func WithCulturalContext(fn func(domain.Market) domain.CulturalContext) Option {
	return func(m *Machine) { m.cultural = fn }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithMarketCache registers a cache to invalidate on every successful status
// transition, before the transition event is published.
func WithMarketCache(cache domain.MarketCache) Option {
	return func(m *Machine) { m.cache = cache }
}

// NewMachine creates a Machine over the given collaborators.
func NewMachine(
	markets domain.MarketStore,
	evidenceStore domain.EvidenceStore,
	disputes domain.DisputeStore,
	decisions domain.DecisionStore,
	audit domain.AuditStore,
	bus domain.EventBus,
	normalizer *evidence.Normalizer,
	aggregator *aggregate.Aggregator,
	logger *slog.Logger,
	opts ...Option,
) *Machine {
	m := &Machine{
		markets:       markets,
		evidenceStore: evidenceStore,
		disputes:      disputes,
		decisions:     decisions,
		audit:         audit,
		bus:           bus,
		normalizer:    normalizer,
		aggregator:    aggregator,
		disputeWindow: DefaultDisputeWindow,
		cultural:      func(domain.Market) domain.CulturalContext { return domain.CulturalContext{} },
		now:           func() time.Time { return time.Now().UTC() },
		logger:        logger.With(slog.String("component", "resolution_machine")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DisputeWindow returns the configured window duration.
func (m *Machine) DisputeWindow() time.Duration { return m.disputeWindow }

// Advance inspects the market's current state and applies at most one
// transition. Invoking it on a market that is not due, or that another poller
// instance already advanced, is a no-op. The store's conditional update
// rejects lost races with ErrStateConflict, which Advance swallows as a
// no-op.
func (m *Machine) Advance(ctx context.Context, marketID string) error {
	market, err := m.markets.GetByID(ctx, marketID)
	if err != nil {
		return fmt.Errorf("resolution: load market %s: %w", marketID, err)
	}

	now := m.now()

	switch market.Status {
	case domain.MarketStatusOpen:
		if now.Before(market.EndTime) {
			return nil
		}
		err = m.preliminary(ctx, market)
	case domain.MarketStatusPendingResolution:
		// PendingResolution is transient; a crash between the preliminary
		// decision and the disputable flip is healed here.
		err = m.openDisputeWindow(ctx, market)
	case domain.MarketStatusDisputable:
		if market.DisputePeriodEnd == nil || now.Before(*market.DisputePeriodEnd) {
			return nil
		}
		err = m.finalize(ctx, market)
	case domain.MarketStatusResolved, domain.MarketStatusInvalid:
		// Terminal; nothing to do.
		return nil
	default:
		return fmt.Errorf("resolution: market %s has unknown status %q: %w", market.ID, market.Status, domain.ErrStateConflict)
	}

	if errors.Is(err, domain.ErrStateConflict) {
		// Another instance advanced the market first.
		m.logger.DebugContext(ctx, "transition lost race, skipping",
			slog.String("market_id", market.ID),
			slog.String("status", string(market.Status)),
		)
		return nil
	}
	return err
}

// preliminary runs the aggregator at market close and moves the market to
// PendingResolution (or Invalid when confidence is below threshold), then
// immediately opens the dispute window.
func (m *Machine) preliminary(ctx context.Context, market domain.Market) error {
	decision, err := m.decide(ctx, market, domain.DecisionPreliminary, nil)
	if err != nil {
		return err
	}

	if decision.Outcome == domain.OutcomeInvalid {
		// Below-threshold confidence refunds; never force a side.
		return m.invalidate(ctx, market, domain.MarketStatusOpen, decision)
	}

	market.Status = domain.MarketStatusPendingResolution
	market.Outcome = decision.Outcome
	market.Confidence = decision.Confidence
	market.Reasoning = decision.Reasoning
	at := m.now()
	market.PreliminaryAt = &at

	if err := m.transition(ctx, market, domain.MarketStatusOpen); err != nil {
		return fmt.Errorf("resolution: preliminary transition %s: %w", market.ID, err)
	}
	m.record(ctx, "market.preliminary_resolution", "resolution.preliminary", market, decision)
	if decision.Action != domain.ActionAutoResolve {
		m.publish(ctx, "resolution.admin_review", market, &decision)
	}

	return m.openDisputeWindow(ctx, market)
}

// openDisputeWindow flips PendingResolution to Disputable. The dispute period
// end is derived from the market's fixed expiry, never from the wall clock,
// so delayed or repeated polling cannot shift the window.
func (m *Machine) openDisputeWindow(ctx context.Context, market domain.Market) error {
	end := market.EndTime.Add(m.disputeWindow)
	market.DisputePeriodEnd = &end
	market.Status = domain.MarketStatusDisputable

	if err := m.transition(ctx, market, domain.MarketStatusPendingResolution); err != nil {
		return fmt.Errorf("resolution: open dispute window %s: %w", market.ID, err)
	}

	m.logger.InfoContext(ctx, "dispute window open",
		slog.String("market_id", market.ID),
		slog.String("outcome", string(market.Outcome)),
		slog.Time("dispute_period_end", end),
	)
	m.publish(ctx, "resolution.disputable", market, nil)
	return nil
}

// finalize re-runs the aggregator with any valid disputes' counter-evidence
// folded in, then locks in the outcome or invalidates the market.
func (m *Machine) finalize(ctx context.Context, market domain.Market) error {
	counter, err := m.counterEvidence(ctx, market)
	if err != nil {
		return err
	}

	decision, err := m.decide(ctx, market, domain.DecisionFinal, counter)
	if err != nil {
		return err
	}

	if decision.Outcome == domain.OutcomeInvalid {
		return m.invalidate(ctx, market, domain.MarketStatusDisputable, decision)
	}

	market.Status = domain.MarketStatusResolved
	market.Outcome = decision.Outcome
	market.Confidence = decision.Confidence
	market.Reasoning = decision.Reasoning

	if err := m.transition(ctx, market, domain.MarketStatusDisputable); err != nil {
		return fmt.Errorf("resolution: finalize %s: %w", market.ID, err)
	}
	m.record(ctx, "market.resolved", "resolution.final", market, decision)
	m.settleDisputeStatuses(ctx, market)
	return nil
}

// Invalidate moves a disputable market to Invalid on admin judgment, e.g. an
// ambiguous claim with no resolvable outcome.
func (m *Machine) Invalidate(ctx context.Context, marketID, reason string) error {
	market, err := m.markets.GetByID(ctx, marketID)
	if err != nil {
		return fmt.Errorf("resolution: load market %s: %w", marketID, err)
	}
	if market.Status != domain.MarketStatusDisputable {
		return fmt.Errorf("resolution: invalidate %s in %s: %w", marketID, market.Status, domain.ErrStateConflict)
	}
	decision := domain.ResolutionDecision{
		MarketID:   market.ID,
		Kind:       domain.DecisionFinal,
		Outcome:    domain.OutcomeInvalid,
		Confidence: market.Confidence,
		Reasoning:  reason,
		CreatedAt:  m.now(),
	}
	return m.invalidate(ctx, market, domain.MarketStatusDisputable, decision)
}

func (m *Machine) invalidate(ctx context.Context, market domain.Market, expected domain.MarketStatus, decision domain.ResolutionDecision) error {
	market.Status = domain.MarketStatusInvalid
	market.Outcome = domain.OutcomeInvalid
	market.Confidence = decision.Confidence
	market.Reasoning = decision.Reasoning

	if err := m.transition(ctx, market, expected); err != nil {
		return fmt.Errorf("resolution: invalidate %s: %w", market.ID, err)
	}
	m.record(ctx, "market.invalidated", "resolution.invalid", market, decision)
	m.settleDisputeStatuses(ctx, market)
	return nil
}

// transition applies the conditional status update and drops any cached copy
// of the market so readers never see the old status past the transition.
func (m *Machine) transition(ctx context.Context, market domain.Market, expected domain.MarketStatus) error {
	if err := m.markets.TransitionStatus(ctx, market, expected); err != nil {
		return err
	}
	if m.cache != nil {
		if err := m.cache.Invalidate(ctx, market.ID); err != nil {
			m.logger.WarnContext(ctx, "cache invalidate failed",
				slog.String("market_id", market.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// decide loads, normalizes, and aggregates the market's evidence plus any
// extra counter-evidence, persisting the resulting decision.
func (m *Machine) decide(ctx context.Context, market domain.Market, kind domain.DecisionKind, extra []domain.EvidenceSubmission) (domain.ResolutionDecision, error) {
	subs, err := m.evidenceStore.ListByMarket(ctx, market.ID, domain.ListOpts{})
	if err != nil {
		return domain.ResolutionDecision{}, fmt.Errorf("resolution: list evidence %s: %w", market.ID, err)
	}
	subs = append(subs, extra...)

	batch := m.normalizer.NormalizeBatch(ctx, subs, m.cultural(market))

	tally, err := m.markets.VolumeTally(ctx, market.ID)
	if err != nil {
		return domain.ResolutionDecision{}, fmt.Errorf("resolution: volume tally %s: %w", market.ID, err)
	}

	decision, err := m.aggregator.Decide(ctx, market, kind, batch, tally)
	if err != nil {
		return domain.ResolutionDecision{}, err
	}

	if err := m.decisions.Insert(ctx, decision); err != nil {
		return domain.ResolutionDecision{}, fmt.Errorf("resolution: persist decision %s: %w", market.ID, err)
	}
	return decision, nil
}

// counterEvidence converts valid disputes' evidence payloads into synthetic
// submissions for the final aggregation pass.
func (m *Machine) counterEvidence(ctx context.Context, market domain.Market) ([]domain.EvidenceSubmission, error) {
	active, err := m.disputes.ListActiveByMarket(ctx, market.ID)
	if err != nil {
		return nil, fmt.Errorf("resolution: list disputes %s: %w", market.ID, err)
	}

	var out []domain.EvidenceSubmission
	for _, d := range active {
		if d.Assessment == nil || d.Assessment.Validity != domain.ValidityLikelyValid {
			continue
		}
		// A valid dispute argues against the preliminary outcome.
		supports := domain.OutcomeNo
		if market.Outcome == domain.OutcomeNo {
			supports = domain.OutcomeYes
		}
		out = append(out, domain.EvidenceSubmission{
			ID:               "dispute-" + d.ID,
			MarketID:         market.ID,
			Submitter:        d.Disputer,
			Content:          d.Evidence,
			Links:            d.Sources,
			DeclaredLanguage: "en",
			Supports:         supports,
			SubmittedAt:      d.CreatedAt,
		})
	}
	return out, nil
}

// settleDisputeStatuses closes out each dispute's status once the market
// reaches a terminal state: valid disputes resolve, invalid ones reject,
// unevaluated ones expire.
func (m *Machine) settleDisputeStatuses(ctx context.Context, market domain.Market) {
	active, err := m.disputes.ListActiveByMarket(ctx, market.ID)
	if err != nil {
		m.logger.ErrorContext(ctx, "listing disputes for status settlement",
			slog.String("market_id", market.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, d := range active {
		status := domain.DisputeStatusExpired
		if d.Assessment != nil {
			switch d.Assessment.Validity {
			case domain.ValidityLikelyValid:
				status = domain.DisputeStatusResolved
			case domain.ValidityLikelyInvalid:
				status = domain.DisputeStatusRejected
			default:
				status = domain.DisputeStatusResolved // uncertain: bond returned
			}
		}
		if err := m.disputes.UpdateStatus(ctx, d.ID, status); err != nil {
			m.logger.ErrorContext(ctx, "updating dispute status",
				slog.String("dispute_id", d.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// record writes the audit trail and publishes the transition event.
func (m *Machine) record(ctx context.Context, event, channel string, market domain.Market, decision domain.ResolutionDecision) {
	detail := map[string]any{
		"market_id":  market.ID,
		"status":     string(market.Status),
		"outcome":    string(market.Outcome),
		"confidence": decision.Confidence,
		"action":     string(decision.Action),
		"risk_flags": decision.RiskFlags,
	}
	if err := m.audit.Log(ctx, event, detail); err != nil {
		m.logger.ErrorContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
	m.publish(ctx, channel, market, &decision)
}

func (m *Machine) publish(ctx context.Context, channel string, market domain.Market, decision *domain.ResolutionDecision) {
	payload := map[string]any{
		"event":     channel,
		"market_id": market.ID,
		"status":    string(market.Status),
		"outcome":   string(market.Outcome),
	}
	if decision != nil {
		payload["confidence"] = decision.Confidence
		payload["action"] = string(decision.Action)
		payload["reason"] = decision.Reasoning
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := m.bus.Publish(ctx, channel, data); err != nil {
		m.logger.DebugContext(ctx, "event publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}
