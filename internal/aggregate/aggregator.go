// Package aggregate combines the three independent resolution signals
// (betting volume, normalized evidence, external verification) into a single
// outcome with a confidence score. The scoring path is deterministic; the
// external verification capability is injected and may be a fixture in tests.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/castprotocol/resolutiond/internal/domain"
	"github.com/castprotocol/resolutiond/internal/evidence"
)

// Config holds the aggregator's decision thresholds.
type Config struct {
	// MinConfidence gates any YES/NO resolution; below it the market is
	// invalidated and stakes refunded.
	MinConfidence float64
	// AutoResolveAbove and AdminReviewAbove bound the recommended-action
	// bands: (AutoResolveAbove,100] auto, (AdminReviewAbove,AutoResolveAbove]
	// admin review, the rest extended review.
	AutoResolveAbove float64
	AdminReviewAbove float64
	// ExternalTimeout bounds each verification feed call.
	ExternalTimeout time.Duration
	// SensitiveCategories are always flagged for elevated review.
	SensitiveCategories []string
	// MinEvidenceCount below which the low-evidence flag is raised.
	MinEvidenceCount int
	// MinAvgCredibility below which the low-credibility flag is raised.
	MinAvgCredibility float64
}

// DefaultConfig returns the protocol-default aggregator configuration.
func DefaultConfig() Config {
	return Config{
		MinConfidence:       80,
		AutoResolveAbove:    90,
		AdminReviewAbove:    70,
		ExternalTimeout:     20 * time.Second,
		SensitiveCategories: []string{"politics", "elections", "conflict"},
		MinEvidenceCount:    3,
		MinAvgCredibility:   0.5,
	}
}

// Aggregator produces ResolutionDecisions for markets.
type Aggregator struct {
	cfg    Config
	feed   domain.VerificationFeed
	logger *slog.Logger
}

// New creates an Aggregator. feed may not be nil; use a fixture in tests.
func New(cfg Config, feed domain.VerificationFeed, logger *slog.Logger) *Aggregator {
	def := DefaultConfig()
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = def.MinConfidence
	}
	if cfg.AutoResolveAbove <= 0 {
		cfg.AutoResolveAbove = def.AutoResolveAbove
	}
	if cfg.AdminReviewAbove <= 0 {
		cfg.AdminReviewAbove = def.AdminReviewAbove
	}
	if cfg.ExternalTimeout <= 0 {
		cfg.ExternalTimeout = def.ExternalTimeout
	}
	if cfg.MinEvidenceCount <= 0 {
		cfg.MinEvidenceCount = def.MinEvidenceCount
	}
	if cfg.MinAvgCredibility <= 0 {
		cfg.MinAvgCredibility = def.MinAvgCredibility
	}
	if len(cfg.SensitiveCategories) == 0 {
		cfg.SensitiveCategories = def.SensitiveCategories
	}
	return &Aggregator{
		cfg:    cfg,
		feed:   feed,
		logger: logger.With(slog.String("component", "aggregator")),
	}
}

// MinConfidence exposes the configured resolution threshold.
func (a *Aggregator) MinConfidence() float64 { return a.cfg.MinConfidence }

// Decide queries the external verification feed and combines all three
// signals into a decision. Feed failure is not fatal: the decision degrades
// to the betting and evidence signals with the external component at zero and
// the EXTERNAL_UNAVAILABLE risk flag set, which lowers achievable confidence.
func (a *Aggregator) Decide(ctx context.Context, market domain.Market, kind domain.DecisionKind, batch evidence.BatchResult, tally domain.VolumeTally) (domain.ResolutionDecision, error) {
	extResult, extErr := a.queryExternal(ctx, market)
	if extErr != nil {
		a.logger.WarnContext(ctx, "external verification unavailable, degrading to two signals",
			slog.String("market_id", market.ID),
			slog.String("error", extErr.Error()),
		)
	}
	return a.decide(market, kind, batch, tally, extResult, extErr != nil), nil
}

func (a *Aggregator) queryExternal(ctx context.Context, market domain.Market) (domain.VerificationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ExternalTimeout)
	defer cancel()
	res, err := a.feed.Verify(ctx, market.Claim, market.Category)
	if err != nil {
		return domain.VerificationResult{}, fmt.Errorf("aggregate: verify claim: %w", err)
	}
	return res, nil
}

// decide is the pure scoring core. Given identical inputs it always returns
// an identical decision (modulo ID and timestamp).
func (a *Aggregator) decide(market domain.Market, kind domain.DecisionKind, batch evidence.BatchResult, tally domain.VolumeTally, ext domain.VerificationResult, extUnavailable bool) domain.ResolutionDecision {
	betSide, betPts := bettingSignal(tally)
	evSide, evPts := evidenceSignal(batch)

	var extSide domain.Outcome
	var extPts float64
	if !extUnavailable {
		extSide, extPts = externalSignal(ext)
	}

	// Support per side: each signal contributes its points to the side it
	// favors; the outcome is the side with higher combined support.
	support := map[domain.Outcome]float64{}
	support[betSide] += betPts
	support[evSide] += evPts
	if extPts > 0 {
		support[extSide] += extPts
	}

	outcome := domain.OutcomeYes
	if support[domain.OutcomeNo] > support[domain.OutcomeYes] {
		outcome = domain.OutcomeNo
	}

	// Signals pointing away from the chosen outcome do not add confidence.
	signals := domain.SignalBreakdown{}
	if betSide == outcome {
		signals.Betting = betPts
	}
	if evSide == outcome {
		signals.Evidence = evPts
	}
	if extPts > 0 && extSide == outcome {
		signals.External = extPts
	}
	confidence := clamp(signals.Total(), 0, 100)

	flags := a.riskFlags(market, batch, extUnavailable)

	action := domain.ActionExtendedReview
	switch {
	case confidence > a.cfg.AutoResolveAbove:
		action = domain.ActionAutoResolve
	case confidence > a.cfg.AdminReviewAbove:
		action = domain.ActionAdminReview
	}

	// Below the protocol threshold the market must refund, never force a
	// side.
	if confidence < a.cfg.MinConfidence {
		outcome = domain.OutcomeInvalid
	}

	return domain.ResolutionDecision{
		ID:         uuid.NewString(),
		MarketID:   market.ID,
		Kind:       kind,
		Outcome:    outcome,
		Confidence: confidence,
		Signals:    signals,
		RiskFlags:  flags,
		Action:     action,
		Reasoning:  reasoning(outcome, confidence, signals, batch, tally, extUnavailable),
		CreatedAt:  time.Now().UTC(),
	}
}

func (a *Aggregator) riskFlags(market domain.Market, batch evidence.BatchResult, extUnavailable bool) []domain.RiskFlag {
	var flags []domain.RiskFlag

	if len(batch.Valid) < a.cfg.MinEvidenceCount {
		flags = append(flags, domain.RiskLowEvidence)
	}
	if languageImbalanced(batch.Valid) {
		flags = append(flags, domain.RiskLanguageImbalance)
	}
	if len(batch.Contradictions()) > 0 {
		flags = append(flags, domain.RiskCrossLangContradiction)
	}
	if avg := avgCredibility(batch.Valid); len(batch.Valid) > 0 && avg < a.cfg.MinAvgCredibility {
		flags = append(flags, domain.RiskLowCredibility)
	}
	for _, cat := range a.cfg.SensitiveCategories {
		if strings.EqualFold(market.Category, cat) {
			flags = append(flags, domain.RiskSensitiveCategory)
			break
		}
	}
	if extUnavailable {
		flags = append(flags, domain.RiskExternalUnavailable)
	}
	return flags
}

// languageImbalanced reports whether >=90% of valid evidence is in a single
// language while the batch has enough volume for the share to mean anything.
func languageImbalanced(subs []domain.EvidenceSubmission) bool {
	if len(subs) < 4 {
		return false
	}
	counts := make(map[string]int)
	for _, s := range subs {
		counts[s.DetectedLanguage]++
	}
	for _, c := range counts {
		if float64(c)/float64(len(subs)) >= 0.9 {
			return len(counts) == 1
		}
	}
	return false
}

func avgCredibility(subs []domain.EvidenceSubmission) float64 {
	if len(subs) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range subs {
		sum += s.SourceCredibility
	}
	return sum / float64(len(subs))
}

func reasoning(outcome domain.Outcome, confidence float64, signals domain.SignalBreakdown, batch evidence.BatchResult, tally domain.VolumeTally, extUnavailable bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "outcome %s at %.1f confidence (betting %.1f, evidence %.1f, external %.1f); ",
		outcome, confidence, signals.Betting, signals.Evidence, signals.External)
	fmt.Fprintf(&b, "%d valid submissions, %d filtered; staked %0.f YES / %0.f NO",
		len(batch.Valid), len(batch.FilteredOut), tally.Yes, tally.No)
	if extUnavailable {
		b.WriteString("; external verification unavailable, degraded to two signals")
	}
	return b.String()
}
