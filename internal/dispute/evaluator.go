// Package dispute scores bonded challenges against a market's preliminary
// resolution and guards dispute submission with a re-check-before-commit
// validation gate.
package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/castprotocol/resolutiond/internal/domain"
	"github.com/castprotocol/resolutiond/internal/evidence"
)

// Sub-score weights; they sum to 1.0.
const (
	weightSource        = 0.25
	weightTemporal      = 0.20
	weightAuthenticity  = 0.25
	weightContradiction = 0.20
	weightReputation    = 0.10
)

// temporalDecayWindow is how long after market close evidence credibility
// decays to zero.
const temporalDecayWindow = 168 * time.Hour

// Validity band boundaries and auto-resolve extremes.
const (
	likelyValidAbove   = 0.60
	uncertainAbove     = 0.40
	autoResolveAbove   = 0.85
	autoResolveBelow   = 0.20
)

// contradictionCues are terms that signal the dispute directly negates the
// resolution rather than merely disagreeing with it.
var contradictionCues = []string{
	"incorrect", "false", "wrong", "contradicts", "refutes", "disproves",
	"actually", "in fact", "official", "confirmed", "retracted", "overturned",
}

// Evaluator scores disputes. It is stateless; reputations are read through
// the dispute store.
type Evaluator struct {
	disputes domain.DisputeStore
	now      func() time.Time
	logger   *slog.Logger
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(disputes domain.DisputeStore, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		disputes: disputes,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With(slog.String("component", "dispute_evaluator")),
	}
}

// SetClock overrides the time source, for tests.
func (e *Evaluator) SetClock(now func() time.Time) { e.now = now }

// Evaluate scores one dispute against the decision it challenges and the
// market's close time. The assessment is persisted by the caller; evaluation
// itself has no side effects beyond the reputation read.
func (e *Evaluator) Evaluate(ctx context.Context, d domain.Dispute, decision domain.ResolutionDecision, marketClose time.Time) (domain.DisputeAssessment, error) {
	profile, err := e.disputes.Profile(ctx, d.Disputer)
	if err != nil {
		return domain.DisputeAssessment{}, fmt.Errorf("dispute: load profile %s: %w", d.Disputer, err)
	}

	a := domain.DisputeAssessment{
		SourceCredibility:    sourceScore(d),
		TemporalRelevance:    temporalScore(d, marketClose),
		EvidenceAuthenticity: authenticityScore(d),
		ContradictionScore:   contradictionScore(d, decision),
		DisputerReputation:   reputationScore(profile, e.now()),
		EvaluatedAt:          e.now(),
	}

	a.Quality = weightSource*a.SourceCredibility +
		weightTemporal*a.TemporalRelevance +
		weightAuthenticity*a.EvidenceAuthenticity +
		weightContradiction*a.ContradictionScore +
		weightReputation*a.DisputerReputation

	switch {
	case a.Quality > likelyValidAbove:
		a.Validity = domain.ValidityLikelyValid
		a.Bond = domain.BondReturnWithReward
		a.Priority = domain.PriorityHigh
	case a.Quality > uncertainAbove:
		a.Validity = domain.ValidityUncertain
		a.Bond = domain.BondReturnOnly
		a.Priority = domain.PriorityMedium
	default:
		a.Validity = domain.ValidityLikelyInvalid
		a.Bond = domain.BondSlash
		a.Priority = domain.PriorityLow
	}

	// Only extreme confidence either way bypasses human adjudication.
	a.AutoResolve = a.Quality > autoResolveAbove || a.Quality < autoResolveBelow

	a.Reasoning = fmt.Sprintf(
		"quality %.2f (source %.2f, temporal %.2f, authenticity %.2f, contradiction %.2f, reputation %.2f)",
		a.Quality, a.SourceCredibility, a.TemporalRelevance,
		a.EvidenceAuthenticity, a.ContradictionScore, a.DisputerReputation,
	)

	e.logger.DebugContext(ctx, "dispute evaluated",
		slog.String("dispute_id", d.ID),
		slog.Float64("quality", a.Quality),
		slog.String("validity", string(a.Validity)),
	)
	return a, nil
}

// sourceScore averages the credibility of the dispute's cited sources; no
// sources scores the floor.
func sourceScore(d domain.Dispute) float64 {
	avg, _, _ := evidence.AverageCredibility(d.Sources)
	if len(d.Sources) == 0 {
		return 0.2
	}
	return avg
}

// temporalScore rewards evidence dated at or before market close; evidence
// dated after close decays linearly to zero over the decay window. An unknown
// evidence date scores neutral.
func temporalScore(d domain.Dispute, marketClose time.Time) float64 {
	if d.EvidenceDate == nil {
		return 0.5
	}
	if !d.EvidenceDate.After(marketClose) {
		return 1.0
	}
	age := d.EvidenceDate.Sub(marketClose)
	if age >= temporalDecayWindow {
		return 0
	}
	return 1.0 - age.Seconds()/temporalDecayWindow.Seconds()
}

// authenticityScore estimates evidence verifiability from the content hash,
// cited sources, and payload substance.
func authenticityScore(d domain.Dispute) float64 {
	score := 0.25
	if d.EvidenceHash != "" {
		score += 0.30
	}
	if len(d.Sources) > 0 {
		score += 0.20
	}
	if len(d.Sources) > 2 {
		score += 0.10
	}
	if len(strings.Fields(d.Evidence)) >= 50 {
		score += 0.15
	}
	if score > 1 {
		score = 1
	}
	return score
}

// contradictionScore measures how directly the dispute negates the original
// resolution's reasoning: topical overlap with the decision plus explicit
// negation cues, boosted when a government source backs the negation.
func contradictionScore(d domain.Dispute, decision domain.ResolutionDecision) float64 {
	text := strings.ToLower(d.Reason + " " + d.Evidence)

	score := 0.0
	for _, cue := range contradictionCues {
		if strings.Contains(text, cue) {
			score += 0.15
		}
	}
	if score > 0.45 {
		score = 0.45
	}

	// Topical overlap with the challenged reasoning.
	score += 0.35 * textOverlap(text, strings.ToLower(decision.Reasoning))

	// A government source directly backing the negation is the strongest
	// contradiction signal.
	for _, s := range d.Sources {
		if tier, _ := evidence.ClassifySource(s); tier == evidence.TierGovernment {
			score += 0.30
			break
		}
	}

	if score > 1 {
		score = 1
	}
	return score
}

// textOverlap is the fraction of the shorter text's significant words found
// in the longer one.
func textOverlap(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	small, large := wa, wb
	if len(wb) < len(wa) {
		small, large = wb, wa
	}
	shared := 0
	for w := range small {
		if _, ok := large[w]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(small))
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		w = strings.Trim(w, ".,;:!?\"'()")
		if len(w) > 3 {
			set[w] = struct{}{}
		}
	}
	return set
}

// reputationScore combines historical success rate, account age, and recency
// of the disputer's last dispute.
func reputationScore(p domain.DisputerProfile, now time.Time) float64 {
	score := 0.60 * p.SuccessRate()

	// Account age saturates at one year.
	ageYears := p.AccountAge.Hours() / (24 * 365)
	if ageYears > 1 {
		ageYears = 1
	}
	score += 0.25 * ageYears

	// Recent activity is mildly positive; a disputer who filed within the
	// last 30 days has a live track record.
	if p.LastDisputeAt != nil && now.Sub(*p.LastDisputeAt) < 30*24*time.Hour {
		score += 0.15
	}

	if score > 1 {
		score = 1
	}
	return score
}
