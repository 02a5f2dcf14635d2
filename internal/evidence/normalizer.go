// Package evidence validates, enriches, and scores raw evidence submissions
// before they reach the multi-signal aggregator. Scoring is deterministic:
// the same batch always normalizes to the same result.
package evidence

import (
	"context"
	"log/slog"
	"strings"

	"github.com/castprotocol/resolutiond/internal/domain"
)

// Config holds the normalizer's scoring thresholds and weights.
type Config struct {
	// MinPatternRatio is the minimum language pattern-match ratio for a
	// submission to pass language validation.
	MinPatternRatio float64
	// QualityThreshold partitions normalized submissions into valid and
	// filtered-out.
	QualityThreshold float64
	// OverlapThreshold is the shared-significant-word ratio above which two
	// submissions are clustered.
	OverlapThreshold float64
}

// DefaultConfig returns the protocol-default normalizer configuration.
func DefaultConfig() Config {
	return Config{
		MinPatternRatio:  0.05,
		QualityThreshold: 0.40,
		OverlapThreshold: 0.30,
	}
}

// BatchResult partitions a normalized batch and carries detected clusters.
type BatchResult struct {
	Valid       []domain.EvidenceSubmission
	FilteredOut []domain.EvidenceSubmission
	Clusters    []domain.EvidenceCluster
}

// Contradictions returns the clusters flagged as cross-language
// contradictions.
func (r BatchResult) Contradictions() []domain.EvidenceCluster {
	var out []domain.EvidenceCluster
	for _, c := range r.Clusters {
		if c.Contradictory {
			out = append(out, c)
		}
	}
	return out
}

// Normalizer annotates raw submissions with language validation, source
// credibility, cultural enrichment, and a quality score in [0,1].
type Normalizer struct {
	cfg    Config
	logger *slog.Logger
}

// NewNormalizer creates a Normalizer. Zero thresholds in cfg fall back to the
// defaults.
func NewNormalizer(cfg Config, logger *slog.Logger) *Normalizer {
	def := DefaultConfig()
	if cfg.MinPatternRatio <= 0 {
		cfg.MinPatternRatio = def.MinPatternRatio
	}
	if cfg.QualityThreshold <= 0 {
		cfg.QualityThreshold = def.QualityThreshold
	}
	if cfg.OverlapThreshold <= 0 {
		cfg.OverlapThreshold = def.OverlapThreshold
	}
	return &Normalizer{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "evidence_normalizer")),
	}
}

// NormalizeBatch annotates every submission and partitions the batch. A
// submission is never silently dropped: anything excluded from aggregation
// lands in FilteredOut with its FilterReason set.
func (n *Normalizer) NormalizeBatch(ctx context.Context, subs []domain.EvidenceSubmission, cc domain.CulturalContext) BatchResult {
	var res BatchResult

	for _, sub := range subs {
		normalized := n.Normalize(sub, cc)
		if normalized.FilterReason != "" || normalized.QualityScore < n.cfg.QualityThreshold {
			if normalized.FilterReason == "" {
				normalized.FilterReason = "quality below threshold"
			}
			res.FilteredOut = append(res.FilteredOut, normalized)
			continue
		}
		res.Valid = append(res.Valid, normalized)
	}

	res.Clusters = clusterSubmissions(append(append([]domain.EvidenceSubmission{}, res.Valid...), res.FilteredOut...), n.cfg.OverlapThreshold)

	n.logger.DebugContext(ctx, "batch normalized",
		slog.Int("total", len(subs)),
		slog.Int("valid", len(res.Valid)),
		slog.Int("filtered", len(res.FilteredOut)),
		slog.Int("clusters", len(res.Clusters)),
	)
	return res
}

// Normalize enriches a single submission. The derived fields are computed in
// dependency order: language first, then credibility and cultural context,
// then the composite quality score.
func (n *Normalizer) Normalize(sub domain.EvidenceSubmission, cc domain.CulturalContext) domain.EvidenceSubmission {
	content := strings.TrimSpace(sub.Content)
	if content == "" {
		sub.Normalized = true
		sub.FilterReason = "empty content after normalization"
		return sub
	}

	lang, ratio := DetectLanguage(content)
	sub.DetectedLanguage = lang
	sub.LanguageConfidence = ratio
	sub.LanguageValid = lang != "" && lang == sub.DeclaredLanguage && ratio >= n.cfg.MinPatternRatio
	if !sub.LanguageValid {
		// Retained for audit, excluded from aggregation.
		sub.Normalized = true
		sub.FilterReason = "language validation failed"
		return sub
	}

	avg, hasGov, socialOnly := AverageCredibility(sub.Links)
	sub.SourceCredibility = avg

	enrich := EnrichCultural(sub, cc)
	sub.CulturalRelevance = enrich.Relevance
	sub.RequiresReview = enrich.RequiresReview

	sub.Authenticity = authenticityScore(sub)
	sub.QualityScore = n.qualityScore(sub, hasGov, socialOnly)
	sub.Normalized = true
	return sub
}

// qualityScore combines the derived sub-scores into [0,1]. The combination is
// a fixed weighted sum so identical inputs always produce identical scores.
func (n *Normalizer) qualityScore(sub domain.EvidenceSubmission, hasGov, socialOnly bool) float64 {
	// Language validity is a gate, not a weight; reaching this point means it
	// passed, so it contributes its confidence ratio.
	langComponent := sub.LanguageConfidence
	if langComponent > 1 {
		langComponent = 1
	}

	score := 0.15*langComponent +
		0.40*sub.SourceCredibility +
		0.15*sub.CulturalRelevance +
		0.15*sub.Authenticity +
		0.15*detailBonus(sub.Content)

	if hasGov {
		score += 0.05
	}
	if socialOnly {
		score -= 0.10
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// authenticityScore estimates how verifiable the submission is from its
// artifacts: a content-addressed attachment and resolvable cited links.
func authenticityScore(sub domain.EvidenceSubmission) float64 {
	score := 0.3
	if sub.AttachmentRef != "" {
		score += 0.35
	}
	if len(sub.Links) > 0 {
		score += 0.2
	}
	if len(sub.Links) > 2 {
		score += 0.15
	}
	if score > 1 {
		score = 1
	}
	return score
}

// detailBonus rewards substantive write-ups, saturating at 200 words.
func detailBonus(content string) float64 {
	words := len(strings.Fields(content))
	bonus := float64(words) / 200.0
	if bonus > 1 {
		bonus = 1
	}
	return bonus
}
