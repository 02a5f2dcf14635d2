package evidence

import (
	"context"
	"log/slog"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castprotocol/resolutiond/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "english",
			content: "The election commission has announced that the results were certified and this was confirmed by the observers",
			want:    "en",
		},
		{
			name:    "spanish",
			content: "El tribunal confirmó que los resultados fueron certificados por la comisión electoral para este proceso",
			want:    "es",
		},
		{
			name:    "french",
			content: "Les résultats des élections sont confirmés par la commission pour cette région avec une large majorité",
			want:    "fr",
		},
		{
			name:    "swahili",
			content: "Tume ya uchaguzi imethibitisha matokeo kwa mujibu wa sheria na taratibu za nchi katika mkoa huu",
			want:    "sw",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lang, ratio := DetectLanguage(tt.content)
			assert.Equal(t, tt.want, lang)
			assert.Greater(t, ratio, 0.0)
		})
	}
}

func TestDetectLanguageEmpty(t *testing.T) {
	lang, ratio := DetectLanguage("   ")
	assert.Empty(t, lang)
	assert.Zero(t, ratio)
}

func TestDetectLanguageTieIsStable(t *testing.T) {
	// "que" scores for Spanish, French and Portuguese alike; the tie must
	// resolve to the same code on every call.
	for i := 0; i < 100; i++ {
		lang, ratio := DetectLanguage("que sera sera")
		require.Equal(t, "es", lang)
		require.InDelta(t, 1.0/3.0, ratio, 1e-9)
	}
}

func TestClassifySource(t *testing.T) {
	tests := []struct {
		link string
		tier SourceTier
	}{
		{"https://www.iebc.or.ke/results", TierUnknown},
		{"https://treasury.gov/report", TierGovernment},
		{"https://elections.go.ke/tally", TierGovernment},
		{"https://www.reuters.com/world/article", TierEstablished},
		{"bbc.co.uk/news/live", TierEstablished},
		{"https://physics.mit.edu/paper", TierAcademic},
		{"https://twitter.com/user/status/1", TierSocial},
		{"https://x.com/user/status/2", TierSocial},
		{"https://myblog.medium.com/post", TierBlog},
		{"https://citynews24.com/story", TierGeneralNews},
		{"https://example.org/page", TierUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.link, func(t *testing.T) {
			tier, score := ClassifySource(tt.link)
			assert.Equal(t, tt.tier, tier)
			assert.GreaterOrEqual(t, score, 0.0)
			assert.LessOrEqual(t, score, 1.0)
		})
	}
}

func TestAverageCredibility(t *testing.T) {
	avg, hasGov, socialOnly := AverageCredibility([]string{
		"https://treasury.gov/report",
		"https://reuters.com/article",
	})
	assert.InDelta(t, (0.95+0.80)/2, avg, 1e-9)
	assert.True(t, hasGov)
	assert.False(t, socialOnly)

	avg, hasGov, socialOnly = AverageCredibility([]string{
		"https://twitter.com/a",
		"https://facebook.com/b",
	})
	assert.InDelta(t, 0.30, avg, 1e-9)
	assert.False(t, hasGov)
	assert.True(t, socialOnly)

	avg, hasGov, socialOnly = AverageCredibility(nil)
	assert.Zero(t, avg)
	assert.False(t, hasGov)
	assert.False(t, socialOnly)
}

func TestGovernmentSourceRaisesQuality(t *testing.T) {
	n := NewNormalizer(DefaultConfig(), testLogger())
	content := "The election commission announced that the final results were certified and the totals have been published with the official tally from the returning officers"

	base := domain.EvidenceSubmission{
		ID:               "e1",
		Content:          content,
		DeclaredLanguage: "en",
		Links:            []string{"https://reuters.com/article"},
	}
	withGov := base
	withGov.Links = []string{"https://reuters.com/article", "https://elections.go.ke/tally"}

	scoreBase := n.Normalize(base, domain.CulturalContext{}).QualityScore
	scoreGov := n.Normalize(withGov, domain.CulturalContext{}).QualityScore
	assert.Greater(t, scoreGov, scoreBase)
}

func TestNormalizeLanguageMismatchFiltered(t *testing.T) {
	n := NewNormalizer(DefaultConfig(), testLogger())
	sub := domain.EvidenceSubmission{
		ID:               "e1",
		Content:          "The commission announced that the results were certified and this has been confirmed",
		DeclaredLanguage: "sw",
	}
	out := n.Normalize(sub, domain.CulturalContext{})
	assert.True(t, out.Normalized)
	assert.False(t, out.LanguageValid)
	assert.Equal(t, "language validation failed", out.FilterReason)
	assert.Equal(t, "en", out.DetectedLanguage)
}

func TestNormalizeEmptyContent(t *testing.T) {
	n := NewNormalizer(DefaultConfig(), testLogger())
	out := n.Normalize(domain.EvidenceSubmission{ID: "e1", Content: "  \n "}, domain.CulturalContext{})
	assert.True(t, out.Normalized)
	assert.Equal(t, "empty content after normalization", out.FilterReason)
}

func TestNormalizeSensitiveTermRequiresReview(t *testing.T) {
	n := NewNormalizer(DefaultConfig(), testLogger())
	cc := domain.CulturalContext{
		Region:         "east-africa",
		Languages:      []string{"en", "sw"},
		SensitiveTerms: []string{"ethnic clashes"},
	}
	sub := domain.EvidenceSubmission{
		ID:               "e1",
		Content:          "Reports from the region describe ethnic clashes near the border after the announcement and the commission has confirmed that the results were delayed",
		DeclaredLanguage: "en",
		Links:            []string{"https://reuters.com/article"},
	}
	out := n.Normalize(sub, cc)
	assert.True(t, out.RequiresReview)
	assert.Empty(t, out.FilterReason)
	assert.Greater(t, out.CulturalRelevance, 0.0)
}

func TestNormalizeBatchDeterministic(t *testing.T) {
	n := NewNormalizer(DefaultConfig(), testLogger())
	subs := []domain.EvidenceSubmission{
		{
			ID:               "e1",
			Content:          "The electoral commission certified the final tally and the results have been published by the returning officers across the counties",
			DeclaredLanguage: "en",
			Links:            []string{"https://reuters.com/article", "https://elections.go.ke/tally"},
		},
		{
			ID:               "e2",
			Content:          "saw it on tv",
			DeclaredLanguage: "en",
		},
	}
	first := n.NormalizeBatch(context.Background(), subs, domain.CulturalContext{})
	second := n.NormalizeBatch(context.Background(), subs, domain.CulturalContext{})
	assert.Equal(t, first, second)

	require.Len(t, first.Valid, 1)
	assert.Equal(t, "e1", first.Valid[0].ID)
	require.Len(t, first.FilteredOut, 1)
	assert.Equal(t, "e2", first.FilteredOut[0].ID)
	assert.NotEmpty(t, first.FilteredOut[0].FilterReason)
}

func TestClusterSharedSource(t *testing.T) {
	subs := []domain.EvidenceSubmission{
		{ID: "e1", Content: "Commission certified the presidential tally across counties", Links: []string{"https://reuters.com/article-1"}},
		{ID: "e2", Content: "Opposition rejects announcement pending court petition", Links: []string{"https://www.reuters.com/article-2"}},
		{ID: "e3", Content: "Unrelated weather report about seasonal rainfall patterns", Links: []string{"https://example.org/w"}},
	}
	clusters := clusterSubmissions(subs, 0.30)
	require.Len(t, clusters, 1)
	assert.ElementsMatch(t, []string{"e1", "e2"}, clusters[0].SubmissionIDs)
	assert.Contains(t, clusters[0].SharedSources, "reuters.com")
	assert.False(t, clusters[0].Contradictory)
}

func TestClusterWordOverlap(t *testing.T) {
	subs := []domain.EvidenceSubmission{
		{ID: "e1", Content: "candidate conceded election after commission announced certified results"},
		{ID: "e2", Content: "commission announced certified results and candidate conceded election publicly"},
	}
	clusters := clusterSubmissions(subs, 0.30)
	require.Len(t, clusters, 1)
	assert.ElementsMatch(t, []string{"e1", "e2"}, clusters[0].SubmissionIDs)
}

func TestClusterOutputStable(t *testing.T) {
	subs := []domain.EvidenceSubmission{
		{ID: "e1", Content: "Commission certified the presidential tally across counties", DetectedLanguage: "en", Links: []string{"https://reuters.com/a"}},
		{ID: "e2", Content: "Opposition rejects announcement pending court petition", DetectedLanguage: "es", Links: []string{"https://www.reuters.com/b"}},
		{ID: "e3", Content: "Central bank raised the benchmark lending rate today", DetectedLanguage: "en", Links: []string{"https://bloomberg.com/x"}},
		{ID: "e4", Content: "Lending rate decision was confirmed by the central bank", DetectedLanguage: "fr", Links: []string{"https://www.bloomberg.com/y"}},
	}
	first := clusterSubmissions(subs, 0.30)
	require.Len(t, first, 2)
	for _, c := range first {
		assert.True(t, sort.StringsAreSorted(c.Languages))
		assert.True(t, sort.StringsAreSorted(c.SharedSources))
	}
	for i := 0; i < 20; i++ {
		require.Equal(t, first, clusterSubmissions(subs, 0.30))
	}
}

func TestContradictionAcrossLanguages(t *testing.T) {
	subs := []domain.EvidenceSubmission{
		{
			ID:               "e1",
			Content:          "Commission certified the presidential election results yesterday",
			DetectedLanguage: "en",
			Supports:         domain.OutcomeYes,
			Links:            []string{"https://reuters.com/a"},
		},
		{
			ID:               "e2",
			Content:          "Comisión anuló los resultados presidenciales de la elección",
			DetectedLanguage: "es",
			Supports:         domain.OutcomeNo,
			Links:            []string{"https://www.reuters.com/b"},
		},
	}
	clusters := clusterSubmissions(subs, 0.30)
	require.Len(t, clusters, 1)
	c := clusters[0]
	assert.True(t, c.Contradictory)
	assert.Equal(t, domain.ContradictionSeverityMedium, c.Severity)
	assert.ElementsMatch(t, []string{"en", "es"}, c.Languages)
}

func TestContradictionSeverityHighWithGovernmentSource(t *testing.T) {
	subs := []domain.EvidenceSubmission{
		{
			ID:               "e1",
			Content:          "Commission certified the presidential election results yesterday",
			DetectedLanguage: "en",
			Supports:         domain.OutcomeYes,
			Links:            []string{"https://elections.go.ke/tally"},
		},
		{
			ID:               "e2",
			Content:          "La comisión anuló los resultados presidenciales certified election yesterday",
			DetectedLanguage: "es",
			Supports:         domain.OutcomeNo,
		},
	}
	clusters := clusterSubmissions(subs, 0.20)
	require.Len(t, clusters, 1)
	assert.True(t, clusters[0].Contradictory)
	assert.Equal(t, domain.ContradictionSeverityHigh, clusters[0].Severity)
}
