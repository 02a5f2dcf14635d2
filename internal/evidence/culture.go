package evidence

import (
	"strings"

	"github.com/castprotocol/resolutiond/internal/domain"
)

// Enrichment is the cultural-context assessment of one submission.
type Enrichment struct {
	Relevance      float64 // 0..1
	RequiresReview bool
	MatchedTerms   []string
}

// EnrichCultural pattern-matches the submission against a region's cultural
// context table. Government-domain citations, trusted regional domains, and
// configured sensitive terms each add to the relevance score. Sensitive-term
// hits additionally raise the RequiresReview flag, which marks the submission
// for mandatory human review downstream; it never suppresses the evidence.
func EnrichCultural(sub domain.EvidenceSubmission, cc domain.CulturalContext) Enrichment {
	var e Enrichment
	if cc.Region == "" {
		return e
	}

	lowered := strings.ToLower(sub.Content)

	for _, link := range sub.Links {
		d := sourceDomain(link)
		if d == "" {
			continue
		}
		for _, gov := range cc.GovernmentDomains {
			if d == strings.ToLower(gov) || strings.HasSuffix(d, "."+strings.ToLower(gov)) {
				e.Relevance += 0.3
			}
		}
		for _, trusted := range cc.TrustedDomains {
			if d == strings.ToLower(trusted) || strings.HasSuffix(d, "."+strings.ToLower(trusted)) {
				e.Relevance += 0.2
			}
		}
	}

	// Regional language match on the declared or detected language.
	for _, lang := range cc.Languages {
		if sub.DetectedLanguage == lang || sub.DeclaredLanguage == lang {
			e.Relevance += 0.15
			break
		}
	}

	for _, term := range cc.SensitiveTerms {
		t := strings.ToLower(strings.TrimSpace(term))
		if t == "" {
			continue
		}
		if strings.Contains(lowered, t) {
			e.Relevance += 0.1
			e.RequiresReview = true
			e.MatchedTerms = append(e.MatchedTerms, t)
		}
	}

	if e.Relevance > 1 {
		e.Relevance = 1
	}
	return e
}
