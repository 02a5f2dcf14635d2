package evidence

import (
	"sort"

	"github.com/castprotocol/resolutiond/internal/domain"
)

// stopwords to skip when computing lexical overlap; function words carry no
// topical signal.
var overlapStopwords = map[string]struct{}{
	"the": {}, "and": {}, "was": {}, "were": {}, "that": {}, "this": {},
	"with": {}, "from": {}, "have": {}, "has": {}, "will": {}, "been": {},
	"los": {}, "las": {}, "que": {}, "por": {}, "con": {}, "para": {},
	"les": {}, "des": {}, "dans": {}, "pour": {}, "avec": {},
}

// significantWords returns the set of tokens longer than three runes that are
// not stopwords.
func significantWords(content string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, t := range tokenize(content) {
		if len([]rune(t)) <= 3 {
			continue
		}
		if _, stop := overlapStopwords[t]; stop {
			continue
		}
		words[t] = struct{}{}
	}
	return words
}

// wordOverlap returns |a ∩ b| / min(|a|, |b|).
func wordOverlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	shared := 0
	for w := range small {
		if _, ok := large[w]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(small))
}

// sharesSource reports whether two submissions cite a common domain.
func sharesSource(a, b domain.EvidenceSubmission) (string, bool) {
	for _, la := range a.Links {
		da := sourceDomain(la)
		if da == "" {
			continue
		}
		for _, lb := range b.Links {
			if sourceDomain(lb) == da {
				return da, true
			}
		}
	}
	return "", false
}

// clusterSubmissions groups submissions that share a cited source or whose
// significant-word overlap exceeds the threshold. Clusters are built with a
// union-find over pairwise relations, so transitively related submissions
// land in the same cluster.
func clusterSubmissions(subs []domain.EvidenceSubmission, overlapThreshold float64) []domain.EvidenceCluster {
	if len(subs) < 2 {
		return nil
	}

	parent := make([]int, len(subs))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(a, b int) { parent[find(a)] = find(b) }

	words := make([]map[string]struct{}, len(subs))
	for i, s := range subs {
		words[i] = significantWords(s.Content)
	}

	sharedSources := make(map[int]map[string]struct{})
	addShared := func(i int, d string) {
		if sharedSources[i] == nil {
			sharedSources[i] = make(map[string]struct{})
		}
		sharedSources[i][d] = struct{}{}
	}

	for i := 0; i < len(subs); i++ {
		for j := i + 1; j < len(subs); j++ {
			if d, ok := sharesSource(subs[i], subs[j]); ok {
				union(i, j)
				addShared(i, d)
				addShared(j, d)
				continue
			}
			if wordOverlap(words[i], words[j]) > overlapThreshold {
				union(i, j)
			}
		}
	}

	groups := make(map[int][]int)
	for i := range subs {
		root := find(i)
		groups[root] = append(groups[root], i)
	}

	// Emit clusters by ascending root index so batch output is reproducible.
	roots := make([]int, 0, len(groups))
	for root := range groups {
		roots = append(roots, root)
	}
	sort.Ints(roots)

	var clusters []domain.EvidenceCluster
	for _, root := range roots {
		members := groups[root]
		if len(members) < 2 {
			continue
		}
		clusters = append(clusters, buildCluster(subs, members, sharedSources))
	}
	return clusters
}

// buildCluster assembles one cluster and flags cross-language contradictions:
// members in different languages backing opposing outcomes. Severity is HIGH
// when any member cites a government or official source, MEDIUM otherwise.
func buildCluster(subs []domain.EvidenceSubmission, members []int, sharedSources map[int]map[string]struct{}) domain.EvidenceCluster {
	var c domain.EvidenceCluster
	langs := make(map[string]struct{})
	outcomesByLang := make(map[string]map[domain.Outcome]struct{})
	sources := make(map[string]struct{})
	hasGov := false

	for _, idx := range members {
		s := subs[idx]
		c.SubmissionIDs = append(c.SubmissionIDs, s.ID)

		lang := s.DetectedLanguage
		if lang == "" {
			lang = s.DeclaredLanguage
		}
		if lang != "" {
			langs[lang] = struct{}{}
			if outcomesByLang[lang] == nil {
				outcomesByLang[lang] = make(map[domain.Outcome]struct{})
			}
			if s.Supports != "" {
				outcomesByLang[lang][s.Supports] = struct{}{}
			}
		}

		for d := range sharedSources[idx] {
			sources[d] = struct{}{}
		}
		for _, link := range s.Links {
			if tier, _ := ClassifySource(link); tier == TierGovernment {
				hasGov = true
			}
		}
	}

	for l := range langs {
		c.Languages = append(c.Languages, l)
	}
	sort.Strings(c.Languages)
	for d := range sources {
		c.SharedSources = append(c.SharedSources, d)
	}
	sort.Strings(c.SharedSources)

	if len(langs) > 1 && divergentOutcomes(outcomesByLang) {
		c.Contradictory = true
		if hasGov {
			c.Severity = domain.ContradictionSeverityHigh
		} else {
			c.Severity = domain.ContradictionSeverityMedium
		}
	}
	return c
}

// divergentOutcomes reports whether two languages in the cluster back
// different outcomes.
func divergentOutcomes(byLang map[string]map[domain.Outcome]struct{}) bool {
	seen := ""
	for _, outcomes := range byLang {
		for o := range outcomes {
			s := string(o)
			if seen == "" {
				seen = s
			} else if seen != s {
				return true
			}
		}
	}
	return false
}
