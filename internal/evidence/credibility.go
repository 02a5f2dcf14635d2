package evidence

import (
	"net/url"
	"strings"
)

// SourceTier is the credibility class assigned to a cited source.
type SourceTier string

const (
	TierGovernment   SourceTier = "government"
	TierEstablished  SourceTier = "established_media"
	TierAcademic     SourceTier = "academic"
	TierGeneralNews  SourceTier = "general_news"
	TierBlog         SourceTier = "blog"
	TierSocial       SourceTier = "social"
	TierUnknown      SourceTier = "unknown"
)

// Tier credibility scores per the protocol's source taxonomy.
const (
	scoreGovernment  = 0.95
	scoreEstablished = 0.80
	scoreAcademic    = 0.75
	scoreGeneralNews = 0.70
	scoreBlog        = 0.40
	scoreSocial      = 0.30
	scoreUnknown     = 0.50
)

var establishedMediaDomains = []string{
	"reuters.com", "apnews.com", "bbc.com", "bbc.co.uk", "aljazeera.com",
	"bloomberg.com", "ft.com", "economist.com", "nytimes.com", "wsj.com",
	"theguardian.com", "afp.com", "dw.com", "france24.com", "nation.africa",
}

var socialDomains = []string{
	"twitter.com", "x.com", "facebook.com", "instagram.com", "tiktok.com",
	"reddit.com", "t.me", "telegram.me", "threads.net", "youtube.com",
}

var blogDomains = []string{
	"medium.com", "substack.com", "blogspot.com", "wordpress.com", "wix.com",
}

// sourceDomain extracts the lowercase host from a cited URL, tolerating bare
// domains without a scheme.
func sourceDomain(raw string) string {
	s := strings.TrimSpace(strings.ToLower(raw))
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

// ClassifySource assigns a credibility tier and score to a cited URL or
// domain. Unrecognized domains score a neutral 0.5.
func ClassifySource(raw string) (SourceTier, float64) {
	domain := sourceDomain(raw)
	if domain == "" {
		return TierUnknown, scoreUnknown
	}

	if isGovernmentDomain(domain) {
		return TierGovernment, scoreGovernment
	}
	for _, d := range establishedMediaDomains {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return TierEstablished, scoreEstablished
		}
	}
	if strings.HasSuffix(domain, ".edu") || strings.Contains(domain, ".ac.") || strings.HasSuffix(domain, ".ac") {
		return TierAcademic, scoreAcademic
	}
	for _, d := range socialDomains {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return TierSocial, scoreSocial
		}
	}
	for _, d := range blogDomains {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return TierBlog, scoreBlog
		}
	}
	if strings.Contains(domain, "news") || strings.HasPrefix(domain, "the") {
		return TierGeneralNews, scoreGeneralNews
	}
	return TierUnknown, scoreUnknown
}

// isGovernmentDomain matches .gov and country-specific government domains
// (go.ke, gouv.fr, gob.mx and friends).
func isGovernmentDomain(domain string) bool {
	if strings.HasSuffix(domain, ".gov") || strings.Contains(domain, ".gov.") {
		return true
	}
	for _, marker := range []string{".go.", ".gouv.", ".gob.", ".gc.ca", ".mil"} {
		if strings.Contains(domain, marker) || strings.HasSuffix(domain, strings.TrimSuffix(marker, ".")) {
			return true
		}
	}
	return false
}

// AverageCredibility classifies every cited source and returns the mean
// score, whether any source is government-tier, and whether every source is
// social-tier. No sources yields (0, false, false).
func AverageCredibility(links []string) (avg float64, hasGov bool, socialOnly bool) {
	if len(links) == 0 {
		return 0, false, false
	}
	sum := 0.0
	socialOnly = true
	for _, link := range links {
		tier, score := ClassifySource(link)
		sum += score
		if tier == TierGovernment {
			hasGov = true
		}
		if tier != TierSocial {
			socialOnly = false
		}
	}
	return sum / float64(len(links)), hasGov, socialOnly
}
