package domain

import "time"

// EvidenceSubmission is a free-text evidence record filed against a market.
// The raw fields are set at submission time; the derived fields are populated
// exactly once by the evidence normalizer and are immutable afterwards.
type EvidenceSubmission struct {
	ID        string
	MarketID  string
	Submitter string

	Content          string
	Links            []string
	DeclaredLanguage string
	// AttachmentRef is a content-addressed key into the attachment store
	// (keccak256 of the uploaded bytes), empty when nothing was attached.
	AttachmentRef string
	// Supports records which outcome the submitter claims the evidence backs.
	Supports Outcome

	SubmittedAt time.Time

	// Derived fields, populated by the normalizer.
	DetectedLanguage   string
	LanguageConfidence float64
	LanguageValid      bool
	SourceCredibility  float64 // 0..1, averaged over cited sources
	CulturalRelevance  float64 // 0..1
	Authenticity       float64 // 0..1
	QualityScore       float64 // 0..1, valid only once Normalized
	RequiresReview     bool
	Normalized         bool
	// FilterReason is set when the submission was excluded from aggregation.
	FilterReason string
}

// CulturalContext configures region-aware evidence enrichment for a market.
type CulturalContext struct {
	Region            string
	TrustedDomains    []string
	GovernmentDomains []string
	Languages         []string
	SensitiveTerms    []string
}

// ContradictionSeverity grades a detected cross-language contradiction.
type ContradictionSeverity string

const (
	ContradictionSeverityMedium ContradictionSeverity = "MEDIUM"
	ContradictionSeverityHigh   ContradictionSeverity = "HIGH"
)

// EvidenceCluster groups submissions that share cited sources or have high
// lexical overlap.
type EvidenceCluster struct {
	SubmissionIDs []string
	Languages     []string
	SharedSources []string
	// Contradictory is set when cluster members in different languages back
	// opposing outcomes.
	Contradictory bool
	Severity      ContradictionSeverity
}
