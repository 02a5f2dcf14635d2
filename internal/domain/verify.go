package domain

import (
	"context"
	"time"
)

// VerificationSource is one external source's view of a market claim.
type VerificationSource struct {
	Source    string
	Content   string
	Relevance float64 // 0..1
	// Supports is nil when the source is inconclusive on the claim.
	Supports    *bool
	PublishedAt time.Time
}

// VerificationResult is the structured answer of the external verification
// feed for a claim.
type VerificationResult struct {
	Claim       string
	Sources     []VerificationSource
	Reliability float64 // 0..1 overall
	RetrievedAt time.Time
}

// VerificationFeed is the abstract external evidence-synthesis capability.
// Implementations must be injectable; the scoring path never embeds one.
type VerificationFeed interface {
	Verify(ctx context.Context, claim, category string) (VerificationResult, error)
}
