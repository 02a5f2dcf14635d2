package verify

import (
	"context"

	"github.com/castprotocol/resolutiond/internal/domain"
)

// Fixture is a canned VerificationFeed for tests and offline development.
// It returns the configured result per claim, or Err when set. It never
// reaches the network and never randomizes, keeping the scoring path
// deterministic.
type Fixture struct {
	Results map[string]domain.VerificationResult
	Default domain.VerificationResult
	Err     error
}

// Verify returns the canned result for the claim.
func (f *Fixture) Verify(_ context.Context, claim, _ string) (domain.VerificationResult, error) {
	if f.Err != nil {
		return domain.VerificationResult{}, f.Err
	}
	if r, ok := f.Results[claim]; ok {
		return r, nil
	}
	r := f.Default
	r.Claim = claim
	return r, nil
}

var _ domain.VerificationFeed = (*Fixture)(nil)
