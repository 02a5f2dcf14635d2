package dispute

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castprotocol/resolutiond/internal/domain"
)

var marketClose = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func timePtr(t time.Time) *time.Time { return &t }

func TestEvaluateStrongDispute(t *testing.T) {
	store := newFakeDisputeStore()
	store.profiles["0xgood"] = domain.DisputerProfile{
		Address:       "0xgood",
		TotalDisputes: 10,
		ValidDisputes: 9,
		AccountAge:    2 * 365 * 24 * time.Hour,
		LastDisputeAt: timePtr(marketClose.Add(-24 * time.Hour)),
	}

	ev := NewEvaluator(store, testLogger())
	ev.SetClock(func() time.Time { return marketClose.Add(6 * time.Hour) })

	d := domain.Dispute{
		ID:           "d1",
		MarketID:     "m1",
		Disputer:     "0xgood",
		Reason:       "The resolution is incorrect, the official commission retracted the announcement",
		Evidence:     strings.Repeat("the official gazette confirmed the retraction of the certified results ", 8),
		EvidenceHash: "0xabc",
		Sources:      []string{"https://elections.go.ke/gazette", "https://reuters.com/a", "https://bbc.com/b"},
		EvidenceDate: timePtr(marketClose.Add(-2 * time.Hour)),
		Bond:         100,
	}
	decision := domain.ResolutionDecision{
		MarketID:  "m1",
		Kind:      domain.DecisionPreliminary,
		Outcome:   domain.OutcomeYes,
		Reasoning: "outcome YES based on certified results announced by the commission",
	}

	a, err := ev.Evaluate(context.Background(), d, decision, marketClose)
	require.NoError(t, err)

	assert.Equal(t, domain.ValidityLikelyValid, a.Validity)
	assert.Equal(t, domain.BondReturnWithReward, a.Bond)
	assert.Equal(t, domain.PriorityHigh, a.Priority)
	assert.True(t, a.AutoResolve)
	assert.Greater(t, a.Quality, 0.85)
	assert.InDelta(t, 1.0, a.TemporalRelevance, 1e-9)
	assert.InDelta(t, 1.0, a.EvidenceAuthenticity, 1e-9)
}

func TestEvaluateWeakDispute(t *testing.T) {
	store := newFakeDisputeStore()
	ev := NewEvaluator(store, testLogger())

	d := domain.Dispute{
		ID:       "d1",
		MarketID: "m1",
		Disputer: "0xnew",
		Reason:   "I simply disagree with this market outcome entirely",
		Evidence: "no it did not happen",
		Bond:     100,
	}

	a, err := ev.Evaluate(context.Background(), d, domain.ResolutionDecision{}, marketClose)
	require.NoError(t, err)

	assert.Equal(t, domain.ValidityLikelyInvalid, a.Validity)
	assert.Equal(t, domain.BondSlash, a.Bond)
	assert.Equal(t, domain.PriorityLow, a.Priority)
	assert.False(t, a.AutoResolve)
	// A first-time disputer gets the neutral reputation baseline, not zero.
	assert.InDelta(t, 0.6*0.5, a.DisputerReputation, 1e-9)
	assert.InDelta(t, 0.2, a.SourceCredibility, 1e-9)
	assert.InDelta(t, 0.5, a.TemporalRelevance, 1e-9)
}

func TestTemporalScoreDecay(t *testing.T) {
	base := domain.Dispute{}

	assert.InDelta(t, 0.5, temporalScore(base, marketClose), 1e-9)

	base.EvidenceDate = timePtr(marketClose.Add(-time.Hour))
	assert.InDelta(t, 1.0, temporalScore(base, marketClose), 1e-9)

	base.EvidenceDate = timePtr(marketClose.Add(84 * time.Hour))
	assert.InDelta(t, 0.5, temporalScore(base, marketClose), 1e-9)

	base.EvidenceDate = timePtr(marketClose.Add(200 * time.Hour))
	assert.Zero(t, temporalScore(base, marketClose))
}

func TestContradictionScoreGovernmentBoost(t *testing.T) {
	d := domain.Dispute{
		Reason:   "resolution stands unchallenged on substance",
		Evidence: "supporting details here",
	}
	decision := domain.ResolutionDecision{Reasoning: "outcome YES at high confidence"}

	without := contradictionScore(d, decision)
	d.Sources = []string{"https://treasury.gov/statement"}
	with := contradictionScore(d, decision)
	assert.InDelta(t, 0.30, with-without, 1e-9)
}

func TestReputationScoreSaturates(t *testing.T) {
	now := marketClose
	p := domain.DisputerProfile{
		TotalDisputes: 20,
		ValidDisputes: 20,
		AccountAge:    5 * 365 * 24 * time.Hour,
		LastDisputeAt: timePtr(now.Add(-time.Hour)),
	}
	assert.InDelta(t, 1.0, reputationScore(p, now), 1e-9)
}

func TestRunnerEvaluatesActiveDisputes(t *testing.T) {
	markets := newFakeMarketStore(domain.Market{
		ID:      "m1",
		Status:  domain.MarketStatusDisputable,
		EndTime: marketClose,
	})
	disputes := newFakeDisputeStore()
	decisions := &fakeDecisionStore{}
	require.NoError(t, decisions.Insert(context.Background(), domain.ResolutionDecision{
		MarketID:  "m1",
		Kind:      domain.DecisionPreliminary,
		Outcome:   domain.OutcomeYes,
		Reasoning: "outcome YES",
	}))

	for _, id := range []string{"d1", "d2", "d3"} {
		require.NoError(t, disputes.Create(context.Background(), domain.Dispute{
			ID:       id,
			MarketID: "m1",
			Disputer: "0x" + id,
			Reason:   "the announced outcome was retracted by the official body",
			Evidence: "gazette notice shows the result was overturned",
			Status:   domain.DisputeStatusActive,
		}))
	}

	runner := NewRunner(markets, disputes, decisions, NewEvaluator(disputes, testLogger()), 2, testLogger())
	require.NoError(t, runner.EvaluateMarket(context.Background(), "m1"))

	for _, id := range []string{"d1", "d2", "d3"} {
		d, err := disputes.GetByID(context.Background(), id)
		require.NoError(t, err)
		require.NotNil(t, d.Assessment, "dispute %s should be assessed", id)
		assert.NotEmpty(t, d.Assessment.Validity)
	}
}

func TestRunnerSkipsNonDisputableMarket(t *testing.T) {
	markets := newFakeMarketStore(domain.Market{ID: "m1", Status: domain.MarketStatusResolved})
	disputes := newFakeDisputeStore()
	require.NoError(t, disputes.Create(context.Background(), domain.Dispute{
		ID:       "d1",
		MarketID: "m1",
		Disputer: "0xd1",
		Status:   domain.DisputeStatusActive,
	}))

	runner := NewRunner(markets, disputes, &fakeDecisionStore{}, NewEvaluator(disputes, testLogger()), 1, testLogger())
	require.NoError(t, runner.EvaluateMarket(context.Background(), "m1"))

	d, err := disputes.GetByID(context.Background(), "d1")
	require.NoError(t, err)
	assert.Nil(t, d.Assessment)
}
