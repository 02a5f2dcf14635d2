package resolution

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castprotocol/resolutiond/internal/aggregate"
	"github.com/castprotocol/resolutiond/internal/domain"
	"github.com/castprotocol/resolutiond/internal/evidence"
	"github.com/castprotocol/resolutiond/internal/verify"
)

var now = time.Date(2025, 6, 8, 12, 0, 0, 0, time.UTC)

type marketStore struct {
	mu            sync.Mutex
	markets       map[string]domain.Market
	tallies       map[string]domain.VolumeTally
	transitionErr error
	transitions   []domain.MarketStatus
}

var _ domain.MarketStore = (*marketStore)(nil)

func newMarketStore(markets ...domain.Market) *marketStore {
	s := &marketStore{
		markets: make(map[string]domain.Market),
		tallies: make(map[string]domain.VolumeTally),
	}
	for _, m := range markets {
		s.markets[m.ID] = m
	}
	return s
}

func (s *marketStore) Create(_ context.Context, m domain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets[m.ID] = m
	return nil
}

func (s *marketStore) GetByID(_ context.Context, id string) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *marketStore) ListDue(_ context.Context, _ time.Time, _ domain.ListOpts) ([]domain.Market, error) {
	return nil, nil
}

func (s *marketStore) ListByStatus(_ context.Context, _ domain.MarketStatus, _ domain.ListOpts) ([]domain.Market, error) {
	return nil, nil
}

func (s *marketStore) TransitionStatus(_ context.Context, m domain.Market, expected domain.MarketStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transitionErr != nil {
		return s.transitionErr
	}
	cur, ok := s.markets[m.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status != expected {
		return domain.ErrStateConflict
	}
	s.markets[m.ID] = m
	s.transitions = append(s.transitions, m.Status)
	return nil
}

func (s *marketStore) VolumeTally(_ context.Context, marketID string) (domain.VolumeTally, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tallies[marketID], nil
}

func (s *marketStore) Count(_ context.Context) (int64, error) { return 0, nil }

type evidenceStore struct {
	subs []domain.EvidenceSubmission
}

var _ domain.EvidenceStore = (*evidenceStore)(nil)

func (s *evidenceStore) Append(_ context.Context, sub domain.EvidenceSubmission) error {
	s.subs = append(s.subs, sub)
	return nil
}

func (s *evidenceStore) GetByID(_ context.Context, _ string) (domain.EvidenceSubmission, error) {
	return domain.EvidenceSubmission{}, domain.ErrNotFound
}

func (s *evidenceStore) ListByMarket(_ context.Context, marketID string, _ domain.ListOpts) ([]domain.EvidenceSubmission, error) {
	var out []domain.EvidenceSubmission
	for _, sub := range s.subs {
		if sub.MarketID == marketID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *evidenceStore) SetDerived(_ context.Context, _ domain.EvidenceSubmission) error { return nil }

type disputeStore struct {
	mu       sync.Mutex
	disputes map[string]domain.Dispute
	statuses map[string]domain.DisputeStatus
}

var _ domain.DisputeStore = (*disputeStore)(nil)

func newDisputeStore(disputes ...domain.Dispute) *disputeStore {
	s := &disputeStore{
		disputes: make(map[string]domain.Dispute),
		statuses: make(map[string]domain.DisputeStatus),
	}
	for _, d := range disputes {
		s.disputes[d.ID] = d
	}
	return s
}

func (s *disputeStore) Create(_ context.Context, d domain.Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disputes[d.ID] = d
	return nil
}

func (s *disputeStore) GetByID(_ context.Context, id string) (domain.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.disputes[id]
	if !ok {
		return domain.Dispute{}, domain.ErrNotFound
	}
	return d, nil
}

func (s *disputeStore) ListByMarket(_ context.Context, marketID string, _ domain.ListOpts) ([]domain.Dispute, error) {
	return s.ListActiveByMarket(context.Background(), marketID)
}

func (s *disputeStore) ListActiveByMarket(_ context.Context, marketID string) ([]domain.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Dispute
	for _, d := range s.disputes {
		if d.MarketID == marketID && d.Status == domain.DisputeStatusActive {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *disputeStore) HasActive(_ context.Context, _, _ string) (bool, error) { return false, nil }

func (s *disputeStore) SetAssessment(_ context.Context, _ string, _ domain.DisputeAssessment) error {
	return nil
}

func (s *disputeStore) UpdateStatus(_ context.Context, disputeID string, status domain.DisputeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[disputeID] = status
	return nil
}

func (s *disputeStore) Profile(_ context.Context, _ string) (domain.DisputerProfile, error) {
	return domain.DisputerProfile{}, nil
}

type decisionStore struct {
	mu        sync.Mutex
	decisions []domain.ResolutionDecision
}

var _ domain.DecisionStore = (*decisionStore)(nil)

func (s *decisionStore) Insert(_ context.Context, d domain.ResolutionDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
	return nil
}

func (s *decisionStore) Latest(_ context.Context, marketID string, kind domain.DecisionKind) (domain.ResolutionDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.decisions) - 1; i >= 0; i-- {
		if s.decisions[i].MarketID == marketID && s.decisions[i].Kind == kind {
			return s.decisions[i], nil
		}
	}
	return domain.ResolutionDecision{}, domain.ErrNotFound
}

func (s *decisionStore) ListByMarket(_ context.Context, _ string) ([]domain.ResolutionDecision, error) {
	return nil, nil
}

type auditStore struct {
	mu     sync.Mutex
	events []string
}

var _ domain.AuditStore = (*auditStore)(nil)

func (s *auditStore) Log(_ context.Context, event string, _ map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *auditStore) List(_ context.Context, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (s *auditStore) DeleteBefore(_ context.Context, _ time.Time) (int64, error) { return 0, nil }

type eventBus struct {
	mu        sync.Mutex
	published map[string][][]byte
}

var _ domain.EventBus = (*eventBus)(nil)

func newEventBus() *eventBus {
	return &eventBus{published: make(map[string][][]byte)}
}

func (b *eventBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *eventBus) Subscribe(_ context.Context, _ string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *eventBus) StreamAppend(_ context.Context, _ string, _ []byte) error { return nil }

func (b *eventBus) StreamRead(_ context.Context, _ string, _ string, _ int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type marketCache struct {
	mu          sync.Mutex
	invalidated []string
}

var _ domain.MarketCache = (*marketCache)(nil)

func (c *marketCache) Set(_ context.Context, _ domain.Market) error { return nil }

func (c *marketCache) Get(_ context.Context, _ string) (domain.Market, error) {
	return domain.Market{}, domain.ErrNotFound
}

func (c *marketCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, id)
	return nil
}

type fixtures struct {
	markets   *marketStore
	evidence  *evidenceStore
	disputes  *disputeStore
	decisions *decisionStore
	audit     *auditStore
	bus       *eventBus
	cache     *marketCache
}

func newMachine(t *testing.T, f *fixtures, feed domain.VerificationFeed, opts ...Option) *Machine {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	normalizer := evidence.NewNormalizer(evidence.DefaultConfig(), logger)
	aggregator := aggregate.New(aggregate.DefaultConfig(), feed, logger)
	opts = append([]Option{
		WithClock(func() time.Time { return now }),
		WithDisputeWindow(24 * time.Hour),
		WithMarketCache(f.cache),
	}, opts...)
	return NewMachine(f.markets, f.evidence, f.disputes, f.decisions, f.audit, f.bus, normalizer, aggregator, logger, opts...)
}

func newFixtures(markets ...domain.Market) *fixtures {
	return &fixtures{
		markets:   newMarketStore(markets...),
		evidence:  &evidenceStore{},
		disputes:  newDisputeStore(),
		decisions: &decisionStore{},
		audit:     &auditStore{},
		bus:       newEventBus(),
		cache:     &marketCache{},
	}
}

func strongYesEvidence(marketID string, n int) []domain.EvidenceSubmission {
	var out []domain.EvidenceSubmission
	for i := 0; i < n; i++ {
		out = append(out, domain.EvidenceSubmission{
			ID:               "e" + string(rune('0'+i)),
			MarketID:         marketID,
			Submitter:        "0xsub",
			Content:          "The electoral commission certified the final tally and the results have been published by the returning officers across the counties",
			Links:            []string{"https://reuters.com/article", "https://elections.go.ke/tally"},
			DeclaredLanguage: "en",
			Supports:         domain.OutcomeYes,
		})
	}
	return out
}

func agreeingFeed(n int) *verify.Fixture {
	yes := true
	var sources []domain.VerificationSource
	for i := 0; i < n; i++ {
		sources = append(sources, domain.VerificationSource{Relevance: 1.0, Supports: &yes})
	}
	return &verify.Fixture{Default: domain.VerificationResult{Sources: sources, Reliability: 1.0}}
}

func TestAdvancePreliminaryOpensDisputeWindow(t *testing.T) {
	endTime := now.Add(-time.Hour)
	f := newFixtures(domain.Market{
		ID:      "m1",
		Claim:   "candidate X won",
		Status:  domain.MarketStatusOpen,
		EndTime: endTime,
	})
	f.evidence.subs = strongYesEvidence("m1", 5)
	f.markets.tallies["m1"] = domain.VolumeTally{MarketID: "m1", Yes: 900, No: 100}

	machine := newMachine(t, f, agreeingFeed(3))
	require.NoError(t, machine.Advance(context.Background(), "m1"))

	m, err := f.markets.GetByID(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusDisputable, m.Status)
	assert.Equal(t, domain.OutcomeYes, m.Outcome)
	assert.GreaterOrEqual(t, m.Confidence, 80.0)
	require.NotNil(t, m.PreliminaryAt)

	// The window is anchored to the market's fixed expiry, not the clock.
	require.NotNil(t, m.DisputePeriodEnd)
	assert.Equal(t, endTime.Add(24*time.Hour), *m.DisputePeriodEnd)

	// Both transitions dropped the cached copy.
	assert.Equal(t, []string{"m1", "m1"}, f.cache.invalidated)

	assert.Len(t, f.bus.published["resolution.preliminary"], 1)
	assert.Len(t, f.bus.published["resolution.disputable"], 1)
	assert.Contains(t, f.audit.events, "market.preliminary_resolution")

	var payload map[string]any
	require.NoError(t, json.Unmarshal(f.bus.published["resolution.preliminary"][0], &payload))
	assert.Equal(t, "resolution.preliminary", payload["event"])
	assert.Equal(t, "YES", payload["outcome"])

	prelim, err := f.decisions.Latest(context.Background(), "m1", domain.DecisionPreliminary)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeYes, prelim.Outcome)
}

func TestAdvanceBeforeEndTimeIsNoop(t *testing.T) {
	f := newFixtures(domain.Market{
		ID:      "m1",
		Status:  domain.MarketStatusOpen,
		EndTime: now.Add(time.Hour),
	})
	machine := newMachine(t, f, agreeingFeed(1))
	require.NoError(t, machine.Advance(context.Background(), "m1"))

	m, _ := f.markets.GetByID(context.Background(), "m1")
	assert.Equal(t, domain.MarketStatusOpen, m.Status)
	assert.Empty(t, f.bus.published)
}

func TestAdvanceDisputableBeforeWindowEndIsNoop(t *testing.T) {
	windowEnd := now.Add(time.Hour)
	f := newFixtures(domain.Market{
		ID:               "m1",
		Status:           domain.MarketStatusDisputable,
		EndTime:          now.Add(-23 * time.Hour),
		DisputePeriodEnd: &windowEnd,
		Outcome:          domain.OutcomeYes,
	})
	machine := newMachine(t, f, agreeingFeed(1))
	require.NoError(t, machine.Advance(context.Background(), "m1"))

	m, _ := f.markets.GetByID(context.Background(), "m1")
	assert.Equal(t, domain.MarketStatusDisputable, m.Status)
}

func TestAdvanceFinalizesAfterWindow(t *testing.T) {
	windowEnd := now.Add(-time.Minute)
	f := newFixtures(domain.Market{
		ID:               "m1",
		Status:           domain.MarketStatusDisputable,
		EndTime:          now.Add(-25 * time.Hour),
		DisputePeriodEnd: &windowEnd,
		Outcome:          domain.OutcomeYes,
	})
	f.evidence.subs = strongYesEvidence("m1", 5)
	f.markets.tallies["m1"] = domain.VolumeTally{MarketID: "m1", Yes: 900, No: 100}

	machine := newMachine(t, f, agreeingFeed(3))
	require.NoError(t, machine.Advance(context.Background(), "m1"))

	m, _ := f.markets.GetByID(context.Background(), "m1")
	assert.Equal(t, domain.MarketStatusResolved, m.Status)
	assert.Equal(t, domain.OutcomeYes, m.Outcome)

	assert.Len(t, f.bus.published["resolution.final"], 1)
	assert.Contains(t, f.audit.events, "market.resolved")

	final, err := f.decisions.Latest(context.Background(), "m1", domain.DecisionFinal)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeYes, final.Outcome)
}

func TestAdvanceInvalidatesBelowThreshold(t *testing.T) {
	f := newFixtures(domain.Market{
		ID:      "m1",
		Status:  domain.MarketStatusOpen,
		EndTime: now.Add(-time.Hour),
	})
	feed := &verify.Fixture{Err: domain.ErrExternalUnavailable}

	machine := newMachine(t, f, feed)
	require.NoError(t, machine.Advance(context.Background(), "m1"))

	m, _ := f.markets.GetByID(context.Background(), "m1")
	assert.Equal(t, domain.MarketStatusInvalid, m.Status)
	assert.Equal(t, domain.OutcomeInvalid, m.Outcome)
	assert.Len(t, f.bus.published["resolution.invalid"], 1)
	assert.Contains(t, f.audit.events, "market.invalidated")
}

func TestAdvanceTerminalIsNoop(t *testing.T) {
	f := newFixtures(domain.Market{ID: "m1", Status: domain.MarketStatusResolved})
	machine := newMachine(t, f, agreeingFeed(1))
	require.NoError(t, machine.Advance(context.Background(), "m1"))
	assert.Empty(t, f.bus.published)
}

func TestAdvanceSwallowsLostRace(t *testing.T) {
	f := newFixtures(domain.Market{
		ID:      "m1",
		Status:  domain.MarketStatusOpen,
		EndTime: now.Add(-time.Hour),
	})
	f.evidence.subs = strongYesEvidence("m1", 5)
	f.markets.tallies["m1"] = domain.VolumeTally{MarketID: "m1", Yes: 900, No: 100}
	f.markets.transitionErr = domain.ErrStateConflict

	machine := newMachine(t, f, agreeingFeed(3))
	assert.NoError(t, machine.Advance(context.Background(), "m1"))
}

func TestFinalizeFoldsInValidDisputeCounterEvidence(t *testing.T) {
	windowEnd := now.Add(-time.Minute)
	f := newFixtures(domain.Market{
		ID:               "m1",
		Status:           domain.MarketStatusDisputable,
		EndTime:          now.Add(-25 * time.Hour),
		DisputePeriodEnd: &windowEnd,
		Outcome:          domain.OutcomeYes,
	})
	require.NoError(t, f.disputes.Create(context.Background(), domain.Dispute{
		ID:       "d1",
		MarketID: "m1",
		Disputer: "0xd1",
		Evidence: "The official gazette shows the commission retracted the certification and the announced results were withdrawn before publication",
		Sources:  []string{"https://elections.go.ke/gazette"},
		Status:   domain.DisputeStatusActive,
		Assessment: &domain.DisputeAssessment{
			Validity: domain.ValidityLikelyValid,
			Quality:  0.9,
		},
	}))

	machine := newMachine(t, f, &verify.Fixture{Err: domain.ErrExternalUnavailable})
	require.NoError(t, machine.Advance(context.Background(), "m1"))

	// The lone counter-evidence submission cannot carry an 80-point decision,
	// so the market invalidates rather than confirming the challenged outcome.
	m, _ := f.markets.GetByID(context.Background(), "m1")
	assert.Equal(t, domain.MarketStatusInvalid, m.Status)

	final, err := f.decisions.Latest(context.Background(), "m1", domain.DecisionFinal)
	require.NoError(t, err)
	assert.Contains(t, final.Reasoning, "1 valid submissions")

	// The valid dispute closes out as resolved.
	assert.Equal(t, domain.DisputeStatusResolved, f.disputes.statuses["d1"])
}

func TestInvalidateRequiresDisputable(t *testing.T) {
	f := newFixtures(domain.Market{ID: "m1", Status: domain.MarketStatusOpen, EndTime: now.Add(time.Hour)})
	machine := newMachine(t, f, agreeingFeed(1))

	err := machine.Invalidate(context.Background(), "m1", "ambiguous claim")
	assert.ErrorIs(t, err, domain.ErrStateConflict)
}

func TestInvalidateByAdmin(t *testing.T) {
	windowEnd := now.Add(time.Hour)
	f := newFixtures(domain.Market{
		ID:               "m1",
		Status:           domain.MarketStatusDisputable,
		DisputePeriodEnd: &windowEnd,
		Outcome:          domain.OutcomeYes,
	})
	machine := newMachine(t, f, agreeingFeed(1))

	require.NoError(t, machine.Invalidate(context.Background(), "m1", "claim cannot be resolved"))

	m, _ := f.markets.GetByID(context.Background(), "m1")
	assert.Equal(t, domain.MarketStatusInvalid, m.Status)
	assert.Equal(t, "claim cannot be resolved", m.Reasoning)
	assert.Len(t, f.bus.published["resolution.invalid"], 1)
}
