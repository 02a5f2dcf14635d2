package dispute

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/castprotocol/resolutiond/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type fakeMarketStore struct {
	mu      sync.Mutex
	markets map[string]domain.Market
}

var _ domain.MarketStore = (*fakeMarketStore)(nil)

func newFakeMarketStore(markets ...domain.Market) *fakeMarketStore {
	s := &fakeMarketStore{markets: make(map[string]domain.Market)}
	for _, m := range markets {
		s.markets[m.ID] = m
	}
	return s
}

func (s *fakeMarketStore) Create(_ context.Context, m domain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets[m.ID] = m
	return nil
}

func (s *fakeMarketStore) GetByID(_ context.Context, id string) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *fakeMarketStore) ListDue(_ context.Context, _ time.Time, _ domain.ListOpts) ([]domain.Market, error) {
	return nil, nil
}

func (s *fakeMarketStore) ListByStatus(_ context.Context, status domain.MarketStatus, _ domain.ListOpts) ([]domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Market
	for _, m := range s.markets {
		if m.Status == status {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeMarketStore) TransitionStatus(_ context.Context, m domain.Market, expected domain.MarketStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.markets[m.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status != expected {
		return domain.ErrStateConflict
	}
	s.markets[m.ID] = m
	return nil
}

func (s *fakeMarketStore) VolumeTally(_ context.Context, marketID string) (domain.VolumeTally, error) {
	return domain.VolumeTally{MarketID: marketID}, nil
}

func (s *fakeMarketStore) Count(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.markets)), nil
}

type fakeDisputeStore struct {
	mu          sync.Mutex
	disputes    map[string]domain.Dispute
	profiles    map[string]domain.DisputerProfile
	createErr   error
	assessments map[string]domain.DisputeAssessment
}

var _ domain.DisputeStore = (*fakeDisputeStore)(nil)

func newFakeDisputeStore() *fakeDisputeStore {
	return &fakeDisputeStore{
		disputes:    make(map[string]domain.Dispute),
		profiles:    make(map[string]domain.DisputerProfile),
		assessments: make(map[string]domain.DisputeAssessment),
	}
}

func (s *fakeDisputeStore) Create(_ context.Context, d domain.Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	for _, existing := range s.disputes {
		if existing.MarketID == d.MarketID && existing.Disputer == d.Disputer && existing.Status == domain.DisputeStatusActive {
			return domain.ErrDuplicateActiveDispute
		}
	}
	s.disputes[d.ID] = d
	return nil
}

func (s *fakeDisputeStore) GetByID(_ context.Context, id string) (domain.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.disputes[id]
	if !ok {
		return domain.Dispute{}, domain.ErrNotFound
	}
	return d, nil
}

func (s *fakeDisputeStore) ListByMarket(_ context.Context, marketID string, _ domain.ListOpts) ([]domain.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Dispute
	for _, d := range s.disputes {
		if d.MarketID == marketID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *fakeDisputeStore) ListActiveByMarket(_ context.Context, marketID string) ([]domain.Dispute, error) {
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

func (s *fakeDisputeStore) HasActive(_ context.Context, marketID, disputer string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.disputes {
		if d.MarketID == marketID && d.Disputer == disputer && d.Status == domain.DisputeStatusActive {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeDisputeStore) SetAssessment(_ context.Context, disputeID string, a domain.DisputeAssessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.disputes[disputeID]
	if !ok {
		return domain.ErrNotFound
	}
	d.Assessment = &a
	s.disputes[disputeID] = d
	s.assessments[disputeID] = a
	return nil
}

func (s *fakeDisputeStore) UpdateStatus(_ context.Context, disputeID string, status domain.DisputeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.disputes[disputeID]
	if !ok {
		return domain.ErrNotFound
	}
	d.Status = status
	s.disputes[disputeID] = d
	return nil
}

func (s *fakeDisputeStore) Profile(_ context.Context, disputer string) (domain.DisputerProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profiles[disputer], nil
}

type fakeDecisionStore struct {
	mu        sync.Mutex
	decisions []domain.ResolutionDecision
}

var _ domain.DecisionStore = (*fakeDecisionStore)(nil)

func (s *fakeDecisionStore) Insert(_ context.Context, d domain.ResolutionDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
	return nil
}

func (s *fakeDecisionStore) Latest(_ context.Context, marketID string, kind domain.DecisionKind) (domain.ResolutionDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.decisions) - 1; i >= 0; i-- {
		if s.decisions[i].MarketID == marketID && s.decisions[i].Kind == kind {
			return s.decisions[i], nil
		}
	}
	return domain.ResolutionDecision{}, domain.ErrNotFound
}

func (s *fakeDecisionStore) ListByMarket(_ context.Context, marketID string) ([]domain.ResolutionDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ResolutionDecision
	for _, d := range s.decisions {
		if d.MarketID == marketID {
			out = append(out, d)
		}
	}
	return out, nil
}

type fakeLedger struct {
	mu         sync.Mutex
	balances   map[string]float64
	allowances map[string]float64
	locked     []float64
	executed   []domain.SettlementTx
	lockErr    error
}

var _ domain.BondLedger = (*fakeLedger)(nil)

func newFakeLedger(address string, balance, allowance float64) *fakeLedger {
	return &fakeLedger{
		balances:   map[string]float64{address: balance},
		allowances: map[string]float64{address: allowance},
	}
}

func (l *fakeLedger) Balance(_ context.Context, address string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[address], nil
}

func (l *fakeLedger) Allowance(_ context.Context, owner string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowances[owner], nil
}

func (l *fakeLedger) LockBond(_ context.Context, disputer string, amount float64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lockErr != nil {
		return "", l.lockErr
	}
	l.locked = append(l.locked, amount)
	return "0xlock", nil
}

func (l *fakeLedger) Execute(_ context.Context, tx domain.SettlementTx) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.executed = append(l.executed, tx)
	return "0xexec", nil
}

type fakeLimiter struct {
	allow bool
}

var _ domain.RateLimiter = (*fakeLimiter)(nil)

func (f *fakeLimiter) Allow(_ context.Context, _ string, _ int, _ time.Duration) (bool, error) {
	return f.allow, nil
}

type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
}

var _ domain.EventBus = (*fakeBus)(nil)

func newFakeBus() *fakeBus {
	return &fakeBus{published: make(map[string][][]byte)}
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, _ string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *fakeBus) StreamAppend(_ context.Context, _ string, _ []byte) error { return nil }

func (b *fakeBus) StreamRead(_ context.Context, _ string, _ string, _ int) ([]domain.StreamMessage, error) {
	return nil, nil
}
