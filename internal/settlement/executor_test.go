package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castprotocol/resolutiond/internal/domain"
)

type execMarketStore struct {
	markets map[string]domain.Market
}

var _ domain.MarketStore = (*execMarketStore)(nil)

func (s *execMarketStore) Create(_ context.Context, _ domain.Market) error { return nil }

func (s *execMarketStore) GetByID(_ context.Context, id string) (domain.Market, error) {
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *execMarketStore) ListDue(_ context.Context, _ time.Time, _ domain.ListOpts) ([]domain.Market, error) {
	return nil, nil
}

func (s *execMarketStore) ListByStatus(_ context.Context, _ domain.MarketStatus, _ domain.ListOpts) ([]domain.Market, error) {
	return nil, nil
}

func (s *execMarketStore) TransitionStatus(_ context.Context, _ domain.Market, _ domain.MarketStatus) error {
	return nil
}

func (s *execMarketStore) VolumeTally(_ context.Context, marketID string) (domain.VolumeTally, error) {
	return domain.VolumeTally{MarketID: marketID}, nil
}

func (s *execMarketStore) Count(_ context.Context) (int64, error) { return 0, nil }

type execDisputeStore struct {
	disputes []domain.Dispute
}

var _ domain.DisputeStore = (*execDisputeStore)(nil)

func (s *execDisputeStore) Create(_ context.Context, _ domain.Dispute) error { return nil }

func (s *execDisputeStore) GetByID(_ context.Context, _ string) (domain.Dispute, error) {
	return domain.Dispute{}, domain.ErrNotFound
}

func (s *execDisputeStore) ListByMarket(_ context.Context, _ string, _ domain.ListOpts) ([]domain.Dispute, error) {
	return s.disputes, nil
}

func (s *execDisputeStore) ListActiveByMarket(_ context.Context, _ string) ([]domain.Dispute, error) {
	return nil, nil
}

func (s *execDisputeStore) HasActive(_ context.Context, _, _ string) (bool, error) {
	return false, nil
}

func (s *execDisputeStore) SetAssessment(_ context.Context, _ string, _ domain.DisputeAssessment) error {
	return nil
}

func (s *execDisputeStore) UpdateStatus(_ context.Context, _ string, _ domain.DisputeStatus) error {
	return nil
}

func (s *execDisputeStore) Profile(_ context.Context, _ string) (domain.DisputerProfile, error) {
	return domain.DisputerProfile{}, nil
}

// execSettlementStore keeps at most one plan per market, like the real
// store's unique market constraint.
type execSettlementStore struct {
	settled  bool
	plans    map[string]*domain.SettlementPlan
	inserts  int
	executed []string
}

var _ domain.SettlementStore = (*execSettlementStore)(nil)

func newExecSettlementStore() *execSettlementStore {
	return &execSettlementStore{plans: make(map[string]*domain.SettlementPlan)}
}

func (s *execSettlementStore) Insert(_ context.Context, plan domain.SettlementPlan) error {
	if _, ok := s.plans[plan.MarketID]; ok {
		return domain.ErrAlreadyExists
	}
	s.inserts++
	cp := plan
	cp.Transactions = append([]domain.SettlementTx(nil), plan.Transactions...)
	s.plans[plan.MarketID] = &cp
	return nil
}

func (s *execSettlementStore) GetByMarket(_ context.Context, marketID string) (domain.SettlementPlan, error) {
	plan, ok := s.plans[marketID]
	if !ok {
		return domain.SettlementPlan{}, domain.ErrNotFound
	}
	cp := *plan
	cp.Transactions = append([]domain.SettlementTx(nil), plan.Transactions...)
	return cp, nil
}

func (s *execSettlementStore) AlreadySettled(_ context.Context, _ string) (bool, error) {
	return s.settled, nil
}

func (s *execSettlementStore) MarkTxExecuted(_ context.Context, planID string, seq int, txHash string) error {
	for _, plan := range s.plans {
		if plan.ID == planID && seq < len(plan.Transactions) {
			plan.Transactions[seq].TxHash = txHash
			return nil
		}
	}
	return domain.ErrNotFound
}

func (s *execSettlementStore) MarkExecuted(_ context.Context, planID string) error {
	s.executed = append(s.executed, planID)
	return nil
}

func (s *execSettlementStore) ListUnexecuted(_ context.Context, _ int) ([]domain.SettlementPlan, error) {
	return nil, nil
}

func (s *execSettlementStore) DeleteExecutedBefore(_ context.Context, _ time.Time) ([]domain.SettlementPlan, error) {
	return nil, nil
}

type execLedger struct {
	executed []domain.SettlementTx
	failAt   int
}

var _ domain.BondLedger = (*execLedger)(nil)

func (l *execLedger) Balance(_ context.Context, _ string) (float64, error)   { return 0, nil }
func (l *execLedger) Allowance(_ context.Context, _ string) (float64, error) { return 0, nil }

func (l *execLedger) LockBond(_ context.Context, _ string, _ float64) (string, error) {
	return "", errors.New("not custodying bonds here")
}

func (l *execLedger) Execute(_ context.Context, tx domain.SettlementTx) (string, error) {
	if l.failAt > 0 && len(l.executed)+1 == l.failAt {
		return "", errors.New("rpc timeout")
	}
	l.executed = append(l.executed, tx)
	return "0xtx", nil
}

type execAuditStore struct {
	events  []string
	details []map[string]any
}

var _ domain.AuditStore = (*execAuditStore)(nil)

func (s *execAuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.events = append(s.events, event)
	s.details = append(s.details, detail)
	return nil
}

func (s *execAuditStore) List(_ context.Context, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (s *execAuditStore) DeleteBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

type execBus struct {
	published map[string][][]byte
}

var _ domain.EventBus = (*execBus)(nil)

func (b *execBus) Publish(_ context.Context, channel string, payload []byte) error {
	if b.published == nil {
		b.published = make(map[string][][]byte)
	}
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *execBus) Subscribe(_ context.Context, _ string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *execBus) StreamAppend(_ context.Context, _ string, _ []byte) error { return nil }

func (b *execBus) StreamRead(_ context.Context, _ string, _ string, _ int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type stubAttestor struct {
	err error
}

var _ Attestor = (*stubAttestor)(nil)

func (a *stubAttestor) SignSettlement(_ domain.SettlementPlan) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	return "0xsignature", nil
}

type executorFixture struct {
	markets     *execMarketStore
	disputes    *execDisputeStore
	settlements *execSettlementStore
	ledger      *execLedger
	audit       *execAuditStore
	bus         *execBus
	attestor    *stubAttestor
	executor    *Executor
}

func newExecutorFixture() *executorFixture {
	f := &executorFixture{
		markets:     &execMarketStore{markets: map[string]domain.Market{"m1": resolvedMarket()}},
		disputes:    &execDisputeStore{disputes: mixedDisputes()},
		settlements: newExecSettlementStore(),
		ledger:      &execLedger{},
		audit:       &execAuditStore{},
		bus:         &execBus{},
		attestor:    &stubAttestor{},
	}
	m := f.markets.markets["m1"]
	m.PreliminaryAt = &windowOpen
	f.markets.markets["m1"] = m

	f.executor = NewExecutor(f.markets, f.disputes, f.settlements, f.ledger, f.audit, f.bus, NewCalculator(params()), f.attestor, slog.New(slog.DiscardHandler))
	return f
}

func TestSettleExecutesPlan(t *testing.T) {
	f := newExecutorFixture()

	require.NoError(t, f.executor.Settle(context.Background(), "m1"))

	require.Contains(t, f.settlements.plans, "m1")
	plan := *f.settlements.plans["m1"]
	assert.Len(t, f.ledger.executed, len(plan.Transactions))
	assert.Equal(t, []string{plan.ID}, f.settlements.executed)
	for _, tx := range plan.Transactions {
		assert.NotEmpty(t, tx.TxHash)
	}

	require.Equal(t, []string{"settlement.executed"}, f.audit.events)
	detail := f.audit.details[0]
	assert.Equal(t, "m1", detail["market_id"])
	assert.Equal(t, "0xsignature", detail["attestation"])

	require.Len(t, f.bus.published["resolution.settled"], 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(f.bus.published["resolution.settled"][0], &payload))
	assert.Equal(t, "resolution.settled", payload["event"])
	assert.Equal(t, "m1", payload["market_id"])
}

func TestSettleReplayIsNoop(t *testing.T) {
	f := newExecutorFixture()
	f.settlements.settled = true

	require.NoError(t, f.executor.Settle(context.Background(), "m1"))

	assert.Empty(t, f.settlements.plans)
	assert.Empty(t, f.ledger.executed)
	assert.Empty(t, f.audit.events)
}

func TestSettleRejectsNonTerminalMarket(t *testing.T) {
	f := newExecutorFixture()
	m := f.markets.markets["m1"]
	m.Status = domain.MarketStatusDisputable
	f.markets.markets["m1"] = m

	err := f.executor.Settle(context.Background(), "m1")
	assert.ErrorIs(t, err, domain.ErrStateConflict)
	assert.Empty(t, f.ledger.executed)
}

func TestSettleLedgerFailureLeavesPlanUnexecuted(t *testing.T) {
	f := newExecutorFixture()
	f.ledger.failAt = 2

	err := f.executor.Settle(context.Background(), "m1")
	require.Error(t, err)

	// The plan is persisted but never marked executed, so the next settle
	// pass retries it. The mined transfer keeps its recorded hash.
	require.Contains(t, f.settlements.plans, "m1")
	plan := f.settlements.plans["m1"]
	assert.NotEmpty(t, plan.Transactions[0].TxHash)
	assert.Empty(t, plan.Transactions[1].TxHash)
	assert.Empty(t, f.settlements.executed)
	assert.Empty(t, f.audit.events)
	assert.Empty(t, f.bus.published)
}

func TestSettleRetryResumesWithoutReexecuting(t *testing.T) {
	f := newExecutorFixture()
	f.ledger.failAt = 2

	require.Error(t, f.executor.Settle(context.Background(), "m1"))
	require.Len(t, f.ledger.executed, 1)

	// The rpc recovers and the next pass picks the market up again.
	f.ledger.failAt = 0
	require.NoError(t, f.executor.Settle(context.Background(), "m1"))

	// The second pass loads the persisted plan instead of inserting a new
	// one, and never repeats the transfer mined on the first pass.
	plan := *f.settlements.plans["m1"]
	assert.Equal(t, 1, f.settlements.inserts)
	assert.Len(t, f.ledger.executed, len(plan.Transactions))
	seen := make(map[string]int)
	for _, tx := range f.ledger.executed {
		seen[tx.DisputeID]++
	}
	for id, n := range seen {
		assert.Equalf(t, 1, n, "dispute %s executed %d times", id, n)
	}
	assert.Equal(t, []string{plan.ID}, f.settlements.executed)
}

func TestSettleAttestationFailureIsNonFatal(t *testing.T) {
	f := newExecutorFixture()
	f.attestor.err = errors.New("key unavailable")

	require.NoError(t, f.executor.Settle(context.Background(), "m1"))

	require.Len(t, f.audit.details, 1)
	_, hasSig := f.audit.details[0]["attestation"]
	assert.False(t, hasSig)
}

func TestSettleUnknownMarket(t *testing.T) {
	f := newExecutorFixture()

	err := f.executor.Settle(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
