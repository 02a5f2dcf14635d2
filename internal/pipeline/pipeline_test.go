package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castprotocol/resolutiond/internal/domain"
	"github.com/castprotocol/resolutiond/internal/settlement"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type fakeLocks struct {
	held     map[string]bool
	acquired []string
}

var _ domain.LockManager = (*fakeLocks)(nil)

func (l *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.acquired = append(l.acquired, key)
	return func() {}, nil
}

type fakeMarketStore struct {
	markets map[string]domain.Market
	due     []domain.Market
}

var _ domain.MarketStore = (*fakeMarketStore)(nil)

func (s *fakeMarketStore) Create(_ context.Context, _ domain.Market) error { return nil }

func (s *fakeMarketStore) GetByID(_ context.Context, id string) (domain.Market, error) {
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *fakeMarketStore) ListDue(_ context.Context, _ time.Time, _ domain.ListOpts) ([]domain.Market, error) {
	return s.due, nil
}

func (s *fakeMarketStore) ListByStatus(_ context.Context, status domain.MarketStatus, _ domain.ListOpts) ([]domain.Market, error) {
	var out []domain.Market
	for _, m := range s.markets {
		if m.Status == status {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeMarketStore) TransitionStatus(_ context.Context, _ domain.Market, _ domain.MarketStatus) error {
	return nil
}

func (s *fakeMarketStore) VolumeTally(_ context.Context, marketID string) (domain.VolumeTally, error) {
	return domain.VolumeTally{MarketID: marketID}, nil
}

func (s *fakeMarketStore) Count(_ context.Context) (int64, error) { return 0, nil }

type fakeDisputeStore struct{}

var _ domain.DisputeStore = (*fakeDisputeStore)(nil)

func (s *fakeDisputeStore) Create(_ context.Context, _ domain.Dispute) error { return nil }

func (s *fakeDisputeStore) GetByID(_ context.Context, _ string) (domain.Dispute, error) {
	return domain.Dispute{}, domain.ErrNotFound
}

func (s *fakeDisputeStore) ListByMarket(_ context.Context, _ string, _ domain.ListOpts) ([]domain.Dispute, error) {
	return nil, nil
}

func (s *fakeDisputeStore) ListActiveByMarket(_ context.Context, _ string) ([]domain.Dispute, error) {
	return nil, nil
}

func (s *fakeDisputeStore) HasActive(_ context.Context, _, _ string) (bool, error) {
	return false, nil
}

func (s *fakeDisputeStore) SetAssessment(_ context.Context, _ string, _ domain.DisputeAssessment) error {
	return nil
}

func (s *fakeDisputeStore) UpdateStatus(_ context.Context, _ string, _ domain.DisputeStatus) error {
	return nil
}

func (s *fakeDisputeStore) Profile(_ context.Context, _ string) (domain.DisputerProfile, error) {
	return domain.DisputerProfile{}, nil
}

// fakeSettlementStore mirrors the real store's semantics where the settler
// depends on them: one plan per market, executed plans flip AlreadySettled.
type fakeSettlementStore struct {
	settled    map[string]bool
	plans      map[string]*domain.SettlementPlan
	unexecuted []domain.SettlementPlan
	executed   []string
}

var _ domain.SettlementStore = (*fakeSettlementStore)(nil)

func newFakeSettlementStore() *fakeSettlementStore {
	return &fakeSettlementStore{
		settled: make(map[string]bool),
		plans:   make(map[string]*domain.SettlementPlan),
	}
}

func (s *fakeSettlementStore) seed(plan domain.SettlementPlan) {
	cp := plan
	cp.Transactions = append([]domain.SettlementTx(nil), plan.Transactions...)
	s.plans[plan.MarketID] = &cp
	s.unexecuted = append(s.unexecuted, plan)
}

func (s *fakeSettlementStore) Insert(_ context.Context, plan domain.SettlementPlan) error {
	if _, ok := s.plans[plan.MarketID]; ok {
		return domain.ErrAlreadyExists
	}
	cp := plan
	cp.Transactions = append([]domain.SettlementTx(nil), plan.Transactions...)
	s.plans[plan.MarketID] = &cp
	return nil
}

func (s *fakeSettlementStore) GetByMarket(_ context.Context, marketID string) (domain.SettlementPlan, error) {
	plan, ok := s.plans[marketID]
	if !ok {
		return domain.SettlementPlan{}, domain.ErrNotFound
	}
	cp := *plan
	cp.Transactions = append([]domain.SettlementTx(nil), plan.Transactions...)
	return cp, nil
}

func (s *fakeSettlementStore) AlreadySettled(_ context.Context, marketID string) (bool, error) {
	return s.settled[marketID], nil
}

func (s *fakeSettlementStore) MarkTxExecuted(_ context.Context, planID string, seq int, txHash string) error {
	for _, plan := range s.plans {
		if plan.ID == planID && seq < len(plan.Transactions) {
			plan.Transactions[seq].TxHash = txHash
			return nil
		}
	}
	return domain.ErrNotFound
}

func (s *fakeSettlementStore) MarkExecuted(_ context.Context, planID string) error {
	s.executed = append(s.executed, planID)
	for marketID, plan := range s.plans {
		if plan.ID == planID {
			s.settled[marketID] = true
		}
	}
	return nil
}

func (s *fakeSettlementStore) ListUnexecuted(_ context.Context, _ int) ([]domain.SettlementPlan, error) {
	return s.unexecuted, nil
}

func (s *fakeSettlementStore) DeleteExecutedBefore(_ context.Context, _ time.Time) ([]domain.SettlementPlan, error) {
	return nil, nil
}

type fakeLedger struct {
	executed int
}

var _ domain.BondLedger = (*fakeLedger)(nil)

func (l *fakeLedger) Balance(_ context.Context, _ string) (float64, error)   { return 0, nil }
func (l *fakeLedger) Allowance(_ context.Context, _ string) (float64, error) { return 0, nil }

func (l *fakeLedger) LockBond(_ context.Context, _ string, _ float64) (string, error) {
	return "0xlock", nil
}

func (l *fakeLedger) Execute(_ context.Context, _ domain.SettlementTx) (string, error) {
	l.executed++
	return "0xtx", nil
}

type fakeAuditStore struct{}

var _ domain.AuditStore = (*fakeAuditStore)(nil)

func (s *fakeAuditStore) Log(_ context.Context, _ string, _ map[string]any) error { return nil }

func (s *fakeAuditStore) List(_ context.Context, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (s *fakeAuditStore) DeleteBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

type fakeBlobArchiver struct {
	auditCutoff      time.Time
	settlementCutoff time.Time
	auditErr         error
}

var _ domain.Archiver = (*fakeBlobArchiver)(nil)

func (a *fakeBlobArchiver) ArchiveAuditLog(_ context.Context, before time.Time) (int64, error) {
	a.auditCutoff = before
	return 7, a.auditErr
}

func (a *fakeBlobArchiver) ArchiveSettlements(_ context.Context, before time.Time) (int64, error) {
	a.settlementCutoff = before
	return 3, nil
}

func terminalMarket(id string, status domain.MarketStatus) domain.Market {
	return domain.Market{ID: id, Status: status, Outcome: domain.OutcomeYes}
}

func newSettlerFixture(markets *fakeMarketStore, settlements *fakeSettlementStore, locks *fakeLocks) (*Settler, *fakeLedger) {
	params := settlement.DefaultParams()
	params.TreasuryAddress = "0xtreasury"
	ledger := &fakeLedger{}
	executor := settlement.NewExecutor(markets, &fakeDisputeStore{}, settlements, ledger, &fakeAuditStore{}, nil, settlement.NewCalculator(params), nil, testLogger())
	return NewSettler(markets, settlements, executor, locks, 50, testLogger()), ledger
}

func TestSettlerRunOnceSettlesTerminalMarkets(t *testing.T) {
	markets := &fakeMarketStore{markets: map[string]domain.Market{
		"m1": terminalMarket("m1", domain.MarketStatusResolved),
		"m2": terminalMarket("m2", domain.MarketStatusInvalid),
		"m3": {ID: "m3", Status: domain.MarketStatusOpen},
	}}
	settlements := newFakeSettlementStore()
	locks := &fakeLocks{}
	settler, _ := newSettlerFixture(markets, settlements, locks)

	n, err := settler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"settle:m1", "settle:m2"}, locks.acquired)
	assert.Len(t, settlements.executed, 2)
}

func TestSettlerRunOnceSkipsSettledMarkets(t *testing.T) {
	markets := &fakeMarketStore{markets: map[string]domain.Market{
		"m1": terminalMarket("m1", domain.MarketStatusResolved),
	}}
	settlements := newFakeSettlementStore()
	settlements.settled["m1"] = true
	locks := &fakeLocks{}
	settler, ledger := newSettlerFixture(markets, settlements, locks)

	n, err := settler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, ledger.executed)
	assert.Empty(t, locks.acquired)
}

func TestSettlerRunOnceResumesPartiallyExecutedPlan(t *testing.T) {
	markets := &fakeMarketStore{markets: map[string]domain.Market{
		"m1": terminalMarket("m1", domain.MarketStatusResolved),
	}}
	settlements := newFakeSettlementStore()
	// One transfer already mined before the previous pass died.
	settlements.seed(domain.SettlementPlan{
		ID:       "p1",
		MarketID: "m1",
		Transactions: []domain.SettlementTx{
			{DisputeID: "d1", Recipient: "0xa", Action: domain.SettlementSlashBond, TxHash: "0xdone"},
			{DisputeID: "d2", Recipient: "0xb", Action: domain.SettlementRewardWithBonuses},
		},
	})
	locks := &fakeLocks{}
	settler, ledger := newSettlerFixture(markets, settlements, locks)

	n, err := settler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "settle:m1", locks.acquired[0])
	// Only the unmined transfer runs; the plan is never rebuilt.
	assert.Equal(t, 1, ledger.executed)
	assert.Equal(t, []string{"p1"}, settlements.executed)
	assert.True(t, settlements.settled["m1"])
	for _, tx := range settlements.plans["m1"].Transactions {
		assert.NotEmpty(t, tx.TxHash)
	}
}

func TestSettlementStoreFakeRejectsSecondPlanPerMarket(t *testing.T) {
	settlements := newFakeSettlementStore()
	require.NoError(t, settlements.Insert(context.Background(), domain.SettlementPlan{ID: "p1", MarketID: "m1"}))

	err := settlements.Insert(context.Background(), domain.SettlementPlan{ID: "p2", MarketID: "m1"})
	require.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestSettlerRunOnceSkipsLockedMarkets(t *testing.T) {
	markets := &fakeMarketStore{markets: map[string]domain.Market{
		"m1": terminalMarket("m1", domain.MarketStatusResolved),
	}}
	settlements := newFakeSettlementStore()
	locks := &fakeLocks{held: map[string]bool{"settle:m1": true}}
	settler, ledger := newSettlerFixture(markets, settlements, locks)

	n, err := settler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, ledger.executed)
}

func TestArchiverRunUsesRetentionCutoff(t *testing.T) {
	blob := &fakeBlobArchiver{}
	archiver := NewArchiver(blob, 90, testLogger())

	require.NoError(t, archiver.Run(context.Background()))

	wantCutoff := time.Now().UTC().Add(-90 * 24 * time.Hour)
	assert.WithinDuration(t, wantCutoff, blob.auditCutoff, time.Minute)
	assert.Equal(t, blob.auditCutoff, blob.settlementCutoff)
}

func TestArchiverRunPropagatesErrors(t *testing.T) {
	blob := &fakeBlobArchiver{auditErr: errors.New("s3 unavailable")}
	archiver := NewArchiver(blob, 90, testLogger())

	err := archiver.Run(context.Background())
	require.Error(t, err)
	// Settlements are not touched when the audit pass fails.
	assert.True(t, blob.settlementCutoff.IsZero())
}

func TestNextCronTime(t *testing.T) {
	after := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)

	next, err := nextCronTime("0 3 1 * *", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 7, 1, 3, 0, 0, 0, time.UTC), next)

	// Same day when the trigger is still ahead.
	next, err = nextCronTime("45 10 * * *", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 15, 10, 45, 0, 0, time.UTC), next)

	// List fields.
	next, err = nextCronTime("0 0 1,15 * *", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), next)
}

func TestNextCronTimeSkipsCurrentMinute(t *testing.T) {
	after := time.Date(2025, 6, 15, 10, 45, 0, 0, time.UTC)

	next, err := nextCronTime("45 10 * * *", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 16, 10, 45, 0, 0, time.UTC), next)
}

func TestParseCronRejectsMalformedExpressions(t *testing.T) {
	_, err := parseCron("0 3 1 *")
	require.Error(t, err)

	_, err = parseCron("0 3 1 * monday")
	require.Error(t, err)
}
