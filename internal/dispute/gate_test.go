package dispute

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castprotocol/resolutiond/internal/domain"
)

func validRequest() Request {
	return Request{
		MarketID: "m1",
		Disputer: "0xdisputer",
		Reason:   "the announced outcome was retracted by the electoral commission",
		Evidence: "official gazette notice no. 114 shows the certification was withdrawn",
		Sources:  []string{"https://elections.go.ke/gazette"},
		Bond:     150,
	}
}

func newTestGate(markets *fakeMarketStore, disputes *fakeDisputeStore, ledger *fakeLedger, bus *fakeBus) *Gate {
	return NewGate(markets, disputes, ledger, &fakeLimiter{allow: true}, bus, 100, 5, time.Hour, testLogger())
}

func disputableMarket() domain.Market {
	return domain.Market{ID: "m1", Status: domain.MarketStatusDisputable}
}

func TestGateSubmit(t *testing.T) {
	markets := newFakeMarketStore(disputableMarket())
	disputes := newFakeDisputeStore()
	ledger := newFakeLedger("0xdisputer", 1000, 1000)
	bus := newFakeBus()
	gate := newTestGate(markets, disputes, ledger, bus)

	d, err := gate.Submit(context.Background(), validRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, d.ID)
	assert.Equal(t, domain.DisputeStatusActive, d.Status)
	assert.NotEmpty(t, d.EvidenceHash)
	assert.Equal(t, 150.0, d.Bond)

	require.Len(t, ledger.locked, 1)
	assert.Equal(t, 150.0, ledger.locked[0])

	stored, err := disputes.GetByID(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.EvidenceHash, stored.EvidenceHash)

	require.Len(t, bus.published["resolution.dispute_filed"], 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(bus.published["resolution.dispute_filed"][0], &payload))
	assert.Equal(t, "resolution.dispute_filed", payload["event"])
	assert.Equal(t, "m1", payload["market_id"])
	assert.Equal(t, d.ID, payload["dispute_id"])
}

func TestGateInputValidation(t *testing.T) {
	gate := newTestGate(newFakeMarketStore(disputableMarket()), newFakeDisputeStore(), newFakeLedger("0xdisputer", 1000, 1000), nil)

	t.Run("short reason", func(t *testing.T) {
		req := validRequest()
		req.Reason = "too short"
		_, err := gate.Submit(context.Background(), req)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("missing evidence", func(t *testing.T) {
		req := validRequest()
		req.Evidence = "  "
		_, err := gate.Submit(context.Background(), req)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("bond below minimum", func(t *testing.T) {
		req := validRequest()
		req.Bond = 50
		_, err := gate.Submit(context.Background(), req)
		assert.ErrorIs(t, err, domain.ErrInsufficientStake)
	})

	t.Run("nonpositive bond", func(t *testing.T) {
		req := validRequest()
		req.Bond = 0
		_, err := gate.Submit(context.Background(), req)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestGateRejectsNonDisputableMarket(t *testing.T) {
	markets := newFakeMarketStore(domain.Market{ID: "m1", Status: domain.MarketStatusResolved})
	gate := newTestGate(markets, newFakeDisputeStore(), newFakeLedger("0xdisputer", 1000, 1000), nil)

	_, err := gate.Submit(context.Background(), validRequest())
	assert.ErrorIs(t, err, domain.ErrStateConflict)
}

func TestGateRejectsLapsedDisputeWindow(t *testing.T) {
	// Status flips on the next poller pass; a filing in between must still
	// be rejected once the window deadline has passed.
	deadline := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	market := disputableMarket()
	market.DisputePeriodEnd = &deadline
	gate := newTestGate(newFakeMarketStore(market), newFakeDisputeStore(), newFakeLedger("0xdisputer", 1000, 1000), nil)
	gate.SetClock(func() time.Time { return deadline.Add(time.Minute) })

	_, err := gate.Submit(context.Background(), validRequest())
	assert.ErrorIs(t, err, domain.ErrStateConflict)
}

func TestGateAcceptsOpenDisputeWindow(t *testing.T) {
	deadline := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	market := disputableMarket()
	market.DisputePeriodEnd = &deadline
	ledger := newFakeLedger("0xdisputer", 1000, 1000)
	gate := newTestGate(newFakeMarketStore(market), newFakeDisputeStore(), ledger, newFakeBus())
	gate.SetClock(func() time.Time { return deadline.Add(-time.Minute) })

	d, err := gate.Submit(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeStatusActive, d.Status)
}

func TestGateRejectsDuplicateActiveDispute(t *testing.T) {
	markets := newFakeMarketStore(disputableMarket())
	disputes := newFakeDisputeStore()
	require.NoError(t, disputes.Create(context.Background(), domain.Dispute{
		ID:       "existing",
		MarketID: "m1",
		Disputer: "0xdisputer",
		Status:   domain.DisputeStatusActive,
	}))
	gate := newTestGate(markets, disputes, newFakeLedger("0xdisputer", 1000, 1000), nil)

	_, err := gate.Submit(context.Background(), validRequest())
	assert.ErrorIs(t, err, domain.ErrDuplicateActiveDispute)
}

func TestGateRejectsInsufficientBalance(t *testing.T) {
	gate := newTestGate(newFakeMarketStore(disputableMarket()), newFakeDisputeStore(), newFakeLedger("0xdisputer", 100, 1000), nil)

	_, err := gate.Submit(context.Background(), validRequest())
	assert.ErrorIs(t, err, domain.ErrInsufficientStake)
}

func TestGateRejectsInsufficientAllowance(t *testing.T) {
	gate := newTestGate(newFakeMarketStore(disputableMarket()), newFakeDisputeStore(), newFakeLedger("0xdisputer", 1000, 100), nil)

	_, err := gate.Submit(context.Background(), validRequest())
	assert.ErrorIs(t, err, domain.ErrInsufficientStake)
}

func TestGateRateLimited(t *testing.T) {
	gate := NewGate(newFakeMarketStore(disputableMarket()), newFakeDisputeStore(), newFakeLedger("0xdisputer", 1000, 1000), &fakeLimiter{allow: false}, nil, 100, 5, time.Hour, testLogger())

	_, err := gate.Submit(context.Background(), validRequest())
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestGateReleasesBondWhenCreateLosesRace(t *testing.T) {
	markets := newFakeMarketStore(disputableMarket())
	disputes := newFakeDisputeStore()
	disputes.createErr = domain.ErrDuplicateActiveDispute
	ledger := newFakeLedger("0xdisputer", 1000, 1000)
	gate := newTestGate(markets, disputes, ledger, nil)

	_, err := gate.Submit(context.Background(), validRequest())
	assert.ErrorIs(t, err, domain.ErrDuplicateActiveDispute)

	// Bond was locked, then returned.
	require.Len(t, ledger.locked, 1)
	require.Len(t, ledger.executed, 1)
	assert.Equal(t, domain.SettlementReturnBondOnly, ledger.executed[0].Action)
	assert.Equal(t, 150.0, ledger.executed[0].Amount)
}
