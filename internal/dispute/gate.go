package dispute

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/castprotocol/resolutiond/internal/domain"
)

// Gate validates and commits new disputes. The window between validation and
// commit is adversarial: balances move and competing disputes land, so every
// check runs twice, the second time immediately before the mutating calls.
type Gate struct {
	markets  domain.MarketStore
	disputes domain.DisputeStore
	ledger   domain.BondLedger
	limiter  domain.RateLimiter
	bus      domain.EventBus
	logger   *slog.Logger

	minBond    float64
	rateLimit  int
	rateWindow time.Duration
	now        func() time.Time
}

// NewGate creates a Gate. rateLimit/rateWindow bound dispute submissions per
// disputer; zero values disable rate limiting. bus may be nil.
func NewGate(markets domain.MarketStore, disputes domain.DisputeStore, ledger domain.BondLedger, limiter domain.RateLimiter, bus domain.EventBus, minBond float64, rateLimit int, rateWindow time.Duration, logger *slog.Logger) *Gate {
	return &Gate{
		markets:    markets,
		disputes:   disputes,
		ledger:     ledger,
		limiter:    limiter,
		bus:        bus,
		minBond:    minBond,
		rateLimit:  rateLimit,
		rateWindow: rateWindow,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.With(slog.String("component", "dispute_gate")),
	}
}

// SetClock overrides the time source, for tests.
func (g *Gate) SetClock(now func() time.Time) { g.now = now }

// Request is a dispute submission.
type Request struct {
	MarketID     string
	Disputer     string
	Reason       string
	Evidence     string
	Sources      []string
	EvidenceDate *time.Time
	Bond         float64
}

// Submit validates the request, re-validates, locks the bond, and creates the
// dispute. On success the created dispute is returned with its evidence hash
// and Active status set.
func (g *Gate) Submit(ctx context.Context, req Request) (domain.Dispute, error) {
	if err := g.validateInput(req); err != nil {
		return domain.Dispute{}, err
	}

	if g.limiter != nil && g.rateLimit > 0 {
		ok, err := g.limiter.Allow(ctx, "dispute:"+req.Disputer, g.rateLimit, g.rateWindow)
		if err != nil {
			return domain.Dispute{}, fmt.Errorf("dispute: rate limit check: %w", err)
		}
		if !ok {
			return domain.Dispute{}, domain.ErrRateLimited
		}
	}

	// First pass: fail fast on anything already wrong.
	if err := g.validateState(ctx, req); err != nil {
		return domain.Dispute{}, err
	}

	// Second pass, immediately before commit. Anything can have changed
	// since the first pass: the market may have finalized, the balance may
	// have been spent, a competing dispute may have landed.
	if err := g.validateState(ctx, req); err != nil {
		return domain.Dispute{}, err
	}

	hash := ethcrypto.Keccak256Hash([]byte(req.Evidence)).Hex()

	d := domain.Dispute{
		ID:           uuid.NewString(),
		MarketID:     req.MarketID,
		Disputer:     req.Disputer,
		Reason:       strings.TrimSpace(req.Reason),
		Evidence:     req.Evidence,
		EvidenceHash: hash,
		Sources:      req.Sources,
		EvidenceDate: req.EvidenceDate,
		Bond:         req.Bond,
		Status:       domain.DisputeStatusActive,
		CreatedAt:    g.now(),
	}

	txHash, err := g.ledger.LockBond(ctx, req.Disputer, req.Bond)
	if err != nil {
		return domain.Dispute{}, fmt.Errorf("dispute: lock bond: %w", err)
	}

	// The store enforces at-most-one-active atomically; losing the race here
	// after the bond lock surfaces as ErrDuplicateActiveDispute and the bond
	// lock is released.
	if err := g.disputes.Create(ctx, d); err != nil {
		g.logger.WarnContext(ctx, "dispute create failed after bond lock, releasing bond",
			slog.String("market_id", req.MarketID),
			slog.String("disputer", req.Disputer),
			slog.String("lock_tx", txHash),
			slog.String("error", err.Error()),
		)
		if _, relErr := g.ledger.Execute(ctx, domain.SettlementTx{
			Recipient: req.Disputer,
			Action:    domain.SettlementReturnBondOnly,
			Amount:    req.Bond,
			Bond:      req.Bond,
			Reason:    "dispute creation lost race, bond returned",
		}); relErr != nil {
			g.logger.ErrorContext(ctx, "bond release failed",
				slog.String("disputer", req.Disputer),
				slog.String("error", relErr.Error()),
			)
		}
		return domain.Dispute{}, err
	}

	g.logger.InfoContext(ctx, "dispute filed",
		slog.String("dispute_id", d.ID),
		slog.String("market_id", d.MarketID),
		slog.Float64("bond", d.Bond),
	)
	g.announce(ctx, d)
	return d, nil
}

// announce publishes the filed dispute; delivery is best effort.
func (g *Gate) announce(ctx context.Context, d domain.Dispute) {
	if g.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"event":      "resolution.dispute_filed",
		"market_id":  d.MarketID,
		"dispute_id": d.ID,
	})
	if err != nil {
		return
	}
	if err := g.bus.Publish(ctx, "resolution.dispute_filed", payload); err != nil {
		g.logger.DebugContext(ctx, "dispute event publish failed",
			slog.String("dispute_id", d.ID),
			slog.String("error", err.Error()),
		)
	}
}

// validateInput checks the synchronous schema constraints.
func (g *Gate) validateInput(req Request) error {
	if strings.TrimSpace(req.MarketID) == "" || strings.TrimSpace(req.Disputer) == "" {
		return fmt.Errorf("dispute: market and disputer are required: %w", domain.ErrInvalidInput)
	}
	if len(strings.TrimSpace(req.Reason)) < domain.MinDisputeReasonLen {
		return fmt.Errorf("dispute: reason must be at least %d characters: %w", domain.MinDisputeReasonLen, domain.ErrInvalidInput)
	}
	if strings.TrimSpace(req.Evidence) == "" {
		return fmt.Errorf("dispute: evidence payload is required: %w", domain.ErrInvalidInput)
	}
	if req.Bond <= 0 {
		return fmt.Errorf("dispute: bond must be positive: %w", domain.ErrInvalidInput)
	}
	if g.minBond > 0 && req.Bond < g.minBond {
		return fmt.Errorf("dispute: bond %.2f below minimum %.2f: %w", req.Bond, g.minBond, domain.ErrInsufficientStake)
	}
	return nil
}

// validateState checks the mutable preconditions: market disputable, no
// competing active dispute, balance and allowance cover the bond.
func (g *Gate) validateState(ctx context.Context, req Request) error {
	market, err := g.markets.GetByID(ctx, req.MarketID)
	if err != nil {
		return fmt.Errorf("dispute: load market %s: %w", req.MarketID, err)
	}
	if market.Status != domain.MarketStatusDisputable {
		return fmt.Errorf("dispute: market %s is %s: %w", req.MarketID, market.Status, domain.ErrStateConflict)
	}
	// The status flips only on the next poller pass; a filing that lands
	// after the deadline but before that pass must still be rejected.
	if market.DisputePeriodEnd != nil && !g.now().Before(*market.DisputePeriodEnd) {
		return fmt.Errorf("dispute: window for market %s closed at %s: %w",
			req.MarketID, market.DisputePeriodEnd.Format(time.RFC3339), domain.ErrStateConflict)
	}

	active, err := g.disputes.HasActive(ctx, req.MarketID, req.Disputer)
	if err != nil {
		return fmt.Errorf("dispute: check active dispute: %w", err)
	}
	if active {
		return domain.ErrDuplicateActiveDispute
	}

	balance, err := g.ledger.Balance(ctx, req.Disputer)
	if err != nil {
		return fmt.Errorf("dispute: query balance: %w", err)
	}
	if balance < req.Bond {
		return fmt.Errorf("dispute: balance %.2f below bond %.2f: %w", balance, req.Bond, domain.ErrInsufficientStake)
	}

	allowance, err := g.ledger.Allowance(ctx, req.Disputer)
	if err != nil {
		return fmt.Errorf("dispute: query allowance: %w", err)
	}
	if allowance < req.Bond {
		return fmt.Errorf("dispute: allowance %.2f below bond %.2f: %w", allowance, req.Bond, domain.ErrInsufficientStake)
	}
	return nil
}
