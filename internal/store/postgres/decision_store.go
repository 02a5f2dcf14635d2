package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/castprotocol/resolutiond/internal/domain"
)

// DecisionStore implements domain.DecisionStore using PostgreSQL.
type DecisionStore struct {
	pool *pgxpool.Pool
}

// NewDecisionStore creates a new DecisionStore backed by the given pool.
func NewDecisionStore(pool *pgxpool.Pool) *DecisionStore {
	return &DecisionStore{pool: pool}
}

const decisionCols = `id, market_id, kind, outcome, confidence,
	signal_betting, signal_evidence, signal_external, risk_flags, action,
	reasoning, created_at`

func scanDecision(row pgx.Row) (domain.ResolutionDecision, error) {
	var d domain.ResolutionDecision
	var kind, outcome, action string
	var flags []string
	err := row.Scan(
		&d.ID, &d.MarketID, &kind, &outcome, &d.Confidence,
		&d.Signals.Betting, &d.Signals.Evidence, &d.Signals.External,
		&flags, &action, &d.Reasoning, &d.CreatedAt,
	)
	if err != nil {
		return domain.ResolutionDecision{}, err
	}
	d.Kind = domain.DecisionKind(kind)
	d.Outcome = domain.Outcome(outcome)
	d.Action = domain.RecommendedAction(action)
	for _, f := range flags {
		d.RiskFlags = append(d.RiskFlags, domain.RiskFlag(f))
	}
	return d, nil
}

// Insert records a decision. Decisions are immutable once written.
func (s *DecisionStore) Insert(ctx context.Context, d domain.ResolutionDecision) error {
	const query = `
		INSERT INTO decisions (
			id, market_id, kind, outcome, confidence,
			signal_betting, signal_evidence, signal_external, risk_flags, action,
			reasoning, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	flags := make([]string, 0, len(d.RiskFlags))
	for _, f := range d.RiskFlags {
		flags = append(flags, string(f))
	}
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, query,
		d.ID, d.MarketID, string(d.Kind), string(d.Outcome), d.Confidence,
		d.Signals.Betting, d.Signals.Evidence, d.Signals.External, flags, string(d.Action),
		d.Reasoning, createdAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: insert decision %s: %w", d.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: insert decision %s: %w", d.ID, err)
	}
	return nil
}

// Latest returns the most recent decision of a kind for a market.
func (s *DecisionStore) Latest(ctx context.Context, marketID string, kind domain.DecisionKind) (domain.ResolutionDecision, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+decisionCols+` FROM decisions
		 WHERE market_id = $1 AND kind = $2
		 ORDER BY created_at DESC LIMIT 1`,
		marketID, string(kind),
	)
	d, err := scanDecision(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ResolutionDecision{}, domain.ErrNotFound
		}
		return domain.ResolutionDecision{}, fmt.Errorf("postgres: latest %s decision for %s: %w", kind, marketID, err)
	}
	return d, nil
}

// ListByMarket returns all decisions for a market in creation order.
func (s *DecisionStore) ListByMarket(ctx context.Context, marketID string) ([]domain.ResolutionDecision, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+decisionCols+` FROM decisions WHERE market_id = $1 ORDER BY created_at ASC`,
		marketID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list decisions for %s: %w", marketID, err)
	}
	defer rows.Close()

	var decisions []domain.ResolutionDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list decisions rows: %w", err)
	}
	return decisions, nil
}

// Compile-time interface check.
var _ domain.DecisionStore = (*DecisionStore)(nil)
