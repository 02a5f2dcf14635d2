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

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketCols = `id, claim, category, creator, end_time, dispute_period_end,
	preliminary_at, status, outcome, confidence, reasoning, created_at, updated_at`

// scanMarket scans a single market row into a domain.Market.
func scanMarket(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	var status, outcome string
	err := row.Scan(
		&m.ID, &m.Claim, &m.Category, &m.Creator,
		&m.EndTime, &m.DisputePeriodEnd, &m.PreliminaryAt,
		&status, &outcome, &m.Confidence, &m.Reasoning,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)
	m.Outcome = domain.Outcome(outcome)
	return m, nil
}

// Create inserts a new market in the open state.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			id, claim, category, creator, end_time, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`

	status := m.Status
	if status == "" {
		status = domain.MarketStatusOpen
	}
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, query,
		m.ID, m.Claim, m.Category, m.Creator, m.EndTime, string(status), createdAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create market %s: %w", m.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create market %s: %w", m.ID, err)
	}
	return nil
}

// GetByID retrieves a market by its primary key.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// ListDue returns non-terminal markets whose next transition deadline has
// passed: open markets past their end time, markets stuck mid-resolution, and
// disputable markets past their dispute period end.
func (s *MarketStore) ListDue(ctx context.Context, now time.Time, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets
		WHERE (status = 'open' AND end_time <= $1)
		   OR status = 'pending_resolution'
		   OR (status = 'disputable' AND dispute_period_end <= $1)
		ORDER BY end_time ASC`
	args := []any{now}

	if opts.Limit > 0 {
		query += " LIMIT $2"
		args = append(args, opts.Limit)
	}

	return s.queryMarkets(ctx, "list due markets", query, args...)
}

// ListByStatus returns markets in the given status, oldest end time first.
func (s *MarketStore) ListByStatus(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets WHERE status = $1`
	args := []any{string(status)}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND updated_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND updated_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY end_time ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	return s.queryMarkets(ctx, "list markets by status", query, args...)
}

// TransitionStatus updates the market's status and resolution payload only
// when the stored status still matches expected. A zero-row update against an
// existing market means another instance advanced it first.
func (s *MarketStore) TransitionStatus(ctx context.Context, m domain.Market, expected domain.MarketStatus) error {
	const query = `
		UPDATE markets SET
			status             = $1,
			outcome            = $2,
			confidence         = $3,
			reasoning          = $4,
			dispute_period_end = $5,
			preliminary_at     = $6,
			updated_at         = NOW()
		WHERE id = $7 AND status = $8`

	tag, err := s.pool.Exec(ctx, query,
		string(m.Status), string(m.Outcome), m.Confidence, m.Reasoning,
		m.DisputePeriodEnd, m.PreliminaryAt,
		m.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("postgres: transition market %s to %s: %w", m.ID, m.Status, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a lost race from a missing row.
		if _, getErr := s.GetByID(ctx, m.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("postgres: transition market %s to %s: %w", m.ID, m.Status, domain.ErrStateConflict)
	}
	return nil
}

// RecordStake appends one stake row. The stakes table feeds VolumeTally.
func (s *MarketStore) RecordStake(ctx context.Context, marketID, staker string, side domain.Outcome, amount float64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stakes (market_id, staker, side, amount) VALUES ($1, $2, $3, $4)`,
		marketID, staker, string(side), amount,
	)
	if err != nil {
		return fmt.Errorf("postgres: record stake on %s: %w", marketID, err)
	}
	return nil
}

// VolumeTally sums staked amounts per side for a market.
func (s *MarketStore) VolumeTally(ctx context.Context, marketID string) (domain.VolumeTally, error) {
	const query = `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE side = 'YES'), 0),
			COALESCE(SUM(amount) FILTER (WHERE side = 'NO'), 0)
		FROM stakes WHERE market_id = $1`

	tally := domain.VolumeTally{MarketID: marketID}
	err := s.pool.QueryRow(ctx, query, marketID).Scan(&tally.Yes, &tally.No)
	if err != nil {
		return domain.VolumeTally{}, fmt.Errorf("postgres: volume tally %s: %w", marketID, err)
	}
	return tally, nil
}

// Count returns the total number of markets.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM markets").Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return count, nil
}

func (s *MarketStore) queryMarkets(ctx context.Context, op, query string, args ...any) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s scan: %w", op, err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return markets, nil
}

// Compile-time interface check.
var _ domain.MarketStore = (*MarketStore)(nil)
