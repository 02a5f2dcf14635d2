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

// SettlementStore implements domain.SettlementStore using PostgreSQL. A plan
// and its ordered transactions are written in one database transaction.
type SettlementStore struct {
	pool *pgxpool.Pool
}

// NewSettlementStore creates a new SettlementStore backed by the given pool.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

// Insert writes a plan and its transactions atomically. The unique market_id
// constraint rejects a second plan for the same market.
func (s *SettlementStore) Insert(ctx context.Context, plan domain.SettlementPlan) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin settlement insert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	createdAt := plan.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	const planQuery = `
		INSERT INTO settlement_plans (
			id, market_id, outcome, total_rewards, total_slashed,
			treasury_cut, redistributed_pot, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	if _, err := tx.Exec(ctx, planQuery,
		plan.ID, plan.MarketID, string(plan.Outcome),
		plan.TotalRewards, plan.TotalSlashed, plan.TreasuryCut, plan.RedistributedPot,
		createdAt,
	); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: insert settlement plan %s: %w", plan.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: insert settlement plan %s: %w", plan.ID, err)
	}

	const txQuery = `
		INSERT INTO settlement_txs (
			plan_id, seq, dispute_id, recipient, action, amount,
			bond, reward, bonus, redistribution, gas_refund, reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	for i, t := range plan.Transactions {
		if _, err := tx.Exec(ctx, txQuery,
			plan.ID, i, t.DisputeID, t.Recipient, string(t.Action), t.Amount,
			t.Bond, t.Reward, t.Bonus, t.Redistribution, t.GasRefund, t.Reason,
		); err != nil {
			return fmt.Errorf("postgres: insert settlement tx %d for %s: %w", i, plan.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit settlement insert %s: %w", plan.ID, err)
	}
	return nil
}

// GetByMarket returns the plan for a market with its transactions in order.
func (s *SettlementStore) GetByMarket(ctx context.Context, marketID string) (domain.SettlementPlan, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, market_id, outcome, total_rewards, total_slashed,
			treasury_cut, redistributed_pot, created_at
		 FROM settlement_plans WHERE market_id = $1`, marketID)

	plan, err := scanPlan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SettlementPlan{}, domain.ErrNotFound
		}
		return domain.SettlementPlan{}, fmt.Errorf("postgres: get settlement for %s: %w", marketID, err)
	}

	plan.Transactions, err = s.planTxs(ctx, plan.ID)
	if err != nil {
		return domain.SettlementPlan{}, err
	}
	return plan, nil
}

// AlreadySettled reports whether an executed plan exists for the market.
func (s *SettlementStore) AlreadySettled(ctx context.Context, marketID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM settlement_plans WHERE market_id = $1 AND executed)`,
		marketID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: already settled %s: %w", marketID, err)
	}
	return exists, nil
}

// MarkTxExecuted records the ledger hash for one executed transaction so a
// resumed plan skips it.
func (s *SettlementStore) MarkTxExecuted(ctx context.Context, planID string, seq int, txHash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE settlement_txs SET tx_hash = $1 WHERE plan_id = $2 AND seq = $3`,
		txHash, planID, seq,
	)
	if err != nil {
		return fmt.Errorf("postgres: mark tx executed %s/%d: %w", planID, seq, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkExecuted flags a plan as executed.
func (s *SettlementStore) MarkExecuted(ctx context.Context, planID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE settlement_plans SET executed = TRUE, executed_at = NOW() WHERE id = $1`,
		planID,
	)
	if err != nil {
		return fmt.Errorf("postgres: mark executed %s: %w", planID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListUnexecuted returns plans that have been emitted but not yet executed,
// oldest first.
func (s *SettlementStore) ListUnexecuted(ctx context.Context, limit int) ([]domain.SettlementPlan, error) {
	query := `SELECT id, market_id, outcome, total_rewards, total_slashed,
			treasury_cut, redistributed_pot, created_at
		FROM settlement_plans WHERE NOT executed ORDER BY created_at ASC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unexecuted plans: %w", err)
	}
	defer rows.Close()

	var plans []domain.SettlementPlan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan plan: %w", err)
		}
		plans = append(plans, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list unexecuted rows: %w", err)
	}

	for i := range plans {
		plans[i].Transactions, err = s.planTxs(ctx, plans[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return plans, nil
}

// DeleteExecutedBefore removes executed plans older than the cutoff and
// returns them so the caller can archive them first.
func (s *SettlementStore) DeleteExecutedBefore(ctx context.Context, before time.Time) ([]domain.SettlementPlan, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, outcome, total_rewards, total_slashed,
			treasury_cut, redistributed_pot, created_at
		 FROM settlement_plans WHERE executed AND executed_at < $1`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: select executed plans before %s: %w", before, err)
	}
	defer rows.Close()

	var plans []domain.SettlementPlan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan plan: %w", err)
		}
		plans = append(plans, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: select executed plans rows: %w", err)
	}
	rows.Close()

	for i := range plans {
		plans[i].Transactions, err = s.planTxs(ctx, plans[i].ID)
		if err != nil {
			return nil, err
		}
	}

	for _, plan := range plans {
		if _, err := s.pool.Exec(ctx,
			`DELETE FROM settlement_plans WHERE id = $1`, plan.ID); err != nil {
			return nil, fmt.Errorf("postgres: delete plan %s: %w", plan.ID, err)
		}
	}
	return plans, nil
}

func scanPlan(row pgx.Row) (domain.SettlementPlan, error) {
	var plan domain.SettlementPlan
	var outcome string
	err := row.Scan(
		&plan.ID, &plan.MarketID, &outcome,
		&plan.TotalRewards, &plan.TotalSlashed, &plan.TreasuryCut, &plan.RedistributedPot,
		&plan.CreatedAt,
	)
	if err != nil {
		return domain.SettlementPlan{}, err
	}
	plan.Outcome = domain.Outcome(outcome)
	return plan, nil
}

func (s *SettlementStore) planTxs(ctx context.Context, planID string) ([]domain.SettlementTx, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT dispute_id, recipient, action, amount,
			bond, reward, bonus, redistribution, gas_refund, reason, tx_hash
		 FROM settlement_txs WHERE plan_id = $1 ORDER BY seq ASC`, planID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settlement txs %s: %w", planID, err)
	}
	defer rows.Close()

	var txs []domain.SettlementTx
	for rows.Next() {
		var t domain.SettlementTx
		var action string
		if err := rows.Scan(
			&t.DisputeID, &t.Recipient, &action, &t.Amount,
			&t.Bond, &t.Reward, &t.Bonus, &t.Redistribution, &t.GasRefund, &t.Reason, &t.TxHash,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan settlement tx: %w", err)
		}
		t.Action = domain.SettlementAction(action)
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: settlement txs rows: %w", err)
	}
	return txs, nil
}

// Compile-time interface check.
var _ domain.SettlementStore = (*SettlementStore)(nil)
