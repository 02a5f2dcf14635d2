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

// DisputeStore implements domain.DisputeStore using PostgreSQL. The
// at-most-one-active invariant per (market, disputer) is enforced by a partial
// unique index, so Create is atomic under concurrency.
type DisputeStore struct {
	pool *pgxpool.Pool
}

// NewDisputeStore creates a new DisputeStore backed by the given pool.
func NewDisputeStore(pool *pgxpool.Pool) *DisputeStore {
	return &DisputeStore{pool: pool}
}

const disputeCols = `id, market_id, disputer, reason, evidence, evidence_hash,
	sources, evidence_date, bond, status, created_at, updated_at,
	validity, quality, auto_resolve, priority, bond_recommendation,
	assessment_reasoning, score_source, score_temporal, score_authenticity,
	score_contradiction, score_reputation, evaluated_at`

func scanDispute(row pgx.Row) (domain.Dispute, error) {
	var d domain.Dispute
	var status string
	var validity, priority, bondRec, assessReasoning *string
	var quality, scSource, scTemporal, scAuth, scContra, scRep *float64
	var autoResolve *bool
	var evaluatedAt *time.Time

	err := row.Scan(
		&d.ID, &d.MarketID, &d.Disputer, &d.Reason, &d.Evidence, &d.EvidenceHash,
		&d.Sources, &d.EvidenceDate, &d.Bond, &status, &d.CreatedAt, &d.UpdatedAt,
		&validity, &quality, &autoResolve, &priority, &bondRec,
		&assessReasoning, &scSource, &scTemporal, &scAuth,
		&scContra, &scRep, &evaluatedAt,
	)
	if err != nil {
		return domain.Dispute{}, err
	}
	d.Status = domain.DisputeStatus(status)

	if validity != nil {
		a := &domain.DisputeAssessment{
			Validity:  domain.DisputeValidity(*validity),
			Reasoning: deref(assessReasoning),
		}
		if quality != nil {
			a.Quality = *quality
		}
		if autoResolve != nil {
			a.AutoResolve = *autoResolve
		}
		if priority != nil {
			a.Priority = domain.AdminPriority(*priority)
		}
		if bondRec != nil {
			a.Bond = domain.BondRecommendation(*bondRec)
		}
		if scSource != nil {
			a.SourceCredibility = *scSource
		}
		if scTemporal != nil {
			a.TemporalRelevance = *scTemporal
		}
		if scAuth != nil {
			a.EvidenceAuthenticity = *scAuth
		}
		if scContra != nil {
			a.ContradictionScore = *scContra
		}
		if scRep != nil {
			a.DisputerReputation = *scRep
		}
		if evaluatedAt != nil {
			a.EvaluatedAt = *evaluatedAt
		}
		d.Assessment = a
	}
	return d, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Create inserts a new active dispute. It returns
// domain.ErrDuplicateActiveDispute when the disputer already has an active
// dispute on the market.
func (s *DisputeStore) Create(ctx context.Context, d domain.Dispute) error {
	const query = `
		INSERT INTO disputes (
			id, market_id, disputer, reason, evidence, evidence_hash,
			sources, evidence_date, bond, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())`

	status := d.Status
	if status == "" {
		status = domain.DisputeStatusActive
	}
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, query,
		d.ID, d.MarketID, d.Disputer, d.Reason, d.Evidence, d.EvidenceHash,
		d.Sources, d.EvidenceDate, d.Bond, string(status), createdAt,
	)
	if err != nil {
		if isUniqueViolation(err, "idx_disputes_one_active") {
			return fmt.Errorf("postgres: create dispute %s: %w", d.ID, domain.ErrDuplicateActiveDispute)
		}
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create dispute %s: %w", d.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create dispute %s: %w", d.ID, err)
	}
	return nil
}

// GetByID retrieves a dispute with its assessment when present.
func (s *DisputeStore) GetByID(ctx context.Context, id string) (domain.Dispute, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+disputeCols+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Dispute{}, domain.ErrNotFound
		}
		return domain.Dispute{}, fmt.Errorf("postgres: get dispute %s: %w", id, err)
	}
	return d, nil
}

// ListByMarket returns all disputes on a market in creation order.
func (s *DisputeStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Dispute, error) {
	query := `SELECT ` + disputeCols + ` FROM disputes WHERE market_id = $1 ORDER BY created_at ASC`
	args := []any{marketID}

	if opts.Limit > 0 {
		query += " LIMIT $2"
		args = append(args, opts.Limit)
	}

	return s.queryDisputes(ctx, "list disputes", query, args...)
}

// ListActiveByMarket returns active disputes on a market.
func (s *DisputeStore) ListActiveByMarket(ctx context.Context, marketID string) ([]domain.Dispute, error) {
	const query = `SELECT ` + disputeCols + ` FROM disputes
		WHERE market_id = $1 AND status = 'active' ORDER BY created_at ASC`
	return s.queryDisputes(ctx, "list active disputes", query, marketID)
}

// HasActive reports whether the disputer has an active dispute on the market.
func (s *DisputeStore) HasActive(ctx context.Context, marketID, disputer string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM disputes WHERE market_id = $1 AND disputer = $2 AND status = 'active')`,
		marketID, disputer,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: has active dispute %s/%s: %w", marketID, disputer, err)
	}
	return exists, nil
}

// SetAssessment attaches the evaluator's judgement to a dispute.
func (s *DisputeStore) SetAssessment(ctx context.Context, disputeID string, a domain.DisputeAssessment) error {
	const query = `
		UPDATE disputes SET
			validity             = $1,
			quality              = $2,
			auto_resolve         = $3,
			priority             = $4,
			bond_recommendation  = $5,
			assessment_reasoning = $6,
			score_source         = $7,
			score_temporal       = $8,
			score_authenticity   = $9,
			score_contradiction  = $10,
			score_reputation     = $11,
			evaluated_at         = $12,
			updated_at           = NOW()
		WHERE id = $13`

	evaluatedAt := a.EvaluatedAt
	if evaluatedAt.IsZero() {
		evaluatedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, query,
		string(a.Validity), a.Quality, a.AutoResolve, string(a.Priority), string(a.Bond),
		a.Reasoning, a.SourceCredibility, a.TemporalRelevance, a.EvidenceAuthenticity,
		a.ContradictionScore, a.DisputerReputation, evaluatedAt,
		disputeID,
	)
	if err != nil {
		return fmt.Errorf("postgres: set assessment %s: %w", disputeID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateStatus moves a dispute to a new lifecycle state.
func (s *DisputeStore) UpdateStatus(ctx context.Context, disputeID string, status domain.DisputeStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE disputes SET status = $1, updated_at = NOW() WHERE id = $2`,
		string(status), disputeID,
	)
	if err != nil {
		return fmt.Errorf("postgres: update dispute %s status: %w", disputeID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Profile aggregates a disputer's history into a reputation record.
func (s *DisputeStore) Profile(ctx context.Context, disputer string) (domain.DisputerProfile, error) {
	const query = `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'resolved'),
			MIN(created_at),
			MAX(created_at)
		FROM disputes WHERE disputer = $1`

	p := domain.DisputerProfile{Address: disputer}
	var first, last *time.Time
	err := s.pool.QueryRow(ctx, query, disputer).Scan(&p.TotalDisputes, &p.ValidDisputes, &first, &last)
	if err != nil {
		return domain.DisputerProfile{}, fmt.Errorf("postgres: disputer profile %s: %w", disputer, err)
	}
	if first != nil {
		p.AccountAge = time.Since(*first)
	}
	p.LastDisputeAt = last
	return p, nil
}

func (s *DisputeStore) queryDisputes(ctx context.Context, op, query string, args ...any) ([]domain.Dispute, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var disputes []domain.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s scan: %w", op, err)
		}
		disputes = append(disputes, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return disputes, nil
}

// Compile-time interface check.
var _ domain.DisputeStore = (*DisputeStore)(nil)
