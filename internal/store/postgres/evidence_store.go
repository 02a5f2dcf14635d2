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

// EvidenceStore implements domain.EvidenceStore using PostgreSQL.
type EvidenceStore struct {
	pool *pgxpool.Pool
}

// NewEvidenceStore creates a new EvidenceStore backed by the given pool.
func NewEvidenceStore(pool *pgxpool.Pool) *EvidenceStore {
	return &EvidenceStore{pool: pool}
}

const evidenceCols = `id, market_id, submitter, content, links, declared_language,
	attachment_ref, supports, submitted_at,
	detected_language, language_confidence, language_valid, source_credibility,
	cultural_relevance, authenticity, quality_score, requires_review, normalized,
	filter_reason`

func scanEvidence(row pgx.Row) (domain.EvidenceSubmission, error) {
	var e domain.EvidenceSubmission
	var supports string
	err := row.Scan(
		&e.ID, &e.MarketID, &e.Submitter, &e.Content, &e.Links, &e.DeclaredLanguage,
		&e.AttachmentRef, &supports, &e.SubmittedAt,
		&e.DetectedLanguage, &e.LanguageConfidence, &e.LanguageValid, &e.SourceCredibility,
		&e.CulturalRelevance, &e.Authenticity, &e.QualityScore, &e.RequiresReview, &e.Normalized,
		&e.FilterReason,
	)
	if err != nil {
		return domain.EvidenceSubmission{}, err
	}
	e.Supports = domain.Outcome(supports)
	return e, nil
}

// Append inserts a raw evidence submission. Submissions are append-only; a
// duplicate ID is rejected.
func (s *EvidenceStore) Append(ctx context.Context, sub domain.EvidenceSubmission) error {
	const query = `
		INSERT INTO evidence (
			id, market_id, submitter, content, links, declared_language,
			attachment_ref, supports, submitted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	submittedAt := sub.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, query,
		sub.ID, sub.MarketID, sub.Submitter, sub.Content, sub.Links,
		sub.DeclaredLanguage, sub.AttachmentRef, string(sub.Supports), submittedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: append evidence %s: %w", sub.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: append evidence %s: %w", sub.ID, err)
	}
	return nil
}

// GetByID retrieves a single submission.
func (s *EvidenceStore) GetByID(ctx context.Context, id string) (domain.EvidenceSubmission, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+evidenceCols+` FROM evidence WHERE id = $1`, id)
	e, err := scanEvidence(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.EvidenceSubmission{}, domain.ErrNotFound
		}
		return domain.EvidenceSubmission{}, fmt.Errorf("postgres: get evidence %s: %w", id, err)
	}
	return e, nil
}

// ListByMarket returns a market's submissions in submission order.
func (s *EvidenceStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.EvidenceSubmission, error) {
	query := `SELECT ` + evidenceCols + ` FROM evidence WHERE market_id = $1`
	args := []any{marketID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND submitted_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND submitted_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY submitted_at ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list evidence for %s: %w", marketID, err)
	}
	defer rows.Close()

	var subs []domain.EvidenceSubmission
	for rows.Next() {
		e, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan evidence: %w", err)
		}
		subs = append(subs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list evidence rows: %w", err)
	}
	return subs, nil
}

// SetDerived records the normalizer's derived fields exactly once. The guard
// on normalized = FALSE makes a second write fail rather than overwrite.
func (s *EvidenceStore) SetDerived(ctx context.Context, sub domain.EvidenceSubmission) error {
	const query = `
		UPDATE evidence SET
			detected_language   = $1,
			language_confidence = $2,
			language_valid      = $3,
			source_credibility  = $4,
			cultural_relevance  = $5,
			authenticity        = $6,
			quality_score       = $7,
			requires_review     = $8,
			normalized          = TRUE,
			filter_reason       = $9
		WHERE id = $10 AND normalized = FALSE`

	tag, err := s.pool.Exec(ctx, query,
		sub.DetectedLanguage, sub.LanguageConfidence, sub.LanguageValid,
		sub.SourceCredibility, sub.CulturalRelevance, sub.Authenticity,
		sub.QualityScore, sub.RequiresReview, sub.FilterReason,
		sub.ID,
	)
	if err != nil {
		return fmt.Errorf("postgres: set derived evidence %s: %w", sub.ID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetByID(ctx, sub.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("postgres: set derived evidence %s: %w", sub.ID, domain.ErrAlreadyExists)
	}
	return nil
}

// Compile-time interface check.
var _ domain.EvidenceStore = (*EvidenceStore)(nil)
