package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/castprotocol/resolutiond/internal/domain"
)

// maxEvidenceContentLen bounds the free-text payload of one submission.
const maxEvidenceContentLen = 20_000

// EvidenceService validates and persists raw evidence submissions. It is the
// single write path into the evidence store; the normalizer only ever reads
// what this service accepted.
type EvidenceService struct {
	markets     *MarketService
	evidence    domain.EvidenceStore
	attachments domain.AttachmentStore
	limiter     domain.RateLimiter
	bus         domain.EventBus
	logger      *slog.Logger

	rateLimit  int
	rateWindow time.Duration
	now        func() time.Time
}

// NewEvidenceService creates an EvidenceService. attachments, limiter, and
// bus may be nil; the corresponding step is skipped.
func NewEvidenceService(
	markets *MarketService,
	evidence domain.EvidenceStore,
	attachments domain.AttachmentStore,
	limiter domain.RateLimiter,
	bus domain.EventBus,
	rateLimit int,
	rateWindow time.Duration,
	logger *slog.Logger,
) *EvidenceService {
	return &EvidenceService{
		markets:     markets,
		evidence:    evidence,
		attachments: attachments,
		limiter:     limiter,
		bus:         bus,
		rateLimit:   rateLimit,
		rateWindow:  rateWindow,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger.With(slog.String("component", "evidence_service")),
	}
}

// SetClock overrides the time source, for tests.
func (s *EvidenceService) SetClock(now func() time.Time) { s.now = now }

// SubmitEvidenceRequest is one raw evidence submission.
type SubmitEvidenceRequest struct {
	MarketID         string
	Submitter        string
	Content          string
	Links            []string
	DeclaredLanguage string
	Supports         domain.Outcome
	// Attachment is an optional supporting document; it is stored
	// content-addressed and referenced from the submission.
	Attachment     []byte
	AttachmentType string
}

// Submit validates the request against the market's lifecycle state, stores
// the attachment, and appends the submission. Evidence is accepted while the
// market is open and during the dispute window; terminal markets reject.
func (s *EvidenceService) Submit(ctx context.Context, req SubmitEvidenceRequest) (domain.EvidenceSubmission, error) {
	if err := s.validate(req); err != nil {
		return domain.EvidenceSubmission{}, err
	}

	if s.limiter != nil && s.rateLimit > 0 {
		ok, err := s.limiter.Allow(ctx, "evidence:"+req.Submitter, s.rateLimit, s.rateWindow)
		if err != nil {
			return domain.EvidenceSubmission{}, fmt.Errorf("evidence_service: rate limit check: %w", err)
		}
		if !ok {
			return domain.EvidenceSubmission{}, domain.ErrRateLimited
		}
	}

	market, err := s.markets.GetMarket(ctx, req.MarketID)
	if err != nil {
		return domain.EvidenceSubmission{}, err
	}
	switch market.Status {
	case domain.MarketStatusOpen, domain.MarketStatusPendingResolution, domain.MarketStatusDisputable:
	default:
		return domain.EvidenceSubmission{}, fmt.Errorf("evidence_service: market %s is %s: %w", market.ID, market.Status, domain.ErrStateConflict)
	}

	sub := domain.EvidenceSubmission{
		ID:               uuid.NewString(),
		MarketID:         req.MarketID,
		Submitter:        req.Submitter,
		Content:          req.Content,
		Links:            req.Links,
		DeclaredLanguage: strings.ToLower(strings.TrimSpace(req.DeclaredLanguage)),
		Supports:         req.Supports,
		SubmittedAt:      s.now(),
	}

	if len(req.Attachment) > 0 && s.attachments != nil {
		ref, err := s.attachments.PutAttachment(ctx, req.Attachment, req.AttachmentType)
		if err != nil {
			return domain.EvidenceSubmission{}, fmt.Errorf("evidence_service: store attachment: %w", err)
		}
		sub.AttachmentRef = ref
	}

	if err := s.evidence.Append(ctx, sub); err != nil {
		return domain.EvidenceSubmission{}, fmt.Errorf("evidence_service: append: %w", err)
	}

	s.logger.InfoContext(ctx, "evidence accepted",
		slog.String("submission_id", sub.ID),
		slog.String("market_id", sub.MarketID),
		slog.String("submitter", sub.Submitter),
		slog.Bool("attachment", sub.AttachmentRef != ""),
	)
	s.announce(ctx, sub)
	return sub, nil
}

func (s *EvidenceService) validate(req SubmitEvidenceRequest) error {
	if strings.TrimSpace(req.MarketID) == "" || strings.TrimSpace(req.Submitter) == "" {
		return fmt.Errorf("evidence_service: market and submitter are required: %w", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(req.Content) == "" {
		return fmt.Errorf("evidence_service: content is required: %w", domain.ErrInvalidInput)
	}
	if len(req.Content) > maxEvidenceContentLen {
		return fmt.Errorf("evidence_service: content exceeds %d bytes: %w", maxEvidenceContentLen, domain.ErrInvalidInput)
	}
	if strings.TrimSpace(req.DeclaredLanguage) == "" {
		return fmt.Errorf("evidence_service: declared language is required: %w", domain.ErrInvalidInput)
	}
	switch req.Supports {
	case domain.OutcomeYes, domain.OutcomeNo:
	default:
		return fmt.Errorf("evidence_service: supports must be YES or NO: %w", domain.ErrInvalidInput)
	}
	return nil
}

// announce publishes the accepted submission; delivery is best effort.
func (s *EvidenceService) announce(ctx context.Context, sub domain.EvidenceSubmission) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"event":         "evidence.accepted",
		"market_id":     sub.MarketID,
		"submission_id": sub.ID,
	})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, "evidence", payload); err != nil {
		s.logger.DebugContext(ctx, "evidence event publish failed",
			slog.String("submission_id", sub.ID),
			slog.String("error", err.Error()),
		)
	}
}
