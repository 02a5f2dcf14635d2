package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists market records. The store is the sole source of truth
// for market status; the poller re-reads it each pass.
type MarketStore interface {
	Create(ctx context.Context, market Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	// ListDue returns non-terminal markets whose next transition deadline
	// (end time or dispute period end) has passed as of now.
	ListDue(ctx context.Context, now time.Time, opts ListOpts) ([]Market, error)
	ListByStatus(ctx context.Context, status MarketStatus, opts ListOpts) ([]Market, error)
	// TransitionStatus updates a market's status and resolution payload only
	// when its current status matches expected. It returns ErrStateConflict
	// when the row was not in the expected state, which is how concurrent
	// poller instances serialize transitions.
	TransitionStatus(ctx context.Context, m Market, expected MarketStatus) error
	VolumeTally(ctx context.Context, marketID string) (VolumeTally, error)
	Count(ctx context.Context) (int64, error)
}

// EvidenceStore is the append-only store of evidence submissions.
type EvidenceStore interface {
	Append(ctx context.Context, sub EvidenceSubmission) error
	GetByID(ctx context.Context, id string) (EvidenceSubmission, error)
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]EvidenceSubmission, error)
	// SetDerived records the normalizer's derived fields exactly once; a
	// second call for the same submission is rejected with ErrAlreadyExists.
	SetDerived(ctx context.Context, sub EvidenceSubmission) error
}

// DisputeStore persists disputes. Create must enforce the at-most-one-active
// invariant per (market, disputer) atomically, returning
// ErrDuplicateActiveDispute on violation.
type DisputeStore interface {
	Create(ctx context.Context, d Dispute) error
	GetByID(ctx context.Context, id string) (Dispute, error)
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]Dispute, error)
	ListActiveByMarket(ctx context.Context, marketID string) ([]Dispute, error)
	HasActive(ctx context.Context, marketID, disputer string) (bool, error)
	SetAssessment(ctx context.Context, disputeID string, a DisputeAssessment) error
	UpdateStatus(ctx context.Context, disputeID string, status DisputeStatus) error
	Profile(ctx context.Context, disputer string) (DisputerProfile, error)
}

// DecisionStore persists resolution decisions for audit and replay.
type DecisionStore interface {
	Insert(ctx context.Context, d ResolutionDecision) error
	Latest(ctx context.Context, marketID string, kind DecisionKind) (ResolutionDecision, error)
	ListByMarket(ctx context.Context, marketID string) ([]ResolutionDecision, error)
}

// SettlementStore persists settlement plans and marks execution.
type SettlementStore interface {
	Insert(ctx context.Context, plan SettlementPlan) error
	GetByMarket(ctx context.Context, marketID string) (SettlementPlan, error)
	// AlreadySettled reports whether a plan for the market has been executed;
	// regeneration for a settled market is a no-op.
	AlreadySettled(ctx context.Context, marketID string) (bool, error)
	// MarkTxExecuted records the ledger hash for one transaction of a plan.
	// A retry after a partial execution resumes from these hashes instead of
	// re-running transfers the chain already mined.
	MarkTxExecuted(ctx context.Context, planID string, seq int, txHash string) error
	MarkExecuted(ctx context.Context, planID string) error
	ListUnexecuted(ctx context.Context, limit int) ([]SettlementPlan, error)
	DeleteExecutedBefore(ctx context.Context, before time.Time) ([]SettlementPlan, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of decisions and settlements.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}
