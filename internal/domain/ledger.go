package domain

import "context"

// BondLedger is the external token ledger that custodies dispute bonds and
// executes settlement transfers. The concrete implementation talks to the
// CAST ERC-20 contract; tests use an in-memory fake.
type BondLedger interface {
	// Balance returns the CAST balance of the address.
	Balance(ctx context.Context, address string) (float64, error)
	// Allowance returns the CAST amount the address has approved the bond
	// custodian to pull.
	Allowance(ctx context.Context, owner string) (float64, error)
	// LockBond pulls the bond from the disputer into custody. Returns
	// ErrInsufficientStake when balance or allowance no longer covers it.
	LockBond(ctx context.Context, disputer string, amount float64) (txHash string, err error)
	// Execute performs one settlement transaction (payout or slash routing).
	Execute(ctx context.Context, tx SettlementTx) (txHash string, err error)
}
