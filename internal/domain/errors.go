package domain

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrAlreadyExists          = errors.New("already exists")
	ErrInvalidInput           = errors.New("invalid input")
	ErrInsufficientStake      = errors.New("insufficient bond balance or allowance")
	ErrDuplicateActiveDispute = errors.New("active dispute already exists for this market")
	ErrExternalUnavailable    = errors.New("external verification unavailable")
	ErrStateConflict          = errors.New("invalid transition for current market state")
	ErrAlreadySettled         = errors.New("market already settled")
	ErrRateLimited            = errors.New("rate limited")
	ErrLockHeld               = errors.New("lock already held")
)
