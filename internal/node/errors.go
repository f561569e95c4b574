package node

import "errors"

var (
	ErrNotOwner               = errors.New("caller is not the owner")
	ErrPaused                 = errors.New("node is paused")
	ErrZeroAmount             = errors.New("amount must be non-zero")
	ErrAlreadySettled         = errors.New("series already settled")
	ErrSyncTooFrequent        = errors.New("sync interval not elapsed")
	ErrChainNotActive         = errors.New("chain not active")
	ErrNotHub                 = errors.New("operation is hub-only")
	ErrNotSpoke               = errors.New("operation is spoke-only")
	ErrInsufficientCollateral = errors.New("insufficient locked collateral")
)
