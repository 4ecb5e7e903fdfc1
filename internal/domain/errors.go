package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrLockHeld          = errors.New("lock already held")
	ErrTransferInFlight  = errors.New("transfer already in progress")
	ErrDepositTimeout    = errors.New("deposit monitoring timeout")
	ErrVenueNotSupported = errors.New("venue not supported")
	ErrInvalidAddress    = errors.New("invalid withdrawal address")
	ErrNotClosing        = errors.New("position is not in closing state")
	ErrRateLimited       = errors.New("rate limited")
)
