package domain

import "errors"

// Validation failures produced by StallAggregate and the update intents.
var (
	ErrAlreadyOwned       = errors.New("stall already owned")
	ErrNotOwned           = errors.New("stall not owned")
	ErrNotOwner           = errors.New("requestor is not the stall owner")
	ErrStallInactive      = errors.New("stall inactive")
	ErrDescriptorMismatch = errors.New("stall descriptor mismatch")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrProductNotFound    = errors.New("product not found")
	ErrPriceOutOfRange    = errors.New("price out of range")
)

var (
	ErrStallNotFound      = errors.New("stall not found")
	ErrConflict           = errors.New("stall changed concurrently")
	ErrInsufficientEscrow = errors.New("insufficient escrow")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidQuantity    = errors.New("invalid quantity")
	ErrInvariant          = errors.New("stall invariant violated")
)
