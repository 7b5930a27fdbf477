package service

import (
	"errors"

	"go.opentelemetry.io/otel"

	"github.com/rl1809/stall-market/internal/core/domain"
	"github.com/rl1809/stall-market/internal/port"
)

var tracer = otel.Tracer("github.com/rl1809/stall-market/internal/core/service")

var (
	ErrDuplicateRequest   = errors.New("duplicate request")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionMismatch    = errors.New("session does not match request")
	ErrBulkPurchase       = errors.New("bulk purchases not supported")
	ErrStallClosed        = errors.New("stall closed")
	ErrSoldToAnotherBuyer = errors.New("already claimed by another buyer")

	ErrNoPaymentOption       = errors.New("no payment option available")
	ErrNegotiationNotFound   = errors.New("claim negotiation not found")
	ErrNegotiationExpired    = errors.New("claim negotiation expired")
	ErrStallChanged          = errors.New("stall changed during negotiation")
	ErrPaymentOptionDisabled = errors.New("payment option disabled")
	// ErrChargedNotCommitted is returned when an external withdrawal went
	// through but the claim could not be saved. No refund is issued.
	ErrChargedNotCommitted = errors.New("external account charged but claim not saved")

	ErrEngineRunning = errors.New("renewal engine already running")
)

const genericFailure = "Something went wrong, please try again."

var userMessages = []struct {
	err error
	msg string
}{
	{ErrChargedNotCommitted, "Your account was charged but the claim could not be completed. Contact the market steward for a refund."},
	{ErrDuplicateRequest, "This purchase is already being processed."},
	{ErrSessionNotFound, "Your market window is no longer open. Reopen it and try again."},
	{ErrSessionMismatch, "Your market window is out of date. Reopen it and try again."},
	{ErrBulkPurchase, "Only one item can be bought at a time."},
	{ErrStallClosed, "This stall is closed."},
	{ErrSoldToAnotherBuyer, "That item was already claimed by another buyer."},
	{ErrNoPaymentOption, "You cannot pay for this stall: you do not have enough gold on hand and no usable account."},
	{ErrNegotiationNotFound, "Your claim offer is no longer available."},
	{ErrNegotiationExpired, "Your claim offer has expired."},
	{ErrStallChanged, "This stall changed while you were deciding. Please try again."},
	{ErrPaymentOptionDisabled, "That payment method is not available."},
	{port.ErrInsufficientFunds, "You do not have enough gold on hand."},
	{port.ErrWithdrawalRejected, "Your account could not cover the payment."},
	{port.ErrAccountNotFound, "You have no account with this settlement."},
	{port.ErrNotPresent, "You must be in the world to buy this."},
	{port.ErrDeliveryFailed, "The item could not be delivered to you. You were not charged."},
	{domain.ErrAlreadyOwned, "Someone else has already claimed this stall."},
	{domain.ErrNotOwned, "Nobody owns this stall."},
	{domain.ErrNotOwner, "Only the stall owner can do that."},
	{domain.ErrStallInactive, "This stall is not active."},
	{domain.ErrDescriptorMismatch, "This stall changed while you were deciding. Please try again."},
	{domain.ErrUnauthorized, "You are not allowed to manage this stall."},
	{domain.ErrProductNotFound, "That item is no longer listed."},
	{domain.ErrPriceOutOfRange, "That price is not allowed."},
	{domain.ErrInsufficientStock, "That item is sold out."},
	{domain.ErrInvalidQuantity, "That quantity is not allowed."},
	{domain.ErrStallNotFound, "That stall does not exist."},
	{domain.ErrConflict, "The stall was busy. Please try again."},
}

// UserMessage maps an error to a short message suitable for players.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	for _, m := range userMessages {
		if errors.Is(err, m.err) {
			return m.msg
		}
	}
	return genericFailure
}
