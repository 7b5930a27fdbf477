package port

import "errors"

var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrWithdrawalRejected = errors.New("withdrawal rejected")
	ErrAccountNotFound    = errors.New("account not found")
	ErrNotPresent         = errors.New("persona not present in world")
	ErrDeliveryFailed     = errors.New("item delivery failed")
)

// MaxReasonLength bounds reason strings passed to a PaymentGateway.
const MaxReasonLength = 200

// TruncateReason cuts reason to MaxReasonLength runes.
func TruncateReason(reason string) string {
	r := []rune(reason)
	if len(r) <= MaxReasonLength {
		return reason
	}
	return string(r[:MaxReasonLength])
}
