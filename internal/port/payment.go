package port

import (
	"context"

	"github.com/rl1809/stall-market/internal/core/domain"
)

// Wallet holds the funds a persona carries on hand.
type Wallet interface {
	Balance(ctx context.Context, persona domain.PersonaID) (int64, error)
	// Debit fails with ErrInsufficientFunds when the balance is too low.
	Debit(ctx context.Context, persona domain.PersonaID, amount int64) error
	Credit(ctx context.Context, persona domain.PersonaID, amount int64) error
}

// PaymentGateway withdraws from an external ledger account. A rejected
// withdrawal returns an error wrapping ErrWithdrawalRejected.
type PaymentGateway interface {
	Withdraw(ctx context.Context, persona domain.PersonaID, account string, amount int64, reason string) error
}

// AccountDirectory resolves the external account a persona holds with a
// settlement. Missing accounts return ErrAccountNotFound.
type AccountDirectory interface {
	FindAccount(ctx context.Context, persona domain.PersonaID, settlementID string) (string, error)
}
