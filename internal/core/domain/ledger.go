package domain

import "time"

type TransactionKind string

const (
	TransactionRent   TransactionKind = "rent"
	TransactionSale   TransactionKind = "sale"
	TransactionClaim  TransactionKind = "claim"
	TransactionPayout TransactionKind = "payout"
)

// PaymentSource tags which funding channel moved the money.
type PaymentSource string

const (
	SourceNone            PaymentSource = "none"
	SourceEscrow          PaymentSource = "escrow"
	SourceExternalAccount PaymentSource = "external_account"
	SourceDirect          PaymentSource = "direct"
)

// LedgerEntry is an append-only record of a stall-level financial event.
type LedgerEntry struct {
	ID        string
	StallID   string
	Kind      TransactionKind
	Amount    int64
	Source    PaymentSource
	Persona   PersonaID
	ProductID string
	Quantity  int
	CreatedAt time.Time
}

// Sale is a single purchase committed against a product's stock and the
// stall's escrow in one conditional update.
type Sale struct {
	ID        string
	StallID   string
	ProductID string
	Buyer     PersonaID
	Quantity  int
	UnitPrice int64
	ItemRef   string
	CreatedAt time.Time
}

func (s Sale) Total() int64 {
	return s.UnitPrice * int64(s.Quantity)
}

func (s Sale) LedgerEntry() LedgerEntry {
	return LedgerEntry{
		ID:        s.ID,
		StallID:   s.StallID,
		Kind:      TransactionSale,
		Amount:    s.Total(),
		Source:    SourceDirect,
		Persona:   s.Buyer,
		ProductID: s.ProductID,
		Quantity:  s.Quantity,
		CreatedAt: s.CreatedAt,
	}
}
