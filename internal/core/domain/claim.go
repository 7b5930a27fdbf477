package domain

import "time"

type PaymentMethod string

const (
	PaymentDirect          PaymentMethod = "direct"
	PaymentExternalAccount PaymentMethod = "external_account"
)

type PaymentOption struct {
	Method  PaymentMethod `json:"method"`
	Enabled bool          `json:"enabled"`
	Reason  string        `json:"reason,omitempty"`
}

// PendingClaim is one in-flight lease negotiation. It lives only in memory
// and only until it is committed, cancelled, closed or expired.
type PendingClaim struct {
	Token      string
	Persona    PersonaID
	StallID    string
	StallName  string
	AreaKey    string
	Tag        string
	Price      int64
	Direct     PaymentOption
	External   PaymentOption
	AccountRef string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

func (p PendingClaim) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

func (p PendingClaim) Option(method PaymentMethod) (PaymentOption, bool) {
	switch method {
	case PaymentDirect:
		return p.Direct, true
	case PaymentExternalAccount:
		return p.External, true
	}
	return PaymentOption{}, false
}

func (p PendingClaim) Options() []PaymentOption {
	return []PaymentOption{p.Direct, p.External}
}

// ClaimOffer is what the claimant is shown when a negotiation opens.
type ClaimOffer struct {
	StallID   string          `json:"stall_id"`
	StallName string          `json:"stall_name"`
	Price     int64           `json:"price"`
	Options   []PaymentOption `json:"options"`
	ExpiresAt time.Time       `json:"expires_at"`
}

func (p PendingClaim) Offer() ClaimOffer {
	return ClaimOffer{
		StallID:   p.StallID,
		StallName: p.StallName,
		Price:     p.Price,
		Options:   p.Options(),
		ExpiresAt: p.ExpiresAt,
	}
}
