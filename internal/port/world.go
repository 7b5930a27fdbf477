package port

import (
	"context"
	"time"

	"github.com/rl1809/stall-market/internal/core/domain"
)

// Presence resolves whether a persona is currently controlling a character.
type Presence interface {
	Locate(ctx context.Context, persona domain.PersonaID) (domain.Character, error)
}

// ItemDelivery hands purchased goods to a character and can take them back.
type ItemDelivery interface {
	Deliver(ctx context.Context, to domain.Character, product domain.Product, quantity int) (itemRef string, err error)
	Destroy(ctx context.Context, to domain.Character, itemRef string) error
}

// InventoryCustodian takes the unsold goods of a stall into neutral custody.
// Individual item failures are logged by the custodian, not returned.
type InventoryCustodian interface {
	TransferToCustody(ctx context.Context, stall domain.Stall) (int, error)
}

// OwnerNotifier delivers a message to whoever controls a persona. It must
// not block on delivery.
type OwnerNotifier interface {
	Notify(ctx context.Context, owner domain.PersonaID, message string, severity domain.Severity)
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
