package port

import (
	"context"
	"time"

	"github.com/rl1809/stall-market/internal/core/domain"
)

// StallRepository is the persistence boundary for stalls, products and the
// stall ledger. Writes are conditional: a stale write returns an error
// wrapping domain.ErrConflict and leaves the record untouched.
type StallRepository interface {
	GetStall(ctx context.Context, stallID string) (*domain.Stall, error)

	// DueStalls returns claimed stalls whose next rent is due at or before now.
	DueStalls(ctx context.Context, now time.Time) ([]domain.Stall, error)

	// UpdateStall applies mutation to the stored stall if its version still
	// equals expectedVersion and returns the stored result.
	UpdateStall(ctx context.Context, stallID string, expectedVersion int64, mutation domain.StallMutation) (*domain.Stall, error)

	ProductsForStall(ctx context.Context, stallID string) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) error
	UpdateProductPrice(ctx context.Context, change domain.ProductPriceChange) error
	// RemoveProduct deletes the product only while its quantity still equals
	// removal.Quantity; a sale in between returns domain.ErrConflict.
	RemoveProduct(ctx context.Context, removal domain.ProductRemoval) error

	// CompletePurchase decrements stock only if enough is still on hand,
	// credits the stall's escrow and lifetime totals, and records the sale,
	// all in one transaction. Insufficient stock returns domain.ErrInsufficientStock.
	CompletePurchase(ctx context.Context, sale domain.Sale) error

	SaveTransaction(ctx context.Context, entry domain.LedgerEntry) error
	Transactions(ctx context.Context, stallID string) ([]domain.LedgerEntry, error)
}
