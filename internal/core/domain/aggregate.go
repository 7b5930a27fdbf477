package domain

import (
	"fmt"
	"time"
)

// ClaimInput describes a lease request against the stall the caller saw.
type ClaimInput struct {
	Claimant     PersonaID
	ClaimantName string
	AreaKey      string
	Tag          string
	AccountRef   string
	Now          time.Time
	RentInterval time.Duration
	// Reconfirm allows the current owner to renew the lease explicitly.
	Reconfirm bool
}

// ProductInput is a new listing submitted by the owner or a member.
type ProductInput struct {
	ID        string
	Name      string
	ItemData  []byte
	Price     int64
	Quantity  int
	Consignor PersonaID
	Now       time.Time
}

// StallAggregate enforces ownership and listing rules for one loaded stall.
// It never writes: every operation returns an intent for the persistence
// boundary to apply.
type StallAggregate struct {
	stall    Stall
	products []Product
	maxPrice int64
}

func NewStallAggregate(stall Stall, products []Product) *StallAggregate {
	return &StallAggregate{stall: stall, products: products}
}

// WithMaxPrice caps listing prices. Zero means no cap.
func (a *StallAggregate) WithMaxPrice(max int64) *StallAggregate {
	a.maxPrice = max
	return a
}

func (a *StallAggregate) Stall() Stall {
	return a.stall
}

// CanManage reports whether persona may change listings on the stall.
func (a *StallAggregate) CanManage(persona PersonaID) bool {
	if persona == "" || !a.stall.Claimed() {
		return false
	}
	return a.stall.Owner == persona || a.stall.IsMember(persona)
}

func (a *StallAggregate) TryClaim(in ClaimInput) (ClaimStall, error) {
	s := a.stall
	if in.AreaKey != s.AreaKey || in.Tag != s.Tag {
		return ClaimStall{}, fmt.Errorf("%w: stall %s", ErrDescriptorMismatch, s.ID)
	}
	if in.Claimant == "" {
		return ClaimStall{}, ErrUnauthorized
	}
	if s.Claimed() && (s.Owner != in.Claimant || !in.Reconfirm) {
		return ClaimStall{}, fmt.Errorf("%w: stall %s", ErrAlreadyOwned, s.ID)
	}
	return ClaimStall{
		ExpectedOwner: s.Owner,
		Owner:         in.Claimant,
		OwnerName:     in.ClaimantName,
		AccountRef:    in.AccountRef,
		LeaseStart:    in.Now,
		NextRentDue:   in.Now.Add(in.RentInterval),
	}, nil
}

func (a *StallAggregate) TryRelease(requestor PersonaID, now time.Time, interval time.Duration) (ReleaseStall, error) {
	s := a.stall
	if !s.Claimed() {
		return ReleaseStall{}, fmt.Errorf("%w: stall %s", ErrNotOwned, s.ID)
	}
	if s.Owner != requestor {
		return ReleaseStall{}, fmt.Errorf("%w: stall %s", ErrNotOwner, s.ID)
	}
	return ReleaseStall{
		ExpectedOwner: s.Owner,
		At:            now,
		NextRentDue:   now.Add(interval),
		PaidOut:       s.EscrowBalance,
	}, nil
}

// Forfeit builds the release intent used when rent went unpaid past the
// grace period.
func (a *StallAggregate) Forfeit(now time.Time, interval time.Duration) (ReleaseStall, error) {
	s := a.stall
	if !s.Claimed() {
		return ReleaseStall{}, fmt.Errorf("%w: stall %s", ErrNotOwned, s.ID)
	}
	return ReleaseStall{
		ExpectedOwner: s.Owner,
		At:            now,
		NextRentDue:   now.Add(interval),
		Forfeited:     true,
		PaidOut:       s.EscrowBalance,
	}, nil
}

func (a *StallAggregate) CreateProduct(requestor PersonaID, in ProductInput) (Product, error) {
	if !a.CanManage(requestor) {
		return Product{}, fmt.Errorf("%w: %s cannot list on stall %s", ErrUnauthorized, requestor, a.stall.ID)
	}
	if !a.stall.Active {
		return Product{}, fmt.Errorf("%w: stall %s", ErrStallInactive, a.stall.ID)
	}
	if err := a.checkPrice(in.Price); err != nil {
		return Product{}, err
	}
	if in.Quantity < 0 {
		return Product{}, fmt.Errorf("%w: %d", ErrInvalidQuantity, in.Quantity)
	}

	order := 0
	for _, p := range a.products {
		if p.SortOrder >= order {
			order = p.SortOrder + 1
		}
	}
	consignor := in.Consignor
	if consignor == "" {
		consignor = requestor
	}
	p := Product{
		ID:        in.ID,
		StallID:   a.stall.ID,
		Name:      in.Name,
		ItemData:  in.ItemData,
		Price:     in.Price,
		Quantity:  in.Quantity,
		Active:    true,
		Consignor: consignor,
		SortOrder: order,
		CreatedAt: in.Now,
		UpdatedAt: in.Now,
	}
	if p.Quantity == 0 {
		soldOut := in.Now
		p.SoldOutAt = &soldOut
	}
	return p, nil
}

func (a *StallAggregate) TryUpdateProductPrice(requestor PersonaID, productID string, price int64) (ProductPriceChange, error) {
	if !a.CanManage(requestor) {
		return ProductPriceChange{}, fmt.Errorf("%w: %s cannot price on stall %s", ErrUnauthorized, requestor, a.stall.ID)
	}
	if err := a.checkPrice(price); err != nil {
		return ProductPriceChange{}, err
	}
	if _, ok := findProduct(a.products, productID); !ok {
		return ProductPriceChange{}, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	return ProductPriceChange{
		StallID:     a.stall.ID,
		ProductID:   productID,
		Price:       price,
		RequestedBy: requestor,
	}, nil
}

func (a *StallAggregate) TryRemoveProduct(requestor PersonaID, productID string) (ProductRemoval, error) {
	if !a.CanManage(requestor) {
		return ProductRemoval{}, fmt.Errorf("%w: %s cannot delist on stall %s", ErrUnauthorized, requestor, a.stall.ID)
	}
	p, ok := findProduct(a.products, productID)
	if !ok {
		return ProductRemoval{}, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	return ProductRemoval{
		StallID:   a.stall.ID,
		ProductID: p.ID,
		ReturnTo:  p.ReturnTo(a.stall.Owner),
		Quantity:  p.Quantity,
		ItemData:  p.ItemData,
	}, nil
}

// TrySetFundingSource only validates ownership; whether accountRef really
// exists is checked by the caller against the account directory.
func (a *StallAggregate) TrySetFundingSource(requestor PersonaID, accountRef string) (SetFundingSource, error) {
	if !a.stall.Claimed() {
		return SetFundingSource{}, fmt.Errorf("%w: stall %s", ErrNotOwned, a.stall.ID)
	}
	if a.stall.Owner != requestor {
		return SetFundingSource{}, fmt.Errorf("%w: stall %s", ErrNotOwner, a.stall.ID)
	}
	return SetFundingSource{Owner: requestor, AccountRef: accountRef}, nil
}

func (a *StallAggregate) checkPrice(price int64) error {
	if price < 0 || (a.maxPrice > 0 && price > a.maxPrice) {
		return fmt.Errorf("%w: %d", ErrPriceOutOfRange, price)
	}
	return nil
}
