package domain

import "time"

// Product is a listing owned by exactly one stall.
type Product struct {
	ID        string
	StallID   string
	Name      string
	ItemData  []byte
	Price     int64
	Quantity  int
	Active    bool
	SoldOutAt *time.Time
	Consignor PersonaID
	SortOrder int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Available reports whether quantity units can be sold right now.
func (p Product) Available(quantity int) bool {
	return p.Active && quantity > 0 && p.Quantity >= quantity
}

// ReturnTo is the persona that receives unsold stock when the listing is removed.
func (p Product) ReturnTo(owner PersonaID) PersonaID {
	if p.Consignor != "" {
		return p.Consignor
	}
	return owner
}

func findProduct(products []Product, id string) (Product, bool) {
	for _, p := range products {
		if p.ID == id {
			return p, true
		}
	}
	return Product{}, false
}
