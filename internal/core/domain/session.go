package domain

import (
	"sort"
	"time"
)

type SessionKind string

const (
	SessionBuyer  SessionKind = "buyer"
	SessionSeller SessionKind = "seller"
)

// Session is an in-memory subscription of one open market or management
// view. Sessions are never persisted.
type Session struct {
	ID       string      `json:"id"`
	Kind     SessionKind `json:"kind"`
	StallID  string      `json:"stall_id"`
	Persona  PersonaID   `json:"persona"`
	OpenedAt time.Time   `json:"opened_at"`
}

type ProductView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Price     int64  `json:"price"`
	Quantity  int    `json:"quantity"`
	Active    bool   `json:"active"`
	SoldOut   bool   `json:"sold_out"`
	Consignor string `json:"consignor,omitempty"`
}

// SellerView carries the fields only the owner and members see.
type SellerView struct {
	EscrowBalance   int64          `json:"escrow_balance"`
	LifetimeSales   int64          `json:"lifetime_sales"`
	DailyRent       int64          `json:"daily_rent"`
	NextRentDue     time.Time      `json:"next_rent_due"`
	ExternalFunding bool           `json:"external_funding"`
	Lifecycle       LifecycleState `json:"lifecycle"`
	SuspendedAt     *time.Time     `json:"suspended_at,omitempty"`
}

// Snapshot is the view pushed to a session after every change.
type Snapshot struct {
	StallID   string        `json:"stall_id"`
	Name      string        `json:"name"`
	OwnerName string        `json:"owner_name"`
	Open      bool          `json:"open"`
	Products  []ProductView `json:"products"`
	Seller    *SellerView   `json:"seller,omitempty"`
	TakenAt   time.Time     `json:"taken_at"`
}

// Result acknowledges one operation to the session that triggered it.
type Result struct {
	Operation string `json:"operation"`
	OK        bool   `json:"ok"`
	Message   string `json:"message"`
	ProductID string `json:"product_id,omitempty"`
}

// BuyerSnapshot lists what is for sale right now.
func BuyerSnapshot(s Stall, products []Product, now time.Time) Snapshot {
	snap := Snapshot{
		StallID:   s.ID,
		Name:      s.Name,
		OwnerName: s.OwnerName,
		Open:      s.Open(),
		TakenAt:   now,
	}
	for _, p := range sortedProducts(products) {
		if !p.Active || p.Quantity <= 0 {
			continue
		}
		snap.Products = append(snap.Products, view(p))
	}
	return snap
}

// SellerSnapshot lists every product plus the stall's financial state.
func SellerSnapshot(s Stall, products []Product, now time.Time, grace time.Duration) Snapshot {
	snap := Snapshot{
		StallID:   s.ID,
		Name:      s.Name,
		OwnerName: s.OwnerName,
		Open:      s.Open(),
		TakenAt:   now,
		Seller: &SellerView{
			EscrowBalance:   s.EscrowBalance,
			LifetimeSales:   s.LifetimeSales,
			DailyRent:       s.DailyRent,
			NextRentDue:     s.NextRentDue,
			ExternalFunding: s.UsesExternalAccount(),
			Lifecycle:       s.Lifecycle(now, grace),
			SuspendedAt:     s.SuspendedAt,
		},
	}
	for _, p := range sortedProducts(products) {
		v := view(p)
		v.Consignor = string(p.Consignor)
		snap.Products = append(snap.Products, v)
	}
	return snap
}

func view(p Product) ProductView {
	return ProductView{
		ID:       p.ID,
		Name:     p.Name,
		Price:    p.Price,
		Quantity: p.Quantity,
		Active:   p.Active,
		SoldOut:  p.Quantity == 0,
	}
}

func sortedProducts(products []Product) []Product {
	out := make([]Product, len(products))
	copy(out, products)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SortOrder < out[j].SortOrder
	})
	return out
}
