package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryClaim(t *testing.T) {
	vacant := Stall{ID: "s1", AreaKey: "square", Tag: "east"}
	in := ClaimInput{Claimant: "alice", ClaimantName: "Alice", AreaKey: "square", Tag: "east", Now: now, RentInterval: 24 * time.Hour}

	intent, err := NewStallAggregate(vacant, nil).TryClaim(in)
	require.NoError(t, err)
	assert.Equal(t, now.Add(24*time.Hour), intent.NextRentDue)

	claimed := vacant
	require.NoError(t, intent.Apply(&claimed))
	assert.True(t, claimed.Open())
	require.NoError(t, claimed.Validate())

	mismatch := in
	mismatch.Tag = "west"
	_, err = NewStallAggregate(vacant, nil).TryClaim(mismatch)
	assert.ErrorIs(t, err, ErrDescriptorMismatch)

	other := in
	other.Claimant = "bob"
	_, err = NewStallAggregate(claimed, nil).TryClaim(other)
	assert.ErrorIs(t, err, ErrAlreadyOwned)

	_, err = NewStallAggregate(claimed, nil).TryClaim(in)
	assert.ErrorIs(t, err, ErrAlreadyOwned, "re-claiming needs explicit reconfirmation")

	reconfirm := in
	reconfirm.Reconfirm = true
	_, err = NewStallAggregate(claimed, nil).TryClaim(reconfirm)
	assert.NoError(t, err)
}

func TestClaimKeepsMembersOnlyForSameOwner(t *testing.T) {
	s := activeStall()
	s.Members = []Member{{Persona: "bob", CanManageInventory: true}}

	same := s
	require.NoError(t, ClaimStall{ExpectedOwner: "alice", Owner: "alice"}.Apply(&same))
	assert.Len(t, same.Members, 1)

	vacated := s
	vacated.Owner = ""
	vacated.Active = false
	require.NoError(t, ClaimStall{ExpectedOwner: "", Owner: "carol"}.Apply(&vacated))
	assert.Empty(t, vacated.Members)
}

func TestTryRelease(t *testing.T) {
	s := activeStall()
	s.EscrowBalance = 40

	_, err := NewStallAggregate(s, nil).TryRelease("bob", now, time.Hour)
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = NewStallAggregate(Stall{ID: "v"}, nil).TryRelease("alice", now, time.Hour)
	assert.ErrorIs(t, err, ErrNotOwned)

	intent, err := NewStallAggregate(s, nil).TryRelease("alice", now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(40), intent.PaidOut)
	assert.Equal(t, "release", intent.Name())

	require.NoError(t, intent.Apply(&s))
	assert.False(t, s.Claimed())
	assert.Zero(t, s.EscrowBalance)
	require.NotNil(t, s.DeactivatedAt)
	require.NoError(t, s.Validate())
}

func TestForfeit(t *testing.T) {
	s := activeStall()
	suspended := now.Add(-2 * time.Hour)
	s.SuspendedAt = &suspended

	intent, err := NewStallAggregate(s, nil).Forfeit(now, time.Minute)
	require.NoError(t, err)
	assert.True(t, intent.Forfeited)
	assert.Equal(t, "forfeit", intent.Name())
	assert.Equal(t, now.Add(time.Minute), intent.NextRentDue)

	require.NoError(t, intent.Apply(&s))
	assert.Nil(t, s.SuspendedAt)
	assert.Equal(t, LifecycleReleased, s.Lifecycle(now, time.Hour))
}

func TestCreateProduct(t *testing.T) {
	s := activeStall()
	s.Members = []Member{{Persona: "clerk", CanManageInventory: true}, {Persona: "guest"}}
	existing := []Product{{ID: "p1", StallID: "s1", SortOrder: 4}}
	agg := NewStallAggregate(s, existing).WithMaxPrice(1000)

	p, err := agg.CreateProduct("clerk", ProductInput{ID: "p2", Name: "Axe", Price: 10, Quantity: 2, Now: now})
	require.NoError(t, err)
	assert.Equal(t, 5, p.SortOrder)
	assert.Equal(t, PersonaID("clerk"), p.Consignor)
	assert.True(t, p.Active)
	assert.Nil(t, p.SoldOutAt)

	empty, err := agg.CreateProduct("alice", ProductInput{ID: "p3", Quantity: 0, Now: now})
	require.NoError(t, err)
	require.NotNil(t, empty.SoldOutAt)

	tests := []struct {
		name      string
		requestor PersonaID
		in        ProductInput
		want      error
	}{
		{"stranger", "eve", ProductInput{Price: 1, Quantity: 1}, ErrUnauthorized},
		{"member without rights", "guest", ProductInput{Price: 1, Quantity: 1}, ErrUnauthorized},
		{"negative price", "alice", ProductInput{Price: -1, Quantity: 1}, ErrPriceOutOfRange},
		{"above max price", "alice", ProductInput{Price: 1001, Quantity: 1}, ErrPriceOutOfRange},
		{"negative quantity", "alice", ProductInput{Price: 1, Quantity: -1}, ErrInvalidQuantity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := agg.CreateProduct(tt.requestor, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	inactive := activeStall()
	inactive.Owner = "alice"
	inactive.Active = false
	suspended := now
	inactive.SuspendedAt = &suspended
	_, err = NewStallAggregate(inactive, nil).CreateProduct("alice", ProductInput{Price: 1, Quantity: 1})
	assert.ErrorIs(t, err, ErrStallInactive)
}

func TestTryUpdateProductPrice(t *testing.T) {
	products := []Product{{ID: "p1", StallID: "s1", Price: 5}}
	agg := NewStallAggregate(activeStall(), products)

	change, err := agg.TryUpdateProductPrice("alice", "p1", 9)
	require.NoError(t, err)
	assert.Equal(t, int64(9), change.Price)

	_, err = agg.TryUpdateProductPrice("alice", "p2", 9)
	assert.ErrorIs(t, err, ErrProductNotFound)

	_, err = agg.TryUpdateProductPrice("bob", "p1", 9)
	assert.ErrorIs(t, err, ErrUnauthorized)

	free, err := agg.TryUpdateProductPrice("alice", "p1", 0)
	require.NoError(t, err)
	assert.Zero(t, free.Price)
}

func TestTryRemoveProduct_ReturnsToConsignor(t *testing.T) {
	products := []Product{
		{ID: "own", StallID: "s1", Quantity: 2},
		{ID: "consigned", StallID: "s1", Quantity: 3, Consignor: "dave"},
	}
	agg := NewStallAggregate(activeStall(), products)

	removal, err := agg.TryRemoveProduct("alice", "own")
	require.NoError(t, err)
	assert.Equal(t, PersonaID("alice"), removal.ReturnTo)

	removal, err = agg.TryRemoveProduct("alice", "consigned")
	require.NoError(t, err)
	assert.Equal(t, PersonaID("dave"), removal.ReturnTo)
	assert.Equal(t, 3, removal.Quantity)
}

func TestTrySetFundingSource(t *testing.T) {
	s := activeStall()
	s.Members = []Member{{Persona: "clerk", CanManageInventory: true}}
	agg := NewStallAggregate(s, nil)

	_, err := agg.TrySetFundingSource("clerk", "acct")
	assert.ErrorIs(t, err, ErrNotOwner)

	intent, err := agg.TrySetFundingSource("alice", "acct")
	require.NoError(t, err)
	require.NoError(t, intent.Apply(&s))
	assert.True(t, s.UsesExternalAccount())
}

func TestSnapshots(t *testing.T) {
	s := activeStall()
	s.EscrowBalance = 70
	products := []Product{
		{ID: "b", Name: "B", Active: true, Quantity: 1, SortOrder: 2},
		{ID: "a", Name: "A", Active: true, Quantity: 0, SortOrder: 1},
		{ID: "c", Name: "C", Active: false, Quantity: 5, SortOrder: 0},
	}

	buyer := BuyerSnapshot(s, products, now)
	require.Len(t, buyer.Products, 1)
	assert.Equal(t, "b", buyer.Products[0].ID)
	assert.Nil(t, buyer.Seller)

	seller := SellerSnapshot(s, products, now, time.Hour)
	require.Len(t, seller.Products, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{seller.Products[0].ID, seller.Products[1].ID, seller.Products[2].ID})
	require.NotNil(t, seller.Seller)
	assert.Equal(t, int64(70), seller.Seller.EscrowBalance)
	assert.Equal(t, LifecycleActive, seller.Seller.Lifecycle)
}
