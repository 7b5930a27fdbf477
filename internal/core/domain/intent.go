package domain

import (
	"fmt"
	"time"
)

// StallMutation is a validated change to a stall record. The persistence
// boundary loads the current row, calls Apply on it and writes it back only
// if the row version is unchanged.
type StallMutation interface {
	Apply(s *Stall) error
	Name() string
}

// ClaimStall assigns ownership and starts a new lease.
type ClaimStall struct {
	ExpectedOwner PersonaID
	Owner         PersonaID
	OwnerName     string
	AccountRef    string
	LeaseStart    time.Time
	NextRentDue   time.Time
}

func (ClaimStall) Name() string { return "claim" }

func (c ClaimStall) Apply(s *Stall) error {
	if s.Owner != c.ExpectedOwner {
		return fmt.Errorf("%w: stall %s is owned by %q", ErrAlreadyOwned, s.ID, s.Owner)
	}
	s.Owner = c.Owner
	s.OwnerName = c.OwnerName
	s.AccountRef = c.AccountRef
	s.LeaseStart = c.LeaseStart
	s.NextRentDue = c.NextRentDue
	s.SuspendedAt = nil
	s.DeactivatedAt = nil
	s.Active = true
	if c.ExpectedOwner != c.Owner {
		s.Members = nil
	}
	return nil
}

// ReleaseStall clears ownership. Any escrow left on the stall is zeroed and
// reported in PaidOut so the caller can return it to the former owner.
type ReleaseStall struct {
	ExpectedOwner PersonaID
	At            time.Time
	NextRentDue   time.Time
	Forfeited     bool
	PaidOut       int64
}

func (r ReleaseStall) Name() string {
	if r.Forfeited {
		return "forfeit"
	}
	return "release"
}

func (r ReleaseStall) Apply(s *Stall) error {
	if s.Owner != r.ExpectedOwner {
		return fmt.Errorf("%w: stall %s owner changed", ErrConflict, s.ID)
	}
	if s.EscrowBalance != r.PaidOut {
		return fmt.Errorf("%w: stall %s escrow changed", ErrConflict, s.ID)
	}
	at := r.At
	s.Owner = ""
	s.OwnerName = ""
	s.AccountRef = ""
	s.Members = nil
	s.EscrowBalance = 0
	s.Active = false
	s.SuspendedAt = nil
	s.DeactivatedAt = &at
	s.NextRentDue = r.NextRentDue
	return nil
}

// RecordRentPayment settles the rent cycle that was due at DueAt. It only
// applies while the stall is still waiting on that cycle, so a cycle can be
// charged once.
type RecordRentPayment struct {
	DueAt       time.Time
	Amount      int64
	Source      PaymentSource
	NextRentDue time.Time
}

func (RecordRentPayment) Name() string { return "rent_paid" }

func (r RecordRentPayment) Apply(s *Stall) error {
	if !s.Claimed() {
		return fmt.Errorf("%w: stall %s", ErrNotOwned, s.ID)
	}
	if !s.NextRentDue.Equal(r.DueAt) {
		return fmt.Errorf("%w: stall %s rent cycle already settled", ErrConflict, s.ID)
	}
	if r.Source == SourceEscrow {
		if s.EscrowBalance < r.Amount {
			return fmt.Errorf("%w: stall %s has %d, needs %d", ErrInsufficientEscrow, s.ID, s.EscrowBalance, r.Amount)
		}
		s.EscrowBalance -= r.Amount
	}
	s.NextRentDue = r.NextRentDue
	s.SuspendedAt = nil
	s.DeactivatedAt = nil
	s.Active = true
	return nil
}

// EnterGracePeriod records the first missed rent cycle.
type EnterGracePeriod struct {
	DueAt       time.Time
	SuspendedAt time.Time
	NextRentDue time.Time
}

func (EnterGracePeriod) Name() string { return "grace_started" }

func (g EnterGracePeriod) Apply(s *Stall) error {
	if !s.Claimed() {
		return fmt.Errorf("%w: stall %s", ErrNotOwned, s.ID)
	}
	if !s.NextRentDue.Equal(g.DueAt) || s.SuspendedAt != nil {
		return fmt.Errorf("%w: stall %s", ErrConflict, s.ID)
	}
	at := g.SuspendedAt
	s.SuspendedAt = &at
	s.NextRentDue = g.NextRentDue
	return nil
}

// ExtendGracePeriod pushes the retry inside an open grace window.
type ExtendGracePeriod struct {
	DueAt       time.Time
	NextRentDue time.Time
}

func (ExtendGracePeriod) Name() string { return "grace_extended" }

func (g ExtendGracePeriod) Apply(s *Stall) error {
	if !s.Claimed() || s.SuspendedAt == nil {
		return fmt.Errorf("%w: stall %s not in grace period", ErrConflict, s.ID)
	}
	if !s.NextRentDue.Equal(g.DueAt) {
		return fmt.Errorf("%w: stall %s", ErrConflict, s.ID)
	}
	s.NextRentDue = g.NextRentDue
	return nil
}

// SetFundingSource switches rent between escrow (empty AccountRef) and an
// external account.
type SetFundingSource struct {
	Owner      PersonaID
	AccountRef string
}

func (SetFundingSource) Name() string { return "funding_source" }

func (f SetFundingSource) Apply(s *Stall) error {
	if s.Owner != f.Owner {
		return fmt.Errorf("%w: stall %s", ErrNotOwner, s.ID)
	}
	s.AccountRef = f.AccountRef
	return nil
}

// ProductPriceChange sets a new unit price on one listing.
type ProductPriceChange struct {
	StallID     string
	ProductID   string
	Price       int64
	RequestedBy PersonaID
}

// ProductRemoval delists a product and returns its remaining stock.
type ProductRemoval struct {
	StallID   string
	ProductID string
	ReturnTo  PersonaID
	Quantity  int
	ItemData  []byte
}
