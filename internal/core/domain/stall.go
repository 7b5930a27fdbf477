package domain

import (
	"fmt"
	"time"
)

// PersonaID identifies an individual, organization or system actor.
type PersonaID string

type LifecycleState string

const (
	LifecycleVacant      LifecycleState = "vacant"
	LifecycleActive      LifecycleState = "active"
	LifecycleGracePeriod LifecycleState = "grace_period"
	LifecycleSuspended   LifecycleState = "suspended"
	LifecycleReleased    LifecycleState = "released"
)

// Member is a persona with delegated rights on a stall.
type Member struct {
	Persona            PersonaID
	CanManageInventory bool
}

// Stall is a leasable market slot.
type Stall struct {
	ID      string
	AreaKey string
	Tag     string
	// SettlementID links the stall to a funding channel. Empty means external
	// accounts cannot be used for this stall.
	SettlementID  string
	Owner         PersonaID
	OwnerName     string
	Name          string
	DailyRent     int64
	EscrowBalance int64
	LifetimeSales int64
	// AccountRef is the external account rent is drawn from. Empty means escrow.
	AccountRef    string
	LeaseStart    time.Time
	NextRentDue   time.Time
	SuspendedAt   *time.Time
	DeactivatedAt *time.Time
	Active        bool
	Members       []Member
	Version       int64
	UpdatedAt     time.Time
}

func (s Stall) Claimed() bool {
	return s.Owner != ""
}

// Open reports whether buyers may purchase from the stall.
func (s Stall) Open() bool {
	return s.Claimed() && s.Active && s.SuspendedAt == nil
}

func (s Stall) UsesExternalAccount() bool {
	return s.AccountRef != ""
}

// RentAmount is the amount charged per rent cycle, never negative.
func (s Stall) RentAmount() int64 {
	if s.DailyRent < 0 {
		return 0
	}
	return s.DailyRent
}

// Due reports whether rent billing should evaluate the stall at now.
func (s Stall) Due(now time.Time) bool {
	return s.Claimed() && !s.NextRentDue.After(now)
}

func (s Stall) Lifecycle(now time.Time, grace time.Duration) LifecycleState {
	switch {
	case !s.Claimed() && s.DeactivatedAt != nil:
		return LifecycleReleased
	case !s.Claimed():
		return LifecycleVacant
	case s.SuspendedAt == nil:
		return LifecycleActive
	case now.Sub(*s.SuspendedAt) < grace:
		return LifecycleGracePeriod
	default:
		return LifecycleSuspended
	}
}

// IsMember reports whether persona has inventory-management rights.
func (s Stall) IsMember(persona PersonaID) bool {
	for _, m := range s.Members {
		if m.Persona == persona && m.CanManageInventory {
			return true
		}
	}
	return false
}

// Validate checks the ownership and escrow invariants.
func (s Stall) Validate() error {
	if s.EscrowBalance < 0 {
		return fmt.Errorf("%w: stall %s escrow %d", ErrInvariant, s.ID, s.EscrowBalance)
	}
	unowned := !s.Claimed()
	closed := !s.Active && s.SuspendedAt == nil
	if unowned != closed {
		return fmt.Errorf("%w: stall %s owner=%q active=%t suspended=%t",
			ErrInvariant, s.ID, s.Owner, s.Active, s.SuspendedAt != nil)
	}
	return nil
}

// AdvanceDue moves due forward by whole intervals until it is strictly after now.
func AdvanceDue(due time.Time, interval time.Duration, now time.Time) time.Time {
	if interval <= 0 {
		return now.Add(time.Second)
	}
	if due.IsZero() {
		due = now
	}
	if due.After(now) {
		return due.Add(interval)
	}
	steps := now.Sub(due)/interval + 1
	return due.Add(steps * interval)
}
