package handler

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/rl1809/stall-market/internal/core/domain"
	"github.com/rl1809/stall-market/internal/core/service"
)

const testSecret = "test-secret"

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type fakeMarket struct {
	mu           sync.Mutex
	purchaseErr  error
	purchases    []service.PurchaseRequest
	prices       []service.PriceUpdateRequest
	funding      []service.FundingRequest
	listings     []service.ListingRequest
	delisted     []string
	released     []string
	registered   []domain.Session
	unregistered []string
	registerErr  error
}

func (m *fakeMarket) Purchase(_ context.Context, req service.PurchaseRequest) (domain.Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purchases = append(m.purchases, req)
	if m.purchaseErr != nil {
		return domain.Sale{}, m.purchaseErr
	}
	return domain.Sale{ID: "sale-1", ProductID: req.ProductID, Quantity: req.Quantity, UnitPrice: 20, ItemRef: "item-1"}, nil
}

func (m *fakeMarket) UpdatePrice(_ context.Context, req service.PriceUpdateRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices = append(m.prices, req)
	if req.Price < 0 {
		return domain.ErrPriceOutOfRange
	}
	return nil
}

func (m *fakeMarket) SetRentFunding(_ context.Context, req service.FundingRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funding = append(m.funding, req)
	return nil
}

func (m *fakeMarket) ListProduct(_ context.Context, req service.ListingRequest) (domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listings = append(m.listings, req)
	return domain.Product{ID: "p-new", Name: req.Name}, nil
}

func (m *fakeMarket) DelistProduct(_ context.Context, _, _ string, _ domain.PersonaID, productID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delisted = append(m.delisted, productID)
	return nil
}

func (m *fakeMarket) Release(_ context.Context, _, stallID string, persona domain.PersonaID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if persona != "alice" {
		return domain.ErrNotOwner
	}
	m.released = append(m.released, stallID)
	return nil
}

func (m *fakeMarket) register(kind domain.SessionKind, stallID string, persona domain.PersonaID, cb service.SessionCallbacks) (domain.Session, error) {
	m.mu.Lock()
	if m.registerErr != nil {
		m.mu.Unlock()
		return domain.Session{}, m.registerErr
	}
	s := domain.Session{ID: "session-" + string(kind), Kind: kind, StallID: stallID, Persona: persona, OpenedAt: time.Now()}
	m.registered = append(m.registered, s)
	m.mu.Unlock()
	if cb.OnSnapshot != nil {
		_ = cb.OnSnapshot(domain.Snapshot{StallID: stallID, Name: "Alice's", Open: true})
	}
	return s, nil
}

func (m *fakeMarket) RegisterBuyer(_ context.Context, stallID string, persona domain.PersonaID, cb service.SessionCallbacks) (domain.Session, error) {
	return m.register(domain.SessionBuyer, stallID, persona, cb)
}

func (m *fakeMarket) RegisterSeller(_ context.Context, stallID string, persona domain.PersonaID, cb service.SessionCallbacks) (domain.Session, error) {
	return m.register(domain.SessionSeller, stallID, persona, cb)
}

func (m *fakeMarket) Unregister(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unregistered = append(m.unregistered, sessionID)
	return true
}

func (m *fakeMarket) unregisteredIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.unregistered...)
}

type fakeClaims struct {
	mu      sync.Mutex
	pending map[domain.PersonaID]domain.PendingClaim
	windows map[domain.PersonaID]service.ClaimWindow
	closed  []domain.PersonaID
}

func newFakeClaims() *fakeClaims {
	return &fakeClaims{
		pending: make(map[domain.PersonaID]domain.PendingClaim),
		windows: make(map[domain.PersonaID]service.ClaimWindow),
	}
}

func (c *fakeClaims) Begin(_ context.Context, req service.BeginClaim, window service.ClaimWindow) (domain.ClaimOffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if req.StallID == "owned" {
		return domain.ClaimOffer{}, domain.ErrAlreadyOwned
	}
	claim := domain.PendingClaim{
		Persona:   req.Persona,
		StallID:   req.StallID,
		StallName: "Corner",
		Price:     100,
		Direct:    domain.PaymentOption{Method: domain.PaymentDirect, Enabled: true},
		External:  domain.PaymentOption{Method: domain.PaymentExternalAccount, Reason: "no account"},
		ExpiresAt: time.Now().Add(time.Minute),
	}
	c.pending[req.Persona] = claim
	c.windows[req.Persona] = window
	return claim.Offer(), nil
}

func (c *fakeClaims) Select(_ context.Context, persona domain.PersonaID, method domain.PaymentMethod) (*domain.Stall, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	claim, ok := c.pending[persona]
	if !ok {
		return nil, service.ErrNegotiationNotFound
	}
	if method != domain.PaymentDirect {
		return nil, service.ErrPaymentOptionDisabled
	}
	delete(c.pending, persona)
	return &domain.Stall{ID: claim.StallID, Owner: persona, Active: true, NextRentDue: time.Now().Add(24 * time.Hour)}, nil
}

func (c *fakeClaims) Cancel(persona domain.PersonaID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[persona]
	delete(c.pending, persona)
	return ok
}

func (c *fakeClaims) Pending(persona domain.PersonaID) (domain.PendingClaim, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	claim, ok := c.pending[persona]
	return claim, ok
}

func (c *fakeClaims) WindowClosed(persona domain.PersonaID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = append(c.closed, persona)
	_, ok := c.pending[persona]
	delete(c.pending, persona)
	return ok
}

func (c *fakeClaims) closedWindows() []domain.PersonaID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.PersonaID(nil), c.closed...)
}

func (c *fakeClaims) window(persona domain.PersonaID) service.ClaimWindow {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.windows[persona]
}
