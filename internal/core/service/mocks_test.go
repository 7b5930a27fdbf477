package service

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/stall-market/internal/core/domain"
	"github.com/rl1809/stall-market/internal/port"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock(now time.Time) *mockClock {
	return &mockClock{now: now}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Mock StallRepository
type mockRepo struct {
	mu           sync.Mutex
	stalls       map[string]domain.Stall
	products     map[string]domain.Product
	transactions []domain.LedgerEntry
	mutations    []string

	// failUpdates are returned, in order, by the next UpdateStall calls.
	failUpdates []error
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		stalls:   make(map[string]domain.Stall),
		products: make(map[string]domain.Product),
	}
}

func (m *mockRepo) putStall(s domain.Stall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stalls[s.ID] = s
}

func (m *mockRepo) putProduct(p domain.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
}

func (m *mockRepo) stall(id string) domain.Stall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stalls[id]
}

func (m *mockRepo) product(id string) domain.Product {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.products[id]
}

func (m *mockRepo) ledger() []domain.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.LedgerEntry(nil), m.transactions...)
}

func (m *mockRepo) mutationNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.mutations...)
}

func (m *mockRepo) GetStall(ctx context.Context, stallID string) (*domain.Stall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stalls[stallID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrStallNotFound, stallID)
	}
	s.Members = append([]domain.Member(nil), s.Members...)
	return &s, nil
}

func (m *mockRepo) DueStalls(ctx context.Context, now time.Time) ([]domain.Stall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []domain.Stall
	for _, s := range m.stalls {
		if s.Due(now) {
			due = append(due, s)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due, nil
}

func (m *mockRepo) UpdateStall(ctx context.Context, stallID string, expectedVersion int64, mutation domain.StallMutation) (*domain.Stall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.failUpdates) > 0 {
		err := m.failUpdates[0]
		m.failUpdates = m.failUpdates[1:]
		return nil, err
	}
	s, ok := m.stalls[stallID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrStallNotFound, stallID)
	}
	if s.Version != expectedVersion {
		return nil, fmt.Errorf("version %d != %d: %w", s.Version, expectedVersion, domain.ErrConflict)
	}
	next := s
	next.Members = append([]domain.Member(nil), s.Members...)
	if err := mutation.Apply(&next); err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	next.Version++
	m.stalls[stallID] = next
	m.mutations = append(m.mutations, mutation.Name())
	return &next, nil
}

func (m *mockRepo) ProductsForStall(ctx context.Context, stallID string) ([]domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var products []domain.Product
	for _, p := range m.products {
		if p.StallID == stallID {
			products = append(products, p)
		}
	}
	sort.Slice(products, func(i, j int) bool {
		if products[i].SortOrder != products[j].SortOrder {
			return products[i].SortOrder < products[j].SortOrder
		}
		return products[i].ID < products[j].ID
	})
	return products, nil
}

func (m *mockRepo) CreateProduct(ctx context.Context, p domain.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
	return nil
}

func (m *mockRepo) UpdateProductPrice(ctx context.Context, change domain.ProductPriceChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[change.ProductID]
	if !ok || p.StallID != change.StallID {
		return domain.ErrProductNotFound
	}
	p.Price = change.Price
	m.products[p.ID] = p
	return nil
}

func (m *mockRepo) RemoveProduct(ctx context.Context, removal domain.ProductRemoval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[removal.ProductID]
	if !ok || p.StallID != removal.StallID {
		return domain.ErrProductNotFound
	}
	if p.Quantity != removal.Quantity {
		return domain.ErrConflict
	}
	delete(m.products, removal.ProductID)
	return nil
}

func (m *mockRepo) CompletePurchase(ctx context.Context, sale domain.Sale) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[sale.ProductID]
	if !ok || !p.Available(sale.Quantity) {
		return domain.ErrInsufficientStock
	}
	s := m.stalls[sale.StallID]
	if !s.Open() {
		return domain.ErrConflict
	}
	p.Quantity -= sale.Quantity
	if p.Quantity == 0 {
		at := sale.CreatedAt
		p.SoldOutAt = &at
	}
	m.products[p.ID] = p
	s.EscrowBalance += sale.Total()
	s.LifetimeSales += sale.Total()
	s.Version++
	m.stalls[s.ID] = s
	m.transactions = append(m.transactions, sale.LedgerEntry())
	return nil
}

func (m *mockRepo) SaveTransaction(ctx context.Context, entry domain.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions = append(m.transactions, entry)
	return nil
}

func (m *mockRepo) Transactions(ctx context.Context, stallID string) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []domain.LedgerEntry
	for _, e := range m.transactions {
		if e.StallID == stallID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// Mock Wallet
type mockWallet struct {
	mu        sync.Mutex
	balances  map[domain.PersonaID]int64
	failCred  error
	creditLog []int64
}

func newMockWallet() *mockWallet {
	return &mockWallet{balances: make(map[domain.PersonaID]int64)}
}

func (w *mockWallet) set(p domain.PersonaID, amount int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balances[p] = amount
}

func (w *mockWallet) get(p domain.PersonaID) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[p]
}

func (w *mockWallet) Balance(ctx context.Context, p domain.PersonaID) (int64, error) {
	return w.get(p), nil
}

func (w *mockWallet) Debit(ctx context.Context, p domain.PersonaID, amount int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.balances[p] < amount {
		return port.ErrInsufficientFunds
	}
	w.balances[p] -= amount
	return nil
}

func (w *mockWallet) Credit(ctx context.Context, p domain.PersonaID, amount int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failCred != nil {
		return w.failCred
	}
	w.balances[p] += amount
	w.creditLog = append(w.creditLog, amount)
	return nil
}

// Mock PaymentGateway and AccountDirectory
type mockBank struct {
	mu          sync.Mutex
	accounts    map[string]int64
	owners      map[string]domain.PersonaID
	settlements map[string]string
	reasons     []string
}

func newMockBank() *mockBank {
	return &mockBank{
		accounts:    make(map[string]int64),
		owners:      make(map[string]domain.PersonaID),
		settlements: make(map[string]string),
	}
}

func (b *mockBank) open(account string, owner domain.PersonaID, settlement string, balance int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts[account] = balance
	b.owners[account] = owner
	b.settlements[account] = settlement
}

func (b *mockBank) balance(account string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accounts[account]
}

func (b *mockBank) Withdraw(ctx context.Context, p domain.PersonaID, account string, amount int64, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reasons = append(b.reasons, reason)
	if b.owners[account] != p || b.accounts[account] < amount {
		return port.ErrWithdrawalRejected
	}
	b.accounts[account] -= amount
	return nil
}

func (b *mockBank) FindAccount(ctx context.Context, p domain.PersonaID, settlement string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for account, owner := range b.owners {
		if owner == p && b.settlements[account] == settlement {
			return account, nil
		}
	}
	return "", port.ErrAccountNotFound
}

// Mock Presence and ItemDelivery
type mockWorld struct {
	mu          sync.Mutex
	present     map[domain.PersonaID]bool
	delivered   map[string]domain.PersonaID
	failDeliver error
	seq         int

	// onDeliver runs once, after the next delivery and outside the lock.
	onDeliver func()
}

func newMockWorld(present ...domain.PersonaID) *mockWorld {
	w := &mockWorld{present: make(map[domain.PersonaID]bool), delivered: make(map[string]domain.PersonaID)}
	for _, p := range present {
		w.present[p] = true
	}
	return w
}

func (w *mockWorld) Locate(ctx context.Context, p domain.PersonaID) (domain.Character, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.present[p] {
		return domain.Character{}, port.ErrNotPresent
	}
	return domain.Character{ID: "char-" + string(p), Persona: p}, nil
}

func (w *mockWorld) Deliver(ctx context.Context, to domain.Character, product domain.Product, qty int) (string, error) {
	w.mu.Lock()
	if w.failDeliver != nil {
		w.mu.Unlock()
		return "", w.failDeliver
	}
	w.seq++
	ref := fmt.Sprintf("item-%d", w.seq)
	w.delivered[ref] = to.Persona
	hook := w.onDeliver
	w.onDeliver = nil
	w.mu.Unlock()

	if hook != nil {
		hook()
	}
	return ref, nil
}

func (w *mockWorld) Destroy(ctx context.Context, to domain.Character, ref string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.delivered, ref)
	return nil
}

func (w *mockWorld) deliveredTo(p domain.PersonaID) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, owner := range w.delivered {
		if owner == p {
			n++
		}
	}
	return n
}

// Mock InventoryCustodian
type mockCustodian struct {
	mu     sync.Mutex
	stalls []string
}

func (c *mockCustodian) TransferToCustody(ctx context.Context, s domain.Stall) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stalls = append(c.stalls, s.ID)
	return 0, nil
}

func (c *mockCustodian) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stalls)
}

// Mock OwnerNotifier
type notice struct {
	Owner    domain.PersonaID
	Message  string
	Severity domain.Severity
}

type mockNotifier struct {
	mu      sync.Mutex
	notices []notice
}

func (n *mockNotifier) Notify(ctx context.Context, owner domain.PersonaID, msg string, severity domain.Severity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice{Owner: owner, Message: msg, Severity: severity})
}

func (n *mockNotifier) all() []notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notice(nil), n.notices...)
}

// Mock StallPublisher
type mockPublisher struct {
	mu      sync.Mutex
	stalls  []string
	sellers []string
}

func (p *mockPublisher) PublishStall(ctx context.Context, stallID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stalls = append(p.stalls, stallID)
}

func (p *mockPublisher) PublishSellers(ctx context.Context, stallID, except string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sellers = append(p.sellers, stallID)
}

// Mock IdempotencyStore
type mockIdempotency struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newMockIdempotency() *mockIdempotency {
	return &mockIdempotency{keys: make(map[string]bool)}
}

func (m *mockIdempotency) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[key] {
		return false, nil
	}
	m.keys[key] = true
	return true, nil
}

func (m *mockIdempotency) ClearIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

// recorder collects what a session callback received.
type recorder struct {
	mu        sync.Mutex
	snapshots []domain.Snapshot
	results   []domain.Result
}

func (r *recorder) callbacks() SessionCallbacks {
	return SessionCallbacks{
		OnSnapshot: func(s domain.Snapshot) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.snapshots = append(r.snapshots, s)
			return nil
		},
		OnResult: func(res domain.Result) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.results = append(r.results, res)
			return nil
		},
	}
}

func (r *recorder) snapshotCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

func (r *recorder) lastSnapshot() domain.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshots[len(r.snapshots)-1]
}

func (r *recorder) lastResult() domain.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[len(r.results)-1]
}

func ownedStall(id string, owner domain.PersonaID) domain.Stall {
	return domain.Stall{
		ID:           id,
		AreaKey:      "market-square",
		Tag:          "east",
		SettlementID: "settlement-1",
		Owner:        owner,
		OwnerName:    string(owner),
		Name:         "Stall " + id,
		DailyRent:    100,
		LeaseStart:   testNow.Add(-24 * time.Hour),
		NextRentDue:  testNow,
		Active:       true,
	}
}

func vacantStall(id string) domain.Stall {
	return domain.Stall{
		ID:           id,
		AreaKey:      "market-square",
		Tag:          "west",
		SettlementID: "settlement-1",
		Name:         "Stall " + id,
		DailyRent:    100,
	}
}
