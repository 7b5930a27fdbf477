package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/stall-market/internal/core/domain"
	"github.com/rl1809/stall-market/internal/port"
)

// StallPublisher pushes fresh snapshots to the sessions watching a stall.
type StallPublisher interface {
	PublishStall(ctx context.Context, stallID string)
	PublishSellers(ctx context.Context, stallID, exceptSessionID string)
}

type CoordinatorDeps struct {
	Repo      port.StallRepository
	Wallet    port.Wallet
	Accounts  port.AccountDirectory
	Presence  port.Presence
	Delivery  port.ItemDelivery
	Custodian port.InventoryCustodian
	// Idempotency is optional; without it request ids are ignored.
	Idempotency port.IdempotencyStore
	Clock       port.Clock
	Logger      *log.Logger
}

type CoordinatorConfig struct {
	GracePeriod  time.Duration
	RentInterval time.Duration
	MaxPrice     int64
}

// PurchaseCoordinator owns the buyer and seller session registries and runs
// every stock, price and escrow change a session asks for.
type PurchaseCoordinator struct {
	deps     CoordinatorDeps
	cfg      CoordinatorConfig
	sessions *sessionRegistry
	releaser stallReleaser
}

func NewPurchaseCoordinator(deps CoordinatorDeps, cfg CoordinatorConfig) *PurchaseCoordinator {
	if deps.Clock == nil {
		deps.Clock = port.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	return &PurchaseCoordinator{
		deps:     deps,
		cfg:      cfg,
		sessions: newSessionRegistry(),
		releaser: stallReleaser{
			repo:      deps.Repo,
			custodian: deps.Custodian,
			wallet:    deps.Wallet,
			clock:     deps.Clock,
			logger:    deps.Logger,
		},
	}
}

type PurchaseRequest struct {
	SessionID string
	StallID   string
	Buyer     domain.PersonaID
	ProductID string
	Quantity  int
	// RequestID de-duplicates client retries when an idempotency store is set.
	RequestID string
}

type PriceUpdateRequest struct {
	SessionID string
	StallID   string
	Persona   domain.PersonaID
	ProductID string
	Price     int64
	// SkipOrigin leaves the triggering session out of the snapshot broadcast.
	// It gets the result acknowledgement either way.
	SkipOrigin bool
}

type FundingRequest struct {
	SessionID   string
	StallID     string
	Persona     domain.PersonaID
	UseExternal bool
}

type ListingRequest struct {
	SessionID string
	StallID   string
	Persona   domain.PersonaID
	Name      string
	ItemData  []byte
	Price     int64
	Quantity  int
	Consignor domain.PersonaID
}

func (c *PurchaseCoordinator) RegisterBuyer(ctx context.Context, stallID string, persona domain.PersonaID, cb SessionCallbacks) (domain.Session, error) {
	stall, products, err := c.load(ctx, stallID)
	if err != nil {
		return domain.Session{}, err
	}
	sub := c.newSubscriber(domain.SessionBuyer, stallID, persona, cb)
	c.sessions.add(sub)
	c.deliverSnapshot(sub, domain.BuyerSnapshot(*stall, products, c.deps.Clock.Now()))
	return sub.session, nil
}

// RegisterSeller opens a management session. Only the owner and members
// with inventory rights may hold one.
func (c *PurchaseCoordinator) RegisterSeller(ctx context.Context, stallID string, persona domain.PersonaID, cb SessionCallbacks) (domain.Session, error) {
	stall, products, err := c.load(ctx, stallID)
	if err != nil {
		return domain.Session{}, err
	}
	if !domain.NewStallAggregate(*stall, products).CanManage(persona) {
		return domain.Session{}, fmt.Errorf("register seller on %s: %w", stallID, domain.ErrUnauthorized)
	}
	sub := c.newSubscriber(domain.SessionSeller, stallID, persona, cb)
	c.sessions.add(sub)
	c.deliverSnapshot(sub, c.sellerSnapshot(*stall, products))
	return sub.session, nil
}

func (c *PurchaseCoordinator) Unregister(sessionID string) bool {
	_, ok := c.sessions.remove(sessionID)
	return ok
}

func (c *PurchaseCoordinator) SessionCount(kind domain.SessionKind, stallID string) int {
	return c.sessions.count(kind, stallID)
}

// Purchase buys one unit of a product. Once the buyer has been charged the
// remaining steps run to completion or are compensated, even if ctx ends.
func (c *PurchaseCoordinator) Purchase(ctx context.Context, req PurchaseRequest) (domain.Sale, error) {
	ctx, span := tracer.Start(ctx, "PurchaseCoordinator.Purchase", trace.WithAttributes(
		attribute.String("stall.id", req.StallID),
		attribute.String("product.id", req.ProductID),
	))
	defer span.End()

	sub, err := c.session(req.SessionID, domain.SessionBuyer, req.StallID, req.Buyer)
	if err != nil {
		return domain.Sale{}, err
	}

	sale, err := c.purchase(ctx, req)
	if err != nil {
		span.RecordError(err)
		c.deliverResult(sub, domain.Result{Operation: "purchase", Message: UserMessage(err), ProductID: req.ProductID})
		return domain.Sale{}, err
	}

	c.deliverResult(sub, domain.Result{Operation: "purchase", OK: true, Message: "Purchase complete.", ProductID: req.ProductID})
	publishCtx := context.WithoutCancel(ctx)
	if stall, products, err := c.load(publishCtx, req.StallID); err == nil {
		c.deliverSnapshot(sub, domain.BuyerSnapshot(*stall, products, c.deps.Clock.Now()))
		c.publishSellers(*stall, products, "")
	} else {
		c.deps.Logger.Printf("coordinator: reload stall %s after sale %s: %v", req.StallID, sale.ID, err)
	}
	return sale, nil
}

func (c *PurchaseCoordinator) purchase(ctx context.Context, req PurchaseRequest) (sale domain.Sale, err error) {
	if req.Quantity != 1 {
		return domain.Sale{}, fmt.Errorf("%w: %d", ErrBulkPurchase, req.Quantity)
	}

	character, err := c.deps.Presence.Locate(ctx, req.Buyer)
	if err != nil {
		return domain.Sale{}, fmt.Errorf("locate buyer %s: %w", req.Buyer, err)
	}

	if req.RequestID != "" && c.deps.Idempotency != nil {
		key := fmt.Sprintf("purchase:%s:%s", req.Buyer, req.RequestID)
		ok, setErr := c.deps.Idempotency.SetIdempotency(ctx, key)
		if setErr != nil {
			return domain.Sale{}, fmt.Errorf("idempotency check failed: %w", setErr)
		}
		if !ok {
			return domain.Sale{}, ErrDuplicateRequest
		}
		defer func() {
			if err == nil {
				return
			}
			if clearErr := c.deps.Idempotency.ClearIdempotency(context.WithoutCancel(ctx), key); clearErr != nil {
				c.deps.Logger.Printf("coordinator: clear idempotency key %s: %v", key, clearErr)
			}
		}()
	}

	return c.capture(ctx, req, character)
}

func (c *PurchaseCoordinator) capture(ctx context.Context, req PurchaseRequest, character domain.Character) (domain.Sale, error) {
	stall, products, err := c.load(ctx, req.StallID)
	if err != nil {
		return domain.Sale{}, err
	}
	if !stall.Open() {
		return domain.Sale{}, fmt.Errorf("%w: %s", ErrStallClosed, stall.ID)
	}
	product, ok := productByID(products, req.ProductID)
	if !ok || !product.Active {
		return domain.Sale{}, fmt.Errorf("%w: %s", domain.ErrProductNotFound, req.ProductID)
	}
	if !product.Available(req.Quantity) {
		return domain.Sale{}, fmt.Errorf("product %s: %w", product.ID, domain.ErrInsufficientStock)
	}

	sale := domain.Sale{
		ID:        uuid.NewString(),
		StallID:   stall.ID,
		ProductID: product.ID,
		Buyer:     req.Buyer,
		Quantity:  req.Quantity,
		UnitPrice: product.Price,
		CreatedAt: c.deps.Clock.Now(),
	}
	total := sale.Total()

	if total > 0 {
		if err := c.deps.Wallet.Debit(ctx, req.Buyer, total); err != nil {
			return domain.Sale{}, fmt.Errorf("charge buyer %s: %w", req.Buyer, err)
		}
	}

	// Money has moved: compensation below must not be cut short.
	ctx = context.WithoutCancel(ctx)

	itemRef, err := c.deps.Delivery.Deliver(ctx, character, product, req.Quantity)
	if err != nil {
		err = fmt.Errorf("deliver product %s: %w", product.ID, err)
		return domain.Sale{}, c.compensate(ctx, sale, character, "", err)
	}
	sale.ItemRef = itemRef

	if err := c.deps.Repo.CompletePurchase(ctx, sale); err != nil {
		if errors.Is(err, domain.ErrInsufficientStock) || errors.Is(err, domain.ErrConflict) {
			err = fmt.Errorf("%w: %w", ErrSoldToAnotherBuyer, err)
		} else {
			err = fmt.Errorf("complete purchase: %w", err)
		}
		return domain.Sale{}, c.compensate(ctx, sale, character, itemRef, err)
	}

	c.deps.Logger.Printf("coordinator: sale %s of product %s on stall %s to %s for %d",
		sale.ID, sale.ProductID, sale.StallID, sale.Buyer, total)
	return sale, nil
}

// compensate refunds the buyer and takes back a delivered item. Failures are
// joined onto cause so nothing is swallowed.
func (c *PurchaseCoordinator) compensate(ctx context.Context, sale domain.Sale, character domain.Character, itemRef string, cause error) error {
	var rollbackErr error
	if itemRef != "" {
		if err := c.deps.Delivery.Destroy(ctx, character, itemRef); err != nil {
			c.deps.Logger.Printf("coordinator: CRITICAL destroy item %s for sale %s failed: %v", itemRef, sale.ID, err)
			rollbackErr = errors.Join(rollbackErr, err)
		}
	}
	if total := sale.Total(); total > 0 {
		if err := c.deps.Wallet.Credit(ctx, sale.Buyer, total); err != nil {
			c.deps.Logger.Printf("coordinator: CRITICAL refund of %d to %s for sale %s failed: %v", total, sale.Buyer, sale.ID, err)
			rollbackErr = errors.Join(rollbackErr, err)
		} else {
			c.deps.Logger.Printf("coordinator: refunded %d to %s for sale %s", total, sale.Buyer, sale.ID)
		}
	}
	if rollbackErr != nil {
		return fmt.Errorf("%w (rollback: %w)", cause, rollbackErr)
	}
	return cause
}

func (c *PurchaseCoordinator) UpdatePrice(ctx context.Context, req PriceUpdateRequest) error {
	sub, err := c.session(req.SessionID, domain.SessionSeller, req.StallID, req.Persona)
	if err != nil {
		return err
	}

	err = c.updatePrice(ctx, req)
	if err != nil {
		c.deliverResult(sub, domain.Result{Operation: "price", Message: UserMessage(err), ProductID: req.ProductID})
		return err
	}

	stall, products, err := c.load(context.WithoutCancel(ctx), req.StallID)
	if err != nil {
		c.deps.Logger.Printf("coordinator: reload stall %s after price change: %v", req.StallID, err)
	} else {
		except := ""
		if req.SkipOrigin {
			except = sub.session.ID
		}
		c.publishSellers(*stall, products, except)
	}
	c.deliverResult(sub, domain.Result{Operation: "price", OK: true, Message: "Price updated.", ProductID: req.ProductID})
	return nil
}

func (c *PurchaseCoordinator) updatePrice(ctx context.Context, req PriceUpdateRequest) error {
	stall, products, err := c.load(ctx, req.StallID)
	if err != nil {
		return err
	}
	change, err := domain.NewStallAggregate(*stall, products).
		WithMaxPrice(c.cfg.MaxPrice).
		TryUpdateProductPrice(req.Persona, req.ProductID, req.Price)
	if err != nil {
		return err
	}
	if err := c.deps.Repo.UpdateProductPrice(ctx, change); err != nil {
		return fmt.Errorf("update price of %s: %w", req.ProductID, err)
	}
	return nil
}

// SetRentFunding switches where rent is drawn from. Switching to an external
// account requires one to exist for the owner and the stall's settlement.
func (c *PurchaseCoordinator) SetRentFunding(ctx context.Context, req FundingRequest) error {
	sub, err := c.session(req.SessionID, domain.SessionSeller, req.StallID, req.Persona)
	if err != nil {
		return err
	}
	stall, err := c.setRentFunding(ctx, req)
	if err != nil {
		c.deliverResult(sub, domain.Result{Operation: "funding", Message: UserMessage(err)})
		return err
	}
	if products, err := c.deps.Repo.ProductsForStall(context.WithoutCancel(ctx), stall.ID); err == nil {
		c.publishSellers(*stall, products, "")
	}
	msg := "Rent will be paid from stall earnings."
	if req.UseExternal {
		msg = "Rent will be paid from your account."
	}
	c.deliverResult(sub, domain.Result{Operation: "funding", OK: true, Message: msg})
	return nil
}

func (c *PurchaseCoordinator) setRentFunding(ctx context.Context, req FundingRequest) (*domain.Stall, error) {
	stall, err := c.deps.Repo.GetStall(ctx, req.StallID)
	if err != nil {
		return nil, fmt.Errorf("get stall %s: %w", req.StallID, err)
	}
	account := ""
	if req.UseExternal {
		if stall.SettlementID == "" {
			return nil, fmt.Errorf("stall %s has no settlement: %w", stall.ID, port.ErrAccountNotFound)
		}
		account, err = c.deps.Accounts.FindAccount(ctx, req.Persona, stall.SettlementID)
		if err != nil {
			return nil, fmt.Errorf("find account for %s: %w", req.Persona, err)
		}
	}
	intent, err := domain.NewStallAggregate(*stall, nil).TrySetFundingSource(req.Persona, account)
	if err != nil {
		return nil, err
	}
	return c.deps.Repo.UpdateStall(ctx, stall.ID, stall.Version, intent)
}

// ListProduct adds a listing and shows it to buyers and sellers alike.
func (c *PurchaseCoordinator) ListProduct(ctx context.Context, req ListingRequest) (domain.Product, error) {
	sub, err := c.session(req.SessionID, domain.SessionSeller, req.StallID, req.Persona)
	if err != nil {
		return domain.Product{}, err
	}
	stall, products, err := c.load(ctx, req.StallID)
	if err != nil {
		return domain.Product{}, err
	}
	product, err := domain.NewStallAggregate(*stall, products).
		WithMaxPrice(c.cfg.MaxPrice).
		CreateProduct(req.Persona, domain.ProductInput{
			ID:        uuid.NewString(),
			Name:      req.Name,
			ItemData:  req.ItemData,
			Price:     req.Price,
			Quantity:  req.Quantity,
			Consignor: req.Consignor,
			Now:       c.deps.Clock.Now(),
		})
	if err == nil {
		err = c.deps.Repo.CreateProduct(ctx, product)
	}
	if err != nil {
		c.deliverResult(sub, domain.Result{Operation: "list", Message: UserMessage(err)})
		return domain.Product{}, err
	}
	c.deliverResult(sub, domain.Result{Operation: "list", OK: true, Message: "Item listed.", ProductID: product.ID})
	c.PublishStall(context.WithoutCancel(ctx), stall.ID)
	return product, nil
}

// DelistProduct removes a listing and returns its stock to the consignor.
func (c *PurchaseCoordinator) DelistProduct(ctx context.Context, sessionID, stallID string, persona domain.PersonaID, productID string) error {
	sub, err := c.session(sessionID, domain.SessionSeller, stallID, persona)
	if err != nil {
		return err
	}
	err = c.delist(ctx, stallID, persona, productID)
	if err != nil {
		c.deliverResult(sub, domain.Result{Operation: "delist", Message: UserMessage(err), ProductID: productID})
		return err
	}
	c.deliverResult(sub, domain.Result{Operation: "delist", OK: true, Message: "Item removed.", ProductID: productID})
	c.PublishStall(context.WithoutCancel(ctx), stallID)
	return nil
}

func (c *PurchaseCoordinator) delist(ctx context.Context, stallID string, persona domain.PersonaID, productID string) error {
	stall, products, err := c.load(ctx, stallID)
	if err != nil {
		return err
	}
	removal, err := domain.NewStallAggregate(*stall, products).TryRemoveProduct(persona, productID)
	if err != nil {
		return err
	}
	product, _ := productByID(products, productID)
	recipient := domain.Character{Persona: removal.ReturnTo}

	itemRef := ""
	if removal.Quantity > 0 {
		itemRef, err = c.deps.Delivery.Deliver(ctx, recipient, product, removal.Quantity)
		if err != nil {
			return fmt.Errorf("return stock of %s: %w", productID, err)
		}
	}
	if err := c.deps.Repo.RemoveProduct(ctx, removal); err != nil {
		if itemRef != "" {
			if destroyErr := c.deps.Delivery.Destroy(context.WithoutCancel(ctx), recipient, itemRef); destroyErr != nil {
				c.deps.Logger.Printf("coordinator: CRITICAL take back returned stock %s: %v", itemRef, destroyErr)
				return fmt.Errorf("remove product %s: %w", productID, errors.Join(err, destroyErr))
			}
		}
		return fmt.Errorf("remove product %s: %w", productID, err)
	}
	return nil
}

// Release ends the caller's lease voluntarily.
func (c *PurchaseCoordinator) Release(ctx context.Context, sessionID, stallID string, persona domain.PersonaID) error {
	sub, err := c.session(sessionID, domain.SessionSeller, stallID, persona)
	if err != nil {
		return err
	}
	stall, err := c.deps.Repo.GetStall(ctx, stallID)
	if err == nil {
		var intent domain.ReleaseStall
		intent, err = domain.NewStallAggregate(*stall, nil).TryRelease(persona, c.deps.Clock.Now(), c.cfg.RentInterval)
		if err == nil {
			_, err = c.releaser.release(ctx, *stall, intent)
		}
	}
	if err != nil {
		c.deliverResult(sub, domain.Result{Operation: "release", Message: UserMessage(err)})
		return err
	}
	c.deliverResult(sub, domain.Result{Operation: "release", OK: true, Message: "You no longer lease this stall."})
	c.PublishStall(context.WithoutCancel(ctx), stallID)
	return nil
}

// PublishStall pushes fresh snapshots to every buyer and seller session.
func (c *PurchaseCoordinator) PublishStall(ctx context.Context, stallID string) {
	stall, products, err := c.load(ctx, stallID)
	if err != nil {
		c.deps.Logger.Printf("coordinator: publish stall %s: %v", stallID, err)
		return
	}
	snap := domain.BuyerSnapshot(*stall, products, c.deps.Clock.Now())
	for _, sub := range c.sessions.list(domain.SessionBuyer, stallID) {
		c.deliverSnapshot(sub, snap)
	}
	c.publishSellers(*stall, products, "")
}

func (c *PurchaseCoordinator) PublishSellers(ctx context.Context, stallID, exceptSessionID string) {
	stall, products, err := c.load(ctx, stallID)
	if err != nil {
		c.deps.Logger.Printf("coordinator: publish sellers of %s: %v", stallID, err)
		return
	}
	c.publishSellers(*stall, products, exceptSessionID)
}

func (c *PurchaseCoordinator) publishSellers(stall domain.Stall, products []domain.Product, exceptSessionID string) {
	snap := c.sellerSnapshot(stall, products)
	for _, sub := range c.sessions.list(domain.SessionSeller, stall.ID) {
		if sub.session.ID == exceptSessionID {
			continue
		}
		c.deliverSnapshot(sub, snap)
	}
}

func (c *PurchaseCoordinator) sellerSnapshot(stall domain.Stall, products []domain.Product) domain.Snapshot {
	return domain.SellerSnapshot(stall, products, c.deps.Clock.Now(), c.cfg.GracePeriod)
}

// deliverSnapshot isolates one callback: an error or panic is logged and
// never reaches the other subscribers.
func (c *PurchaseCoordinator) deliverSnapshot(sub *subscriber, snap domain.Snapshot) {
	if sub.callbacks.OnSnapshot == nil {
		return
	}
	defer c.recoverCallback(sub, "snapshot")
	if err := sub.callbacks.OnSnapshot(snap); err != nil {
		c.deps.Logger.Printf("coordinator: snapshot to session %s failed: %v", sub.session.ID, err)
	}
}

func (c *PurchaseCoordinator) deliverResult(sub *subscriber, res domain.Result) {
	if sub.callbacks.OnResult == nil {
		return
	}
	defer c.recoverCallback(sub, "result")
	if err := sub.callbacks.OnResult(res); err != nil {
		c.deps.Logger.Printf("coordinator: result to session %s failed: %v", sub.session.ID, err)
	}
}

func (c *PurchaseCoordinator) recoverCallback(sub *subscriber, kind string) {
	if r := recover(); r != nil {
		c.deps.Logger.Printf("coordinator: %s callback of session %s panicked: %v", kind, sub.session.ID, r)
	}
}

func (c *PurchaseCoordinator) newSubscriber(kind domain.SessionKind, stallID string, persona domain.PersonaID, cb SessionCallbacks) *subscriber {
	return &subscriber{
		session: domain.Session{
			ID:       uuid.NewString(),
			Kind:     kind,
			StallID:  stallID,
			Persona:  persona,
			OpenedAt: c.deps.Clock.Now(),
		},
		callbacks: cb,
	}
}

func (c *PurchaseCoordinator) session(sessionID string, kind domain.SessionKind, stallID string, persona domain.PersonaID) (*subscriber, error) {
	sub, ok := c.sessions.get(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s := sub.session
	if s.Kind != kind || s.StallID != stallID || s.Persona != persona {
		return nil, fmt.Errorf("%w: session %s", ErrSessionMismatch, sessionID)
	}
	return sub, nil
}

func (c *PurchaseCoordinator) load(ctx context.Context, stallID string) (*domain.Stall, []domain.Product, error) {
	stall, err := c.deps.Repo.GetStall(ctx, stallID)
	if err != nil {
		return nil, nil, fmt.Errorf("get stall %s: %w", stallID, err)
	}
	products, err := c.deps.Repo.ProductsForStall(ctx, stallID)
	if err != nil {
		return nil, nil, fmt.Errorf("products for stall %s: %w", stallID, err)
	}
	return stall, products, nil
}

func productByID(products []domain.Product, id string) (domain.Product, bool) {
	for _, p := range products {
		if p.ID == id {
			return p, true
		}
	}
	return domain.Product{}, false
}
