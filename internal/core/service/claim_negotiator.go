package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/stall-market/internal/core/domain"
	"github.com/rl1809/stall-market/internal/port"
)

type ClaimDeps struct {
	Repo      port.StallRepository
	Wallet    port.Wallet
	Gateway   port.PaymentGateway
	Accounts  port.AccountDirectory
	Notifier  port.OwnerNotifier
	Publisher StallPublisher
	Clock     port.Clock
	Logger    *log.Logger
}

type ClaimConfig struct {
	Timeout      time.Duration
	RentInterval time.Duration
}

// ClaimWindow is the claimant's negotiation view. OnClose forces it shut when
// the negotiation expires or is aborted by the negotiator.
type ClaimWindow struct {
	OnClose func(message string)
}

type BeginClaim struct {
	Persona     domain.PersonaID
	PersonaName string
	StallID     string
}

type negotiation struct {
	claim  domain.PendingClaim
	name   string
	window ClaimWindow
	timer  *time.Timer
	armed  int
}

// ClaimNegotiator runs the interactive lease workflow, at most one
// negotiation per persona. Pending negotiations live only in memory.
type ClaimNegotiator struct {
	deps ClaimDeps
	cfg  ClaimConfig

	mu      sync.Mutex
	pending map[domain.PersonaID]*negotiation
}

func NewClaimNegotiator(deps ClaimDeps, cfg ClaimConfig) *ClaimNegotiator {
	if deps.Clock == nil {
		deps.Clock = port.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	return &ClaimNegotiator{
		deps:    deps,
		cfg:     cfg,
		pending: make(map[domain.PersonaID]*negotiation),
	}
}

// Begin builds the payment options for a vacant stall and opens the
// negotiation window. A persona's earlier negotiation is replaced.
func (n *ClaimNegotiator) Begin(ctx context.Context, req BeginClaim, window ClaimWindow) (domain.ClaimOffer, error) {
	stall, err := n.deps.Repo.GetStall(ctx, req.StallID)
	if err != nil {
		return domain.ClaimOffer{}, fmt.Errorf("get stall %s: %w", req.StallID, err)
	}
	if stall.Claimed() {
		return domain.ClaimOffer{}, fmt.Errorf("%w: stall %s", domain.ErrAlreadyOwned, stall.ID)
	}

	price := stall.RentAmount()
	direct, err := n.directOption(ctx, req.Persona, price)
	if err != nil {
		return domain.ClaimOffer{}, err
	}
	external, account := n.externalOption(ctx, req.Persona, *stall)
	if !direct.Enabled && !external.Enabled {
		return domain.ClaimOffer{}, fmt.Errorf("%w: stall %s", ErrNoPaymentOption, stall.ID)
	}

	now := n.deps.Clock.Now()
	neg := &negotiation{
		claim: domain.PendingClaim{
			Token:      uuid.NewString(),
			Persona:    req.Persona,
			StallID:    stall.ID,
			StallName:  stall.Name,
			AreaKey:    stall.AreaKey,
			Tag:        stall.Tag,
			Price:      price,
			Direct:     direct,
			External:   external,
			AccountRef: account,
			CreatedAt:  now,
			ExpiresAt:  now.Add(n.cfg.Timeout),
		},
		name:   req.PersonaName,
		window: window,
	}

	n.mu.Lock()
	if prev, ok := n.pending[req.Persona]; ok {
		prev.timer.Stop()
	}
	n.arm(neg, n.cfg.Timeout)
	n.pending[req.Persona] = neg
	n.mu.Unlock()

	return neg.claim.Offer(), nil
}

func (n *ClaimNegotiator) directOption(ctx context.Context, persona domain.PersonaID, price int64) (domain.PaymentOption, error) {
	opt := domain.PaymentOption{Method: domain.PaymentDirect}
	balance, err := n.deps.Wallet.Balance(ctx, persona)
	if err != nil {
		return opt, fmt.Errorf("read balance of %s: %w", persona, err)
	}
	opt.Enabled = balance >= price
	if !opt.Enabled {
		opt.Reason = UserMessage(port.ErrInsufficientFunds)
	}
	return opt, nil
}

func (n *ClaimNegotiator) externalOption(ctx context.Context, persona domain.PersonaID, stall domain.Stall) (domain.PaymentOption, string) {
	opt := domain.PaymentOption{Method: domain.PaymentExternalAccount}
	if stall.SettlementID == "" || n.deps.Accounts == nil || n.deps.Gateway == nil {
		opt.Reason = "This stall is not linked to a settlement account."
		return opt, ""
	}
	account, err := n.deps.Accounts.FindAccount(ctx, persona, stall.SettlementID)
	if err != nil {
		if !errors.Is(err, port.ErrAccountNotFound) {
			n.deps.Logger.Printf("claim: find account of %s with %s: %v", persona, stall.SettlementID, err)
		}
		opt.Reason = UserMessage(port.ErrAccountNotFound)
		return opt, ""
	}
	opt.Enabled = true
	return opt, account
}

// arm starts the expiry timer for neg. Callers hold n.mu.
func (n *ClaimNegotiator) arm(neg *negotiation, after time.Duration) {
	neg.armed++
	persona, token, armed := neg.claim.Persona, neg.claim.Token, neg.armed
	neg.timer = time.AfterFunc(after, func() {
		n.expire(persona, token, armed)
	})
}

func (n *ClaimNegotiator) expire(persona domain.PersonaID, token string, armed int) {
	n.mu.Lock()
	neg, ok := n.pending[persona]
	if !ok || neg.claim.Token != token || neg.armed != armed {
		n.mu.Unlock()
		return
	}
	delete(n.pending, persona)
	n.mu.Unlock()

	n.deps.Logger.Printf("claim: negotiation of %s for stall %s expired", persona, neg.claim.StallID)
	n.close(neg, UserMessage(ErrNegotiationExpired))
}

// Cancel ends the persona's negotiation at the claimant's request.
func (n *ClaimNegotiator) Cancel(persona domain.PersonaID) bool {
	_, ok := n.take(persona)
	return ok
}

// WindowClosed ends the negotiation because the claimant closed the window.
func (n *ClaimNegotiator) WindowClosed(persona domain.PersonaID) bool {
	_, ok := n.take(persona)
	return ok
}

func (n *ClaimNegotiator) Pending(persona domain.PersonaID) (domain.PendingClaim, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	neg, ok := n.pending[persona]
	if !ok {
		return domain.PendingClaim{}, false
	}
	return neg.claim, true
}

func (n *ClaimNegotiator) take(persona domain.PersonaID) (*negotiation, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	neg, ok := n.pending[persona]
	if !ok {
		return nil, false
	}
	neg.timer.Stop()
	delete(n.pending, persona)
	return neg, true
}

// represent puts a negotiation back after a failed attempt so the claimant
// can retry, unless it has expired or was replaced meanwhile.
func (n *ClaimNegotiator) represent(neg *negotiation) bool {
	now := n.deps.Clock.Now()
	if neg.claim.Expired(now) {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.pending[neg.claim.Persona]; ok {
		return false
	}
	n.arm(neg, neg.claim.ExpiresAt.Sub(now))
	n.pending[neg.claim.Persona] = neg
	return true
}

func (n *ClaimNegotiator) close(neg *negotiation, message string) {
	if neg.window.OnClose == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			n.deps.Logger.Printf("claim: close callback for %s panicked: %v", neg.claim.Persona, r)
		}
	}()
	neg.window.OnClose(message)
}

// abort ends the negotiation for good and closes the claimant's window.
func (n *ClaimNegotiator) abort(neg *negotiation, err error) error {
	n.close(neg, UserMessage(err))
	return err
}

// retry keeps the negotiation open after a payment or commit failure.
func (n *ClaimNegotiator) retry(neg *negotiation, err error) error {
	if !n.represent(neg) {
		n.close(neg, UserMessage(err))
	}
	return err
}

// Select pays for the stall with method and commits the lease.
func (n *ClaimNegotiator) Select(ctx context.Context, persona domain.PersonaID, method domain.PaymentMethod) (*domain.Stall, error) {
	ctx, span := tracer.Start(ctx, "ClaimNegotiator.Select", trace.WithAttributes(
		attribute.String("payment.method", string(method)),
	))
	defer span.End()

	neg, ok := n.take(persona)
	if !ok {
		return nil, ErrNegotiationNotFound
	}
	claim := neg.claim
	if claim.Expired(n.deps.Clock.Now()) {
		return nil, n.abort(neg, ErrNegotiationExpired)
	}

	stall, err := n.deps.Repo.GetStall(ctx, claim.StallID)
	if err != nil {
		return nil, n.abort(neg, fmt.Errorf("get stall %s: %w", claim.StallID, err))
	}
	if stall.AreaKey != claim.AreaKey || stall.Tag != claim.Tag {
		return nil, n.abort(neg, fmt.Errorf("%w: stall %s", ErrStallChanged, stall.ID))
	}
	if stall.Claimed() {
		return nil, n.abort(neg, fmt.Errorf("%w: stall %s", domain.ErrAlreadyOwned, stall.ID))
	}
	opt, ok := claim.Option(method)
	if !ok || !opt.Enabled {
		return nil, n.abort(neg, fmt.Errorf("%w: %s", ErrPaymentOptionDisabled, method))
	}

	if err := n.capture(ctx, claim, method, *stall); err != nil {
		span.RecordError(err)
		return nil, n.retry(neg, err)
	}

	// Payment is captured: commit or roll back regardless of ctx.
	ctx = context.WithoutCancel(ctx)

	updated, err := n.commit(ctx, neg, method, *stall)
	if err != nil {
		span.RecordError(err)
		err = n.rollback(ctx, claim, method, err)
		if errors.Is(err, domain.ErrAlreadyOwned) {
			return nil, n.abort(neg, err)
		}
		return nil, n.retry(neg, err)
	}

	n.record(ctx, claim, method, *updated)
	if n.deps.Notifier != nil {
		n.deps.Notifier.Notify(ctx, persona, fmt.Sprintf("You now lease %s. Rent of %d is next due %s.",
			updated.Name, updated.RentAmount(), updated.NextRentDue.Format(time.RFC1123)), domain.SeverityInfo)
	}
	if n.deps.Publisher != nil {
		n.deps.Publisher.PublishStall(ctx, updated.ID)
	}
	n.deps.Logger.Printf("claim: %s claimed stall %s via %s for %d", persona, updated.ID, method, claim.Price)
	return updated, nil
}

func (n *ClaimNegotiator) capture(ctx context.Context, claim domain.PendingClaim, method domain.PaymentMethod, stall domain.Stall) error {
	if claim.Price == 0 {
		return nil
	}
	switch method {
	case domain.PaymentDirect:
		balance, err := n.deps.Wallet.Balance(ctx, claim.Persona)
		if err != nil {
			return fmt.Errorf("read balance of %s: %w", claim.Persona, err)
		}
		if balance < claim.Price {
			return fmt.Errorf("claim stall %s: %w", stall.ID, port.ErrInsufficientFunds)
		}
		if err := n.deps.Wallet.Debit(ctx, claim.Persona, claim.Price); err != nil {
			return fmt.Errorf("debit %s: %w", claim.Persona, err)
		}
		return nil
	case domain.PaymentExternalAccount:
		reason := port.TruncateReason(fmt.Sprintf("Lease of market stall %q (%s) in %s",
			stall.Name, stall.ID, stall.AreaKey))
		if err := n.deps.Gateway.Withdraw(ctx, claim.Persona, claim.AccountRef, claim.Price, reason); err != nil {
			return fmt.Errorf("withdraw from %s: %w", claim.AccountRef, err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrPaymentOptionDisabled, method)
}

func (n *ClaimNegotiator) commit(ctx context.Context, neg *negotiation, method domain.PaymentMethod, stall domain.Stall) (*domain.Stall, error) {
	account := ""
	if method == domain.PaymentExternalAccount {
		account = neg.claim.AccountRef
	}
	intent, err := domain.NewStallAggregate(stall, nil).TryClaim(domain.ClaimInput{
		Claimant:     neg.claim.Persona,
		ClaimantName: neg.name,
		AreaKey:      neg.claim.AreaKey,
		Tag:          neg.claim.Tag,
		AccountRef:   account,
		Now:          n.deps.Clock.Now(),
		RentInterval: n.cfg.RentInterval,
	})
	if err != nil {
		return nil, err
	}
	updated, err := n.deps.Repo.UpdateStall(ctx, stall.ID, stall.Version, intent)
	if err != nil {
		return nil, fmt.Errorf("save claim of stall %s: %w", stall.ID, err)
	}
	return updated, nil
}

// rollback undoes a direct payment. An external withdrawal is not refunded
// here; the claimant is told explicitly.
func (n *ClaimNegotiator) rollback(ctx context.Context, claim domain.PendingClaim, method domain.PaymentMethod, cause error) error {
	if claim.Price == 0 {
		return cause
	}
	if method == domain.PaymentExternalAccount {
		n.deps.Logger.Printf("claim: external withdrawal of %d from %s kept after failed claim of stall %s: %v",
			claim.Price, claim.AccountRef, claim.StallID, cause)
		return fmt.Errorf("%w: %w", ErrChargedNotCommitted, cause)
	}
	if err := n.deps.Wallet.Credit(ctx, claim.Persona, claim.Price); err != nil {
		n.deps.Logger.Printf("claim: CRITICAL refund of %d to %s failed: %v", claim.Price, claim.Persona, err)
		return fmt.Errorf("%w (refund: %w)", cause, err)
	}
	return cause
}

func (n *ClaimNegotiator) record(ctx context.Context, claim domain.PendingClaim, method domain.PaymentMethod, stall domain.Stall) {
	if claim.Price == 0 {
		return
	}
	source := domain.SourceDirect
	if method == domain.PaymentExternalAccount {
		source = domain.SourceExternalAccount
	}
	entry := domain.LedgerEntry{
		ID:        uuid.NewString(),
		StallID:   stall.ID,
		Kind:      domain.TransactionClaim,
		Amount:    claim.Price,
		Source:    source,
		Persona:   claim.Persona,
		CreatedAt: n.deps.Clock.Now(),
	}
	if err := n.deps.Repo.SaveTransaction(ctx, entry); err != nil {
		n.deps.Logger.Printf("claim: save ledger entry for stall %s: %v", stall.ID, err)
	}
}
