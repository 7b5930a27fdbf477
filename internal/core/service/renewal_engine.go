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

	"github.com/rl1809/stall-market/internal/core/domain"
	"github.com/rl1809/stall-market/internal/port"
)

const (
	maxRentAttempts = 3
	stallTimeout    = 30 * time.Second
)

type RenewalDeps struct {
	Repo      port.StallRepository
	Gateway   port.PaymentGateway
	Wallet    port.Wallet
	Custodian port.InventoryCustodian
	Notifier  port.OwnerNotifier
	Publisher StallPublisher
	Clock     port.Clock
	Logger    *log.Logger
}

type RenewalConfig struct {
	TickInterval time.Duration
	GracePeriod  time.Duration
	RentInterval time.Duration
	WarmUp       time.Duration
}

// Outcome is what one billing evaluation did to a stall.
type Outcome string

const (
	OutcomeSkipped       Outcome = "skipped"
	OutcomePaid          Outcome = "paid"
	OutcomeGraceStarted  Outcome = "grace_started"
	OutcomeGraceExtended Outcome = "grace_extended"
	OutcomeReleased      Outcome = "released"
)

type TickReport struct {
	Evaluated int
	Outcomes  map[Outcome]int
	Failed    int
}

// RentRenewalEngine bills every due stall once per tick and walks unpaid
// stalls through the grace period to release.
type RentRenewalEngine struct {
	deps     RenewalDeps
	cfg      RenewalConfig
	releaser stallReleaser

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// unrecorded holds external withdrawals whose payment could not be
	// saved, keyed by stall id. They settle the same due cycle next tick.
	unrecordedMu sync.Mutex
	unrecorded   map[string]rentPayment
}

func NewRentRenewalEngine(deps RenewalDeps, cfg RenewalConfig) *RentRenewalEngine {
	if deps.Clock == nil {
		deps.Clock = port.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	return &RentRenewalEngine{
		deps:       deps,
		cfg:        cfg,
		unrecorded: make(map[string]rentPayment),
		releaser: stallReleaser{
			repo:      deps.Repo,
			custodian: deps.Custodian,
			wallet:    deps.Wallet,
			clock:     deps.Clock,
			logger:    deps.Logger,
		},
	}
}

// Start launches the billing loop. The first tick runs after the warm-up delay.
func (e *RentRenewalEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done != nil {
		return ErrEngineRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(ctx, e.done)
	return nil
}

// Stop cancels the loop and waits until the tick in progress has finished
// its current stall, or until ctx ends.
func (e *RentRenewalEngine) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for renewal engine: %w", ctx.Err())
	}
}

func (e *RentRenewalEngine) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	if e.cfg.WarmUp > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.WarmUp):
		}
	}

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		report, err := e.RunOnce(ctx)
		if err != nil {
			e.deps.Logger.Printf("renewal: tick failed: %v", err)
		} else if report.Evaluated > 0 {
			e.deps.Logger.Printf("renewal: evaluated %d stalls, %d failed, outcomes %v", report.Evaluated, report.Failed, report.Outcomes)
		}
		select {
		case <-ctx.Done():
			e.deps.Logger.Println("renewal: stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce evaluates every due stall. Cancelling ctx abandons the stalls not
// yet started; the stall being processed always runs to the end.
func (e *RentRenewalEngine) RunOnce(ctx context.Context) (TickReport, error) {
	ctx, span := tracer.Start(ctx, "RentRenewalEngine.RunOnce")
	defer span.End()

	report := TickReport{Outcomes: make(map[Outcome]int)}
	now := e.deps.Clock.Now()
	stalls, err := e.deps.Repo.DueStalls(ctx, now)
	if err != nil {
		return report, fmt.Errorf("list due stalls: %w", err)
	}
	span.SetAttributes(attribute.Int("stalls.due", len(stalls)))

	for _, stall := range stalls {
		if ctx.Err() != nil {
			e.deps.Logger.Printf("renewal: tick interrupted, %d stalls left for next tick", len(stalls)-report.Evaluated)
			break
		}
		report.Evaluated++
		outcome, err := e.processIsolated(ctx, stall)
		if err != nil {
			report.Failed++
			e.deps.Logger.Printf("renewal: stall %s: %v", stall.ID, err)
			continue
		}
		report.Outcomes[outcome]++
	}
	return report, nil
}

func (e *RentRenewalEngine) processIsolated(ctx context.Context, stall domain.Stall) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while billing: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stallTimeout)
	defer cancel()
	return e.ProcessStall(ctx, stall)
}

// ProcessStall runs one billing evaluation. A conflicting concurrent write
// (for example a sale crediting escrow) reloads the stall and retries.
func (e *RentRenewalEngine) ProcessStall(ctx context.Context, stall domain.Stall) (Outcome, error) {
	now := e.deps.Clock.Now()
	external := e.takeUnrecorded(stall)

	for attempt := 1; ; attempt++ {
		if !stall.Due(now) {
			if external != nil {
				e.deps.Logger.Printf("renewal: CRITICAL rent of %d withdrawn from %s for stall %s which is no longer due",
					external.amount, external.account, stall.ID)
			}
			return OutcomeSkipped, nil
		}
		outcome, err := e.settle(ctx, stall, now, &external)
		if err == nil {
			return outcome, nil
		}
		if !errors.Is(err, domain.ErrConflict) || attempt == maxRentAttempts {
			if external != nil {
				e.keepUnrecorded(stall.ID, *external)
				e.deps.Logger.Printf("renewal: rent of %d withdrawn from %s for stall %s not recorded, kept for next tick: %v",
					external.amount, external.account, stall.ID, err)
			}
			return outcome, err
		}
		reloaded, err := e.deps.Repo.GetStall(ctx, stall.ID)
		if err != nil {
			if external != nil {
				e.keepUnrecorded(stall.ID, *external)
			}
			return OutcomeSkipped, fmt.Errorf("reload stall: %w", err)
		}
		stall = *reloaded
	}
}

// takeUnrecorded returns a withdrawal already made for the stall's current due
// cycle. A withdrawal kept for another cycle can no longer be applied.
func (e *RentRenewalEngine) takeUnrecorded(stall domain.Stall) *rentPayment {
	e.unrecordedMu.Lock()
	defer e.unrecordedMu.Unlock()
	p, ok := e.unrecorded[stall.ID]
	if !ok {
		return nil
	}
	delete(e.unrecorded, stall.ID)
	if !p.dueAt.Equal(stall.NextRentDue) {
		e.deps.Logger.Printf("renewal: CRITICAL rent of %d withdrawn from %s for stall %s cycle %s was never recorded",
			p.amount, p.account, stall.ID, p.dueAt.Format(time.RFC3339))
		return nil
	}
	return &p
}

func (e *RentRenewalEngine) keepUnrecorded(stallID string, p rentPayment) {
	e.unrecordedMu.Lock()
	defer e.unrecordedMu.Unlock()
	e.unrecorded[stallID] = p
}

type rentPayment struct {
	source  domain.PaymentSource
	amount  int64
	account string
	// dueAt is the due date the withdrawal was made for.
	dueAt time.Time
}

func (e *RentRenewalEngine) settle(ctx context.Context, stall domain.Stall, now time.Time, external **rentPayment) (Outcome, error) {
	rent := stall.RentAmount()

	// An external withdrawal already made for this cycle is reused on retry.
	payment := *external
	if payment == nil {
		payment = e.collect(ctx, stall, rent)
		if payment != nil && payment.source == domain.SourceExternalAccount {
			*external = payment
		}
	}
	if payment != nil {
		return e.recordPayment(ctx, stall, now, *payment)
	}
	return e.recordMissed(ctx, stall, now)
}

// collect tries the external account first and falls back to escrow. It
// returns nil when neither can cover the rent.
func (e *RentRenewalEngine) collect(ctx context.Context, stall domain.Stall, rent int64) *rentPayment {
	if rent == 0 {
		return &rentPayment{source: domain.SourceNone}
	}
	if stall.UsesExternalAccount() && e.deps.Gateway != nil {
		reason := port.TruncateReason(fmt.Sprintf("Rent for market stall %q (%s) due %s",
			stall.Name, stall.ID, stall.NextRentDue.Format(time.RFC3339)))
		err := e.deps.Gateway.Withdraw(ctx, stall.Owner, stall.AccountRef, rent, reason)
		if err == nil {
			return &rentPayment{source: domain.SourceExternalAccount, amount: rent, account: stall.AccountRef, dueAt: stall.NextRentDue}
		}
		e.deps.Logger.Printf("renewal: external rent for stall %s failed, trying escrow: %v", stall.ID, err)
	}
	if stall.EscrowBalance >= rent {
		return &rentPayment{source: domain.SourceEscrow, amount: rent}
	}
	return nil
}

func (e *RentRenewalEngine) recordPayment(ctx context.Context, stall domain.Stall, now time.Time, p rentPayment) (Outcome, error) {
	intent := domain.RecordRentPayment{
		DueAt:       stall.NextRentDue,
		Amount:      p.amount,
		Source:      p.source,
		NextRentDue: domain.AdvanceDue(stall.NextRentDue, e.cfg.RentInterval, now),
	}
	updated, err := e.deps.Repo.UpdateStall(ctx, stall.ID, stall.Version, intent)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("record rent: %w", err)
	}

	if p.amount > 0 {
		entry := domain.LedgerEntry{
			ID:        uuid.NewString(),
			StallID:   stall.ID,
			Kind:      domain.TransactionRent,
			Amount:    -p.amount,
			Source:    p.source,
			Persona:   stall.Owner,
			CreatedAt: now,
		}
		if err := e.deps.Repo.SaveTransaction(ctx, entry); err != nil {
			e.deps.Logger.Printf("renewal: save rent ledger entry for stall %s: %v", stall.ID, err)
		}
		e.notify(ctx, stall.Owner, fmt.Sprintf("Rent of %d for %s was paid from %s. Next payment is due %s.",
			p.amount, stall.Name, sourceLabel(p.source), updated.NextRentDue.Format(time.RFC1123)), domain.SeverityInfo)
	}
	if e.deps.Publisher != nil {
		e.deps.Publisher.PublishSellers(ctx, stall.ID, "")
	}
	return OutcomePaid, nil
}

func (e *RentRenewalEngine) recordMissed(ctx context.Context, stall domain.Stall, now time.Time) (Outcome, error) {
	grace := e.cfg.GracePeriod

	switch {
	case stall.SuspendedAt == nil:
		intent := domain.EnterGracePeriod{
			DueAt:       stall.NextRentDue,
			SuspendedAt: now,
			NextRentDue: now.Add(grace),
		}
		if _, err := e.deps.Repo.UpdateStall(ctx, stall.ID, stall.Version, intent); err != nil {
			return OutcomeSkipped, fmt.Errorf("start grace period: %w", err)
		}
		e.notify(ctx, stall.Owner, fmt.Sprintf("Rent of %d for %s could not be collected. Add funds within %s or the stall will be released.",
			stall.RentAmount(), stall.Name, grace), domain.SeverityWarning)
		if e.deps.Publisher != nil {
			e.deps.Publisher.PublishStall(ctx, stall.ID)
		}
		return OutcomeGraceStarted, nil

	case now.Sub(*stall.SuspendedAt) < grace:
		intent := domain.ExtendGracePeriod{
			DueAt:       stall.NextRentDue,
			NextRentDue: stall.SuspendedAt.Add(grace),
		}
		if _, err := e.deps.Repo.UpdateStall(ctx, stall.ID, stall.Version, intent); err != nil {
			return OutcomeSkipped, fmt.Errorf("extend grace period: %w", err)
		}
		return OutcomeGraceExtended, nil

	default:
		intent, err := domain.NewStallAggregate(stall, nil).Forfeit(now, e.cfg.TickInterval)
		if err != nil {
			return OutcomeSkipped, err
		}
		if _, err := e.releaser.release(ctx, stall, intent); err != nil {
			return OutcomeSkipped, err
		}
		e.notify(ctx, stall.Owner, fmt.Sprintf("Your lease on %s has ended because rent went unpaid. Remaining goods were moved to custody.",
			stall.Name), domain.SeverityTerminal)
		if e.deps.Publisher != nil {
			e.deps.Publisher.PublishStall(ctx, stall.ID)
		}
		return OutcomeReleased, nil
	}
}

func (e *RentRenewalEngine) notify(ctx context.Context, owner domain.PersonaID, msg string, severity domain.Severity) {
	if e.deps.Notifier == nil || owner == "" {
		return
	}
	e.deps.Notifier.Notify(ctx, owner, msg, severity)
}

func sourceLabel(source domain.PaymentSource) string {
	switch source {
	case domain.SourceExternalAccount:
		return "your account"
	case domain.SourceEscrow:
		return "stall earnings"
	}
	return string(source)
}
