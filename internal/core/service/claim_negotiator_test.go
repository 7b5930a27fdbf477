package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stall-market/internal/core/domain"
	"github.com/rl1809/stall-market/internal/port"
)

type claimFixture struct {
	repo       *mockRepo
	wallet     *mockWallet
	bank       *mockBank
	notifier   *mockNotifier
	publisher  *mockPublisher
	clock      *mockClock
	negotiator *ClaimNegotiator
}

func newClaimFixture(timeout time.Duration) *claimFixture {
	f := &claimFixture{
		repo:      newMockRepo(),
		wallet:    newMockWallet(),
		bank:      newMockBank(),
		notifier:  &mockNotifier{},
		publisher: &mockPublisher{},
		clock:     newMockClock(testNow),
	}
	f.negotiator = NewClaimNegotiator(ClaimDeps{
		Repo:      f.repo,
		Wallet:    f.wallet,
		Gateway:   f.bank,
		Accounts:  f.bank,
		Notifier:  f.notifier,
		Publisher: f.publisher,
		Clock:     f.clock,
		Logger:    discardLogger(),
	}, ClaimConfig{
		Timeout:      timeout,
		RentInterval: 24 * time.Hour,
	})
	return f
}

type closedWindow struct {
	mu       sync.Mutex
	messages []string
}

func (w *closedWindow) window() ClaimWindow {
	return ClaimWindow{OnClose: func(msg string) {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.messages = append(w.messages, msg)
	}}
}

func (w *closedWindow) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.messages)
}

func TestBegin_BuildsPaymentOptions(t *testing.T) {
	f := newClaimFixture(time.Minute)
	f.repo.putStall(vacantStall("s1"))
	f.wallet.set("alice", 40)
	f.bank.open("acct-1", "alice", "settlement-1", 1000)

	offer, err := f.negotiator.Begin(context.Background(), BeginClaim{Persona: "alice", StallID: "s1"}, ClaimWindow{})
	require.NoError(t, err)

	assert.Equal(t, int64(100), offer.Price)
	assert.Equal(t, testNow.Add(time.Minute), offer.ExpiresAt)
	require.Len(t, offer.Options, 2)
	assert.False(t, offer.Options[0].Enabled, "direct needs 100 on hand")
	assert.NotEmpty(t, offer.Options[0].Reason)
	assert.True(t, offer.Options[1].Enabled)

	pending, ok := f.negotiator.Pending("alice")
	require.True(t, ok)
	assert.Equal(t, "acct-1", pending.AccountRef)
}

func TestBegin_Rejections(t *testing.T) {
	f := newClaimFixture(time.Minute)
	f.repo.putStall(ownedStall("owned", "bob"))
	noSettlement := vacantStall("plain")
	noSettlement.SettlementID = ""
	f.repo.putStall(noSettlement)

	_, err := f.negotiator.Begin(context.Background(), BeginClaim{Persona: "alice", StallID: "owned"}, ClaimWindow{})
	assert.ErrorIs(t, err, domain.ErrAlreadyOwned)

	_, err = f.negotiator.Begin(context.Background(), BeginClaim{Persona: "alice", StallID: "plain"}, ClaimWindow{})
	assert.ErrorIs(t, err, ErrNoPaymentOption)

	_, err = f.negotiator.Begin(context.Background(), BeginClaim{Persona: "alice", StallID: "missing"}, ClaimWindow{})
	assert.ErrorIs(t, err, domain.ErrStallNotFound)

	_, ok := f.negotiator.Pending("alice")
	assert.False(t, ok)
}

func TestSelect_DirectPayment(t *testing.T) {
	f := newClaimFixture(time.Minute)
	f.repo.putStall(vacantStall("s1"))
	f.wallet.set("alice", 150)

	_, err := f.negotiator.Begin(context.Background(), BeginClaim{Persona: "alice", PersonaName: "Alice", StallID: "s1"}, ClaimWindow{})
	require.NoError(t, err)

	stall, err := f.negotiator.Select(context.Background(), "alice", domain.PaymentDirect)
	require.NoError(t, err)

	assert.Equal(t, domain.PersonaID("alice"), stall.Owner)
	assert.Equal(t, "Alice", stall.OwnerName)
	assert.True(t, stall.Open())
	assert.Empty(t, stall.AccountRef)
	assert.Equal(t, testNow.Add(24*time.Hour), stall.NextRentDue)
	assert.Equal(t, int64(50), f.wallet.get("alice"))

	ledger := f.repo.ledger()
	require.Len(t, ledger, 1)
	assert.Equal(t, domain.TransactionClaim, ledger[0].Kind)
	assert.Equal(t, domain.SourceDirect, ledger[0].Source)
	assert.Equal(t, []string{"s1"}, f.publisher.stalls)
	require.Len(t, f.notifier.all(), 1)

	_, ok := f.negotiator.Pending("alice")
	assert.False(t, ok)
}

func TestSelect_ExternalPaymentBindsAccount(t *testing.T) {
	f := newClaimFixture(time.Minute)
	f.repo.putStall(vacantStall("s1"))
	f.bank.open("acct-1", "alice", "settlement-1", 1000)

	_, err := f.negotiator.Begin(context.Background(), BeginClaim{Persona: "alice", StallID: "s1"}, ClaimWindow{})
	require.NoError(t, err)

	stall, err := f.negotiator.Select(context.Background(), "alice", domain.PaymentExternalAccount)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", stall.AccountRef)
	assert.Equal(t, int64(900), f.bank.balance("acct-1"))
	assert.Equal(t, domain.SourceExternalAccount, f.repo.ledger()[0].Source)
}

func TestSelect_DisabledOptionAborts(t *testing.T) {
	f := newClaimFixture(time.Minute)
	f.repo.putStall(vacantStall("s1"))
	f.bank.open("acct-1", "alice", "settlement-1", 1000)
	w := &closedWindow{}

	_, err := f.negotiator.Begin(context.Background(), BeginClaim{Persona: "alice", StallID: "s1"}, w.window())
	require.NoError(t, err)

	_, err = f.negotiator.Select(context.Background(), "alice", domain.PaymentDirect)
	assert.ErrorIs(t, err, ErrPaymentOptionDisabled)
	assert.Equal(t, 1, w.count())
	assert.Empty(t, f.repo.mutationNames())
}

func TestSelect_WithoutNegotiation(t *testing.T) {
	f := newClaimFixture(time.Minute)

	_, err := f.negotiator.Select(context.Background(), "alice", domain.PaymentDirect)
	assert.ErrorIs(t, err, ErrNegotiationNotFound)
}

func TestSelect_CaptureFailureKeepsNegotiationOpen(t *testing.T) {
	f := newClaimFixture(time.Minute)
	f.repo.putStall(vacantStall("s1"))
	f.wallet.set("alice", 100)
	w := &closedWindow{}

	_, err := f.negotiator.Begin(context.Background(), BeginClaim{Persona: "alice", StallID: "s1"}, w.window())
	require.NoError(t, err)

	// Gold spent elsewhere after the offer was built.
	f.wallet.set("alice", 10)
	_, err = f.negotiator.Select(context.Background(), "alice", domain.PaymentDirect)
	assert.ErrorIs(t, err, port.ErrInsufficientFunds)
	assert.Zero(t, w.count())

	_, ok := f.negotiator.Pending("alice")
	assert.True(t, ok, "claimant may retry")

	f.wallet.set("alice", 100)
	_, err = f.negotiator.Select(context.Background(), "alice", domain.PaymentDirect)
	require.NoError(t, err)
	assert.Zero(t, f.wallet.get("alice"))
}

func TestSelect_FailedDirectClaimRestoresGold(t *testing.T) {
	f := newClaimFixture(time.Minute)
	f.repo.putStall(vacantStall("s1"))
	f.wallet.set("alice", 250)

	_, err := f.negotiator.Begin(context.Background(), BeginClaim{Persona: "alice", StallID: "s1"}, ClaimWindow{})
	require.NoError(t, err)

	f.repo.failUpdates = []error{errors.New("database unavailable")}
	_, err = f.negotiator.Select(context.Background(), "alice", domain.PaymentDirect)
	require.Error(t, err)

	assert.Equal(t, int64(250), f.wallet.get("alice"))
	assert.False(t, f.repo.stall("s1").Claimed())
	assert.Empty(t, f.repo.ledger())

	_, ok := f.negotiator.Pending("alice")
	assert.True(t, ok)
}

func TestSelect_FailedExternalClaimIsNotRefunded(t *testing.T) {
	f := newClaimFixture(time.Minute)
	f.repo.putStall(vacantStall("s1"))
	f.bank.open("acct-1", "alice", "settlement-1", 1000)

	_, err := f.negotiator.Begin(context.Background(), BeginClaim{Persona: "alice", StallID: "s1"}, ClaimWindow{})
	require.NoError(t, err)

	f.repo.failUpdates = []error{errors.New("database unavailable")}
	_, err = f.negotiator.Select(context.Background(), "alice", domain.PaymentExternalAccount)
	assert.ErrorIs(t, err, ErrChargedNotCommitted)
	assert.Equal(t, int64(900), f.bank.balance("acct-1"))
	assert.Contains(t, UserMessage(err), "charged")
}

func TestSelect_StallTakenMeanwhileAborts(t *testing.T) {
	f := newClaimFixture(time.Minute)
	f.repo.putStall(vacantStall("s1"))
	f.wallet.set("alice", 100)
	w := &closedWindow{}

	_, err := f.negotiator.Begin(context.Background(), BeginClaim{Persona: "alice", StallID: "s1"}, w.window())
	require.NoError(t, err)

	f.repo.putStall(ownedStall("s1", "bob"))
	_, err = f.negotiator.Select(context.Background(), "alice", domain.PaymentDirect)
	assert.ErrorIs(t, err, domain.ErrAlreadyOwned)
	assert.Equal(t, int64(100), f.wallet.get("alice"))
	assert.Equal(t, 1, w.count())
}

func TestSelect_DescriptorChangedAborts(t *testing.T) {
	f := newClaimFixture(time.Minute)
	f.repo.putStall(vacantStall("s1"))
	f.wallet.set("alice", 100)

	_, err := f.negotiator.Begin(context.Background(), BeginClaim{Persona: "alice", StallID: "s1"}, ClaimWindow{})
	require.NoError(t, err)

	moved := vacantStall("s1")
	moved.Tag = "north"
	f.repo.putStall(moved)
	_, err = f.negotiator.Select(context.Background(), "alice", domain.PaymentDirect)
	assert.ErrorIs(t, err, ErrStallChanged)
	assert.Equal(t, int64(100), f.wallet.get("alice"))
}

func TestSelect_ExpiredByClock(t *testing.T) {
	f := newClaimFixture(time.Hour)
	f.repo.putStall(vacantStall("s1"))
	f.wallet.set("alice", 100)

	_, err := f.negotiator.Begin(context.Background(), BeginClaim{Persona: "alice", StallID: "s1"}, ClaimWindow{})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, err = f.negotiator.Select(context.Background(), "alice", domain.PaymentDirect)
	assert.ErrorIs(t, err, ErrNegotiationExpired)
	assert.Equal(t, int64(100), f.wallet.get("alice"))
}

func TestClaimTimeout_LeavesNoTrace(t *testing.T) {
	f := newClaimFixture(20 * time.Millisecond)
	f.repo.putStall(vacantStall("s1"))
	f.wallet.set("alice", 100)
	w := &closedWindow{}

	_, err := f.negotiator.Begin(context.Background(), BeginClaim{Persona: "alice", StallID: "s1"}, w.window())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return w.count() == 1 }, time.Second, 5*time.Millisecond)

	_, ok := f.negotiator.Pending("alice")
	assert.False(t, ok)
	assert.Empty(t, f.repo.mutationNames())
	assert.Empty(t, f.repo.ledger())
	assert.Equal(t, int64(100), f.wallet.get("alice"))

	_, err = f.negotiator.Select(context.Background(), "alice", domain.PaymentDirect)
	assert.ErrorIs(t, err, ErrNegotiationNotFound)
}

func TestBegin_ReplacesEarlierNegotiation(t *testing.T) {
	f := newClaimFixture(time.Minute)
	f.repo.putStall(vacantStall("s1"))
	f.repo.putStall(vacantStall("s2"))
	f.wallet.set("alice", 100)

	_, err := f.negotiator.Begin(context.Background(), BeginClaim{Persona: "alice", StallID: "s1"}, ClaimWindow{})
	require.NoError(t, err)
	_, err = f.negotiator.Begin(context.Background(), BeginClaim{Persona: "alice", StallID: "s2"}, ClaimWindow{})
	require.NoError(t, err)

	pending, ok := f.negotiator.Pending("alice")
	require.True(t, ok)
	assert.Equal(t, "s2", pending.StallID)
}

func TestCancel(t *testing.T) {
	f := newClaimFixture(time.Minute)
	f.repo.putStall(vacantStall("s1"))
	f.wallet.set("alice", 100)
	w := &closedWindow{}

	_, err := f.negotiator.Begin(context.Background(), BeginClaim{Persona: "alice", StallID: "s1"}, w.window())
	require.NoError(t, err)

	assert.True(t, f.negotiator.Cancel("alice"))
	assert.False(t, f.negotiator.Cancel("alice"))
	assert.False(t, f.negotiator.WindowClosed("alice"))
	assert.Zero(t, w.count(), "the claimant closed it themselves")
	assert.Empty(t, f.repo.mutationNames())
}
