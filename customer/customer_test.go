package customer_test

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkchannels/zkchannel/amount"
	"github.com/zkchannels/zkchannel/customer"
	"github.com/zkchannels/zkchannel/escrow"
	escrowmemory "github.com/zkchannels/zkchannel/escrow/memory"
	"github.com/zkchannels/zkchannel/merchant"
	"github.com/zkchannels/zkchannel/protocol"
	"github.com/zkchannels/zkchannel/session"
	"github.com/zkchannels/zkchannel/storage/memory"
	"github.com/zkchannels/zkchannel/watcher"
	"github.com/zkchannels/zkchannel/zkabacus"
)

const disputeWindow = 48 * time.Hour

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// gatedApprover blocks payments whose note is "slow" until released, and
// rejects payments whose note is "blocked".
type gatedApprover struct {
	slow    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (a *gatedApprover) Approve(_ amount.Amount, note string) error {
	switch note {
	case "blocked":
		return fmt.Errorf("payments with this note are not accepted")
	case "slow":
		a.once.Do(func() { close(a.entered) })
		<-a.slow
	}
	return nil
}

// fixture wires a customer and a merchant together over a loopback TCP
// session server, sharing one simulated escrow chain.
type fixture struct {
	customer   *customer.Customer
	custStore  customer.Store
	merchStore merchant.Store
	backend    *escrowmemory.Backend
	clock      *fakeClock
	approver   *gatedApprover
	addr       string
	ctx        context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	backend := escrowmemory.New(escrowmemory.WithClock(clock.Now))

	key, err := zkabacus.NewMerchantKey(nil)
	require.NoError(t, err)

	approver := &gatedApprover{slow: make(chan struct{}), entered: make(chan struct{})}
	merchStore := memory.NewMerchantStore()
	merchSrv := merchant.New(merchant.Config{
		Store:         merchStore,
		Key:           key,
		Escrow:        backend,
		EscrowAddress: "KT1merchantescrowaddr",
		DisputeWindow: disputeWindow,
		Approver:      approver,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	sessionSrv := session.NewServer(session.ServerConfig{
		Handler:        merchSrv,
		SessionTimeout: 5 * time.Second,
		IOTimeout:      2 * time.Second,
	})
	srvDone := make(chan struct{})
	go func() {
		defer close(srvDone)
		_ = sessionSrv.Serve(ctx, ln)
	}()

	custStore := memory.NewCustomerStore()
	cust := customer.New(customer.Config{
		Client: session.NewClient(session.ClientConfig{
			Addr:      ln.Addr().String(),
			IOTimeout: 2 * time.Second,
			Backoff:   session.Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2, MaxRetries: 3},
			Dial: func(ctx context.Context) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "tcp", ln.Addr().String())
			},
		}),
		Store:          custStore,
		Escrow:         backend,
		FundingAddress: "tz1customerfundingaddr",
	})

	custWatcher := watcher.NewCustomer(watcher.CustomerConfig{
		Store:        custStore,
		Escrow:       backend,
		PollInterval: 5 * time.Millisecond,
		Backoff:      session.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2, MaxRetries: 3},
		Now:          clock.Now,
	})
	merchWatcher := watcher.NewMerchant(watcher.MerchantConfig{
		Store:        merchStore,
		Escrow:       backend,
		PollInterval: 5 * time.Millisecond,
		Backoff:      session.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2, MaxRetries: 3},
		Now:          clock.Now,
	})
	watchersDone := make(chan struct{})
	go func() {
		defer close(watchersDone)
		_ = custWatcher.Run(ctx)
	}()
	go func() { _ = merchWatcher.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-srvDone
		<-watchersDone
	})

	return &fixture{
		customer:   cust,
		custStore:  custStore,
		merchStore: merchStore,
		backend:    backend,
		clock:      clock,
		approver:   approver,
		addr:       ln.Addr().String(),
		ctx:        ctx,
	}
}

// rawClient opens sessions against the fixture's merchant outside the
// customer driver, for crafting messages the driver never sends.
func (f *fixture) rawClient() *session.Client {
	return session.NewClient(session.ClientConfig{
		Addr:      f.addr,
		IOTimeout: 2 * time.Second,
		Backoff:   session.Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2, MaxRetries: 3},
		Dial: func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", f.addr)
		},
	})
}

func (f *fixture) establishReady(t *testing.T, label, deposit string) customer.Record {
	t.Helper()
	rec, err := f.customer.Establish(f.ctx, customer.EstablishParams{
		Label: label,
		Deposits: amount.Balances{
			Customer: amount.MustParse(deposit, amount.XTZ),
			Merchant: amount.New(0, amount.XTZ),
		},
	})
	require.NoError(t, err)
	f.waitStatus(t, label, customer.StatusReady)
	return rec
}

func (f *fixture) waitStatus(t *testing.T, label string, want customer.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := f.custStore.Channel(label)
		return err == nil && rec.Status == want
	}, 5*time.Second, 5*time.Millisecond, "channel %s never reached %s", label, want)
}

func (f *fixture) waitMerchantStatus(t *testing.T, id zkabacus.ChannelID, want merchant.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := f.merchStore.Channel(id)
		return err == nil && rec.Status == want
	}, 5*time.Second, 5*time.Millisecond, "merchant channel never reached %s", want)
}

func TestChannelLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.establishReady(t, "groceries", "5.00")
	f.waitMerchantStatus(t, rec.ChannelID, merchant.StatusActive)

	require.NoError(t, f.customer.Pay(f.ctx, "groceries", amount.MustParse("1.005", amount.XTZ), "coffee"))

	after, err := f.custStore.Channel("groceries")
	require.NoError(t, err)
	assert.Equal(t, amount.MustParse("3.995", amount.XTZ), after.State.Balances.Customer)
	assert.Equal(t, amount.MustParse("1.005", amount.XTZ), after.State.Balances.Merchant)

	merchRec, err := f.merchStore.Channel(rec.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, after.State.Balances, merchRec.Balances)

	// A negative amount refunds part of the spent balance.
	require.NoError(t, f.customer.Pay(f.ctx, "groceries", amount.MustParse("-0.5", amount.XTZ), "refund"))
	after, err = f.custStore.Channel("groceries")
	require.NoError(t, err)
	assert.Equal(t, amount.MustParse("4.495", amount.XTZ), after.State.Balances.Customer)

	require.NoError(t, f.customer.Close(f.ctx, "groceries", false))
	f.waitStatus(t, "groceries", customer.StatusClosed)
	f.waitMerchantStatus(t, rec.ChannelID, merchant.StatusClosed)

	final, err := f.custStore.Channel("groceries")
	require.NoError(t, err)
	require.NotNil(t, final.FinalBalances)
	assert.Equal(t, amount.MustParse("4.495", amount.XTZ), final.FinalBalances.Customer)
	assert.Equal(t, amount.MustParse("0.505", amount.XTZ), final.FinalBalances.Merchant)
}

func TestPayInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.establishReady(t, "small", "1.00")

	err := f.customer.Pay(f.ctx, "small", amount.MustParse("2.00", amount.XTZ), "")
	require.Error(t, err)

	rec, err := f.custStore.Channel("small")
	require.NoError(t, err)
	assert.Equal(t, customer.StatusReady, rec.Status)
	assert.Equal(t, amount.MustParse("1.00", amount.XTZ), rec.State.Balances.Customer)
}

func TestPayRejectedByApprover(t *testing.T) {
	f := newFixture(t)
	f.establishReady(t, "shop", "5.00")

	err := f.customer.Pay(f.ctx, "shop", amount.MustParse("1.00", amount.XTZ), "blocked")
	assert.ErrorIs(t, err, customer.ErrRejected)

	// A rejection leaves the persisted state untouched.
	rec, err := f.custStore.Channel("shop")
	require.NoError(t, err)
	assert.Equal(t, customer.StatusReady, rec.Status)
	assert.Equal(t, amount.MustParse("5.00", amount.XTZ), rec.State.Balances.Customer)
}

func TestConcurrentPaysSingleFlight(t *testing.T) {
	f := newFixture(t)
	f.establishReady(t, "busy", "5.00")

	slowDone := make(chan error, 1)
	go func() {
		slowDone <- f.customer.Pay(f.ctx, "busy", amount.MustParse("1.00", amount.XTZ), "slow")
	}()

	// Once the merchant is holding the first payment, the channel's
	// session slot is taken and a second payment must fail fast.
	<-f.approver.entered
	busyErr := f.customer.Pay(f.ctx, "busy", amount.MustParse("1.00", amount.XTZ), "")
	assert.ErrorIs(t, busyErr, session.ErrSessionBusy)

	close(f.approver.slow)
	require.NoError(t, <-slowDone)

	rec, err := f.custStore.Channel("busy")
	require.NoError(t, err)
	assert.Equal(t, amount.MustParse("4.00", amount.XTZ), rec.State.Balances.Customer)
}

func TestUnilateralCloseAndClaim(t *testing.T) {
	f := newFixture(t)
	rec := f.establishReady(t, "solo", "5.00")
	require.NoError(t, f.customer.Pay(f.ctx, "solo", amount.MustParse("2.00", amount.XTZ), ""))

	require.NoError(t, f.customer.Close(f.ctx, "solo", true))
	f.waitStatus(t, "solo", customer.StatusPendingClose)

	contract, err := f.backend.ContractState(f.ctx, rec.ContractID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCustomerClose, contract.Status)

	// Once the dispute window elapses the watcher claims the posted
	// balances.
	f.clock.Advance(disputeWindow + time.Minute)
	f.waitStatus(t, "solo", customer.StatusClosed)

	final, err := f.custStore.Channel("solo")
	require.NoError(t, err)
	require.NotNil(t, final.FinalBalances)
	assert.Equal(t, amount.MustParse("3.00", amount.XTZ), final.FinalBalances.Customer)
	assert.Equal(t, amount.MustParse("2.00", amount.XTZ), final.FinalBalances.Merchant)
}

func TestStaleCloseIsDisputed(t *testing.T) {
	f := newFixture(t)
	rec := f.establishReady(t, "cheater", "5.00")

	// Capture the closing material of the pre-payment state, then pay.
	// Paying reveals that state's revocation secret to the merchant.
	stale, err := f.custStore.Channel("cheater")
	require.NoError(t, err)
	require.NoError(t, f.customer.Pay(f.ctx, "cheater", amount.MustParse("3.00", amount.XTZ), ""))

	// Post the revoked state directly, as a dishonest wallet would.
	_, err = f.backend.Submit(f.ctx, escrow.Operation{
		Kind:             escrow.OpCustomerClose,
		ContractID:       rec.ContractID,
		ClosingState:     stale.State.Closing(),
		ClosingSignature: stale.ClosingSignature,
	})
	require.NoError(t, err)

	// The merchant watcher disputes with the revealed secret and is
	// awarded the full channel balance.
	f.waitMerchantStatus(t, rec.ChannelID, merchant.StatusClosed)
	merchRec, err := f.merchStore.Channel(rec.ChannelID)
	require.NoError(t, err)
	require.NotNil(t, merchRec.FinalBalances)
	assert.True(t, merchRec.FinalBalances.Customer.IsZero())
	assert.Equal(t, amount.MustParse("5.00", amount.XTZ), merchRec.FinalBalances.Merchant)
}

func TestEstablishDuplicateLabel(t *testing.T) {
	f := newFixture(t)
	f.establishReady(t, "dup", "1.00")

	_, err := f.customer.Establish(f.ctx, customer.EstablishParams{
		Label: "dup",
		Deposits: amount.Balances{
			Customer: amount.MustParse("1.00", amount.XTZ),
			Merchant: amount.New(0, amount.XTZ),
		},
	})
	require.Error(t, err)
}

func TestPayOnPendingChannelFails(t *testing.T) {
	f := newFixture(t)
	f.establishReady(t, "closing", "2.00")
	require.NoError(t, f.customer.Close(f.ctx, "closing", true))
	f.waitStatus(t, "closing", customer.StatusPendingClose)

	err := f.customer.Pay(f.ctx, "closing", amount.MustParse("0.50", amount.XTZ), "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, customer.ErrRejected)
}

func TestMutualCloseSurvivesSkewedRunningBalance(t *testing.T) {
	f := newFixture(t)
	rec := f.establishReady(t, "wallet", "5.00")
	f.waitMerchantStatus(t, rec.ChannelID, merchant.StatusActive)
	require.NoError(t, f.customer.Pay(f.ctx, "wallet", amount.MustParse("1.00", amount.XTZ), ""))

	// A payment attributed to the wrong channel in its handshake skews
	// the merchant's running balance without touching any signed state.
	require.NoError(t, f.merchStore.UpdateChannel(rec.ChannelID, func(r *merchant.Record) error {
		skewed, err := r.Balances.ApplyPayment(amount.MustParse("2.00", amount.XTZ))
		if err != nil {
			return err
		}
		r.Balances = skewed
		return nil
	}))

	// The signed latest state still authorizes the mutual close.
	require.NoError(t, f.customer.Close(f.ctx, "wallet", false))
	f.waitStatus(t, "wallet", customer.StatusClosed)

	final, err := f.custStore.Channel("wallet")
	require.NoError(t, err)
	require.NotNil(t, final.FinalBalances)
	assert.Equal(t, amount.MustParse("4.00", amount.XTZ), final.FinalBalances.Customer)
	assert.Equal(t, amount.MustParse("1.00", amount.XTZ), final.FinalBalances.Merchant)
}

func TestMutualCloseOnRevokedStateRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.establishReady(t, "wallet", "5.00")
	f.waitMerchantStatus(t, rec.ChannelID, merchant.StatusActive)

	stale, err := f.custStore.Channel("wallet")
	require.NoError(t, err)
	require.NoError(t, f.customer.Pay(f.ctx, "wallet", amount.MustParse("1.00", amount.XTZ), ""))

	// Propose a mutual close on the superseded state. Its revocation
	// lock was revealed during the payment, so the merchant refuses.
	err = f.rawClient().Do(f.ctx, rec.ChannelID, protocol.SubprotocolClose, func(s *session.Session) error {
		req := protocol.CloseRequest{
			ClosingState:     stale.State.Closing(),
			ClosingSignature: stale.ClosingSignature,
		}
		if err := s.Send(f.ctx, protocol.Message{Type: protocol.TypeCloseRequest, CloseRequest: &req}); err != nil {
			return err
		}
		reply, err := s.Recv(f.ctx)
		if err != nil {
			return err
		}
		require.Equal(t, protocol.TypeReject, reply.Type)
		require.NotNil(t, reply.Reject)
		assert.Equal(t, protocol.RejectCodeRevoked, reply.Reject.Code)
		return nil
	})
	require.NoError(t, err)

	cur, err := f.custStore.Channel("wallet")
	require.NoError(t, err)
	assert.Equal(t, customer.StatusReady, cur.Status)

	merchRec, err := f.merchStore.Channel(rec.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, merchant.StatusActive, merchRec.Status)
}

func TestListSummaries(t *testing.T) {
	f := newFixture(t)
	f.establishReady(t, "a", "1.00")
	f.establishReady(t, "b", "2.00")

	summaries, err := f.customer.List()
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "a", summaries[0].Label)
	assert.Equal(t, amount.MustParse("1.00", amount.XTZ), summaries[0].Balance)
	assert.Equal(t, "b", summaries[1].Label)
}
