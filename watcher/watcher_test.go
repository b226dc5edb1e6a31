package watcher_test

import (
	"context"
	"errors"
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
	"github.com/zkchannels/zkchannel/session"
	"github.com/zkchannels/zkchannel/storage/memory"
	"github.com/zkchannels/zkchannel/watcher"
	"github.com/zkchannels/zkchannel/zkabacus"
)

const window = time.Hour

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

// fixture sets up one funded channel known to both parties' stores and
// the simulated chain, without running any sessions.
type fixture struct {
	clock      *fakeClock
	backend    *escrowmemory.Backend
	key        *zkabacus.MerchantKey
	channelID  zkabacus.ChannelID
	contractID escrow.ContractID
	deposits   amount.Balances
	state      zkabacus.State
	custStore  *memory.CustomerStore
	merchStore *memory.MerchantStore
}

func newFixture(t *testing.T, merchantDeposit string) *fixture {
	t.Helper()

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	backend := escrowmemory.New(escrowmemory.WithClock(clock.Now))
	key, err := zkabacus.NewMerchantKey(nil)
	require.NoError(t, err)

	custRand, err := zkabacus.NewRandomness(nil)
	require.NoError(t, err)
	merchRand, err := zkabacus.NewRandomness(nil)
	require.NoError(t, err)
	channelID := zkabacus.DeriveChannelID(custRand, merchRand, key.PublicParams().SigningKey)
	contractID := escrow.ContractIDForChannel(channelID)

	deposits := amount.Balances{
		Customer: amount.MustParse("5.00", amount.XTZ),
		Merchant: amount.MustParse(merchantDeposit, amount.XTZ),
	}
	state, pair, err := zkabacus.NewInitialState(nil, channelID, deposits)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = backend.Submit(ctx, escrow.Operation{
		Kind:           escrow.OpOriginate,
		ContractID:     contractID,
		ChannelID:      channelID,
		MerchantParams: key.PublicParams(),
		Deposits:       deposits,
		DisputeWindow:  window,
	})
	require.NoError(t, err)
	_, err = backend.Submit(ctx, escrow.Operation{Kind: escrow.OpFundCustomer, ContractID: contractID})
	require.NoError(t, err)

	custStore := memory.NewCustomerStore()
	require.NoError(t, custStore.CreateChannel(customer.Record{
		Label:            "chan",
		ChannelID:        channelID,
		ContractID:       contractID,
		Status:           customer.StatusOriginated,
		Deposits:         deposits,
		DisputeWindow:    window,
		MerchantParams:   key.PublicParams(),
		State:            state,
		Revocation:       pair,
		ClosingSignature: key.SignClose(state.Closing().Commitment()),
		PayToken:         key.IssuePayToken(state.Commitment()),
	}))

	merchStore := memory.NewMerchantStore()
	require.NoError(t, merchStore.CreateChannel(merchant.Record{
		ChannelID:     channelID,
		ContractID:    contractID,
		Status:        merchant.StatusOriginated,
		Deposits:      deposits,
		Balances:      deposits,
		DisputeWindow: window,
	}))

	return &fixture{
		clock:      clock,
		backend:    backend,
		key:        key,
		channelID:  channelID,
		contractID: contractID,
		deposits:   deposits,
		state:      state,
		custStore:  custStore,
		merchStore: merchStore,
	}
}

func testBackoff() session.Backoff {
	return session.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2, MaxRetries: 3}
}

func (f *fixture) runCustomerWatcher(t *testing.T) *watcher.Customer {
	t.Helper()
	w := watcher.NewCustomer(watcher.CustomerConfig{
		Store:        f.custStore,
		Escrow:       f.backend,
		PollInterval: 5 * time.Millisecond,
		Backoff:      testBackoff(),
		Now:          f.clock.Now,
	})
	f.start(t, func(ctx context.Context) error { return w.Run(ctx) })
	return w
}

func (f *fixture) runMerchantWatcher(t *testing.T) *watcher.Merchant {
	t.Helper()
	w := watcher.NewMerchant(watcher.MerchantConfig{
		Store:        f.merchStore,
		Escrow:       f.backend,
		PollInterval: 5 * time.Millisecond,
		Backoff:      testBackoff(),
		Now:          f.clock.Now,
	})
	f.start(t, func(ctx context.Context) error { return w.Run(ctx) })
	return w
}

func (f *fixture) start(t *testing.T, run func(context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitEvent[T watcher.Event](t *testing.T, events <-chan watcher.Event) T {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if typed, ok := ev.(T); ok {
				return typed
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %T", *new(T))
		}
	}
}

func TestFundingAdvancesBothParties(t *testing.T) {
	f := newFixture(t, "1.00")
	cw := f.runCustomerWatcher(t)
	mw := f.runMerchantWatcher(t)

	// The merchant watcher funds its side; both parties then observe
	// the open contract.
	waitEvent[watcher.FundedEvent](t, cw.Events())
	waitEvent[watcher.FundedEvent](t, mw.Events())

	custRec, err := f.custStore.Channel("chan")
	require.NoError(t, err)
	assert.Equal(t, customer.StatusReady, custRec.Status)

	merchRec, err := f.merchStore.Channel(f.channelID)
	require.NoError(t, err)
	assert.Equal(t, merchant.StatusActive, merchRec.Status)
}

func TestCustomerAnswersExpiry(t *testing.T) {
	f := newFixture(t, "0")
	cw := f.runCustomerWatcher(t)
	waitEvent[watcher.FundedEvent](t, cw.Events())

	// The merchant starts a unilateral close.
	_, err := f.backend.Submit(context.Background(), escrow.Operation{
		Kind:       escrow.OpExpiry,
		ContractID: f.contractID,
	})
	require.NoError(t, err)

	// The watcher answers with a corrective close on the latest state.
	ev := waitEvent[watcher.ClosePostedEvent](t, cw.Events())
	assert.Equal(t, f.deposits, ev.Balances)

	contract, err := f.backend.ContractState(context.Background(), f.contractID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCustomerClose, contract.Status)

	// After the dispute window the watcher claims the posted balances.
	f.clock.Advance(window + time.Minute)
	closed := waitEvent[watcher.ClosedEvent](t, cw.Events())
	assert.Equal(t, f.deposits, closed.Final)

	rec, err := f.custStore.Channel("chan")
	require.NoError(t, err)
	assert.Equal(t, customer.StatusClosed, rec.Status)
}

func TestUnansweredExpiryForfeitsToMerchant(t *testing.T) {
	f := newFixture(t, "0")
	mw := f.runMerchantWatcher(t)
	waitEvent[watcher.FundedEvent](t, mw.Events())

	_, err := f.backend.Submit(context.Background(), escrow.Operation{
		Kind:       escrow.OpExpiry,
		ContractID: f.contractID,
	})
	require.NoError(t, err)

	// No customer watcher runs; the window lapses unanswered.
	f.clock.Advance(window + time.Minute)
	closed := waitEvent[watcher.ClosedEvent](t, mw.Events())
	assert.True(t, closed.Final.Customer.IsZero())
	assert.Equal(t, amount.MustParse("5.00", amount.XTZ), closed.Final.Merchant)

	rec, err := f.merchStore.Channel(f.channelID)
	require.NoError(t, err)
	assert.Equal(t, merchant.StatusClosed, rec.Status)
}

// failingBackend refuses customer close submissions, simulating a node
// that is unreachable for writes.
type failingBackend struct {
	*escrowmemory.Backend
}

func (b *failingBackend) Submit(ctx context.Context, op escrow.Operation) (escrow.OperationHash, error) {
	if op.Kind == escrow.OpCustomerClose {
		return "", errors.New("rpc: connection refused")
	}
	return b.Backend.Submit(ctx, op)
}

func TestAlertAfterExhaustedRetries(t *testing.T) {
	f := newFixture(t, "0")
	w := watcher.NewCustomer(watcher.CustomerConfig{
		Store:        f.custStore,
		Escrow:       &failingBackend{Backend: f.backend},
		PollInterval: 5 * time.Millisecond,
		Backoff:      testBackoff(),
		Now:          f.clock.Now,
	})
	f.start(t, func(ctx context.Context) error { return w.Run(ctx) })
	waitEvent[watcher.FundedEvent](t, w.Events())

	_, err := f.backend.Submit(context.Background(), escrow.Operation{
		Kind:       escrow.OpExpiry,
		ContractID: f.contractID,
	})
	require.NoError(t, err)

	// The corrective close cannot be submitted; the watcher gives up
	// after its retries and raises an alert instead of looping forever.
	alert := waitEvent[watcher.AlertEvent](t, w.Events())
	assert.Equal(t, escrow.OpCustomerClose, alert.Op)
	assert.ErrorIs(t, alert.Err, session.ErrRetriesExhausted)
}

func TestMerchantDisputesRevokedClose(t *testing.T) {
	f := newFixture(t, "0")
	mw := f.runMerchantWatcher(t)
	waitEvent[watcher.FundedEvent](t, mw.Events())

	// The customer's initial state was revoked by a payment; the
	// merchant holds its revocation secret.
	rec, err := f.custStore.Channel("chan")
	require.NoError(t, err)
	require.NoError(t, f.merchStore.RevealRevocation(rec.Revocation.Lock, rec.Revocation.Secret))

	// The revoked state is posted anyway.
	_, err = f.backend.Submit(context.Background(), escrow.Operation{
		Kind:             escrow.OpCustomerClose,
		ContractID:       f.contractID,
		ClosingState:     f.state.Closing(),
		ClosingSignature: f.key.SignClose(f.state.Closing().Commitment()),
	})
	require.NoError(t, err)

	waitEvent[watcher.DisputedEvent](t, mw.Events())
	closed := waitEvent[watcher.ClosedEvent](t, mw.Events())
	assert.True(t, closed.Final.Customer.IsZero())
	assert.Equal(t, amount.MustParse("5.00", amount.XTZ), closed.Final.Merchant)
}
