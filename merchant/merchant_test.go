package merchant_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkchannels/zkchannel/amount"
	"github.com/zkchannels/zkchannel/escrow"
	escrowmemory "github.com/zkchannels/zkchannel/escrow/memory"
	"github.com/zkchannels/zkchannel/merchant"
	"github.com/zkchannels/zkchannel/storage"
	"github.com/zkchannels/zkchannel/storage/memory"
	"github.com/zkchannels/zkchannel/zkabacus"
)

func TestStatusTransitions(t *testing.T) {
	r := &merchant.Record{Status: merchant.StatusOriginated}

	require.NoError(t, r.TransitionTo(merchant.StatusCustomerFunded))
	require.NoError(t, r.TransitionTo(merchant.StatusActive))
	require.NoError(t, r.TransitionTo(merchant.StatusActive)) // no-op
	require.NoError(t, r.TransitionTo(merchant.StatusPendingClose))

	// Backwards and skipping moves are rejected.
	assert.Error(t, r.TransitionTo(merchant.StatusActive))
	assert.Error(t, r.TransitionTo(merchant.StatusOriginated))

	require.NoError(t, r.TransitionTo(merchant.StatusDispute))
	require.NoError(t, r.TransitionTo(merchant.StatusClosed))
	assert.Error(t, r.TransitionTo(merchant.StatusDispute))
}

func TestExpirePostsExpiry(t *testing.T) {
	backend := escrowmemory.New()
	store := memory.NewMerchantStore()

	key, err := zkabacus.NewMerchantKey(nil)
	require.NoError(t, err)

	var id zkabacus.ChannelID
	id[0] = 0xaa
	contractID := escrow.ContractIDForChannel(id)
	deposits := amount.Balances{
		Customer: amount.MustParse("3.00", amount.XTZ),
		Merchant: amount.New(0, amount.XTZ),
	}
	ctx := context.Background()
	_, err = backend.Submit(ctx, escrow.Operation{
		Kind:           escrow.OpOriginate,
		ContractID:     contractID,
		ChannelID:      id,
		MerchantParams: key.PublicParams(),
		Deposits:       deposits,
		DisputeWindow:  time.Hour,
	})
	require.NoError(t, err)
	_, err = backend.Submit(ctx, escrow.Operation{Kind: escrow.OpFundCustomer, ContractID: contractID})
	require.NoError(t, err)

	require.NoError(t, store.CreateChannel(merchant.Record{
		ChannelID:  id,
		ContractID: contractID,
		Status:     merchant.StatusActive,
		Deposits:   deposits,
		Balances:   deposits,
	}))

	srv := merchant.New(merchant.Config{Store: store, Key: key, Escrow: backend})
	require.NoError(t, srv.Expire(ctx, id))

	contract, err := backend.ContractState(ctx, contractID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusExpiry, contract.Status)

	rec, err := store.Channel(id)
	require.NoError(t, err)
	assert.Equal(t, merchant.StatusPendingClose, rec.Status)

	// Expiring twice is idempotent on chain.
	require.NoError(t, srv.Expire(ctx, id))
}

func TestExpireUnknownChannel(t *testing.T) {
	store := memory.NewMerchantStore()
	key, err := zkabacus.NewMerchantKey(nil)
	require.NoError(t, err)
	srv := merchant.New(merchant.Config{Store: store, Key: key, Escrow: escrowmemory.New()})

	var id zkabacus.ChannelID
	err = srv.Expire(context.Background(), id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
