package bolt_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkchannels/zkchannel/amount"
	"github.com/zkchannels/zkchannel/customer"
	"github.com/zkchannels/zkchannel/merchant"
	"github.com/zkchannels/zkchannel/storage"
	"github.com/zkchannels/zkchannel/storage/bolt"
	"github.com/zkchannels/zkchannel/zkabacus"
)

func openDB(t *testing.T) (*bolt.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "channels.db")
	db, err := bolt.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, path
}

func channelID(b byte) zkabacus.ChannelID {
	var id zkabacus.ChannelID
	id[0] = b
	return id
}

func TestCustomerChannelsPersistAcrossReopen(t *testing.T) {
	db, path := openDB(t)
	s := db.CustomerStore()

	rec := customer.Record{
		Label:     "groceries",
		ChannelID: channelID(1),
		Status:    customer.StatusReady,
		Deposits: amount.Balances{
			Customer: amount.MustParse("5.00", amount.XTZ),
			Merchant: amount.New(0, amount.XTZ),
		},
	}
	rec.State.ChannelID = rec.ChannelID
	rec.State.Balances = rec.Deposits
	require.NoError(t, s.CreateChannel(rec))
	require.NoError(t, db.Close())

	reopened, err := bolt.Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.CustomerStore().Channel("groceries")
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestCustomerCreateDuplicates(t *testing.T) {
	db, _ := openDB(t)
	s := db.CustomerStore()
	require.NoError(t, s.CreateChannel(customer.Record{Label: "a", ChannelID: channelID(1)}))

	err := s.CreateChannel(customer.Record{Label: "a", ChannelID: channelID(2)})
	assert.ErrorIs(t, err, storage.ErrChannelExists, "duplicate label")

	err = s.CreateChannel(customer.Record{Label: "b", ChannelID: channelID(1)})
	assert.ErrorIs(t, err, storage.ErrChannelExists, "duplicate channel id")
}

func TestCustomerUpdateRollsBackOnError(t *testing.T) {
	db, _ := openDB(t)
	s := db.CustomerStore()
	require.NoError(t, s.CreateChannel(customer.Record{
		Label:     "a",
		ChannelID: channelID(1),
		Status:    customer.StatusReady,
	}))

	boom := errors.New("boom")
	err := s.UpdateChannel("a", func(r *customer.Record) error {
		r.Status = customer.StatusClosed
		return boom
	})
	assert.ErrorIs(t, err, boom)

	rec, err := s.Channel("a")
	require.NoError(t, err)
	assert.Equal(t, customer.StatusReady, rec.Status)

	err = s.UpdateChannel("absent", func(*customer.Record) error { return nil })
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCustomerChannelsSortedByLabel(t *testing.T) {
	db, _ := openDB(t)
	s := db.CustomerStore()
	require.NoError(t, s.CreateChannel(customer.Record{Label: "charlie", ChannelID: channelID(3)}))
	require.NoError(t, s.CreateChannel(customer.Record{Label: "alice", ChannelID: channelID(1)}))
	require.NoError(t, s.CreateChannel(customer.Record{Label: "bob", ChannelID: channelID(2)}))

	recs, err := s.Channels()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "alice", recs[0].Label)
	assert.Equal(t, "bob", recs[1].Label)
	assert.Equal(t, "charlie", recs[2].Label)
}

func TestMerchantNoncesAndRevocationsPersist(t *testing.T) {
	db, path := openDB(t)
	s := db.MerchantStore()

	n, err := zkabacus.NewNonce(nil)
	require.NoError(t, err)
	pair, err := zkabacus.NewRevocationPair(nil)
	require.NoError(t, err)

	require.NoError(t, s.InsertNonce(n))
	require.NoError(t, s.RevealRevocation(pair.Lock, pair.Secret))
	require.NoError(t, db.Close())

	reopened, err := bolt.Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	s = reopened.MerchantStore()

	assert.ErrorIs(t, s.InsertNonce(n), storage.ErrNonceExists)
	assert.ErrorIs(t, s.RevealRevocation(pair.Lock, pair.Secret), storage.ErrRevocationExists)

	secret, ok, err := s.RevealedSecret(pair.Lock)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pair.Secret, secret)
}

func TestMerchantSigningKeyPersists(t *testing.T) {
	db, path := openDB(t)
	s := db.MerchantStore()

	_, err := s.SigningKey()
	assert.ErrorIs(t, err, storage.ErrNotFound)

	key, err := zkabacus.NewMerchantKey(nil)
	require.NoError(t, err)
	require.NoError(t, s.StoreSigningKey(key.Bytes()))
	require.NoError(t, db.Close())

	reopened, err := bolt.Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.MerchantStore().SigningKey()
	require.NoError(t, err)
	assert.Equal(t, key.Bytes(), got)
}

func TestMerchantChannelUpdate(t *testing.T) {
	db, _ := openDB(t)
	s := db.MerchantStore()
	id := channelID(7)
	require.NoError(t, s.CreateChannel(merchant.Record{ChannelID: id, Status: merchant.StatusActive}))
	assert.ErrorIs(t, s.CreateChannel(merchant.Record{ChannelID: id}), storage.ErrChannelExists)

	require.NoError(t, s.UpdateChannel(id, func(r *merchant.Record) error {
		return r.TransitionTo(merchant.StatusPendingClose)
	}))
	rec, err := s.Channel(id)
	require.NoError(t, err)
	assert.Equal(t, merchant.StatusPendingClose, rec.Status)
}
