// Package bolt persists the customer and merchant stores in a single
// bbolt database file, so separate command invocations share channel
// state. Records are stored as JSON; nonce and revocation uniqueness are
// key-existence checks inside the same write transaction that inserts
// them.
package bolt

import (
	"encoding/json"
	"fmt"

	bbolt "go.etcd.io/bbolt"

	"github.com/zkchannels/zkchannel/customer"
	"github.com/zkchannels/zkchannel/merchant"
	"github.com/zkchannels/zkchannel/storage"
	"github.com/zkchannels/zkchannel/zkabacus"
)

var (
	bucketCustomerChannels = []byte("customer_channels")
	bucketCustomerIndex    = []byte("customer_channel_ids")
	bucketMerchantChannels = []byte("merchant_channels")
	bucketNonces           = []byte("nonces")
	bucketRevocations      = []byte("revocations")
	bucketMeta             = []byte("meta")
)

var keySigningKey = []byte("signing_key")

// DB is an open store file. One DB serves both party stores; a binary
// normally uses only the one for its role.
type DB struct {
	db *bbolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*DB, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketCustomerChannels, bucketCustomerIndex,
			bucketMerchantChannels, bucketNonces,
			bucketRevocations, bucketMeta,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("preparing database %s: %w", path, err)
	}
	return &DB{db: db}, nil
}

// Close releases the file lock.
func (d *DB) Close() error { return d.db.Close() }

// CustomerStore returns a customer.Store over the database.
func (d *DB) CustomerStore() *CustomerStore { return &CustomerStore{db: d.db} }

// MerchantStore returns a merchant.Store over the database.
func (d *DB) MerchantStore() *MerchantStore { return &MerchantStore{db: d.db} }

// CustomerStore implements customer.Store. Labels and channel IDs are
// both unique; the index bucket maps channel ID back to label.
type CustomerStore struct {
	db *bbolt.DB
}

func (s *CustomerStore) CreateChannel(r customer.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		channels := tx.Bucket(bucketCustomerChannels)
		index := tx.Bucket(bucketCustomerIndex)
		if channels.Get([]byte(r.Label)) != nil {
			return storage.ErrChannelExists
		}
		if index.Get(r.ChannelID[:]) != nil {
			return storage.ErrChannelExists
		}
		if err := putJSON(channels, []byte(r.Label), r); err != nil {
			return err
		}
		return index.Put(r.ChannelID[:], []byte(r.Label))
	})
}

func (s *CustomerStore) UpdateChannel(label string, fn func(*customer.Record) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		channels := tx.Bucket(bucketCustomerChannels)
		raw := channels.Get([]byte(label))
		if raw == nil {
			return storage.ErrNotFound
		}
		var rec customer.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decoding channel %s: %w", label, err)
		}
		if err := fn(&rec); err != nil {
			return err
		}
		return putJSON(channels, []byte(label), rec)
	})
}

func (s *CustomerStore) Channel(label string) (customer.Record, error) {
	var rec customer.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketCustomerChannels).Get([]byte(label))
		if raw == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(raw, &rec)
	})
	return rec, err
}

func (s *CustomerStore) Channels() ([]customer.Record, error) {
	var out []customer.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		// bbolt iterates keys in byte order, which is label order.
		return tx.Bucket(bucketCustomerChannels).ForEach(func(_, raw []byte) error {
			var rec customer.Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// MerchantStore implements merchant.Store. Nonce and revocation sets are
// global across channels.
type MerchantStore struct {
	db *bbolt.DB
}

func (s *MerchantStore) CreateChannel(r merchant.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		channels := tx.Bucket(bucketMerchantChannels)
		if channels.Get(r.ChannelID[:]) != nil {
			return storage.ErrChannelExists
		}
		return putJSON(channels, r.ChannelID[:], r)
	})
}

func (s *MerchantStore) UpdateChannel(id zkabacus.ChannelID, fn func(*merchant.Record) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		channels := tx.Bucket(bucketMerchantChannels)
		raw := channels.Get(id[:])
		if raw == nil {
			return storage.ErrNotFound
		}
		var rec merchant.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decoding channel %s: %w", id, err)
		}
		if err := fn(&rec); err != nil {
			return err
		}
		return putJSON(channels, id[:], rec)
	})
}

func (s *MerchantStore) Channel(id zkabacus.ChannelID) (merchant.Record, error) {
	var rec merchant.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketMerchantChannels).Get(id[:])
		if raw == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(raw, &rec)
	})
	return rec, err
}

func (s *MerchantStore) Channels() ([]merchant.Record, error) {
	var out []merchant.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMerchantChannels).ForEach(func(_, raw []byte) error {
			var rec merchant.Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func (s *MerchantStore) InsertNonce(n zkabacus.Nonce) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		nonces := tx.Bucket(bucketNonces)
		if nonces.Get(n[:]) != nil {
			return storage.ErrNonceExists
		}
		return nonces.Put(n[:], []byte{})
	})
}

func (s *MerchantStore) RevealRevocation(l zkabacus.RevocationLock, secret zkabacus.RevocationSecret) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		revocations := tx.Bucket(bucketRevocations)
		if revocations.Get(l[:]) != nil {
			return storage.ErrRevocationExists
		}
		return revocations.Put(l[:], secret[:])
	})
}

func (s *MerchantStore) RevealedSecret(l zkabacus.RevocationLock) (zkabacus.RevocationSecret, bool, error) {
	var secret zkabacus.RevocationSecret
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketRevocations).Get(l[:])
		if raw == nil {
			return nil
		}
		copy(secret[:], raw)
		ok = true
		return nil
	})
	return secret, ok, err
}

func (s *MerchantStore) SigningKey() ([]byte, error) {
	var key []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keySigningKey)
		if raw == nil {
			return storage.ErrNotFound
		}
		key = append([]byte(nil), raw...)
		return nil
	})
	return key, err
}

func (s *MerchantStore) StoreSigningKey(b []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keySigningKey, append([]byte(nil), b...))
	})
}

func putJSON(b *bbolt.Bucket, key []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, raw)
}
