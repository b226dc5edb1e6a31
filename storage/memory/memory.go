// Package memory implements the customer and merchant stores as
// mutex-guarded in-process maps. Updates run under the store lock, which
// makes UpdateChannel's closure a serializable per-store transaction.
package memory

import (
	"sort"
	"sync"

	"github.com/zkchannels/zkchannel/customer"
	"github.com/zkchannels/zkchannel/merchant"
	"github.com/zkchannels/zkchannel/storage"
	"github.com/zkchannels/zkchannel/zkabacus"
)

// CustomerStore implements customer.Store.
type CustomerStore struct {
	mu       sync.Mutex
	channels map[string]customer.Record
	byID     map[zkabacus.ChannelID]string
}

// NewCustomerStore returns an empty store.
func NewCustomerStore() *CustomerStore {
	return &CustomerStore{
		channels: map[string]customer.Record{},
		byID:     map[zkabacus.ChannelID]string{},
	}
}

func (s *CustomerStore) CreateChannel(r customer.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[r.Label]; ok {
		return storage.ErrChannelExists
	}
	if _, ok := s.byID[r.ChannelID]; ok {
		return storage.ErrChannelExists
	}
	s.channels[r.Label] = copyCustomerRecord(r)
	s.byID[r.ChannelID] = r.Label
	return nil
}

func (s *CustomerStore) UpdateChannel(label string, fn func(*customer.Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.channels[label]
	if !ok {
		return storage.ErrNotFound
	}
	updated := copyCustomerRecord(r)
	if err := fn(&updated); err != nil {
		return err
	}
	s.channels[label] = updated
	return nil
}

func (s *CustomerStore) Channel(label string) (customer.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.channels[label]
	if !ok {
		return customer.Record{}, storage.ErrNotFound
	}
	return copyCustomerRecord(r), nil
}

func (s *CustomerStore) Channels() ([]customer.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]customer.Record, 0, len(s.channels))
	for _, r := range s.channels {
		out = append(out, copyCustomerRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

func copyCustomerRecord(r customer.Record) customer.Record {
	if r.FinalBalances != nil {
		final := *r.FinalBalances
		r.FinalBalances = &final
	}
	return r
}

// MerchantStore implements merchant.Store. Nonce and revocation sets are
// global across channels.
type MerchantStore struct {
	mu          sync.Mutex
	channels    map[zkabacus.ChannelID]merchant.Record
	nonces      map[zkabacus.Nonce]struct{}
	revocations map[zkabacus.RevocationLock]zkabacus.RevocationSecret
	signingKey  []byte
}

// NewMerchantStore returns an empty store.
func NewMerchantStore() *MerchantStore {
	return &MerchantStore{
		channels:    map[zkabacus.ChannelID]merchant.Record{},
		nonces:      map[zkabacus.Nonce]struct{}{},
		revocations: map[zkabacus.RevocationLock]zkabacus.RevocationSecret{},
	}
}

func (s *MerchantStore) CreateChannel(r merchant.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[r.ChannelID]; ok {
		return storage.ErrChannelExists
	}
	s.channels[r.ChannelID] = copyMerchantRecord(r)
	return nil
}

func (s *MerchantStore) UpdateChannel(id zkabacus.ChannelID, fn func(*merchant.Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.channels[id]
	if !ok {
		return storage.ErrNotFound
	}
	updated := copyMerchantRecord(r)
	if err := fn(&updated); err != nil {
		return err
	}
	s.channels[id] = updated
	return nil
}

func (s *MerchantStore) Channel(id zkabacus.ChannelID) (merchant.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.channels[id]
	if !ok {
		return merchant.Record{}, storage.ErrNotFound
	}
	return copyMerchantRecord(r), nil
}

func (s *MerchantStore) Channels() ([]merchant.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]merchant.Record, 0, len(s.channels))
	for _, r := range s.channels {
		out = append(out, copyMerchantRecord(r))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ChannelID.String() < out[j].ChannelID.String()
	})
	return out, nil
}

func (s *MerchantStore) InsertNonce(n zkabacus.Nonce) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nonces[n]; ok {
		return storage.ErrNonceExists
	}
	s.nonces[n] = struct{}{}
	return nil
}

func (s *MerchantStore) RevealRevocation(l zkabacus.RevocationLock, secret zkabacus.RevocationSecret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.revocations[l]; ok {
		return storage.ErrRevocationExists
	}
	s.revocations[l] = secret
	return nil
}

func (s *MerchantStore) RevealedSecret(l zkabacus.RevocationLock) (zkabacus.RevocationSecret, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	secret, ok := s.revocations[l]
	return secret, ok, nil
}

func (s *MerchantStore) SigningKey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signingKey == nil {
		return nil, storage.ErrNotFound
	}
	out := make([]byte, len(s.signingKey))
	copy(out, s.signingKey)
	return out, nil
}

func (s *MerchantStore) StoreSigningKey(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signingKey = make([]byte, len(b))
	copy(s.signingKey, b)
	return nil
}

func copyMerchantRecord(r merchant.Record) merchant.Record {
	if r.FinalBalances != nil {
		final := *r.FinalBalances
		r.FinalBalances = &final
	}
	return r
}
