package zkabacus

import (
	"bytes"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/sha3"
)

// RevocationLock is a hiding commitment to a revocation secret. Revealing
// the secret for a lock revokes the channel state the lock was bound to:
// closing on a revoked state forfeits the closer's balance.
type RevocationLock [32]byte

// RevocationSecret is the opening of a RevocationLock.
type RevocationSecret [32]byte

func (l RevocationLock) String() string   { return hex.EncodeToString(l[:]) }
func (s RevocationSecret) String() string { return hex.EncodeToString(s[:]) }

func (l RevocationLock) MarshalText() ([]byte, error)    { return marshalHex(l[:]) }
func (l *RevocationLock) UnmarshalText(b []byte) error   { return unmarshalHex(l[:], b) }
func (s RevocationSecret) MarshalText() ([]byte, error)  { return marshalHex(s[:]) }
func (s *RevocationSecret) UnmarshalText(b []byte) error { return unmarshalHex(s[:], b) }

// Matches reports whether the secret is the opening of the lock.
func (l RevocationLock) Matches(s RevocationSecret) bool {
	var sum [32]byte
	sha3.ShakeSum256(sum[:], s[:])
	return bytes.Equal(sum[:], l[:])
}

// RevocationPair is a freshly generated lock and its secret. The secret is
// revealed at most once, when the customer authorizes progression past the
// state the lock is bound to.
type RevocationPair struct {
	Lock   RevocationLock
	Secret RevocationSecret
}

// NewRevocationPair generates a random revocation lock/secret pair. A nil
// reader uses crypto/rand.
func NewRevocationPair(r io.Reader) (RevocationPair, error) {
	var p RevocationPair
	if _, err := io.ReadFull(orDefault(r), p.Secret[:]); err != nil {
		return RevocationPair{}, err
	}
	sha3.ShakeSum256(p.Lock[:], p.Secret[:])
	return p, nil
}
