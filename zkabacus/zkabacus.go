// Package zkabacus provides the cryptographic objects exchanged by the
// zkChannels protocol: channel identifiers, payment nonces, revocation
// lock/secret pairs, establish and pay proofs, blind closing signatures and
// pay tokens.
//
// The proof system implemented here is a development-grade stand-in: it
// preserves the shapes, the verification call sites and the unlinkability
// of the message flow (the merchant verifies possession of a signed state
// commitment, never the state itself), but it does not hide the committed
// values from a party that obtains the openings. A production deployment
// replaces this package behind the same API.
package zkabacus

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/sha3"
)

// ChannelID is the fixed-size identifier of a channel, derived from both
// parties' randomness and the merchant's public key at establishment.
type ChannelID [32]byte

// Randomness is a party's contribution to the channel ID derivation.
type Randomness [16]byte

// Nonce is a single-use value generated by the customer per payment
// attempt. The merchant's store enforces that no nonce is ever accepted
// twice for the lifetime of the merchant.
type Nonce [16]byte

// Commitment is a binding commitment to a channel state or closing state.
type Commitment [32]byte

func (id ChannelID) String() string { return hex.EncodeToString(id[:]) }
func (n Nonce) String() string      { return hex.EncodeToString(n[:]) }
func (c Commitment) String() string { return hex.EncodeToString(c[:]) }

// MarshalText implementations keep the fixed-size identifiers readable in
// JSON message bodies and the status endpoint.

func (id ChannelID) MarshalText() ([]byte, error)  { return marshalHex(id[:]) }
func (id *ChannelID) UnmarshalText(b []byte) error { return unmarshalHex(id[:], b) }
func (n Nonce) MarshalText() ([]byte, error)       { return marshalHex(n[:]) }
func (n *Nonce) UnmarshalText(b []byte) error      { return unmarshalHex(n[:], b) }
func (c Commitment) MarshalText() ([]byte, error)  { return marshalHex(c[:]) }
func (c *Commitment) UnmarshalText(b []byte) error { return unmarshalHex(c[:], b) }

func marshalHex(b []byte) ([]byte, error) {
	return []byte(hex.EncodeToString(b)), nil
}

func unmarshalHex(dst []byte, src []byte) error {
	b, err := hex.DecodeString(string(src))
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("decoding fixed-size value: got %d bytes want %d", len(b), len(dst))
	}
	copy(dst, b)
	return nil
}

// NewRandomness returns fresh channel ID derivation randomness.
func NewRandomness(r io.Reader) (Randomness, error) {
	var rnd Randomness
	_, err := io.ReadFull(orDefault(r), rnd[:])
	return rnd, err
}

// NewNonce returns a fresh payment nonce.
func NewNonce(r io.Reader) (Nonce, error) {
	var n Nonce
	_, err := io.ReadFull(orDefault(r), n[:])
	return n, err
}

// DeriveChannelID derives the channel identifier from the two parties'
// randomness and the merchant's public signing key.
func DeriveChannelID(customer, merchant Randomness, merchantKey []byte) ChannelID {
	h := sha3.New256()
	h.Write(customer[:])
	h.Write(merchant[:])
	h.Write(merchantKey)
	var id ChannelID
	h.Sum(id[:0])
	return id
}

func orDefault(r io.Reader) io.Reader {
	if r == nil {
		return rand.Reader
	}
	return r
}

// digest computes the commitment digest of any JSON-marshallable value.
func digest(v interface{}) Commitment {
	b, err := json.Marshal(v)
	if err != nil {
		// All committed types marshal without error.
		panic(fmt.Sprintf("marshaling for digest: %v", err))
	}
	var c Commitment
	sha3.ShakeSum256(c[:], b)
	return c
}
