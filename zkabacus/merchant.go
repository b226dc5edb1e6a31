package zkabacus

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
)

// ErrProofInvalid is returned when a proof or signature fails verification.
// It rejects only the operation that carried it; the channel stays in its
// prior valid state.
var ErrProofInvalid = errors.New("proof verification failed")

const (
	domainClose    = "zkchannel-close/"
	domainPayToken = "zkchannel-paytoken/"
)

// MerchantKey is the merchant's long-term signing key material. It issues
// the closing signatures and pay tokens that make customer states usable.
type MerchantKey struct {
	priv ed25519.PrivateKey
}

// NewMerchantKey generates fresh merchant key material. A nil reader uses
// crypto/rand.
func NewMerchantKey(r io.Reader) (*MerchantKey, error) {
	_, priv, err := ed25519.GenerateKey(orDefault(r))
	if err != nil {
		return nil, fmt.Errorf("generating merchant key: %w", err)
	}
	return &MerchantKey{priv: priv}, nil
}

// MerchantKeyFromBytes restores key material previously stored with Bytes.
func MerchantKeyFromBytes(b []byte) (*MerchantKey, error) {
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("merchant key material: got %d bytes want %d", len(b), ed25519.PrivateKeySize)
	}
	return &MerchantKey{priv: ed25519.PrivateKey(append([]byte(nil), b...))}, nil
}

// Bytes returns the key material for persistent storage.
func (k *MerchantKey) Bytes() []byte {
	return append([]byte(nil), k.priv...)
}

// PublicParams returns the public parameters customers verify against.
func (k *MerchantKey) PublicParams() PublicParams {
	pub := k.priv.Public().(ed25519.PublicKey)
	return PublicParams{SigningKey: append([]byte(nil), pub...)}
}

// SignClose produces a closing signature over a closing state commitment.
// In the full protocol this is a blind signature; the customer is the only
// party able to bind it to the balances it commits to.
func (k *MerchantKey) SignClose(c Commitment) ClosingSignature {
	return ClosingSignature{Sig: ed25519.Sign(k.priv, append([]byte(domainClose), c[:]...))}
}

// IssuePayToken produces the pay token for a state commitment. Possession
// of a pay token over a state is what entitles the customer to pay from
// that state.
func (k *MerchantKey) IssuePayToken(c Commitment) PayToken {
	return PayToken{Sig: ed25519.Sign(k.priv, append([]byte(domainPayToken), c[:]...))}
}

// PublicParams is the merchant's public key material, obtained by customers
// through the parameters subprotocol.
type PublicParams struct {
	SigningKey []byte `json:"signing_key"`
}

// ClosingSignature authorizes settling a channel on the closing state its
// commitment binds.
type ClosingSignature struct {
	Sig []byte `json:"sig"`
}

// PayToken entitles the holder to pay from the state its commitment binds.
type PayToken struct {
	Sig []byte `json:"sig"`
}

// VerifyClose checks a closing signature against a closing state
// commitment.
func (p PublicParams) VerifyClose(c Commitment, sig ClosingSignature) error {
	return p.verify(domainClose, c, sig.Sig)
}

// VerifyPayToken checks a pay token against a state commitment.
func (p PublicParams) VerifyPayToken(c Commitment, tok PayToken) error {
	return p.verify(domainPayToken, c, tok.Sig)
}

func (p PublicParams) verify(domain string, c Commitment, sig []byte) error {
	if len(p.SigningKey) != ed25519.PublicKeySize {
		return fmt.Errorf("merchant public key: got %d bytes want %d", len(p.SigningKey), ed25519.PublicKeySize)
	}
	if !ed25519.Verify(ed25519.PublicKey(p.SigningKey), append([]byte(domain), c[:]...), sig) {
		return ErrProofInvalid
	}
	return nil
}
