package zkabacus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkchannels/zkchannel/amount"
)

func testDeposits() amount.Balances {
	return amount.Balances{
		Customer: amount.MustParse("5.00", amount.XTZ),
		Merchant: amount.New(0, amount.XTZ),
	}
}

func TestDeriveChannelID(t *testing.T) {
	cr, err := NewRandomness(nil)
	require.NoError(t, err)
	mr, err := NewRandomness(nil)
	require.NoError(t, err)
	key, err := NewMerchantKey(nil)
	require.NoError(t, err)

	id := DeriveChannelID(cr, mr, key.PublicParams().SigningKey)
	assert.Equal(t, id, DeriveChannelID(cr, mr, key.PublicParams().SigningKey))

	cr2, err := NewRandomness(nil)
	require.NoError(t, err)
	assert.NotEqual(t, id, DeriveChannelID(cr2, mr, key.PublicParams().SigningKey))
}

func TestRevocationPair(t *testing.T) {
	p, err := NewRevocationPair(nil)
	require.NoError(t, err)
	assert.True(t, p.Lock.Matches(p.Secret))

	other, err := NewRevocationPair(nil)
	require.NoError(t, err)
	assert.False(t, p.Lock.Matches(other.Secret))
}

func TestMerchantKeyRoundTrip(t *testing.T) {
	key, err := NewMerchantKey(nil)
	require.NoError(t, err)

	restored, err := MerchantKeyFromBytes(key.Bytes())
	require.NoError(t, err)
	assert.Equal(t, key.PublicParams(), restored.PublicParams())

	_, err = MerchantKeyFromBytes([]byte("short"))
	assert.Error(t, err)
}

func TestClosingSignatureAndPayToken(t *testing.T) {
	key, err := NewMerchantKey(nil)
	require.NoError(t, err)
	params := key.PublicParams()

	cr, _ := NewRandomness(nil)
	mr, _ := NewRandomness(nil)
	id := DeriveChannelID(cr, mr, params.SigningKey)
	state, _, err := NewInitialState(nil, id, testDeposits())
	require.NoError(t, err)

	sig := key.SignClose(state.Closing().Commitment())
	require.NoError(t, params.VerifyClose(state.Closing().Commitment(), sig))
	assert.ErrorIs(t, params.VerifyClose(state.Commitment(), sig), ErrProofInvalid)

	tok := key.IssuePayToken(state.Commitment())
	require.NoError(t, params.VerifyPayToken(state.Commitment(), tok))
	assert.ErrorIs(t, params.VerifyPayToken(state.Closing().Commitment(), tok), ErrProofInvalid)
}

func TestEstablishProof(t *testing.T) {
	key, err := NewMerchantKey(nil)
	require.NoError(t, err)
	cr, _ := NewRandomness(nil)
	mr, _ := NewRandomness(nil)
	id := DeriveChannelID(cr, mr, key.PublicParams().SigningKey)
	deposits := testDeposits()

	state, _, err := NewInitialState(nil, id, deposits)
	require.NoError(t, err)

	proof := ProveEstablish(state)
	require.NoError(t, proof.Verify(id, deposits))

	// Wrong channel ID.
	var wrongID ChannelID
	assert.ErrorIs(t, proof.Verify(wrongID, deposits), ErrProofInvalid)

	// Tampered deposits.
	tampered := proof
	tampered.Deposits.Customer = amount.MustParse("6.00", amount.XTZ)
	assert.Error(t, tampered.Verify(id, tampered.Deposits))
}

func TestPayProof(t *testing.T) {
	key, err := NewMerchantKey(nil)
	require.NoError(t, err)
	params := key.PublicParams()
	cr, _ := NewRandomness(nil)
	mr, _ := NewRandomness(nil)
	id := DeriveChannelID(cr, mr, params.SigningKey)

	state, _, err := NewInitialState(nil, id, testDeposits())
	require.NoError(t, err)
	tok := key.IssuePayToken(state.Commitment())

	pay := amount.MustParse("0.005", amount.XTZ)
	next, _, err := state.Next(nil, pay)
	require.NoError(t, err)

	proof := ProvePay(state, next, tok, pay)
	require.NoError(t, proof.Verify(params))
	assert.Equal(t, state.Nonce, proof.Nonce)

	// A proof carrying a token that was never issued fails.
	forged := ProvePay(state, next, PayToken{Sig: []byte("forged")}, pay)
	assert.ErrorIs(t, forged.Verify(params), ErrProofInvalid)

	// Tampering with the amount after proving fails the tag check.
	tampered := proof
	tampered.Amount = amount.MustParse("0.001", amount.XTZ)
	assert.ErrorIs(t, tampered.Verify(params), ErrProofInvalid)
}

func TestNextRejectsOverdraft(t *testing.T) {
	key, err := NewMerchantKey(nil)
	require.NoError(t, err)
	cr, _ := NewRandomness(nil)
	mr, _ := NewRandomness(nil)
	id := DeriveChannelID(cr, mr, key.PublicParams().SigningKey)

	state, _, err := NewInitialState(nil, id, testDeposits())
	require.NoError(t, err)

	_, _, err = state.Next(nil, amount.MustParse("6.00", amount.XTZ))
	assert.Error(t, err)
}
