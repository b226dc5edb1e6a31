package zkabacus

import (
	"fmt"

	"github.com/zkchannels/zkchannel/amount"
)

// EstablishProof shows that a channel's initial state commits to the agreed
// deposits under the agreed channel ID.
type EstablishProof struct {
	ChannelID       ChannelID       `json:"channel_id"`
	Deposits        amount.Balances `json:"deposits"`
	StateCommitment Commitment      `json:"state_commitment"`
	CloseCommitment Commitment      `json:"close_commitment"`
	Tag             Commitment      `json:"tag"`
}

// ProveEstablish builds the establishment proof for state zero.
func ProveEstablish(s State) EstablishProof {
	p := EstablishProof{
		ChannelID:       s.ChannelID,
		Deposits:        s.Balances,
		StateCommitment: s.Commitment(),
		CloseCommitment: s.Closing().Commitment(),
	}
	p.Tag = p.tag()
	return p
}

func (p EstablishProof) tag() Commitment {
	return digest(struct {
		Domain string
		P      EstablishProof
	}{"zkchannel-establish-proof", EstablishProof{
		ChannelID:       p.ChannelID,
		Deposits:        p.Deposits,
		StateCommitment: p.StateCommitment,
		CloseCommitment: p.CloseCommitment,
	}})
}

// Verify checks the proof against the channel ID and deposits the merchant
// agreed to.
func (p EstablishProof) Verify(id ChannelID, deposits amount.Balances) error {
	if p.ChannelID != id {
		return fmt.Errorf("establish proof channel id mismatch: %w", ErrProofInvalid)
	}
	if p.Deposits != deposits {
		return fmt.Errorf("establish proof deposit mismatch: %w", ErrProofInvalid)
	}
	if err := p.Deposits.Validate(); err != nil {
		return fmt.Errorf("establish proof deposits: %w", err)
	}
	if p.Tag != p.tag() {
		return fmt.Errorf("establish proof tag: %w", ErrProofInvalid)
	}
	return nil
}

// PayProof shows that a payment of Amount is backed by a merchant-signed
// channel state, without identifying the state or the channel. Nonce is the
// paying state's nonce; accepting it spends that state.
type PayProof struct {
	Nonce           Nonce         `json:"nonce"`
	Amount          amount.Amount `json:"amount"`
	OldCommitment   Commitment    `json:"old_commitment"`
	OldPayToken     PayToken      `json:"old_pay_token"`
	StateCommitment Commitment    `json:"state_commitment"`
	CloseCommitment Commitment    `json:"close_commitment"`
	Tag             Commitment    `json:"tag"`
}

// ProvePay builds the payment proof carrying the old state's pay token and
// commitments to the successor state.
func ProvePay(old, next State, oldToken PayToken, pay amount.Amount) PayProof {
	p := PayProof{
		Nonce:           old.Nonce,
		Amount:          pay,
		OldCommitment:   old.Commitment(),
		OldPayToken:     oldToken,
		StateCommitment: next.Commitment(),
		CloseCommitment: next.Closing().Commitment(),
	}
	p.Tag = p.tag()
	return p
}

func (p PayProof) tag() Commitment {
	return digest(struct {
		Domain string
		P      PayProof
	}{"zkchannel-pay-proof", PayProof{
		Nonce:           p.Nonce,
		Amount:          p.Amount,
		OldCommitment:   p.OldCommitment,
		OldPayToken:     p.OldPayToken,
		StateCommitment: p.StateCommitment,
		CloseCommitment: p.CloseCommitment,
	}})
}

// Verify checks the proof under the merchant's public parameters: the old
// state must carry a valid pay token, and the proof must be internally
// consistent. Nonce freshness is enforced separately by the merchant's
// store.
func (p PayProof) Verify(params PublicParams) error {
	if p.Tag != p.tag() {
		return fmt.Errorf("pay proof tag: %w", ErrProofInvalid)
	}
	if err := params.VerifyPayToken(p.OldCommitment, p.OldPayToken); err != nil {
		return fmt.Errorf("pay proof old state token: %w", err)
	}
	return nil
}
