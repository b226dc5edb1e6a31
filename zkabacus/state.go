package zkabacus

import (
	"io"

	"github.com/zkchannels/zkchannel/amount"
)

// State is one off-chain channel state held by the customer. The merchant
// never sees a State, only commitments to it and proofs about it.
type State struct {
	ChannelID      ChannelID       `json:"channel_id"`
	Nonce          Nonce           `json:"nonce"`
	RevocationLock RevocationLock  `json:"revocation_lock"`
	Balances       amount.Balances `json:"balances"`
}

// NewInitialState creates state zero of a channel from the agreed deposits.
func NewInitialState(r io.Reader, id ChannelID, deposits amount.Balances) (State, RevocationPair, error) {
	nonce, err := NewNonce(r)
	if err != nil {
		return State{}, RevocationPair{}, err
	}
	pair, err := NewRevocationPair(r)
	if err != nil {
		return State{}, RevocationPair{}, err
	}
	s := State{
		ChannelID:      id,
		Nonce:          nonce,
		RevocationLock: pair.Lock,
		Balances:       deposits,
	}
	return s, pair, nil
}

// Next derives the successor state after a payment of pay, with a fresh
// nonce and revocation lock. The old state's revocation secret must be
// revealed to the merchant before the successor becomes usable.
func (s State) Next(r io.Reader, pay amount.Amount) (State, RevocationPair, error) {
	balances, err := s.Balances.ApplyPayment(pay)
	if err != nil {
		return State{}, RevocationPair{}, err
	}
	nonce, err := NewNonce(r)
	if err != nil {
		return State{}, RevocationPair{}, err
	}
	pair, err := NewRevocationPair(r)
	if err != nil {
		return State{}, RevocationPair{}, err
	}
	next := State{
		ChannelID:      s.ChannelID,
		Nonce:          nonce,
		RevocationLock: pair.Lock,
		Balances:       balances,
	}
	return next, pair, nil
}

// Commitment returns the binding commitment to the state.
func (s State) Commitment() Commitment {
	return digest(struct {
		Domain string
		State  State
	}{"zkchannel-state", s})
}

// Closing returns the closing state derived from s: what gets posted on
// chain when closing on this state.
func (s State) Closing() ClosingState {
	return ClosingState{
		ChannelID:      s.ChannelID,
		RevocationLock: s.RevocationLock,
		Balances:       s.Balances,
	}
}

// ClosingState is the on-chain settlement form of a channel state: the
// balances to disburse and the revocation lock the dispute period checks
// against.
type ClosingState struct {
	ChannelID      ChannelID       `json:"channel_id"`
	RevocationLock RevocationLock  `json:"revocation_lock"`
	Balances       amount.Balances `json:"balances"`
}

// Commitment returns the binding commitment to the closing state.
func (cs ClosingState) Commitment() Commitment {
	return digest(struct {
		Domain string
		State  ClosingState
	}{"zkchannel-closing", cs})
}
