package merchant

import (
	"context"
	"errors"
	"fmt"

	"github.com/zkchannels/zkchannel/amount"
	"github.com/zkchannels/zkchannel/escrow"
	"github.com/zkchannels/zkchannel/protocol"
	"github.com/zkchannels/zkchannel/session"
	"github.com/zkchannels/zkchannel/storage"
	"github.com/zkchannels/zkchannel/zkabacus"
)

// staging is the merchant's in-session scratch state. Nothing in it is
// persisted until the step that commits it; an abandoned session drops
// it with no effect except already-burned nonces.
type staging struct {
	// establish
	establish *protocol.EstablishRequest

	// pay
	payAmount       amount.Amount
	newBalances     amount.Balances
	stateCommitment zkabacus.Commitment
	payChannel      zkabacus.ChannelID
}

func stagingOf(sess *session.ServerSession) *staging {
	if st, ok := sess.State.(*staging); ok {
		return st
	}
	st := &staging{}
	sess.State = st
	return st
}

func (m *Server) handleParamsRequest(_ context.Context, _ *session.ServerSession, _ protocol.Message) (*protocol.Message, error) {
	randomness, err := zkabacus.NewRandomness(m.rand)
	if err != nil {
		return nil, err
	}
	return &protocol.Message{
		Type: protocol.TypeParamsResponse,
		ParamsResponse: &protocol.ParamsResponse{
			Params:        m.key.PublicParams(),
			Randomness:    randomness,
			EscrowAddress: m.escrowAddress,
			DisputeWindow: m.disputeWindow,
		},
	}, nil
}

func (m *Server) handleEstablishRequest(_ context.Context, sess *session.ServerSession, msg protocol.Message) (*protocol.Message, error) {
	req := msg.EstablishRequest

	derived := zkabacus.DeriveChannelID(req.CustomerRandomness, req.MerchantRandomness, m.key.PublicParams().SigningKey)
	if derived != req.ChannelID {
		return reject(protocol.RejectCodeProofInvalid, "channel ID does not derive from the shared randomness"), nil
	}
	if err := req.Deposits.Validate(); err != nil {
		return reject(protocol.RejectCodeProofInvalid, "invalid deposits: %v", err), nil
	}
	if req.Deposits.Customer.IsZero() && req.Deposits.Merchant.IsZero() {
		return reject(protocol.RejectCodeNotApproved, "channel must escrow a positive amount"), nil
	}
	if _, err := m.store.Channel(req.ChannelID); err == nil {
		return reject(protocol.RejectCodeNotApproved, "channel %s already exists", req.ChannelID), nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if err := req.Proof.Verify(req.ChannelID, req.Deposits); err != nil {
		return reject(protocol.RejectCodeProofInvalid, "establish proof: %v", err), nil
	}

	st := stagingOf(sess)
	st.establish = req

	return &protocol.Message{
		Type: protocol.TypeEstablishAccept,
		EstablishAccept: &protocol.EstablishAccept{
			ClosingSignature: m.key.SignClose(req.Proof.CloseCommitment),
			PayToken:         m.key.IssuePayToken(req.Proof.StateCommitment),
		},
	}, nil
}

func (m *Server) handleEstablishConfirm(ctx context.Context, sess *session.ServerSession, msg protocol.Message) (*protocol.Message, error) {
	confirm := msg.EstablishConfirm
	st := stagingOf(sess)
	if st.establish == nil {
		return nil, fmt.Errorf("establish confirm without a staged establish request")
	}
	req := st.establish
	if confirm.ChannelID != req.ChannelID {
		return reject(protocol.RejectCodeProofInvalid, "confirm names channel %s, session established %s", confirm.ChannelID, req.ChannelID), nil
	}

	contractID := escrow.ContractID(confirm.ContractID)
	if contractID != escrow.ContractIDForChannel(req.ChannelID) {
		return reject(protocol.RejectCodeProofInvalid, "contract %s does not belong to channel %s", contractID, req.ChannelID), nil
	}
	contract, err := m.escrow.ContractState(ctx, contractID)
	if err != nil {
		if errors.Is(err, escrow.ErrContractNotFound) {
			return reject(protocol.RejectCodeNotApproved, "contract %s not found on chain", contractID), nil
		}
		return nil, err
	}
	if contract.ChannelID != req.ChannelID {
		return reject(protocol.RejectCodeProofInvalid, "contract %s escrows another channel", contractID), nil
	}
	if contract.Deposits != req.Deposits {
		return reject(protocol.RejectCodeNotApproved, "contract deposits do not match the established channel"), nil
	}
	switch contract.Status {
	case escrow.StatusAwaitingMerchantFunding, escrow.StatusOpen:
	default:
		return reject(protocol.RejectCodeNotApproved, "contract %s is not customer funded", contractID), nil
	}

	rec := Record{
		ChannelID:      req.ChannelID,
		ContractID:     contractID,
		Status:         StatusOriginated,
		Deposits:       req.Deposits,
		Balances:       req.Deposits,
		FundingAddress: req.FundingAddress,
		DisputeWindow:  contract.DisputeWindow,
		FundingHeight:  contract.Height,
	}
	if err := m.store.CreateChannel(rec); err != nil {
		if errors.Is(err, storage.ErrChannelExists) {
			return reject(protocol.RejectCodeNotApproved, "channel %s already exists", req.ChannelID), nil
		}
		return nil, err
	}
	m.log.Info().
		Str("channel", req.ChannelID.String()).
		Str("contract", string(contractID)).
		Msg("channel established")
	// nil response: the transport acks once this handler has persisted.
	return nil, nil
}

func (m *Server) handlePayRequest(_ context.Context, sess *session.ServerSession, msg protocol.Message) (*protocol.Message, error) {
	req := msg.PayRequest

	// Attribution is by the session's handshake channel, which the proof
	// cannot confirm or deny (payments are unlinkable). It only moves
	// the advisory running balance; close authorization rests on the
	// signed closing state, so a misattributed payment cannot block or
	// shift another channel's settlement.
	rec, err := m.store.Channel(sess.ChannelID())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return reject(protocol.RejectCodeNotApproved, "unknown channel"), nil
		}
		return nil, err
	}
	if rec.Status != StatusActive {
		return reject(protocol.RejectCodeNotApproved, "channel is %s, not %s", rec.Status, StatusActive), nil
	}
	if m.approver != nil {
		if err := m.approver.Approve(req.Amount, req.Note); err != nil {
			return reject(protocol.RejectCodeNotApproved, "%v", err), nil
		}
	}
	newBalances, err := rec.Balances.ApplyPayment(req.Amount)
	if err != nil {
		return reject(protocol.RejectCodeProofInvalid, "payment amount: %v", err), nil
	}

	// Burn the nonce before signing anything. A replayed or duplicated
	// payment fails here even if the rest of this session dies.
	if err := m.store.InsertNonce(req.Proof.Nonce); err != nil {
		if errors.Is(err, storage.ErrNonceExists) {
			return reject(protocol.RejectCodeNonceReused, "nonce already spent"), nil
		}
		return nil, err
	}
	if err := req.Proof.Verify(m.key.PublicParams()); err != nil {
		return reject(protocol.RejectCodeProofInvalid, "pay proof: %v", err), nil
	}

	st := stagingOf(sess)
	st.payAmount = req.Amount
	st.newBalances = newBalances
	st.stateCommitment = req.Proof.StateCommitment
	st.payChannel = rec.ChannelID

	return &protocol.Message{
		Type: protocol.TypePayAccept,
		PayAccept: &protocol.PayAccept{
			ClosingSignature: m.key.SignClose(req.Proof.CloseCommitment),
		},
	}, nil
}

func (m *Server) handlePayRevoke(_ context.Context, sess *session.ServerSession, msg protocol.Message) (*protocol.Message, error) {
	revoke := msg.PayRevoke
	st := stagingOf(sess)
	if st.payChannel == (zkabacus.ChannelID{}) {
		return nil, fmt.Errorf("pay revoke without a staged pay request")
	}
	if !revoke.Lock.Matches(revoke.Secret) {
		return reject(protocol.RejectCodeProofInvalid, "revocation secret does not open the lock"), nil
	}
	if err := m.store.RevealRevocation(revoke.Lock, revoke.Secret); err != nil {
		if errors.Is(err, storage.ErrRevocationExists) {
			return reject(protocol.RejectCodeRevoked, "revocation lock already revealed"), nil
		}
		return nil, err
	}

	err := m.store.UpdateChannel(st.payChannel, func(r *Record) error {
		r.Balances = st.newBalances
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Info().
		Str("channel", st.payChannel.String()).
		Str("amount", st.payAmount.String()).
		Msg("payment complete")

	return &protocol.Message{
		Type: protocol.TypePayComplete,
		PayComplete: &protocol.PayComplete{
			PayToken: m.key.IssuePayToken(st.stateCommitment),
		},
	}, nil
}

func (m *Server) handleCloseRequest(_ context.Context, sess *session.ServerSession, msg protocol.Message) (*protocol.Message, error) {
	req := msg.CloseRequest

	rec, err := m.store.Channel(sess.ChannelID())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return reject(protocol.RejectCodeNotApproved, "unknown channel"), nil
		}
		return nil, err
	}
	switch rec.Status {
	case StatusOriginated, StatusCustomerFunded, StatusMerchantFunded, StatusActive:
	default:
		return reject(protocol.RejectCodeNotApproved, "channel is %s and cannot be closed", rec.Status), nil
	}
	if req.ClosingState.ChannelID != rec.ChannelID {
		return reject(protocol.RejectCodeProofInvalid, "closing state names another channel"), nil
	}
	if err := m.key.PublicParams().VerifyClose(req.ClosingState.Commitment(), req.ClosingSignature); err != nil {
		return reject(protocol.RejectCodeProofInvalid, "closing signature: %v", err), nil
	}
	// A valid signature on an unrevoked lock is the latest authorized
	// state: every superseded state's lock was revealed during the pay
	// that replaced it.
	if _, revoked, err := m.store.RevealedSecret(req.ClosingState.RevocationLock); err != nil {
		return nil, err
	} else if revoked {
		return reject(protocol.RejectCodeRevoked, "closing state was revoked by a later payment"), nil
	}
	if req.ClosingState.Balances != rec.Balances {
		// The running balance is attribution by session channel, which
		// is not authenticated; the signed state is authoritative.
		m.log.Warn().
			Str("channel", rec.ChannelID.String()).
			Str("recorded", rec.Balances.Customer.String()).
			Str("closing", req.ClosingState.Balances.Customer.String()).
			Msg("running balance disagrees with the authorized closing state")
	}

	err = m.store.UpdateChannel(rec.ChannelID, func(r *Record) error {
		return r.TransitionTo(StatusPendingClose)
	})
	if err != nil {
		return nil, err
	}
	m.log.Info().Str("channel", rec.ChannelID.String()).Msg("mutual close authorized")
	return &protocol.Message{Type: protocol.TypeCloseAccept, CloseAccept: &protocol.CloseAccept{}}, nil
}
