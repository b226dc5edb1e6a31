package customer

import (
	"context"
	"fmt"

	"github.com/zkchannels/zkchannel/amount"
	"github.com/zkchannels/zkchannel/escrow"
	"github.com/zkchannels/zkchannel/protocol"
	"github.com/zkchannels/zkchannel/session"
	"github.com/zkchannels/zkchannel/zkabacus"
)

// EstablishParams describes the channel to open.
type EstablishParams struct {
	// Label names the channel locally. Must be unique in the store.
	Label string

	// Deposits are the initial balances both parties escrow. The
	// merchant deposit may be zero.
	Deposits amount.Balances
}

// Parameters fetches the merchant's public parameters over a fresh
// session. It mutates no state on either side.
func (c *Customer) Parameters(ctx context.Context) (protocol.ParamsResponse, error) {
	var resp protocol.ParamsResponse
	err := c.client.Do(ctx, zkabacus.ChannelID{}, protocol.SubprotocolParameters, func(s *session.Session) error {
		if err := s.Send(ctx, protocol.Message{Type: protocol.TypeParamsRequest, ParamsRequest: &protocol.ParamsRequest{}}); err != nil {
			return err
		}
		m, err := recvExpect(ctx, s, protocol.TypeParamsResponse)
		if err != nil {
			return err
		}
		resp = *m.ParamsResponse
		return nil
	})
	return resp, err
}

// Establish opens a new channel: it negotiates parameters, derives the
// channel ID from both parties' randomness, proves the initial state,
// originates and funds the escrow contract, and persists the channel.
// The returned record is in StatusOriginated; the watcher advances it to
// StatusReady as funding confirms on chain.
func (c *Customer) Establish(ctx context.Context, p EstablishParams) (Record, error) {
	if p.Label == "" {
		return Record{}, fmt.Errorf("channel label must not be empty")
	}
	if err := p.Deposits.Validate(); err != nil {
		return Record{}, fmt.Errorf("establish deposits: %w", err)
	}
	if p.Deposits.Customer.IsZero() && p.Deposits.Merchant.IsZero() {
		return Record{}, fmt.Errorf("establish deposits: channel must escrow a positive amount")
	}

	params, err := c.Parameters(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("fetching merchant parameters: %w", err)
	}

	custRand, err := zkabacus.NewRandomness(c.rand)
	if err != nil {
		return Record{}, err
	}
	channelID := zkabacus.DeriveChannelID(custRand, params.Randomness, params.Params.SigningKey)

	state, pair, err := zkabacus.NewInitialState(c.rand, channelID, p.Deposits)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		Label:          p.Label,
		ChannelID:      channelID,
		EscrowAddress:  params.EscrowAddress,
		Status:         StatusPendingEstablish,
		Deposits:       p.Deposits,
		DisputeWindow:  params.DisputeWindow,
		MerchantParams: params.Params,
		State:          state,
		Revocation:     pair,
	}
	if err := c.store.CreateChannel(rec); err != nil {
		return Record{}, err
	}

	var accept protocol.EstablishAccept
	var contractID escrow.ContractID
	var fundingHeight uint64
	err = c.client.Do(ctx, channelID, protocol.SubprotocolEstablish, func(s *session.Session) error {
		req := protocol.EstablishRequest{
			ChannelID:          channelID,
			CustomerRandomness: custRand,
			MerchantRandomness: params.Randomness,
			Deposits:           p.Deposits,
			FundingAddress:     c.fundingAddress,
			Proof:              zkabacus.ProveEstablish(state),
		}
		if err := s.Send(ctx, protocol.Message{Type: protocol.TypeEstablishRequest, EstablishRequest: &req}); err != nil {
			return err
		}
		m, err := recvExpect(ctx, s, protocol.TypeEstablishAccept)
		if err != nil {
			return err
		}
		accept = *m.EstablishAccept
		if err := params.Params.VerifyClose(state.Closing().Commitment(), accept.ClosingSignature); err != nil {
			return fmt.Errorf("merchant closing signature: %w", err)
		}
		if err := params.Params.VerifyPayToken(state.Commitment(), accept.PayToken); err != nil {
			return fmt.Errorf("merchant pay token: %w", err)
		}

		// Originate and fund only once the merchant has signed the
		// initial closing state, so escrowed funds are always
		// recoverable.
		contractID = escrow.ContractIDForChannel(channelID)
		_, err = c.escrow.Submit(ctx, escrow.Operation{
			Kind:           escrow.OpOriginate,
			ContractID:     contractID,
			ChannelID:      channelID,
			MerchantParams: params.Params,
			Deposits:       p.Deposits,
			DisputeWindow:  params.DisputeWindow,
		})
		if err != nil {
			return fmt.Errorf("originating contract: %w", err)
		}
		if _, err := c.escrow.Submit(ctx, escrow.Operation{Kind: escrow.OpFundCustomer, ContractID: contractID}); err != nil {
			return fmt.Errorf("funding contract: %w", err)
		}
		contract, err := c.escrow.ContractState(ctx, contractID)
		if err != nil {
			return err
		}
		fundingHeight = contract.Height

		confirm := protocol.EstablishConfirm{
			ChannelID:     channelID,
			ContractID:    string(contractID),
			FundingHeight: fundingHeight,
		}
		if err := s.Send(ctx, protocol.Message{Type: protocol.TypeEstablishConfirm, EstablishConfirm: &confirm}); err != nil {
			return err
		}
		// The merchant acks once it has durably recorded the contract.
		_, err = recvExpect(ctx, s, protocol.TypeAck)
		return err
	})
	if err != nil {
		return Record{}, err
	}

	err = c.store.UpdateChannel(p.Label, func(r *Record) error {
		r.ContractID = contractID
		r.FundingHeight = fundingHeight
		r.ClosingSignature = accept.ClosingSignature
		r.PayToken = accept.PayToken
		return r.TransitionTo(StatusOriginated)
	})
	if err != nil {
		return Record{}, err
	}
	c.log.Info().
		Str("label", p.Label).
		Str("channel", channelID.String()).
		Str("contract", string(contractID)).
		Msg("channel established")
	return c.store.Channel(p.Label)
}
