package customer

import (
	"context"
	"fmt"

	"github.com/zkchannels/zkchannel/escrow"
	"github.com/zkchannels/zkchannel/protocol"
	"github.com/zkchannels/zkchannel/session"
)

// Close closes the labeled channel on its latest authorized balances.
// Without force it proposes a mutual close to the merchant and settles
// immediately on agreement. With force, or as the only option when the
// merchant is unreachable, it posts a unilateral close to the escrow
// contract; the watcher claims the balance once the dispute window
// elapses.
func (c *Customer) Close(ctx context.Context, label string, force bool) error {
	rec, err := c.store.Channel(label)
	if err != nil {
		return err
	}
	switch rec.Status {
	case StatusOriginated, StatusCustomerFunded, StatusMerchantFunded, StatusReady:
	default:
		return fmt.Errorf("channel %s is %s and cannot be closed", label, rec.Status)
	}

	if force {
		return c.closeUnilateral(ctx, rec)
	}
	return c.closeMutual(ctx, rec)
}

func (c *Customer) closeMutual(ctx context.Context, rec Record) error {
	closing := rec.State.Closing()
	err := c.client.Do(ctx, rec.ChannelID, protocol.SubprotocolClose, func(s *session.Session) error {
		req := protocol.CloseRequest{ClosingState: closing, ClosingSignature: rec.ClosingSignature}
		if err := s.Send(ctx, protocol.Message{Type: protocol.TypeCloseRequest, CloseRequest: &req}); err != nil {
			return err
		}
		_, err := recvExpect(ctx, s, protocol.TypeCloseAccept)
		return err
	})
	if err != nil {
		return err
	}

	if _, err := c.escrow.Submit(ctx, escrow.Operation{
		Kind:             escrow.OpMutualClose,
		ContractID:       rec.ContractID,
		ClosingState:     closing,
		ClosingSignature: rec.ClosingSignature,
	}); err != nil {
		return fmt.Errorf("submitting mutual close: %w", err)
	}
	err = c.store.UpdateChannel(rec.Label, func(r *Record) error {
		return r.TransitionTo(StatusPendingClose)
	})
	if err != nil {
		return err
	}
	c.log.Info().Str("label", rec.Label).Msg("mutual close submitted")
	return nil
}

func (c *Customer) closeUnilateral(ctx context.Context, rec Record) error {
	if _, err := c.escrow.Submit(ctx, escrow.Operation{
		Kind:             escrow.OpCustomerClose,
		ContractID:       rec.ContractID,
		ClosingState:     rec.State.Closing(),
		ClosingSignature: rec.ClosingSignature,
	}); err != nil {
		return fmt.Errorf("submitting unilateral close: %w", err)
	}
	err := c.store.UpdateChannel(rec.Label, func(r *Record) error {
		return r.TransitionTo(StatusPendingClose)
	})
	if err != nil {
		return err
	}
	c.log.Info().Str("label", rec.Label).Msg("unilateral close posted, dispute window open")
	return nil
}
