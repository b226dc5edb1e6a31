package customer

import (
	"context"
	"fmt"

	"github.com/zkchannels/zkchannel/amount"
	"github.com/zkchannels/zkchannel/protocol"
	"github.com/zkchannels/zkchannel/session"
	"github.com/zkchannels/zkchannel/zkabacus"
)

// Pay makes a payment of pay on the labeled channel. A negative amount
// requests a refund. The new state is staged in memory for the whole
// session and written to the store in one transaction after the merchant
// issues the new pay token; any earlier failure leaves the persisted
// state untouched.
func (c *Customer) Pay(ctx context.Context, label string, pay amount.Amount, note string) error {
	rec, err := c.store.Channel(label)
	if err != nil {
		return err
	}
	if rec.Status != StatusReady {
		return fmt.Errorf("channel %s is %s, not %s", label, rec.Status, StatusReady)
	}

	next, nextPair, err := rec.State.Next(c.rand, pay)
	if err != nil {
		return err
	}
	proof := zkabacus.ProvePay(rec.State, next, rec.PayToken, pay)

	var accept protocol.PayAccept
	var complete protocol.PayComplete
	err = c.client.Do(ctx, rec.ChannelID, protocol.SubprotocolPay, func(s *session.Session) error {
		req := protocol.PayRequest{Amount: pay, Note: note, Proof: proof}
		if err := s.Send(ctx, protocol.Message{Type: protocol.TypePayRequest, PayRequest: &req}); err != nil {
			return err
		}
		m, err := recvExpect(ctx, s, protocol.TypePayAccept)
		if err != nil {
			return err
		}
		accept = *m.PayAccept
		if err := rec.MerchantParams.VerifyClose(next.Closing().Commitment(), accept.ClosingSignature); err != nil {
			return fmt.Errorf("merchant closing signature: %w", err)
		}

		// Revealing the old secret revokes the pre-payment state. From
		// here only the new state is safe to close on.
		revoke := protocol.PayRevoke{Lock: rec.Revocation.Lock, Secret: rec.Revocation.Secret}
		if err := s.Send(ctx, protocol.Message{Type: protocol.TypePayRevoke, PayRevoke: &revoke}); err != nil {
			return err
		}
		m, err = recvExpect(ctx, s, protocol.TypePayComplete)
		if err != nil {
			return err
		}
		complete = *m.PayComplete
		return rec.MerchantParams.VerifyPayToken(next.Commitment(), complete.PayToken)
	})
	if err != nil {
		return err
	}

	err = c.store.UpdateChannel(label, func(r *Record) error {
		r.State = next
		r.Revocation = nextPair
		r.ClosingSignature = accept.ClosingSignature
		r.PayToken = complete.PayToken
		return nil
	})
	if err != nil {
		return err
	}
	c.log.Info().
		Str("label", label).
		Str("amount", pay.String()).
		Str("balance", next.Balances.Customer.String()).
		Msg("payment complete")
	return nil
}
