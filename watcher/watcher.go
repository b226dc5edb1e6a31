// Package watcher polls the escrow backend for on-chain activity on open
// channels and reacts on behalf of its party: advancing funding statuses,
// answering and disputing posted closes, and claiming settled balances.
//
// Each party runs one watcher; the watcher runs one goroutine per tracked
// channel and reports notable activity on a typed events channel.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/zkchannels/zkchannel/amount"
	"github.com/zkchannels/zkchannel/escrow"
	"github.com/zkchannels/zkchannel/session"
	"github.com/zkchannels/zkchannel/zkabacus"
)

// DefaultPollInterval is the contract poll period when none is
// configured.
const DefaultPollInterval = 10 * time.Second

// Event is a notable on-chain development on a tracked channel.
type Event interface {
	isEvent()
}

// FundedEvent reports that a channel's escrow contract is fully funded
// and the channel is usable.
type FundedEvent struct {
	ChannelID zkabacus.ChannelID
}

// ClosePostedEvent reports that a closing state was posted against a
// channel's contract, opening the dispute window.
type ClosePostedEvent struct {
	ChannelID zkabacus.ChannelID
	Balances  amount.Balances
}

// DisputedEvent reports that a posted close was disputed with a revealed
// revocation secret, forfeiting the full balance to the merchant.
type DisputedEvent struct {
	ChannelID zkabacus.ChannelID
}

// ClosedEvent reports that a channel's contract settled.
type ClosedEvent struct {
	ChannelID zkabacus.ChannelID
	Final     amount.Balances
}

// AlertEvent reports an on-chain submission that kept failing after all
// retries. The watcher keeps polling; the operator should investigate.
type AlertEvent struct {
	ChannelID zkabacus.ChannelID
	Op        escrow.OperationKind
	Err       error
}

func (FundedEvent) isEvent()      {}
func (ClosePostedEvent) isEvent() {}
func (DisputedEvent) isEvent()    {}
func (ClosedEvent) isEvent()      {}
func (AlertEvent) isEvent()       {}

const eventsBuffer = 64

// emit delivers ev without ever blocking the watch loop. Dropped events
// are logged; the store remains the source of truth.
func emit(log zerolog.Logger, events chan Event, ev Event) {
	select {
	case events <- ev:
	default:
		log.Warn().Type("event", ev).Msg("events channel full, dropping event")
	}
}

// submitRetry submits op, retrying transient failures with backoff. A
// rejection by the contract is returned immediately: resubmitting an
// invalid operation cannot succeed.
func submitRetry(ctx context.Context, backend escrow.Backend, op escrow.Operation, backoff session.Backoff, log zerolog.Logger) error {
	var lastErr error
	for attempt := 0; attempt <= backoff.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.Delay(attempt - 1)):
			}
		}
		_, err := backend.Submit(ctx, op)
		if err == nil {
			return nil
		}
		if errors.Is(err, escrow.ErrOperationInvalid) || errors.Is(err, escrow.ErrContractNotFound) {
			return err
		}
		lastErr = err
		log.Warn().Err(err).Str("op", string(op.Kind)).Int("attempt", attempt).Msg("escrow submission failed")
	}
	return fmt.Errorf("%s: %w: %v", op.Kind, session.ErrRetriesExhausted, lastErr)
}
