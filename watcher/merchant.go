package watcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/zkchannels/zkchannel/escrow"
	"github.com/zkchannels/zkchannel/logger"
	"github.com/zkchannels/zkchannel/merchant"
	"github.com/zkchannels/zkchannel/session"
	"github.com/zkchannels/zkchannel/storage"
	"github.com/zkchannels/zkchannel/zkabacus"
)

// MerchantConfig collects the merchant watcher's collaborators.
type MerchantConfig struct {
	Store  merchant.Store
	Escrow escrow.Backend

	// PollInterval is the contract poll period. Zero means
	// DefaultPollInterval.
	PollInterval time.Duration

	// Backoff governs submission retries.
	Backoff session.Backoff

	// Now is the watcher's clock. Nil means time.Now.
	Now func() time.Time

	Logger *zerolog.Logger
}

// Merchant watches the escrow contracts of the merchant's channels. It
// funds the merchant side of new contracts, disputes posted closes whose
// revocation lock was revealed in a payment, and claims balances the
// contract awards the merchant.
type Merchant struct {
	store   merchant.Store
	escrow  escrow.Backend
	poll    time.Duration
	backoff session.Backoff
	now     func() time.Time
	log     zerolog.Logger
	events  chan Event

	mu       sync.Mutex
	watching map[zkabacus.ChannelID]bool
}

// NewMerchant returns a watcher over the given collaborators.
func NewMerchant(config MerchantConfig) *Merchant {
	w := &Merchant{
		store:    config.Store,
		escrow:   config.Escrow,
		poll:     config.PollInterval,
		backoff:  config.Backoff,
		now:      config.Now,
		events:   make(chan Event, eventsBuffer),
		watching: map[zkabacus.ChannelID]bool{},
	}
	if w.poll == 0 {
		w.poll = DefaultPollInterval
	}
	if w.now == nil {
		w.now = time.Now
	}
	if config.Logger != nil {
		w.log = *config.Logger
	} else {
		w.log = logger.Logger().With().Str("role", "merchant-watcher").Logger()
	}
	return w
}

// Events reports notable on-chain activity. The channel is never closed;
// stop reading after Run returns.
func (w *Merchant) Events() <-chan Event { return w.events }

// Run watches every non-closed channel in the store until ctx is
// canceled, rescanning the store each poll interval for new channels.
func (w *Merchant) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(w.poll)
		defer ticker.Stop()
		for {
			w.spawn(ctx, g)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Merchant) spawn(ctx context.Context, g *errgroup.Group) {
	records, err := w.store.Channels()
	if err != nil {
		w.log.Error().Err(err).Msg("listing channels")
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, rec := range records {
		if rec.Status == merchant.StatusClosed {
			continue
		}
		if w.watching[rec.ChannelID] {
			continue
		}
		w.watching[rec.ChannelID] = true
		id := rec.ChannelID
		g.Go(func() error {
			defer func() {
				w.mu.Lock()
				delete(w.watching, id)
				w.mu.Unlock()
			}()
			return w.watchChannel(ctx, id)
		})
	}
}

func (w *Merchant) watchChannel(ctx context.Context, id zkabacus.ChannelID) error {
	log := w.log.With().Str("channel", id.String()).Logger()
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	var postedSeen, disputeSeen bool
	for {
		done, err := w.step(ctx, id, log, &postedSeen, &disputeSeen)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			log.Error().Err(err).Msg("watch step failed")
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Merchant) step(ctx context.Context, id zkabacus.ChannelID, log zerolog.Logger, postedSeen, disputeSeen *bool) (done bool, err error) {
	rec, err := w.store.Channel(id)
	if err != nil {
		return errors.Is(err, storage.ErrNotFound), err
	}
	if rec.Status == merchant.StatusClosed {
		return true, nil
	}
	contract, err := w.escrow.ContractState(ctx, rec.ContractID)
	if err != nil {
		return false, err
	}

	switch contract.Status {
	case escrow.StatusAwaitingCustomerFunding:
		// Waiting on the customer; nothing to do.

	case escrow.StatusAwaitingMerchantFunding:
		if err := w.advance(id, merchant.StatusCustomerFunded); err != nil {
			return false, err
		}
		err := submitRetry(ctx, w.escrow, escrow.Operation{
			Kind:       escrow.OpFundMerchant,
			ContractID: rec.ContractID,
		}, w.backoff, log)
		if errors.Is(err, session.ErrRetriesExhausted) {
			emit(log, w.events, AlertEvent{ChannelID: id, Op: escrow.OpFundMerchant, Err: err})
		}
		return false, err

	case escrow.StatusOpen:
		if merchantRank[rec.Status] < merchantRank[merchant.StatusActive] {
			if err := w.advance(id, merchant.StatusActive); err != nil {
				return false, err
			}
			log.Info().Msg("channel funded and active")
			emit(log, w.events, FundedEvent{ChannelID: id})
		}

	case escrow.StatusExpiry:
		if err := w.advance(id, merchant.StatusPendingClose); err != nil {
			return false, err
		}
		if w.now().After(contract.ExpiryPostedAt.Add(contract.DisputeWindow)) {
			// The customer never answered; the full balance is ours.
			err := submitRetry(ctx, w.escrow, escrow.Operation{
				Kind:       escrow.OpClaimMerchant,
				ContractID: rec.ContractID,
			}, w.backoff, log)
			if errors.Is(err, session.ErrRetriesExhausted) {
				emit(log, w.events, AlertEvent{ChannelID: id, Op: escrow.OpClaimMerchant, Err: err})
			}
			return false, err
		}

	case escrow.StatusCustomerClose:
		if err := w.advance(id, merchant.StatusPendingClose); err != nil {
			return false, err
		}
		posted := contract.Closing.ClosingState
		if !*postedSeen {
			*postedSeen = true
			log.Info().Msg("customer posted a close")
			emit(log, w.events, ClosePostedEvent{ChannelID: id, Balances: posted.Balances})
		}
		secret, revoked, err := w.store.RevealedSecret(posted.RevocationLock)
		if err != nil {
			return false, err
		}
		if !revoked {
			// A close on the latest state; the customer claims after
			// the window and we observe settlement.
			return false, nil
		}
		err = submitRetry(ctx, w.escrow, escrow.Operation{
			Kind:             escrow.OpDispute,
			ContractID:       rec.ContractID,
			RevocationSecret: secret,
		}, w.backoff, log)
		if errors.Is(err, session.ErrRetriesExhausted) {
			emit(log, w.events, AlertEvent{ChannelID: id, Op: escrow.OpDispute, Err: err})
		}
		return false, err

	case escrow.StatusDisputed:
		final := contract.FinalBalances
		err := w.store.UpdateChannel(id, func(r *merchant.Record) error {
			r.FinalBalances = final
			return advanceMerchant(r, merchant.StatusDispute)
		})
		if err != nil {
			return false, err
		}
		if !*disputeSeen {
			*disputeSeen = true
			log.Info().Msg("disputed stale close, full balance awarded")
			emit(log, w.events, DisputedEvent{ChannelID: id})
		}
		err = submitRetry(ctx, w.escrow, escrow.Operation{
			Kind:       escrow.OpClaimMerchant,
			ContractID: rec.ContractID,
		}, w.backoff, log)
		if errors.Is(err, session.ErrRetriesExhausted) {
			emit(log, w.events, AlertEvent{ChannelID: id, Op: escrow.OpClaimMerchant, Err: err})
		}
		return false, err

	case escrow.StatusClosed:
		final := contract.FinalBalances
		err := w.store.UpdateChannel(id, func(r *merchant.Record) error {
			r.FinalBalances = final
			return advanceMerchant(r, merchant.StatusClosed)
		})
		if err != nil {
			return false, err
		}
		log.Info().Msg("channel settled")
		ev := ClosedEvent{ChannelID: id}
		if final != nil {
			ev.Final = *final
		}
		emit(log, w.events, ev)
		return true, nil
	}
	return false, nil
}

func (w *Merchant) advance(id zkabacus.ChannelID, target merchant.Status) error {
	return w.store.UpdateChannel(id, func(r *merchant.Record) error {
		return advanceMerchant(r, target)
	})
}

var merchantRank = map[merchant.Status]int{
	merchant.StatusOriginated:     0,
	merchant.StatusCustomerFunded: 1,
	merchant.StatusMerchantFunded: 2,
	merchant.StatusActive:         3,
	merchant.StatusPendingClose:   4,
	merchant.StatusDispute:        5,
	merchant.StatusClosed:         6,
}

var merchantOrder = []merchant.Status{
	merchant.StatusCustomerFunded,
	merchant.StatusMerchantFunded,
	merchant.StatusActive,
	merchant.StatusPendingClose,
	merchant.StatusDispute,
	merchant.StatusClosed,
}

// advanceMerchant moves r forward to target, stepping through any
// intermediate statuses the watcher did not observe individually.
func advanceMerchant(r *merchant.Record, target merchant.Status) error {
	for _, s := range merchantOrder {
		if merchantRank[s] <= merchantRank[r.Status] || merchantRank[s] > merchantRank[target] {
			continue
		}
		if s == merchant.StatusDispute && target != merchant.StatusDispute {
			continue
		}
		if err := r.TransitionTo(s); err != nil {
			return err
		}
	}
	return nil
}
