package watcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/zkchannels/zkchannel/customer"
	"github.com/zkchannels/zkchannel/escrow"
	"github.com/zkchannels/zkchannel/logger"
	"github.com/zkchannels/zkchannel/session"
	"github.com/zkchannels/zkchannel/storage"
)

// CustomerConfig collects the customer watcher's collaborators.
type CustomerConfig struct {
	Store  customer.Store
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

// Customer watches the escrow contracts of the customer's channels. It
// advances funding statuses, answers merchant expiries with a corrective
// close, and claims the customer balance once dispute windows elapse.
type Customer struct {
	store   customer.Store
	escrow  escrow.Backend
	poll    time.Duration
	backoff session.Backoff
	now     func() time.Time
	log     zerolog.Logger
	events  chan Event

	mu       sync.Mutex
	watching map[string]bool
}

// NewCustomer returns a watcher over the given collaborators.
func NewCustomer(config CustomerConfig) *Customer {
	w := &Customer{
		store:    config.Store,
		escrow:   config.Escrow,
		poll:     config.PollInterval,
		backoff:  config.Backoff,
		now:      config.Now,
		events:   make(chan Event, eventsBuffer),
		watching: map[string]bool{},
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
		w.log = logger.Logger().With().Str("role", "customer-watcher").Logger()
	}
	return w
}

// Events reports notable on-chain activity. The channel is never closed;
// stop reading after Run returns.
func (w *Customer) Events() <-chan Event { return w.events }

// Run watches every non-closed channel in the store until ctx is
// canceled, rescanning the store each poll interval for new channels.
func (w *Customer) Run(ctx context.Context) error {
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

func (w *Customer) spawn(ctx context.Context, g *errgroup.Group) {
	records, err := w.store.Channels()
	if err != nil {
		w.log.Error().Err(err).Msg("listing channels")
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, rec := range records {
		if rec.Status == customer.StatusClosed || rec.ContractID == "" {
			continue
		}
		if w.watching[rec.Label] {
			continue
		}
		w.watching[rec.Label] = true
		label := rec.Label
		g.Go(func() error {
			defer func() {
				w.mu.Lock()
				delete(w.watching, label)
				w.mu.Unlock()
			}()
			return w.watchChannel(ctx, label)
		})
	}
}

// watchChannel polls one channel's contract until it settles or ctx is
// canceled.
func (w *Customer) watchChannel(ctx context.Context, label string) error {
	log := w.log.With().Str("label", label).Logger()
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	var postedSeen bool
	for {
		done, err := w.step(ctx, label, log, &postedSeen)
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

func (w *Customer) step(ctx context.Context, label string, log zerolog.Logger, postedSeen *bool) (done bool, err error) {
	rec, err := w.store.Channel(label)
	if err != nil {
		return errors.Is(err, storage.ErrNotFound), err
	}
	if rec.Status == customer.StatusClosed {
		return true, nil
	}
	contract, err := w.escrow.ContractState(ctx, rec.ContractID)
	if err != nil {
		return false, err
	}

	switch contract.Status {
	case escrow.StatusAwaitingCustomerFunding:
		// The establish driver funds; nothing to do here.

	case escrow.StatusAwaitingMerchantFunding:
		return false, w.advance(label, customer.StatusCustomerFunded)

	case escrow.StatusOpen:
		if customerRank[rec.Status] < customerRank[customer.StatusReady] {
			if err := w.advance(label, customer.StatusReady); err != nil {
				return false, err
			}
			log.Info().Msg("channel funded and ready")
			emit(log, w.events, FundedEvent{ChannelID: rec.ChannelID})
		}

	case escrow.StatusExpiry:
		// The merchant started a unilateral close. Answer with the
		// latest authorized state before the window strands our
		// balance.
		if rec.Status == customer.StatusPendingClose {
			break
		}
		err := submitRetry(ctx, w.escrow, escrow.Operation{
			Kind:             escrow.OpCustomerClose,
			ContractID:       rec.ContractID,
			ClosingState:     rec.State.Closing(),
			ClosingSignature: rec.ClosingSignature,
		}, w.backoff, log)
		if errors.Is(err, session.ErrRetriesExhausted) {
			emit(log, w.events, AlertEvent{ChannelID: rec.ChannelID, Op: escrow.OpCustomerClose, Err: err})
			return false, err
		}
		if err != nil {
			return false, err
		}
		log.Info().Msg("answered merchant expiry with corrective close")
		return false, w.advance(label, customer.StatusPendingClose)

	case escrow.StatusCustomerClose:
		if err := w.advance(label, customer.StatusPendingClose); err != nil {
			return false, err
		}
		if !*postedSeen {
			*postedSeen = true
			emit(log, w.events, ClosePostedEvent{
				ChannelID: rec.ChannelID,
				Balances:  contract.Closing.ClosingState.Balances,
			})
		}
		if w.now().After(contract.Closing.PostedAt.Add(contract.DisputeWindow)) {
			err := submitRetry(ctx, w.escrow, escrow.Operation{
				Kind:       escrow.OpClaimCustomer,
				ContractID: rec.ContractID,
			}, w.backoff, log)
			if errors.Is(err, session.ErrRetriesExhausted) {
				emit(log, w.events, AlertEvent{ChannelID: rec.ChannelID, Op: escrow.OpClaimCustomer, Err: err})
			}
			return false, err
		}

	case escrow.StatusDisputed:
		final := contract.FinalBalances
		err := w.store.UpdateChannel(label, func(r *customer.Record) error {
			r.FinalBalances = final
			return advanceCustomer(r, customer.StatusDisputed)
		})
		if err != nil {
			return false, err
		}
		if rec.Status != customer.StatusDisputed {
			log.Warn().Msg("posted close was disputed, balance forfeited")
			emit(log, w.events, DisputedEvent{ChannelID: rec.ChannelID})
		}

	case escrow.StatusClosed:
		final := contract.FinalBalances
		err := w.store.UpdateChannel(label, func(r *customer.Record) error {
			r.FinalBalances = final
			return advanceCustomer(r, customer.StatusClosed)
		})
		if err != nil {
			return false, err
		}
		log.Info().Msg("channel settled")
		ev := ClosedEvent{ChannelID: rec.ChannelID}
		if final != nil {
			ev.Final = *final
		}
		emit(log, w.events, ev)
		return true, nil
	}
	return false, nil
}

func (w *Customer) advance(label string, target customer.Status) error {
	return w.store.UpdateChannel(label, func(r *customer.Record) error {
		return advanceCustomer(r, target)
	})
}

// customerRank orders statuses along the channel lifecycle so advances
// can step through skipped intermediate statuses.
var customerRank = map[customer.Status]int{
	customer.StatusPendingEstablish: 0,
	customer.StatusOriginated:       1,
	customer.StatusCustomerFunded:   2,
	customer.StatusMerchantFunded:   3,
	customer.StatusReady:            4,
	customer.StatusPendingClose:     5,
	customer.StatusDisputed:         6,
	customer.StatusClosed:           7,
}

var customerOrder = []customer.Status{
	customer.StatusOriginated,
	customer.StatusCustomerFunded,
	customer.StatusMerchantFunded,
	customer.StatusReady,
	customer.StatusPendingClose,
	customer.StatusDisputed,
	customer.StatusClosed,
}

// advanceCustomer moves r forward to target, stepping through any
// intermediate statuses the watcher did not observe individually.
// Statuses off the direct path are skipped where the status machine
// allows it.
func advanceCustomer(r *customer.Record, target customer.Status) error {
	for _, s := range customerOrder {
		if customerRank[s] <= customerRank[r.Status] || customerRank[s] > customerRank[target] {
			continue
		}
		if s == customer.StatusDisputed && target != customer.StatusDisputed {
			// Closing without a dispute skips StatusDisputed.
			continue
		}
		if err := r.TransitionTo(s); err != nil {
			return err
		}
	}
	return nil
}
