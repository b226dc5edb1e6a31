// Package customer implements the customer side of a zkChannel: the
// channel records, their status machine, and the drivers that walk the
// establish, pay and close subprotocols against a merchant.
package customer

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/zkchannels/zkchannel/amount"
	"github.com/zkchannels/zkchannel/escrow"
	"github.com/zkchannels/zkchannel/logger"
	"github.com/zkchannels/zkchannel/session"
	"github.com/zkchannels/zkchannel/zkabacus"
)

// Status is the lifecycle position of a customer channel.
type Status string

const (
	// StatusPendingEstablish is a channel whose establish session has
	// started but whose contract is not yet originated.
	StatusPendingEstablish Status = "pending_establish"
	// StatusOriginated is a channel whose contract exists on chain but
	// holds no funds yet.
	StatusOriginated Status = "originated"
	// StatusCustomerFunded is a contract holding the customer deposit.
	StatusCustomerFunded Status = "customer_funded"
	// StatusMerchantFunded is a contract holding both deposits.
	StatusMerchantFunded Status = "merchant_funded"
	// StatusReady is an open channel that can make payments.
	StatusReady Status = "ready"
	// StatusPendingClose is a channel with a close in flight, mutual or
	// unilateral.
	StatusPendingClose Status = "pending_close"
	// StatusDisputed is a channel whose posted close the merchant
	// disputed with a revealed revocation secret.
	StatusDisputed Status = "disputed"
	// StatusClosed is a settled channel.
	StatusClosed Status = "closed"
)

// transitions is the set of allowed status moves. Anything not listed is
// rejected by TransitionTo.
var transitions = map[Status][]Status{
	StatusPendingEstablish: {StatusOriginated},
	StatusOriginated:       {StatusCustomerFunded, StatusPendingClose},
	StatusCustomerFunded:   {StatusMerchantFunded, StatusReady, StatusPendingClose},
	StatusMerchantFunded:   {StatusReady, StatusPendingClose},
	StatusReady:            {StatusPendingClose},
	StatusPendingClose:     {StatusDisputed, StatusClosed},
	StatusDisputed:         {StatusClosed},
	StatusClosed:           {},
}

// Record is the durable state of one customer channel. The revocation
// pair always belongs to State: its lock is State.RevocationLock and its
// secret is revealed when the state is superseded by a payment.
type Record struct {
	Label         string
	ChannelID     zkabacus.ChannelID
	ContractID    escrow.ContractID
	EscrowAddress string
	Status        Status

	Deposits      amount.Balances
	DisputeWindow time.Duration
	FundingHeight uint64

	MerchantParams   zkabacus.PublicParams
	State            zkabacus.State
	Revocation       zkabacus.RevocationPair
	ClosingSignature zkabacus.ClosingSignature
	PayToken         zkabacus.PayToken

	// FinalBalances is set once the escrow contract settles.
	FinalBalances *amount.Balances
}

// TransitionTo moves the record to next, or fails if the status machine
// forbids the move.
func (r *Record) TransitionTo(next Status) error {
	if r.Status == next {
		return nil
	}
	for _, allowed := range transitions[r.Status] {
		if allowed == next {
			r.Status = next
			return nil
		}
	}
	return fmt.Errorf("channel %s: invalid status transition %s -> %s", r.Label, r.Status, next)
}

// Store is the persistence the customer requires. UpdateChannel applies
// fn to the stored record under the store's transaction: fn returning an
// error leaves the record untouched.
type Store interface {
	CreateChannel(r Record) error
	UpdateChannel(label string, fn func(*Record) error) error
	Channel(label string) (Record, error)
	Channels() ([]Record, error)
}

// Config collects the customer's collaborators.
type Config struct {
	// Client runs sessions against the merchant.
	Client *session.Client

	// Store persists channel records.
	Store Store

	// Escrow submits on-chain operations.
	Escrow escrow.Backend

	// FundingAddress is the customer's on-chain address, shared with the
	// merchant during establishment.
	FundingAddress string

	// Rand sources randomness and secrets. Nil means crypto/rand.
	Rand io.Reader

	Logger *zerolog.Logger
}

// Customer drives channel operations for one customer identity. Methods
// are safe for concurrent use; concurrent operations on the same channel
// fail with session.ErrSessionBusy.
type Customer struct {
	client         *session.Client
	store          Store
	escrow         escrow.Backend
	fundingAddress string
	rand           io.Reader
	log            zerolog.Logger
}

// New returns a Customer over the given collaborators.
func New(config Config) *Customer {
	c := &Customer{
		client:         config.Client,
		store:          config.Store,
		escrow:         config.Escrow,
		fundingAddress: config.FundingAddress,
		rand:           config.Rand,
	}
	if config.Logger != nil {
		c.log = *config.Logger
	} else {
		c.log = logger.Logger().With().Str("role", "customer").Logger()
	}
	return c
}

// Summary is one row of List output.
type Summary struct {
	Label     string             `json:"label"`
	ChannelID zkabacus.ChannelID `json:"channel_id"`
	Status    Status             `json:"status"`

	// Balance is the amount the customer can still spend.
	Balance amount.Amount `json:"balance"`

	// MaxRefund is the amount the merchant could refund on this channel.
	MaxRefund amount.Amount `json:"max_refund"`
}

// List summarizes every channel in the store.
func (c *Customer) List() ([]Summary, error) {
	records, err := c.store.Channels()
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(records))
	for _, r := range records {
		out = append(out, Summary{
			Label:     r.Label,
			ChannelID: r.ChannelID,
			Status:    r.Status,
			Balance:   r.State.Balances.Customer,
			MaxRefund: r.State.Balances.Merchant,
		})
	}
	return out, nil
}
