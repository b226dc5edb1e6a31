// Package merchant implements the merchant side of zkChannels: the
// session handler that serves establish, pay and close requests from
// customers, the channel records it keeps, and their status machine.
//
// The merchant never learns which channel a payment spends; it verifies
// payment proofs against its public parameters and enforces nonce and
// revocation uniqueness globally across all channels.
package merchant

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/zkchannels/zkchannel/amount"
	"github.com/zkchannels/zkchannel/escrow"
	"github.com/zkchannels/zkchannel/logger"
	"github.com/zkchannels/zkchannel/protocol"
	"github.com/zkchannels/zkchannel/session"
	"github.com/zkchannels/zkchannel/zkabacus"
)

// Status is the lifecycle position of a merchant channel.
type Status string

const (
	StatusOriginated     Status = "originated"
	StatusCustomerFunded Status = "customer_funded"
	StatusMerchantFunded Status = "merchant_funded"
	StatusActive         Status = "active"
	StatusPendingClose   Status = "pending_close"
	StatusDispute        Status = "dispute"
	StatusClosed         Status = "closed"
)

var transitions = map[Status][]Status{
	StatusOriginated:     {StatusCustomerFunded, StatusPendingClose},
	StatusCustomerFunded: {StatusMerchantFunded, StatusActive, StatusPendingClose},
	StatusMerchantFunded: {StatusActive, StatusPendingClose},
	StatusActive:         {StatusPendingClose},
	StatusPendingClose:   {StatusDispute, StatusClosed},
	StatusDispute:        {StatusClosed},
	StatusClosed:         {},
}

// Record is the durable state of one merchant channel. Balances tracks
// the latest authorized split; it moves only when a payment completes.
type Record struct {
	ChannelID  zkabacus.ChannelID
	ContractID escrow.ContractID
	Status     Status

	Deposits amount.Balances
	Balances amount.Balances

	// FundingAddress is the customer's on-chain address.
	FundingAddress string
	DisputeWindow  time.Duration
	FundingHeight  uint64

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
	return fmt.Errorf("channel %s: invalid status transition %s -> %s", r.ChannelID, r.Status, next)
}

// Store is the persistence the merchant requires. Nonces and revocations
// are global, not per channel: uniqueness across the whole store is what
// prevents double spends.
type Store interface {
	CreateChannel(r Record) error
	UpdateChannel(id zkabacus.ChannelID, fn func(*Record) error) error
	Channel(id zkabacus.ChannelID) (Record, error)
	Channels() ([]Record, error)

	// InsertNonce records a spent payment nonce, failing with
	// storage.ErrNonceExists if it was ever seen before.
	InsertNonce(n zkabacus.Nonce) error

	// RevealRevocation records a revealed revocation pair, failing with
	// storage.ErrRevocationExists if the lock was revealed before.
	RevealRevocation(l zkabacus.RevocationLock, s zkabacus.RevocationSecret) error

	// RevealedSecret returns the secret revealed for a lock, if any.
	RevealedSecret(l zkabacus.RevocationLock) (zkabacus.RevocationSecret, bool, error)

	// SigningKey loads the merchant key material, storage.ErrNotFound
	// when none was stored yet.
	SigningKey() ([]byte, error)
	StoreSigningKey(b []byte) error
}

// Approver decides whether to accept a proposed payment. A nil Approver
// accepts everything.
type Approver interface {
	Approve(amount amount.Amount, note string) error
}

// Config collects the merchant's collaborators.
type Config struct {
	Store Store
	Key   *zkabacus.MerchantKey

	// Escrow submits on-chain operations and observes contracts.
	Escrow escrow.Backend

	// EscrowAddress is advertised to customers in parameter responses.
	EscrowAddress string

	// DisputeWindow is the window offered on new channels.
	DisputeWindow time.Duration

	// Approver vets payments. Nil accepts all.
	Approver Approver

	// Rand sources randomness. Nil means crypto/rand.
	Rand io.Reader

	Logger *zerolog.Logger
}

// handlerFunc serves one message type. A returned *protocol.Message is
// the reply; a Reject reply declines the operation without violating the
// protocol. A returned error aborts the session.
type handlerFunc func(ctx context.Context, sess *session.ServerSession, m protocol.Message) (*protocol.Message, error)

// Server handles customer sessions for one merchant identity. It
// implements session.Handler.
type Server struct {
	store         Store
	key           *zkabacus.MerchantKey
	escrow        escrow.Backend
	escrowAddress string
	disputeWindow time.Duration
	approver      Approver
	rand          io.Reader
	log           zerolog.Logger

	handlers map[protocol.Type]handlerFunc
}

// New returns a Server over the given collaborators.
func New(config Config) *Server {
	m := &Server{
		store:         config.Store,
		key:           config.Key,
		escrow:        config.Escrow,
		escrowAddress: config.EscrowAddress,
		disputeWindow: config.DisputeWindow,
		approver:      config.Approver,
		rand:          config.Rand,
	}
	if config.Logger != nil {
		m.log = *config.Logger
	} else {
		m.log = logger.Logger().With().Str("role", "merchant").Logger()
	}
	m.handlers = map[protocol.Type]handlerFunc{
		protocol.TypeParamsRequest:    m.handleParamsRequest,
		protocol.TypeEstablishRequest: m.handleEstablishRequest,
		protocol.TypeEstablishConfirm: m.handleEstablishConfirm,
		protocol.TypePayRequest:       m.handlePayRequest,
		protocol.TypePayRevoke:        m.handlePayRevoke,
		protocol.TypeCloseRequest:     m.handleCloseRequest,
	}
	return m
}

// Handle implements session.Handler by dispatching on message type. The
// transport has already enforced subprotocol sequencing.
func (m *Server) Handle(ctx context.Context, sess *session.ServerSession, msg protocol.Message) (*protocol.Message, error) {
	h, ok := m.handlers[msg.Type]
	if !ok {
		return nil, fmt.Errorf("no handler for message %s", msg.Type)
	}
	return h(ctx, sess, msg)
}

// List returns every channel in the store.
func (m *Server) List() ([]Record, error) {
	return m.store.Channels()
}

// Expire posts an expiry against the channel's contract, starting a
// unilateral merchant close. The customer can answer with a corrective
// close during the dispute window; otherwise the watcher claims the full
// balance after the window.
func (m *Server) Expire(ctx context.Context, id zkabacus.ChannelID) error {
	rec, err := m.store.Channel(id)
	if err != nil {
		return err
	}
	if _, err := m.escrow.Submit(ctx, escrow.Operation{Kind: escrow.OpExpiry, ContractID: rec.ContractID}); err != nil {
		return fmt.Errorf("posting expiry: %w", err)
	}
	err = m.store.UpdateChannel(id, func(r *Record) error {
		return r.TransitionTo(StatusPendingClose)
	})
	if err != nil {
		return err
	}
	m.log.Info().Str("channel", id.String()).Msg("expiry posted")
	return nil
}

func reject(code protocol.RejectCode, format string, args ...interface{}) *protocol.Message {
	return &protocol.Message{
		Type:   protocol.TypeReject,
		Reject: &protocol.Reject{Code: code, Message: fmt.Sprintf(format, args...)},
	}
}
