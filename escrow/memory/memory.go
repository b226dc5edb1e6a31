// Package memory implements an in-process escrow backend that simulates a
// zkChannels escrow contract: funding order, the dispute window, dispute
// with a matching revocation secret, and claims after the window. It backs
// the watcher and end-to-end tests, and the demo binaries.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zkchannels/zkchannel/amount"
	"github.com/zkchannels/zkchannel/escrow"
	"github.com/zkchannels/zkchannel/zkabacus"
)

// Backend is an in-memory escrow.Backend. The zero value is not usable;
// use New.
type Backend struct {
	mu        sync.Mutex
	contracts map[escrow.ContractID]*escrow.ContractState
	params    map[escrow.ContractID]zkabacus.PublicParams
	height    uint64
	now       func() time.Time

	// snapshotPath, when set, is rewritten after every successful
	// submission so a later process resumes the same simulated chain.
	snapshotPath string
}

// Option configures a Backend.
type Option func(*Backend)

// WithClock replaces the backend's clock, letting tests move time past
// dispute windows.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// New returns an empty backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		contracts: map[escrow.ContractID]*escrow.ContractState{},
		params:    map[escrow.ContractID]zkabacus.PublicParams{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ContractState implements escrow.Backend.
func (b *Backend) ContractState(_ context.Context, id escrow.ContractID) (escrow.ContractState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.contracts[id]
	if !ok {
		return escrow.ContractState{}, escrow.ErrContractNotFound
	}
	out := *c
	if c.Closing != nil {
		closing := *c.Closing
		out.Closing = &closing
	}
	if c.FinalBalances != nil {
		final := *c.FinalBalances
		out.FinalBalances = &final
	}
	return out, nil
}

// Submit implements escrow.Backend. Operations already reflected in the
// contract state succeed idempotently.
func (b *Backend) Submit(_ context.Context, op Operation) (escrow.OperationHash, error) {
	return b.submit(op)
}

// Operation aliases escrow.Operation for readability in this package.
type Operation = escrow.Operation

func (b *Backend) submit(op Operation) (escrow.OperationHash, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	hash := escrow.OperationHash(fmt.Sprintf("op-%s-%s", op.Kind, op.ContractID))

	if op.Kind == escrow.OpOriginate {
		if err := b.originate(op); err != nil {
			return "", err
		}
		return hash, b.save()
	}

	c, ok := b.contracts[op.ContractID]
	if !ok {
		return "", escrow.ErrContractNotFound
	}

	var err error
	switch op.Kind {
	case escrow.OpFundCustomer:
		err = b.fundCustomer(c)
	case escrow.OpFundMerchant:
		err = b.fundMerchant(c)
	case escrow.OpMutualClose:
		err = b.mutualClose(c, op)
	case escrow.OpCustomerClose:
		err = b.customerClose(c, op)
	case escrow.OpExpiry:
		err = b.expiry(c)
	case escrow.OpDispute:
		err = b.dispute(c, op)
	case escrow.OpClaimCustomer:
		err = b.claimCustomer(c)
	case escrow.OpClaimMerchant:
		err = b.claimMerchant(c)
	default:
		err = fmt.Errorf("unknown operation kind %q: %w", op.Kind, escrow.ErrOperationInvalid)
	}
	if err != nil {
		return "", err
	}
	return hash, b.save()
}

func (b *Backend) originate(op Operation) error {
	if existing, ok := b.contracts[op.ContractID]; ok {
		// Idempotent for the same channel.
		if existing.ChannelID == op.ChannelID {
			return nil
		}
		return fmt.Errorf("contract %s exists for another channel: %w", op.ContractID, escrow.ErrOperationInvalid)
	}
	if err := op.Deposits.Validate(); err != nil {
		return fmt.Errorf("originate deposits: %w", err)
	}
	b.height++
	b.contracts[op.ContractID] = &escrow.ContractState{
		ID:            op.ContractID,
		ChannelID:     op.ChannelID,
		Status:        escrow.StatusAwaitingCustomerFunding,
		Deposits:      op.Deposits,
		DisputeWindow: op.DisputeWindow,
		Height:        b.height,
	}
	// The merchant params govern closing signature checks for the life
	// of the contract.
	b.params[op.ContractID] = op.MerchantParams
	return nil
}

func (b *Backend) fundCustomer(c *escrow.ContractState) error {
	switch c.Status {
	case escrow.StatusAwaitingCustomerFunding:
	case escrow.StatusAwaitingMerchantFunding, escrow.StatusOpen:
		return nil // already funded
	default:
		return fmt.Errorf("fund_customer in status %s: %w", c.Status, escrow.ErrOperationInvalid)
	}
	if c.Deposits.Merchant.IsZero() {
		c.Status = escrow.StatusOpen
	} else {
		c.Status = escrow.StatusAwaitingMerchantFunding
	}
	return nil
}

func (b *Backend) fundMerchant(c *escrow.ContractState) error {
	switch c.Status {
	case escrow.StatusAwaitingMerchantFunding:
	case escrow.StatusOpen:
		return nil
	default:
		return fmt.Errorf("fund_merchant in status %s: %w", c.Status, escrow.ErrOperationInvalid)
	}
	c.Status = escrow.StatusOpen
	return nil
}

func (b *Backend) mutualClose(c *escrow.ContractState, op Operation) error {
	if c.Status == escrow.StatusClosed {
		return nil
	}
	if c.Status != escrow.StatusOpen {
		return fmt.Errorf("mutual_close in status %s: %w", c.Status, escrow.ErrOperationInvalid)
	}
	if err := b.verifyClosing(c, op); err != nil {
		return err
	}
	balances := op.ClosingState.Balances
	c.Status = escrow.StatusClosed
	c.FinalBalances = &balances
	return nil
}

func (b *Backend) customerClose(c *escrow.ContractState, op Operation) error {
	switch c.Status {
	case escrow.StatusOpen, escrow.StatusExpiry:
	case escrow.StatusCustomerClose:
		return nil
	default:
		return fmt.Errorf("customer_close in status %s: %w", c.Status, escrow.ErrOperationInvalid)
	}
	if err := b.verifyClosing(c, op); err != nil {
		return err
	}
	c.Status = escrow.StatusCustomerClose
	c.Closing = &escrow.PostedClose{
		ClosingState: op.ClosingState,
		PostedAt:     b.now(),
	}
	return nil
}

func (b *Backend) expiry(c *escrow.ContractState) error {
	switch c.Status {
	case escrow.StatusOpen:
	case escrow.StatusExpiry:
		return nil
	default:
		return fmt.Errorf("expiry in status %s: %w", c.Status, escrow.ErrOperationInvalid)
	}
	c.Status = escrow.StatusExpiry
	c.ExpiryPostedAt = b.now()
	return nil
}

func (b *Backend) dispute(c *escrow.ContractState, op Operation) error {
	if c.Status == escrow.StatusDisputed || (c.Status == escrow.StatusClosed && c.Closing != nil) {
		return nil
	}
	if c.Status != escrow.StatusCustomerClose {
		return fmt.Errorf("dispute in status %s: %w", c.Status, escrow.ErrOperationInvalid)
	}
	if b.now().After(c.Closing.PostedAt.Add(c.DisputeWindow)) {
		return fmt.Errorf("dispute window elapsed: %w", escrow.ErrOperationInvalid)
	}
	if !c.Closing.ClosingState.RevocationLock.Matches(op.RevocationSecret) {
		return fmt.Errorf("revocation secret does not open posted lock: %w", escrow.ErrOperationInvalid)
	}
	// A proven-stale close forfeits the full channel balance to the
	// merchant.
	total, err := c.Deposits.Total()
	if err != nil {
		return err
	}
	final := amount.Balances{
		Customer: amount.New(0, total.Currency),
		Merchant: total,
	}
	c.Status = escrow.StatusDisputed
	c.FinalBalances = &final
	return nil
}

func (b *Backend) claimCustomer(c *escrow.ContractState) error {
	if c.Status == escrow.StatusClosed {
		return nil
	}
	if c.Status != escrow.StatusCustomerClose {
		return fmt.Errorf("claim_customer in status %s: %w", c.Status, escrow.ErrOperationInvalid)
	}
	if !b.now().After(c.Closing.PostedAt.Add(c.DisputeWindow)) {
		return fmt.Errorf("dispute window not elapsed: %w", escrow.ErrOperationInvalid)
	}
	balances := c.Closing.ClosingState.Balances
	c.Status = escrow.StatusClosed
	c.FinalBalances = &balances
	return nil
}

func (b *Backend) claimMerchant(c *escrow.ContractState) error {
	switch c.Status {
	case escrow.StatusExpiry:
		if !b.now().After(c.ExpiryPostedAt.Add(c.DisputeWindow)) {
			return fmt.Errorf("expiry window not elapsed: %w", escrow.ErrOperationInvalid)
		}
		// Unanswered expiry forfeits the full balance to the merchant.
		total, err := c.Deposits.Total()
		if err != nil {
			return err
		}
		final := amount.Balances{
			Customer: amount.New(0, total.Currency),
			Merchant: total,
		}
		c.Status = escrow.StatusClosed
		c.FinalBalances = &final
		return nil
	case escrow.StatusDisputed:
		c.Status = escrow.StatusClosed
		return nil
	case escrow.StatusClosed:
		return nil
	}
	return fmt.Errorf("claim_merchant in status %s: %w", c.Status, escrow.ErrOperationInvalid)
}

func (b *Backend) verifyClosing(c *escrow.ContractState, op Operation) error {
	params := b.params[c.ID]
	if op.ClosingState.ChannelID != c.ChannelID {
		return fmt.Errorf("closing state is for another channel: %w", escrow.ErrOperationInvalid)
	}
	if err := params.VerifyClose(op.ClosingState.Commitment(), op.ClosingSignature); err != nil {
		return fmt.Errorf("closing signature: %w", escrow.ErrOperationInvalid)
	}
	if err := op.ClosingState.Balances.Validate(); err != nil {
		return fmt.Errorf("closing balances: %w", err)
	}
	total, err := op.ClosingState.Balances.Total()
	if err != nil {
		return err
	}
	escrowed, err := c.Deposits.Total()
	if err != nil {
		return err
	}
	if total != escrowed {
		return fmt.Errorf("closing balances do not sum to escrowed funds: %w", escrow.ErrOperationInvalid)
	}
	return nil
}
