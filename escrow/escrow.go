// Package escrow defines the interface to the on-chain escrow backend: the
// operations a party can submit against a channel's escrow contract and
// the contract state the watchers poll. The backend is the oracle of
// ground truth for channel funding, closing and disputes.
package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/zkchannels/zkchannel/amount"
	"github.com/zkchannels/zkchannel/zkabacus"
)

// ContractID identifies an originated escrow contract.
type ContractID string

// ContractIDForChannel derives the deterministic contract ID for a
// channel's escrow contract, so retried originations are idempotent.
func ContractIDForChannel(channelID zkabacus.ChannelID) ContractID {
	sum := sha256.Sum256(channelID[:])
	return ContractID("KT1" + hex.EncodeToString(sum[:10]))
}

// OperationHash identifies a submitted on-chain operation.
type OperationHash string

// ErrContractNotFound is returned when no contract exists for an ID.
var ErrContractNotFound = errors.New("escrow contract not found")

// ErrOperationInvalid is returned when the contract rejects an operation:
// wrong status, expired or unelapsed window, or failed signature or
// revocation checks.
var ErrOperationInvalid = errors.New("escrow operation invalid")

// OperationKind enumerates the contract entrypoints.
type OperationKind string

const (
	// OpOriginate creates the contract for a channel.
	OpOriginate OperationKind = "originate"
	// OpFundCustomer deposits the customer's funds.
	OpFundCustomer OperationKind = "fund_customer"
	// OpFundMerchant deposits the merchant's funds.
	OpFundMerchant OperationKind = "fund_merchant"
	// OpMutualClose settles immediately on balances both parties signed.
	OpMutualClose OperationKind = "mutual_close"
	// OpCustomerClose posts the customer's closing state, starting the
	// dispute window.
	OpCustomerClose OperationKind = "customer_close"
	// OpExpiry is the merchant's unilateral close: it starts a window
	// within which the customer must post its closing state or forfeit.
	OpExpiry OperationKind = "expiry"
	// OpDispute reveals a revocation secret proving the posted closing
	// state was revoked; the full balance is awarded to the merchant.
	OpDispute OperationKind = "dispute"
	// OpClaimCustomer claims the customer's share after the window.
	OpClaimCustomer OperationKind = "claim_customer"
	// OpClaimMerchant claims the full balance after an unanswered expiry.
	OpClaimMerchant OperationKind = "claim_merchant"
)

// Operation is a submission against an escrow contract. Kind selects the
// entrypoint; only the fields that entrypoint reads are set.
type Operation struct {
	Kind       OperationKind
	ContractID ContractID

	// Originate.
	ChannelID      zkabacus.ChannelID
	MerchantParams zkabacus.PublicParams
	Deposits       amount.Balances
	DisputeWindow  time.Duration

	// MutualClose and CustomerClose.
	ClosingState     zkabacus.ClosingState
	ClosingSignature zkabacus.ClosingSignature

	// Dispute.
	RevocationSecret zkabacus.RevocationSecret
}

// ContractStatus is the lifecycle position of an escrow contract.
type ContractStatus string

const (
	StatusAwaitingCustomerFunding = ContractStatus("awaiting_customer_funding")
	StatusAwaitingMerchantFunding = ContractStatus("awaiting_merchant_funding")
	StatusOpen                    = ContractStatus("open")
	StatusExpiry                  = ContractStatus("expiry")
	StatusCustomerClose           = ContractStatus("customer_close")
	StatusDisputed                = ContractStatus("disputed")
	StatusClosed                  = ContractStatus("closed")
)

// PostedClose describes a closing state posted on chain, visible to both
// parties during the dispute window.
type PostedClose struct {
	ClosingState zkabacus.ClosingState
	PostedAt     time.Time
}

// ContractState is a snapshot of an escrow contract as observed on chain.
type ContractState struct {
	ID            ContractID
	ChannelID     zkabacus.ChannelID
	Status        ContractStatus
	Deposits      amount.Balances
	DisputeWindow time.Duration

	// Height is the block height of origination.
	Height uint64

	// ExpiryPostedAt is set while Status is StatusExpiry.
	ExpiryPostedAt time.Time

	// Closing is set once a closing state has been posted.
	Closing *PostedClose

	// FinalBalances is set once Status is StatusClosed.
	FinalBalances *amount.Balances
}

// Backend submits operations to the chain and reports contract state.
// Submissions must be idempotent: watchers retry on failure and may
// resubmit an operation that already took effect.
type Backend interface {
	Submit(ctx context.Context, op Operation) (OperationHash, error)
	ContractState(ctx context.Context, id ContractID) (ContractState, error)
}
