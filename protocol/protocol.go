// Package protocol defines the canonical zkChannels message exchange: the
// typed messages of each subprotocol, the exact order in which the
// customer and merchant exchange them, and the versioned binary framing
// they travel in. The package is pure data and contract; it performs no
// I/O and holds no channel state.
package protocol

import (
	"time"

	"github.com/google/uuid"

	"github.com/zkchannels/zkchannel/amount"
	"github.com/zkchannels/zkchannel/zkabacus"
)

// Version is the wire encoding version. A frame with any other version is
// rejected before its body is decoded.
const Version = 1

// Type identifies a protocol message. Numbering is spaced per subprotocol.
type Type uint16

const (
	TypeHandshakeRequest  Type = 100
	TypeHandshakeResponse Type = 101
	TypeAck               Type = 102
	TypeReject            Type = 103

	TypeParamsRequest  Type = 200
	TypeParamsResponse Type = 201

	TypeEstablishRequest Type = 300
	TypeEstablishAccept  Type = 301
	TypeEstablishConfirm Type = 302

	TypePayRequest  Type = 400
	TypePayAccept   Type = 401
	TypePayRevoke   Type = 402
	TypePayComplete Type = 403

	TypeCloseRequest Type = 500
	TypeCloseAccept  Type = 501
)

var typeNames = map[Type]string{
	TypeHandshakeRequest:  "handshake_request",
	TypeHandshakeResponse: "handshake_response",
	TypeAck:               "ack",
	TypeReject:            "reject",
	TypeParamsRequest:     "params_request",
	TypeParamsResponse:    "params_response",
	TypeEstablishRequest:  "establish_request",
	TypeEstablishAccept:   "establish_accept",
	TypeEstablishConfirm:  "establish_confirm",
	TypePayRequest:        "pay_request",
	TypePayAccept:         "pay_accept",
	TypePayRevoke:         "pay_revoke",
	TypePayComplete:       "pay_complete",
	TypeCloseRequest:      "close_request",
	TypeCloseAccept:       "close_accept",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "unknown"
}

// Valid reports whether t is a known message type.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// Message is one protocol message. Exactly the payload field matching Type
// is set; all others are nil.
type Message struct {
	Type Type   `json:"-"`
	Seq  uint64 `json:"seq"`

	HandshakeRequest  *HandshakeRequest  `json:"handshake_request,omitempty"`
	HandshakeResponse *HandshakeResponse `json:"handshake_response,omitempty"`
	Ack               *Ack               `json:"ack,omitempty"`
	Reject            *Reject            `json:"reject,omitempty"`

	ParamsRequest  *ParamsRequest  `json:"params_request,omitempty"`
	ParamsResponse *ParamsResponse `json:"params_response,omitempty"`

	EstablishRequest *EstablishRequest `json:"establish_request,omitempty"`
	EstablishAccept  *EstablishAccept  `json:"establish_accept,omitempty"`
	EstablishConfirm *EstablishConfirm `json:"establish_confirm,omitempty"`

	PayRequest  *PayRequest  `json:"pay_request,omitempty"`
	PayAccept   *PayAccept   `json:"pay_accept,omitempty"`
	PayRevoke   *PayRevoke   `json:"pay_revoke,omitempty"`
	PayComplete *PayComplete `json:"pay_complete,omitempty"`

	CloseRequest *CloseRequest `json:"close_request,omitempty"`
	CloseAccept  *CloseAccept  `json:"close_accept,omitempty"`
}

// HandshakeRequest opens a logical session, or resumes one after a
// reconnect. The session key is generated by the initiator and stable for
// the life of the logical session. LastAck is the sequence number of the
// last message whose effects the initiator knows were applied; on resume
// the responder continues from there.
type HandshakeRequest struct {
	SessionKey  uuid.UUID          `json:"session_key"`
	Subprotocol Subprotocol        `json:"subprotocol"`
	ChannelID   zkabacus.ChannelID `json:"channel_id"`
	LastAck     uint64             `json:"last_ack"`
}

// HandshakeResponse acknowledges a handshake. LastAck tells the initiator
// the last message sequence number the responder durably applied, so a
// resumed session never re-executes an applied step. Busy reports that the
// channel already has a different session in flight.
type HandshakeResponse struct {
	LastAck uint64 `json:"last_ack"`
	Busy    bool   `json:"busy,omitempty"`
}

// Ack acknowledges a session-final message whose effects were durably
// applied and which has no application-level response.
type Ack struct{}

// RejectCode classifies why the merchant declined an operation. A
// rejection aborts only the in-flight operation; it is not a protocol
// violation.
type RejectCode string

const (
	RejectCodeProofInvalid RejectCode = "proof_invalid"
	RejectCodeNonceReused  RejectCode = "nonce_reused"
	RejectCodeRevoked      RejectCode = "revoked"
	RejectCodeNotApproved  RejectCode = "not_approved"
	RejectCodeInternal     RejectCode = "internal"
	// RejectCodeProtocolViolation reports that the peer broke the message
	// sequence; the session was aborted with no state mutated.
	RejectCodeProtocolViolation RejectCode = "protocol_violation"
)

// Reject is sent by the merchant in place of any response message to
// decline the in-flight operation.
type Reject struct {
	Code    RejectCode `json:"code"`
	Message string     `json:"message"`
}

// ParamsRequest asks the merchant for its public parameters. It mutates no
// state on either side.
type ParamsRequest struct{}

// ParamsResponse carries the merchant's public parameters. Randomness is a
// fresh contribution for channel ID derivation should the customer proceed
// to establish a channel.
type ParamsResponse struct {
	Params        zkabacus.PublicParams `json:"params"`
	Randomness    zkabacus.Randomness   `json:"randomness"`
	EscrowAddress string                `json:"escrow_address"`
	DisputeWindow time.Duration         `json:"dispute_window"`
}

// EstablishRequest proposes a new channel: the derived channel ID, both
// parties' randomness, the initial deposits, and the establishment proof
// over state zero.
type EstablishRequest struct {
	ChannelID          zkabacus.ChannelID      `json:"channel_id"`
	CustomerRandomness zkabacus.Randomness     `json:"customer_randomness"`
	MerchantRandomness zkabacus.Randomness     `json:"merchant_randomness"`
	Deposits           amount.Balances         `json:"deposits"`
	FundingAddress     string                  `json:"funding_address"`
	Proof              zkabacus.EstablishProof `json:"proof"`
}

// EstablishAccept carries the merchant's signature material for state
// zero: the closing signature the customer can settle with, and the pay
// token entitling the customer to the first payment.
type EstablishAccept struct {
	ClosingSignature zkabacus.ClosingSignature `json:"closing_signature"`
	PayToken         zkabacus.PayToken         `json:"pay_token"`
}

// EstablishConfirm binds the channel to its on-chain origination: the
// escrow contract identifier and the block height it was originated at.
type EstablishConfirm struct {
	ChannelID     zkabacus.ChannelID `json:"channel_id"`
	ContractID    string             `json:"contract_id"`
	FundingHeight uint64             `json:"funding_height"`
}

// PayRequest starts a payment of Amount. A negative amount is a refund.
// The proof spends the nonce of the paying state and commits to the
// successor state without revealing either.
type PayRequest struct {
	Amount amount.Amount     `json:"amount"`
	Note   string            `json:"note"`
	Proof  zkabacus.PayProof `json:"proof"`
}

// PayAccept carries the merchant's blind closing signature on the
// successor state.
type PayAccept struct {
	ClosingSignature zkabacus.ClosingSignature `json:"closing_signature"`
}

// PayRevoke reveals the revocation secret of the paying state, revoking
// the customer's ability to close on the pre-payment balances.
type PayRevoke struct {
	Lock   zkabacus.RevocationLock   `json:"lock"`
	Secret zkabacus.RevocationSecret `json:"secret"`
}

// PayComplete issues the pay token for the successor state, finishing the
// payment.
type PayComplete struct {
	PayToken zkabacus.PayToken `json:"pay_token"`
}

// CloseRequest proposes a mutual close on the customer's latest authorized
// closing state.
type CloseRequest struct {
	ClosingState     zkabacus.ClosingState     `json:"closing_state"`
	ClosingSignature zkabacus.ClosingSignature `json:"closing_signature"`
}

// CloseAccept is the merchant's agreement to the mutual close.
type CloseAccept struct{}
