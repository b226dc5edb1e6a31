package protocol

import (
	"errors"
	"fmt"
)

// ErrProtocolViolation matches any *Violation via errors.Is. A violation
// is fatal to the session that produced it and never mutates channel
// state.
var ErrProtocolViolation = errors.New("protocol violation")

// Violation records a breach of the protocol contract: a message out of
// sequence, of the wrong type, or malformed on the wire.
type Violation struct {
	Subprotocol Subprotocol
	Step        int
	Got         Type
	Want        Type
	Reason      string
}

func (v *Violation) Error() string {
	if v.Reason != "" {
		return fmt.Sprintf("protocol violation: %s", v.Reason)
	}
	return fmt.Sprintf("protocol violation: %s step %d: got %s want %s",
		v.Subprotocol, v.Step, v.Got, v.Want)
}

func (v *Violation) Is(target error) bool {
	return target == ErrProtocolViolation
}

// Party identifies which side sends a given step.
type Party int

const (
	PartyCustomer Party = iota
	PartyMerchant
)

// Subprotocol names one of the four zkChannels exchanges.
type Subprotocol string

const (
	SubprotocolParameters Subprotocol = "parameters"
	SubprotocolEstablish  Subprotocol = "establish"
	SubprotocolPay        Subprotocol = "pay"
	SubprotocolClose      Subprotocol = "close"
)

// Valid reports whether s names a known subprotocol.
func (s Subprotocol) Valid() bool {
	_, ok := sequences[s]
	return ok
}

// Step is one position in a subprotocol's message sequence.
type Step struct {
	Type   Type
	Sender Party
}

// sequences is the canonical ordered message exchange of each
// subprotocol. A session must walk its subprotocol's sequence exactly;
// the merchant may substitute Reject for any step it sends.
var sequences = map[Subprotocol][]Step{
	SubprotocolParameters: {
		{TypeParamsRequest, PartyCustomer},
		{TypeParamsResponse, PartyMerchant},
	},
	SubprotocolEstablish: {
		{TypeEstablishRequest, PartyCustomer},
		{TypeEstablishAccept, PartyMerchant},
		{TypeEstablishConfirm, PartyCustomer},
	},
	SubprotocolPay: {
		{TypePayRequest, PartyCustomer},
		{TypePayAccept, PartyMerchant},
		{TypePayRevoke, PartyCustomer},
		{TypePayComplete, PartyMerchant},
	},
	SubprotocolClose: {
		{TypeCloseRequest, PartyCustomer},
		{TypeCloseAccept, PartyMerchant},
	},
}

// Sequence returns the ordered steps of a subprotocol.
func Sequence(s Subprotocol) []Step {
	return sequences[s]
}

// Progress tracks a session's position in its subprotocol sequence and
// classifies each incoming message as in-order, a rejection, or a
// violation.
type Progress struct {
	subprotocol Subprotocol
	step        int
}

// NewProgress returns a tracker positioned before the first step.
func NewProgress(s Subprotocol) (*Progress, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown subprotocol %q", s)
	}
	return &Progress{subprotocol: s}, nil
}

// Step returns the zero-based index of the next expected step.
func (p *Progress) Step() int { return p.step }

// Done reports whether the full sequence has been walked.
func (p *Progress) Done() bool { return p.step >= len(sequences[p.subprotocol]) }

// Expect returns the next expected step. Calling Expect on a completed
// sequence is a programming error.
func (p *Progress) Expect() Step {
	return sequences[p.subprotocol][p.step]
}

// Advance checks that m is the message the sequence expects from sender
// and moves past it. A merchant Reject in place of a merchant-sent step is
// accepted and reported via rejected. Anything else out of order is a
// *Violation.
func (p *Progress) Advance(sender Party, m Message) (rejected *Reject, err error) {
	if p.Done() {
		return nil, &Violation{
			Subprotocol: p.subprotocol,
			Step:        p.step,
			Got:         m.Type,
			Reason:      fmt.Sprintf("%s: message %s after sequence completed", p.subprotocol, m.Type),
		}
	}
	want := p.Expect()
	if sender != want.Sender {
		return nil, &Violation{
			Subprotocol: p.subprotocol,
			Step:        p.step,
			Got:         m.Type,
			Want:        want.Type,
			Reason:      fmt.Sprintf("%s step %d: wrong sender for %s", p.subprotocol, p.step, m.Type),
		}
	}
	if m.Type == TypeReject && want.Sender == PartyMerchant {
		if m.Reject == nil {
			return nil, &Violation{Subprotocol: p.subprotocol, Step: p.step, Got: m.Type, Want: want.Type, Reason: "reject with no body"}
		}
		p.step = len(sequences[p.subprotocol])
		return m.Reject, nil
	}
	if m.Type != want.Type {
		return nil, &Violation{Subprotocol: p.subprotocol, Step: p.step, Got: m.Type, Want: want.Type}
	}
	if payloadOf(m) == nil {
		return nil, &Violation{Subprotocol: p.subprotocol, Step: p.step, Got: m.Type, Want: want.Type, Reason: fmt.Sprintf("%s with no body", m.Type)}
	}
	p.step++
	return nil, nil
}

// payloadOf returns the payload pointer matching the message's type, or
// nil if the matching field is unset.
func payloadOf(m Message) interface{} {
	switch m.Type {
	case TypeHandshakeRequest:
		if m.HandshakeRequest != nil {
			return m.HandshakeRequest
		}
	case TypeHandshakeResponse:
		if m.HandshakeResponse != nil {
			return m.HandshakeResponse
		}
	case TypeAck:
		if m.Ack != nil {
			return m.Ack
		}
	case TypeReject:
		if m.Reject != nil {
			return m.Reject
		}
	case TypeParamsRequest:
		if m.ParamsRequest != nil {
			return m.ParamsRequest
		}
	case TypeParamsResponse:
		if m.ParamsResponse != nil {
			return m.ParamsResponse
		}
	case TypeEstablishRequest:
		if m.EstablishRequest != nil {
			return m.EstablishRequest
		}
	case TypeEstablishAccept:
		if m.EstablishAccept != nil {
			return m.EstablishAccept
		}
	case TypeEstablishConfirm:
		if m.EstablishConfirm != nil {
			return m.EstablishConfirm
		}
	case TypePayRequest:
		if m.PayRequest != nil {
			return m.PayRequest
		}
	case TypePayAccept:
		if m.PayAccept != nil {
			return m.PayAccept
		}
	case TypePayRevoke:
		if m.PayRevoke != nil {
			return m.PayRevoke
		}
	case TypePayComplete:
		if m.PayComplete != nil {
			return m.PayComplete
		}
	case TypeCloseRequest:
		if m.CloseRequest != nil {
			return m.CloseRequest
		}
	case TypeCloseAccept:
		if m.CloseAccept != nil {
			return m.CloseAccept
		}
	}
	return nil
}
