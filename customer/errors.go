package customer

import (
	"context"
	"errors"
	"fmt"

	"github.com/zkchannels/zkchannel/protocol"
	"github.com/zkchannels/zkchannel/session"
)

// ErrRejected matches any merchant rejection via errors.Is.
var ErrRejected = errors.New("merchant rejected operation")

// RejectedError carries the rejection the merchant sent in place of a
// response. It aborts the in-flight operation; no state changed on either
// side.
type RejectedError struct {
	Code    protocol.RejectCode
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("merchant rejected operation: %s: %s", e.Code, e.Message)
}

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// recvExpect receives the next message and requires it to be of type
// want. A Reject becomes a *RejectedError; any other mismatch is a
// protocol violation, which Recv treats as fatal anyway.
func recvExpect(ctx context.Context, s *session.Session, want protocol.Type) (protocol.Message, error) {
	m, err := s.Recv(ctx)
	if err != nil {
		return protocol.Message{}, err
	}
	if m.Type == protocol.TypeReject && m.Reject != nil {
		return protocol.Message{}, &RejectedError{Code: m.Reject.Code, Message: m.Reject.Message}
	}
	if m.Type != want {
		return protocol.Message{}, fmt.Errorf("%w: got %s, want %s", protocol.ErrProtocolViolation, m.Type, want)
	}
	return m, nil
}
