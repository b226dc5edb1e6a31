// Package session carries protocol messages between customer and merchant
// over an authenticated, length-framed TLS stream, and keeps a logical
// session alive across physical disconnections.
//
// A logical session is identified by a session key generated by the
// initiator. Every message in a session carries a per-direction sequence
// number; on reconnect the handshake exchanges each side's last applied
// sequence number so that an interrupted exchange resumes exactly where it
// left off: a step whose effects were durably applied is never
// re-executed, and duplicates are never delivered to the application.
package session

import (
	"errors"
	"math"
	"time"
)

var (
	// ErrSessionBusy is returned when a second session is started for a
	// channel that already has one in flight. Sessions are single-flight
	// per channel.
	ErrSessionBusy = errors.New("session busy: channel has an exchange in flight")

	// ErrRetriesExhausted is returned when reconnection attempts exceed
	// the configured backoff bound.
	ErrRetriesExhausted = errors.New("connection retries exhausted")
)

// Backoff bounds the retry schedule used for connecting and reconnecting.
type Backoff struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the delay between retries.
	Max time.Duration
	// Factor multiplies the delay after each retry.
	Factor float64
	// MaxRetries bounds the number of retries before giving up.
	MaxRetries int
}

// DefaultBackoff retries six times from one second, doubling up to 32s.
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Max: 32 * time.Second, Factor: 2, MaxRetries: 6}
}

// Delay returns the wait before retry attempt n, zero-based.
func (b Backoff) Delay(n int) time.Duration {
	d := float64(b.Initial) * math.Pow(b.Factor, float64(n))
	if max := float64(b.Max); d > max {
		d = max
	}
	return time.Duration(d)
}
