// Package storage defines the sentinel errors shared by the customer and
// merchant stores. The store interfaces themselves live with their
// consumers; implementations live in storage/memory.
package storage

import "errors"

var (
	// ErrNotFound is returned when no record exists for a key.
	ErrNotFound = errors.New("storage: not found")

	// ErrChannelExists is returned when inserting a channel whose label
	// or channel ID is already taken.
	ErrChannelExists = errors.New("storage: channel exists")

	// ErrNonceExists is returned by the merchant store when a payment
	// nonce was already spent.
	ErrNonceExists = errors.New("storage: nonce exists")

	// ErrRevocationExists is returned when a revocation lock was already
	// revealed; each lock may be revealed at most once.
	ErrRevocationExists = errors.New("storage: revocation exists")
)
