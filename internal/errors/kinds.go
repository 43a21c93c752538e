package errors

import "errors"

// Sentinel errors for the hub and store. Component boundaries return these
// (wrapped with %w); the hub executor decides disconnect vs. drop-and-log.
var (
	// ErrNotFound means the requested durable entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRevoked means a pairing token exists but has been revoked.
	ErrRevoked = errors.New("pairing token revoked")

	// ErrStateConflict means a write would violate an invariant, such as
	// overwriting a terminal job status or starting a duplicate run.
	ErrStateConflict = errors.New("state conflict")

	// ErrBackpressure means a writer queue is full. Callers drop streaming
	// chunks and disconnect slow peers for state-carrying frames.
	ErrBackpressure = errors.New("backpressure")

	// ErrClosed means the connection has been closed; no further sends.
	ErrClosed = errors.New("connection closed")

	// ErrProtocol means a malformed, oversize, or unexpected frame.
	ErrProtocol = errors.New("protocol error")

	// ErrUnauthorized means a missing, invalid, or expired credential.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrOverloaded means the hub mailbox is full; the offending socket
	// is closed rather than silently dropping state-changing messages.
	ErrOverloaded = errors.New("overloaded")
)

// Is reports whether err matches target, re-exported so callers don't need
// both this package and the stdlib errors package imported.
func Is(err, target error) bool { return errors.Is(err, target) }
