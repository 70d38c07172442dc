// Package errors holds the transport failure classes shared by the lock,
// registry and transport packages.
package errors

import "errors"

var (
	// ErrUnreachable marks a remote call that could not reach its peer. The
	// custodian evicts peers on errors matching it.
	ErrUnreachable = errors.New("peer unreachable")
	// ErrTimeout is joined with ErrUnreachable when a call runs out of time.
	ErrTimeout = errors.New("timeout")
	// ErrConnectionClosed is joined with ErrUnreachable when the underlying
	// connection is gone.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrIndeterminate marks a call that may or may not have been delivered,
	// such as a request that timed out after it was sent.
	ErrIndeterminate = errors.New("delivery outcome unknown")
)
