package bthost

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors that affect a whole link rather than a single request or channel.
var (
	// ErrCommandTimeout is returned when the controller does not answer a
	// command before the configured deadline.
	ErrCommandTimeout = errors.New("command timeout")

	// ErrLinkLost is returned to every pending waiter when the transport
	// underneath a controller link goes away.
	ErrLinkLost = errors.New("link lost")

	// ErrClosed is returned when an operation is attempted on a closed
	// link, channel or connection.
	ErrClosed = errors.New("closed")

	// ErrMethodMismatch is returned when the two sides of a pairing do not
	// derive the same pairing method from the exchanged capabilities.
	ErrMethodMismatch = errors.New("pairing method mismatch")

	// ErrBondNotFound is returned by a BondManager lookup for a peer with
	// no stored bond.
	ErrBondNotFound = errors.New("bond not found")

	// ErrProfileNotCached is returned by a GattCache lookup for a peer
	// with no stored profile.
	ErrProfileNotCached = errors.New("profile not cached")
)

// FramingError reports a malformed or oversized frame on the
// host-controller transport. The offending bytes are dropped; decoding
// resumes at the next frame boundary when possible.
type FramingError struct {
	Reason string
	Length int
}

func (e *FramingError) Error() string {
	if e.Length > 0 {
		return fmt.Sprintf("framing: %s (%d bytes)", e.Reason, e.Length)
	}
	return "framing: " + e.Reason
}

// PayloadTooLargeError reports a reassembled payload whose declared total
// length exceeds the receiver's configured maximum. It closes the offending
// channel, not the connection.
type PayloadTooLargeError struct {
	Declared int
	Max      int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("payload too large: declared %d, max %d", e.Declared, e.Max)
}

// AuthenticationError reports a failed pairing. Reason carries the SMP
// failure reason code that was sent or received.
type AuthenticationError struct {
	Reason byte
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failure (reason 0x%02X)", e.Reason)
}
