package venue

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCredentials is returned before any I/O when an operation is
	// attempted with an empty key or secret.
	ErrNoCredentials = errors.New("venue: no credentials configured")

	// ErrNoPriceData is returned when an order is attempted for a symbol
	// with no cached price to size the quantity from.
	ErrNoPriceData = errors.New("venue: no cached price for symbol")

	// ErrPositionNotFound is returned when a close targets a position id
	// that is not in the position map.
	ErrPositionNotFound = errors.New("venue: position not found")

	// ErrAlreadyInProgress is the reentrancy guard for close-all.
	ErrAlreadyInProgress = errors.New("venue: operation already in progress")
)

// NetworkError is a transport-level failure: dial, write, torn-down channel,
// or a request timeout.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("venue: network failure during %s", e.Op)
	}
	return fmt.Sprintf("venue: network failure during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SchemaError is an unexpected payload shape from the venue.
type SchemaError struct {
	Op  string
	Err error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("venue: malformed %s payload: %v", e.Op, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// VenueError is a signed call the venue rejected. Msg is surfaced verbatim to
// the caller and the UI.
type VenueError struct {
	Code int
	Msg  string
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("venue: rejected (%d): %s", e.Code, e.Msg)
}
