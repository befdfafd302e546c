package connpool

import "errors"

var (
	// ErrEndpointUnavailable is returned by Borrow when no connection could be
	// obtained within the borrow timeout, or when opening one failed.
	ErrEndpointUnavailable = errors.New("endpoint not available")

	// ErrConnectFailure wraps a dial error or timeout.
	ErrConnectFailure = errors.New("cannot connect to endpoint")

	// ErrProtocolViolation reports a call made in the wrong state or by a
	// request the connection is not bound to. It is always a caller bug.
	ErrProtocolViolation = errors.New("connection protocol violation")

	// ErrConnectionInvalid is the cause passed to the issuer when it is handed
	// a connection that can no longer carry requests.
	ErrConnectionInvalid = errors.New("connection is no longer valid")

	ErrPoolClosed = errors.New("connection pool is closed")
)
