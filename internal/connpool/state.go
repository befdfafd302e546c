package connpool

import "sync/atomic"

type State int32

const (
	StateIdle State = iota
	StateRequestSent
	StateReleasable
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRequestSent:
		return "REQUEST_SENT"
	case StateReleasable:
		return "RELEASABLE"
	default:
		return "UNKNOWN"
	}
}

// binding ties a connection to the request driving it. Only the request id
// is used to authorize calls.
type binding struct {
	id     uint64
	issuer Issuer
	// failed is set by the first failure notification of the exchange.
	failed atomic.Bool
}

// register is the immutable value held by a connection's state register.
// binding is nil iff state is StateIdle.
type register struct {
	state   State
	binding *binding
}

var idleRegister = &register{state: StateIdle}
