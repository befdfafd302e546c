package connpool

import (
	"context"
	"net"
	"time"

	"github.com/angeloszaimis/upstream-pool/internal/endpoint"
	"github.com/angeloszaimis/upstream-pool/internal/pending"
)

// Issuer is the request driving an exchange on a Conn. Callbacks may run on
// the caller's goroutine (send failures, request fully sent) or on the
// connection's reader goroutine (response data, read errors); implementations
// must not block indefinitely in them.
type Issuer interface {
	pending.Request

	// MessageSentToBackend is called before each part of the request is
	// written.
	MessageSentToBackend(c *Conn)
	// ErrorSendingRequest is called once when the exchange fails while the
	// request is being written. The connection is RELEASABLE when it runs.
	// It reports whether the issuer released the connection.
	ErrorSendingRequest(c *Conn, cause error) bool
	// LastHTTPContentSent is called once the terminal chunk was written.
	LastHTTPContentSent()
	// ReceivedFromRemote receives response bytes in arrival order. data is
	// owned by the callee.
	ReceivedFromRemote(data []byte, c *Conn)
	// ReadCompletedFromRemote marks the end of a read batch.
	ReadCompletedFromRemote()
	// BadErrorOnRemote reports a read error, or io.EOF when the backend
	// closed the connection while the request was bound.
	BadErrorOnRemote(cause error)
}

// HealthReporter receives unreachable reports for backends.
type HealthReporter interface {
	ReportUnreachable(key endpoint.Key, at time.Time, reason string)
}

// Dialer opens backend sockets. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}
