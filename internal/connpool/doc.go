// Package connpool keeps persistent connections to backend servers.
//
// A Manager owns one partition per endpoint.Key. Borrow hands out an idle,
// validated connection, opens a new one while the partition is under its
// capacity, or waits for a connection to come back. Capacity is counted per
// key over idle and lent connections together; there is no global limit.
//
// A Conn carries one request at a time. Its state register moves
//
//	IDLE -> REQUEST_SENT -> RELEASABLE -> IDLE
//
// through compare-and-set transitions, and the register also records which
// Issuer the connection is bound to, so an exchange can only be driven and
// released by the request that started it. A connection that failed once is
// invalidated for good: it finishes its exchange as RELEASABLE, its socket is
// destroyed on release and it never goes back to the idle set.
//
// Release hands the connection to the manager through a small return
// executor instead of the caller's goroutine, because the caller may be the
// connection's own reader.
package connpool
