package connpool

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/angeloszaimis/upstream-pool/internal/endpoint"
	"github.com/angeloszaimis/upstream-pool/internal/metrics"
)

// DebugHeader is added to every request head when the debug header is enabled.
const DebugHeader = "X-Upstream-Debug"

const readBufferSize = 32 * 1024

var connectionIDs atomic.Uint64

// Conn is one socket to one backend.
type Conn struct {
	id      uint64
	key     endpoint.Key
	manager *Manager
	netConn net.Conn
	stats   *endpointStats
	logger  *slog.Logger

	reg          atomic.Pointer[register]
	valid        atomic.Bool
	closed       atomic.Bool
	lent         atomic.Bool
	lastActivity atomic.Int64
	idleTimeout  atomic.Int64

	writeMutex  sync.Mutex
	destroyOnce sync.Once
}

func newConn(m *Manager, key endpoint.Key, nc net.Conn, stats *endpointStats) *Conn {
	c := &Conn{
		id:      connectionIDs.Add(1),
		key:     key,
		manager: m,
		netConn: nc,
		stats:   stats,
	}
	c.logger = m.logger.With(
		slog.Uint64("connection_id", c.id),
		slog.String("backend", key.HostPort()))
	c.reg.Store(idleRegister)
	c.valid.Store(true)
	c.touch()

	stats.total.Add(1)
	stats.open.Add(1)
	m.conns.Store(c.id, c)

	go c.readLoop()
	return c
}

func (c *Conn) ID() uint64 {
	return c.id
}

func (c *Conn) Key() endpoint.Key {
	return c.key
}

func (c *Conn) State() State {
	return c.reg.Load().state
}

func (c *Conn) Valid() bool {
	return c.valid.Load()
}

// LastActivity returns the time of the last send or receive.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// SetIdleTimeout overrides the manager's idle timeout for this connection.
// Zero restores the manager's value.
func (c *Conn) SetIdleTimeout(d time.Duration) {
	c.idleTimeout.Store(int64(d))
}

func (c *Conn) String() string {
	return fmt.Sprintf("Conn{id=%d, key=%s, state=%s, valid=%t}",
		c.id, c.key, c.State(), c.Valid())
}

// SendRequest binds the connection to issuer and writes the request head.
// It fails with ErrProtocolViolation unless the connection is IDLE. Write
// failures are not returned: they are reported through issuer callbacks.
func (c *Conn) SendRequest(head []byte, issuer Issuer) error {
	b := &binding{id: issuer.ID(), issuer: issuer}

	cur := c.reg.Load()
	if cur.state != StateIdle || !c.reg.CompareAndSwap(cur, &register{state: StateRequestSent, binding: b}) {
		c.logger.Error("Bad state on send request",
			slog.String("state", c.State().String()),
			slog.Uint64("request_id", b.id))
		return fmt.Errorf("%w: connection %d is %s, cannot accept request %d",
			ErrProtocolViolation, c.id, cur.state, b.id)
	}

	// accounted before any failure callback, which may release
	c.stats.active.Add(1)
	c.stats.requests.Add(1)
	c.manager.registry.Register(issuer)
	c.manager.emit(metrics.EventRequestSent, c.key)

	if !c.Valid() || c.closed.Load() || c.manager.forceError.Load() {
		c.logger.Error("Send request failed, connection is not valid",
			slog.Bool("socket_open", !c.closed.Load()),
			slog.Bool("forced", c.manager.forceError.Load()))
		c.failSend(b, fmt.Errorf("%w: connection %d", ErrConnectionInvalid, c.id), false)
		return nil
	}

	issuer.MessageSentToBackend(c)
	c.touch()

	if c.manager.Config().DebugHeader {
		head = withDebugHeader(head, c.id)
	}

	if err := c.write(head); err != nil {
		c.logger.Info("Send request failed", slog.Any("error", err))
		c.failSend(b, err, c.failedRemotely())
	}

	return nil
}

// SendChunk writes a fragment of the request body.
func (c *Conn) SendChunk(data []byte, issuer Issuer) error {
	return c.send(data, issuer, false)
}

// SendLastChunk writes the terminal fragment of the request body and moves
// the connection to RELEASABLE.
func (c *Conn) SendLastChunk(data []byte, issuer Issuer) error {
	return c.send(data, issuer, true)
}

func (c *Conn) send(data []byte, issuer Issuer, last bool) error {
	cur, err := c.boundTo(issuer)
	if err != nil {
		return err
	}
	b := cur.binding

	if cur.state != StateRequestSent {
		if !c.Valid() {
			// the failure was already notified
			return fmt.Errorf("%w: connection %d", ErrConnectionInvalid, c.id)
		}
		c.logger.Error("Bad state on send chunk",
			slog.String("state", cur.state.String()),
			slog.Uint64("request_id", b.id))
		return fmt.Errorf("%w: connection %d is %s, cannot send body of request %d",
			ErrProtocolViolation, c.id, cur.state, b.id)
	}

	if !c.Valid() || c.closed.Load() {
		c.logger.Error("Skipping chunk to invalid connection", slog.Uint64("request_id", b.id))
		c.failSend(b, fmt.Errorf("%w: connection %d", ErrConnectionInvalid, c.id), false)
		return nil
	}

	issuer.MessageSentToBackend(c)
	c.touch()

	if len(data) > 0 {
		if err := c.write(data); err != nil {
			c.logger.Info("Send chunk failed", slog.Bool("last", last), slog.Any("error", err))
			c.failSend(b, err, c.failedRemotely())
			return nil
		}
	}

	if last && c.advance(b, StateRequestSent, StateReleasable) {
		issuer.LastHTTPContentSent()
	}

	return nil
}

// Abort ends the exchange of issuer without waiting for it to complete. The
// connection is invalidated and becomes RELEASABLE; the issuer must still
// call Release.
func (c *Conn) Abort(issuer Issuer, cause error) error {
	cur, err := c.boundTo(issuer)
	if err != nil {
		return err
	}

	c.invalidate()
	c.advance(cur.binding, StateRequestSent, StateReleasable)
	c.logger.Info("Exchange aborted",
		slog.Uint64("request_id", cur.binding.id),
		slog.Any("cause", cause))

	return nil
}

// Release unbinds issuer and returns the connection to its manager. The
// socket is destroyed first if closeConn is set or the connection is no
// longer valid. Release only acts on a RELEASABLE connection bound to issuer;
// otherwise it logs the inconsistency and returns false.
func (c *Conn) Release(closeConn bool, issuer Issuer) bool {
	cur := c.reg.Load()
	if cur.state != StateReleasable || cur.binding == nil || cur.binding.id != issuer.ID() {
		c.logger.Error("Cannot release connection",
			slog.String("state", cur.state.String()),
			slog.Uint64("request_id", issuer.ID()),
			slog.Bool("close", closeConn))
		return false
	}
	if !c.reg.CompareAndSwap(cur, idleRegister) {
		c.logger.Error("Concurrent release of connection", slog.Uint64("request_id", issuer.ID()))
		return false
	}

	c.stats.active.Add(-1)
	c.manager.registry.Unregister(issuer.ID())

	if closeConn || !c.Valid() {
		c.destroy("released with close")
	}

	c.manager.returnConnection(c)
	return true
}

// validate reports why the connection cannot be reused, or nil.
func (c *Conn) validate(now time.Time, idleTimeout time.Duration) error {
	if d := time.Duration(c.idleTimeout.Load()); d > 0 {
		idleTimeout = d
	}

	switch {
	case !c.Valid():
		return errors.New("connection invalidated")
	case c.closed.Load():
		return errors.New("socket closed")
	case idleTimeout > 0 && now.Sub(c.LastActivity()) > idleTimeout:
		return fmt.Errorf("idle for more than %s", idleTimeout)
	}
	return nil
}

// boundTo returns the current register if issuer is the bound request.
func (c *Conn) boundTo(issuer Issuer) (*register, error) {
	cur := c.reg.Load()
	if cur.binding == nil || cur.binding.id != issuer.ID() {
		c.logger.Error("Request is not bound to connection",
			slog.Uint64("request_id", issuer.ID()),
			slog.String("state", cur.state.String()))
		return nil, fmt.Errorf("%w: request %d is not bound to connection %d",
			ErrProtocolViolation, issuer.ID(), c.id)
	}
	return cur, nil
}

// advance moves the register from one state to another for the exchange b.
func (c *Conn) advance(b *binding, from, to State) bool {
	cur := c.reg.Load()
	if cur.state != from || cur.binding != b {
		return false
	}
	next := &register{state: to, binding: b}
	if to == StateIdle {
		next = idleRegister
	}
	return c.reg.CompareAndSwap(cur, next)
}

// failSend invalidates the connection, makes it releasable and notifies the
// issuer once.
func (c *Conn) failSend(b *binding, cause error, report bool) {
	c.invalidate()
	c.advance(b, StateRequestSent, StateReleasable)

	if report {
		c.manager.reportUnreachable(c.key, fmt.Sprintf("write failed: %v", cause))
	}

	if b.failed.CompareAndSwap(false, true) {
		released := b.issuer.ErrorSendingRequest(c, cause)
		c.logger.Debug("Issuer notified of send failure",
			slog.Uint64("request_id", b.id),
			slog.Bool("released", released))
	}
}

func (c *Conn) write(data []byte) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	if d := c.effectiveIdleTimeout(); d > 0 {
		if err := c.netConn.SetWriteDeadline(time.Now().Add(d)); err != nil {
			return err
		}
	}

	if _, err := c.netConn.Write(data); err != nil {
		return err
	}

	c.touch()
	c.logger.Debug("Wrote to backend", slog.Int("bytes", len(data)))
	return nil
}

func (c *Conn) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.netConn.Read(buf)
		if n > 0 {
			c.touch()
			c.deliver(buf[:n])
		}
		if err != nil {
			c.readFailed(err)
			return
		}
	}
}

func (c *Conn) deliver(data []byte) {
	b := c.reg.Load().binding
	if b == nil {
		c.logger.Debug("Discarding data with no request bound", slog.Int("bytes", len(data)))
		return
	}

	b.issuer.ReceivedFromRemote(bytes.Clone(data), c)
	b.issuer.ReadCompletedFromRemote()
}

func (c *Conn) readFailed(err error) {
	local := c.closed.Load()
	c.invalidate()

	switch {
	case local:
		c.logger.Debug("Reader stopped", slog.Any("error", err))
	case errors.Is(err, io.EOF):
		c.logger.Info("Connection closed by backend")
	default:
		c.logger.Error("I/O error on connection", slog.Any("error", err))
		c.manager.reportUnreachable(c.key, fmt.Sprintf("I/O error: %v", err))
	}

	if b := c.reg.Load().binding; b != nil {
		c.advance(b, StateRequestSent, StateReleasable)
		if b.failed.CompareAndSwap(false, true) {
			b.issuer.BadErrorOnRemote(err)
		}
	}

	c.destroy("read loop ended")
}

// failedRemotely reports whether a write error just returned can be blamed
// on the backend. A connection aborted or closed on this side while the write
// was blocked fails without the backend being at fault.
func (c *Conn) failedRemotely() bool {
	return c.Valid() && !c.closed.Load()
}

func (c *Conn) invalidate() {
	c.valid.Store(false)
}

// destroy closes the socket. Pool accounting is left to the manager.
func (c *Conn) destroy(reason string) {
	c.destroyOnce.Do(func() {
		c.invalidate()
		c.closed.Store(true)
		if err := c.netConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.logger.Debug("Error closing socket", slog.Any("error", err))
		}

		c.stats.open.Add(-1)
		c.manager.forget(c)
		c.manager.emit(metrics.EventConnectionClosed, c.key)
		c.logger.Info("Connection destroyed", slog.String("reason", reason))
	})
}

func (c *Conn) touch() {
	now := time.Now().UnixNano()
	c.lastActivity.Store(now)
	c.stats.lastActivity.Store(now)
}

func (c *Conn) effectiveIdleTimeout() time.Duration {
	if d := time.Duration(c.idleTimeout.Load()); d > 0 {
		return d
	}
	return c.manager.Config().IdleTimeout
}

// withDebugHeader inserts the debug header before the blank line ending head.
func withDebugHeader(head []byte, id uint64) []byte {
	end := bytes.LastIndex(head, []byte("\r\n\r\n"))
	if end < 0 {
		return head
	}

	out := make([]byte, 0, len(head)+len(DebugHeader)+32)
	out = append(out, head[:end+2]...)
	out = append(out, DebugHeader...)
	out = append(out, ": cid-"...)
	out = strconv.AppendUint(out, id, 10)
	out = append(out, "\r\n\r\n"...)
	out = append(out, head[end+4:]...)
	return out
}
