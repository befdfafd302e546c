package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"sync/atomic"
	"time"

	"github.com/angeloszaimis/upstream-pool/internal/connpool"
	"github.com/angeloszaimis/upstream-pool/internal/endpoint"
)

const bodyChunkSize = 32 * 1024

var requestIDs atomic.Uint64

var errStuck = errors.New("no activity on the backend connection within the stuck request timeout")

type failure struct {
	err error
}

// exchange is one proxied request bound to one pooled connection. Response
// bytes from the connection's reader are fed into a pipe that the handler
// parses with http.ReadResponse.
type exchange struct {
	id      uint64
	started time.Time
	target  string
	conn    *connpool.Conn
	logger  *slog.Logger

	response *io.PipeReader
	sink     *io.PipeWriter

	lastActivity atomic.Int64
	failed       atomic.Pointer[failure]
	finished     atomic.Bool
}

func newExchange(conn *connpool.Conn, r *http.Request, logger *slog.Logger) *exchange {
	pr, pw := io.Pipe()
	ex := &exchange{
		id:       requestIDs.Add(1),
		started:  time.Now(),
		target:   r.Method + " " + r.URL.RequestURI(),
		conn:     conn,
		response: pr,
		sink:     pw,
	}
	ex.logger = logger.With(slog.Uint64("exchange_id", ex.id))
	ex.touch()
	return ex
}

func (ex *exchange) ID() uint64 {
	return ex.id
}

func (ex *exchange) StartedAt() time.Time {
	return ex.started
}

func (ex *exchange) Target() string {
	return ex.target
}

func (ex *exchange) ConnectionKey() (endpoint.Key, bool) {
	return ex.conn.Key(), true
}

func (ex *exchange) FailIfStuck(now time.Time, timeout time.Duration, onStuck func()) {
	if now.Sub(time.Unix(0, ex.lastActivity.Load())) <= timeout {
		return
	}

	onStuck()
	ex.logger.Warn("Abandoning stuck exchange", slog.String("target", ex.target))
	ex.abandon(errStuck)
}

func (ex *exchange) MessageSentToBackend(*connpool.Conn) {
	ex.touch()
}

func (ex *exchange) ErrorSendingRequest(_ *connpool.Conn, cause error) bool {
	ex.fail(cause)
	ex.sink.CloseWithError(cause)
	return ex.finish(true, cause)
}

func (ex *exchange) LastHTTPContentSent() {
	ex.logger.Debug("Request fully sent")
}

func (ex *exchange) ReceivedFromRemote(data []byte, _ *connpool.Conn) {
	ex.touch()
	if _, err := ex.sink.Write(data); err != nil {
		ex.logger.Debug("Dropping response bytes", slog.Int("bytes", len(data)), slog.Any("error", err))
	}
	ex.touch()
}

func (ex *exchange) ReadCompletedFromRemote() {}

// BadErrorOnRemote ends the response stream. io.EOF is a normal end for
// responses delimited by the connection closing.
func (ex *exchange) BadErrorOnRemote(cause error) {
	if !errors.Is(cause, io.EOF) {
		ex.fail(cause)
	}
	ex.sink.CloseWithError(cause)
}

// abandon fails the exchange and frees its connection from any goroutine.
func (ex *exchange) abandon(cause error) {
	ex.fail(cause)
	ex.sink.CloseWithError(cause)
	ex.finish(true, cause)
}

// finish releases the connection once. A connection that is still mid
// exchange is aborted first, which closes it.
func (ex *exchange) finish(closeConn bool, cause error) bool {
	if !ex.finished.CompareAndSwap(false, true) {
		return false
	}
	ex.response.Close()

	if ex.conn.Release(closeConn, ex) {
		return true
	}
	if err := ex.conn.Abort(ex, cause); err != nil {
		ex.logger.Error("Cannot abort exchange", slog.Any("error", err))
		return false
	}
	return ex.conn.Release(true, ex)
}

func (ex *exchange) fail(err error) {
	ex.failed.CompareAndSwap(nil, &failure{err: err})
}

// err returns the first failure of the exchange, if any.
func (ex *exchange) err() error {
	if f := ex.failed.Load(); f != nil {
		return f.err
	}
	return nil
}

func (ex *exchange) touch() {
	ex.lastActivity.Store(time.Now().UnixNano())
}

// send writes the request head, then the body, then the terminal chunk.
func (ex *exchange) send(r *http.Request, head []byte) error {
	if err := ex.conn.SendRequest(head, ex); err != nil {
		return err
	}
	if err := ex.err(); err != nil {
		return err
	}

	if !hasBody(r) {
		if err := ex.conn.SendLastChunk(nil, ex); err != nil {
			return err
		}
		return ex.err()
	}

	var body io.Writer = chunkSender{ex}
	var terminal []byte
	if r.ContentLength < 0 {
		body = httputil.NewChunkedWriter(body)
		terminal = []byte("0\r\n\r\n")
	}

	if _, err := io.CopyBuffer(body, r.Body, make([]byte, bodyChunkSize)); err != nil {
		return err
	}
	if err := ex.conn.SendLastChunk(terminal, ex); err != nil {
		return err
	}
	return ex.err()
}

// chunkSender writes request body fragments to the exchange's connection.
type chunkSender struct {
	ex *exchange
}

func (s chunkSender) Write(p []byte) (int, error) {
	if err := s.ex.conn.SendChunk(p, s.ex); err != nil {
		return 0, err
	}
	if err := s.ex.err(); err != nil {
		return 0, err
	}
	return len(p), nil
}
