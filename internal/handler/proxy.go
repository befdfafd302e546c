package handler

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/angeloszaimis/upstream-pool/internal/backend"
	"github.com/angeloszaimis/upstream-pool/internal/connpool"
	"github.com/angeloszaimis/upstream-pool/internal/loadbalancer"
	"github.com/angeloszaimis/upstream-pool/internal/metrics"
)

type ProxyHandler struct {
	logger           *slog.Logger
	balancer         *loadbalancer.LoadBalancer
	pool             *connpool.Manager
	metricsCollector *metrics.Collector

	warnLimiter *rate.Limiter
	suppressed  atomic.Int64
}

func NewProxyHandler(logger *slog.Logger, lb *loadbalancer.LoadBalancer, pool *connpool.Manager, collector *metrics.Collector) *ProxyHandler {
	if logger == nil {
		logger = slog.Default()
	}

	return &ProxyHandler{
		logger:           logger.With(slog.String("component", "proxy")),
		balancer:         lb,
		pool:             pool,
		metricsCollector: collector,
		warnLimiter:      rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	clientIP := extractClientIP(r)

	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	log := h.logger.With(slog.String("request_id", requestID))
	w.Header().Set(RequestIDHeader, requestID)

	log.Debug("Received request",
		slog.String("from", clientIP),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("proto", r.Proto),
		slog.String("host", r.Host))

	target, err := h.balancer.Reserve(clientIP)
	if err != nil {
		h.warn("No available backend", slog.String("client", clientIP))
		http.Error(w, "No available backend", http.StatusServiceUnavailable)
		return
	}
	defer target.EndRequest()

	conn, err := h.pool.Borrow(r.Context(), target.Key())
	if err != nil {
		h.warn("Backend endpoint unavailable",
			slog.String("backend", target.String()),
			slog.Any("error", err))
		http.Error(w, "Backend unavailable", http.StatusServiceUnavailable)
		return
	}

	ex := newExchange(conn, r, log)
	stop := context.AfterFunc(r.Context(), func() {
		ex.abandon(context.Cause(r.Context()))
	})
	defer stop()

	status := h.forward(w, r, ex, target, requestID)

	duration := time.Since(start)
	h.metricsCollector.Emit(metrics.MetricEvent{
		Type:       metrics.EventResponseCompleted,
		Backend:    target.Key().HostPort(),
		Duration:   duration,
		StatusCode: status,
	})
	if status < http.StatusInternalServerError {
		target.RecordResponse(duration)
	}
}

// forward runs the exchange and returns the status sent to the client.
func (h *ProxyHandler) forward(w http.ResponseWriter, r *http.Request, ex *exchange, target *backend.Backend, requestID string) int {
	if err := ex.send(r, requestHead(r, requestID)); err != nil {
		return h.fail(w, ex, "Sending request to backend failed", err)
	}

	resp, err := http.ReadResponse(bufio.NewReaderSize(ex.response, bodyChunkSize), r)
	if err != nil {
		return h.fail(w, ex, "Reading backend response failed", err)
	}
	defer resp.Body.Close()

	removeHopHeaders(resp.Header)
	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.Header().Set(BackendHeader, target.Key().HostPort())
	w.WriteHeader(resp.StatusCode)

	_, copyErr := io.Copy(w, resp.Body)
	if copyErr != nil {
		ex.logger.Info("Relaying response body failed", slog.Any("error", copyErr))
	}

	keepAlive := copyErr == nil && !resp.Close && ex.err() == nil
	ex.finish(!keepAlive, copyErr)

	return resp.StatusCode
}

// fail releases the exchange with its connection closed and answers the
// client with the matching gateway error.
func (h *ProxyHandler) fail(w http.ResponseWriter, ex *exchange, msg string, err error) int {
	cause := ex.err()
	if cause == nil {
		cause = err
	}
	ex.finish(true, cause)

	status := http.StatusBadGateway
	if errors.Is(cause, errStuck) {
		status = http.StatusGatewayTimeout
	}

	h.warn(msg,
		slog.String("backend", ex.conn.Key().HostPort()),
		slog.Uint64("exchange_id", ex.id),
		slog.Any("error", cause))
	http.Error(w, http.StatusText(status), status)

	return status
}

// warn logs at most a few warnings per second and counts the rest.
func (h *ProxyHandler) warn(msg string, attrs ...any) {
	if !h.warnLimiter.Allow() {
		h.suppressed.Add(1)
		return
	}
	if n := h.suppressed.Swap(0); n > 0 {
		attrs = append(attrs, slog.Int64("suppressed", n))
	}
	h.logger.Warn(msg, attrs...)
}
