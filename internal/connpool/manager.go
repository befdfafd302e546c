package connpool

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/angeloszaimis/upstream-pool/internal/endpoint"
	"github.com/angeloszaimis/upstream-pool/internal/metrics"
	"github.com/angeloszaimis/upstream-pool/internal/pending"
)

const defaultCloseTimeout = 10 * time.Second

type Option func(*Manager)

func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithHealth(h HealthReporter) Option {
	return func(m *Manager) {
		m.health = h
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) {
		m.metrics = c
	}
}

// WithCloseTimeout bounds how long Close waits for pending returns.
func WithCloseTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.closeTimeout = d
	}
}

// partition holds the connections of one key. Guarded by Manager.mutex.
type partition struct {
	key     endpoint.Key
	idle    []*Conn
	numOpen int
	// ready is closed and replaced whenever a waiter may make progress.
	ready chan struct{}
	stats *endpointStats
}

func (p *partition) signalLocked() {
	close(p.ready)
	p.ready = make(chan struct{})
}

func (p *partition) popIdleLocked() *Conn {
	n := len(p.idle)
	if n == 0 {
		return nil
	}
	c := p.idle[n-1]
	p.idle[n-1] = nil
	p.idle = p.idle[:n-1]
	return c
}

type Manager struct {
	config       atomic.Pointer[Config]
	dialer       Dialer
	logger       *slog.Logger
	health       HealthReporter
	metrics      *metrics.Collector
	closeTimeout time.Duration
	forceError   atomic.Bool

	registry *pending.Registry
	reaper   *pending.Reaper
	returns  *returner
	conns    *xsync.Map[uint64, *Conn]

	mutex      sync.Mutex
	partitions map[endpoint.Key]*partition
	closed     bool
}

func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		dialer:       &net.Dialer{},
		logger:       slog.Default(),
		closeTimeout: defaultCloseTimeout,
		registry:     pending.NewRegistry(),
		conns:        xsync.NewMap[uint64, *Conn](),
		partitions:   make(map[endpoint.Key]*partition),
	}
	for _, opt := range opts {
		opt(m)
	}

	cfg = cfg.normalized()
	m.config.Store(&cfg)
	m.logger = m.logger.With(slog.String("component", "connections-manager"))
	m.returns = newReturner(cfg.ReturnWorkers)
	m.reaper = pending.NewReaper(m.registry, m.stuckPolicy, m.health, m.logger,
		pending.WithStuckHook(m.onStuck))

	return m
}

// Start schedules the stuck requests reaper.
func (m *Manager) Start() {
	m.reaper.Start(m.Config().reaperPeriod())
}

func (m *Manager) Config() Config {
	return *m.config.Load()
}

// ApplyConfiguration replaces the runtime limits. Borrows already waiting
// keep their timeout. A changed idle timeout reschedules a running reaper.
func (m *Manager) ApplyConfiguration(cfg Config) {
	cfg = cfg.normalized()
	old := m.config.Swap(&cfg)

	if old.IdleTimeout != cfg.IdleTimeout || old.ReaperPeriod != cfg.ReaperPeriod {
		m.reaper.Reschedule(cfg.reaperPeriod())
	}

	// capacity may have grown
	m.mutex.Lock()
	for _, p := range m.partitions {
		p.signalLocked()
	}
	m.mutex.Unlock()

	m.logger.Info("Applied connections manager configuration",
		slog.Int("max_connections_per_endpoint", cfg.MaxConnectionsPerEndpoint),
		slog.Duration("idle_timeout", cfg.IdleTimeout),
		slog.Duration("stuck_request_timeout", cfg.StuckRequestTimeout),
		slog.Duration("connect_timeout", cfg.ConnectTimeout),
		slog.Duration("borrow_timeout", cfg.BorrowTimeout),
		slog.Bool("backends_unreachable_on_stuck_requests", cfg.BackendsUnreachableOnStuckRequests))
}

// Borrow returns a connection to key, waiting up to the configured borrow
// timeout.
func (m *Manager) Borrow(ctx context.Context, key endpoint.Key) (*Conn, error) {
	return m.BorrowWithTimeout(ctx, key, m.Config().BorrowTimeout)
}

// BorrowWithTimeout returns a valid idle connection to key, opens one while
// the key is under capacity, or waits up to timeout for one to be returned.
// Every failure wraps ErrEndpointUnavailable.
func (m *Manager) BorrowWithTimeout(ctx context.Context, key endpoint.Key, timeout time.Duration) (*Conn, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		cfg := m.Config()

		m.mutex.Lock()
		if m.closed {
			m.mutex.Unlock()
			return nil, fmt.Errorf("%w: %w", ErrEndpointUnavailable, ErrPoolClosed)
		}
		p := m.partitionLocked(key)

		if c := p.popIdleLocked(); c != nil {
			m.mutex.Unlock()

			if err := c.validate(time.Now(), cfg.IdleTimeout); err != nil {
				c.logger.Warn("Discarding idle connection", slog.String("reason", err.Error()))
				m.discard(c, err.Error())
				continue
			}

			c.lent.Store(true)
			return c, nil
		}

		if p.numOpen < cfg.MaxConnectionsPerEndpoint {
			p.numOpen++
			m.mutex.Unlock()

			c, err := m.open(ctx, p, cfg)
			if err != nil {
				m.mutex.Lock()
				p.numOpen--
				p.signalLocked()
				m.mutex.Unlock()

				m.emit(metrics.EventBorrowFailed, key)
				return nil, fmt.Errorf("%w: %w", ErrEndpointUnavailable, err)
			}

			m.mutex.Lock()
			closed := m.closed
			m.mutex.Unlock()
			if closed {
				m.discard(c, "pool closed")
				return nil, fmt.Errorf("%w: %w", ErrEndpointUnavailable, ErrPoolClosed)
			}

			if err := c.validate(time.Now(), cfg.IdleTimeout); err != nil {
				c.logger.Warn("Discarding new connection", slog.String("reason", err.Error()))
				m.discard(c, err.Error())
				continue
			}

			c.lent.Store(true)
			return c, nil
		}

		ready := p.ready
		m.mutex.Unlock()

		select {
		case <-ready:
		case <-waitCtx.Done():
			m.emit(metrics.EventBorrowFailed, key)
			return nil, fmt.Errorf("%w: no connection to %s within %s: %w",
				ErrEndpointUnavailable, key, timeout, waitCtx.Err())
		}
	}
}

// open dials key. The dial is bounded by the connect timeout only, not by
// the borrow timeout.
func (m *Manager) open(ctx context.Context, p *partition, cfg Config) (*Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	nc, err := m.dialer.DialContext(dialCtx, "tcp", p.key.HostPort())
	if err != nil {
		m.logger.Info("Connect failed",
			slog.String("backend", p.key.HostPort()),
			slog.Any("error", err))
		m.reportUnreachable(p.key, fmt.Sprintf("connection failed: %v", err))
		m.emit(metrics.EventConnectFailed, p.key)
		return nil, fmt.Errorf("%w %s: %w", ErrConnectFailure, p.key, err)
	}

	c := newConn(m, p.key, nc, p.stats)
	m.emit(metrics.EventConnectionOpened, p.key)
	c.logger.Info("Connection opened")

	return c, nil
}

// returnConnection gives c back to the pool off the caller's goroutine.
func (m *Manager) returnConnection(c *Conn) {
	if !c.lent.CompareAndSwap(true, false) {
		c.logger.Error("Connection returned twice")
		return
	}
	m.returns.dispatch(func() {
		m.put(c)
	})
}

func (m *Manager) put(c *Conn) {
	cfg := m.Config()
	err := c.validate(time.Now(), cfg.IdleTimeout)
	if err == nil && c.State() != StateIdle {
		err = fmt.Errorf("returned in state %s", c.State())
	}

	m.mutex.Lock()
	p := m.partitionLocked(c.key)
	if err == nil && m.closed {
		err = ErrPoolClosed
	}
	if err == nil && p.numOpen > cfg.MaxConnectionsPerEndpoint {
		err = fmt.Errorf("over capacity of %d", cfg.MaxConnectionsPerEndpoint)
	}

	if err == nil {
		p.idle = append(p.idle, c)
		p.signalLocked()
		m.mutex.Unlock()
		return
	}

	p.numOpen--
	p.signalLocked()
	m.mutex.Unlock()

	c.logger.Debug("Connection not pooled", slog.String("reason", err.Error()))
	c.destroy(err.Error())
}

// discard drops a connection that is not in the idle set.
func (m *Manager) discard(c *Conn, reason string) {
	m.mutex.Lock()
	p := m.partitionLocked(c.key)
	p.numOpen--
	p.signalLocked()
	m.mutex.Unlock()

	c.destroy(reason)
}

// Evict destroys idle connections that fail validation, or that exceed a
// capacity lowered at runtime, and returns how many were removed.
func (m *Manager) Evict() int {
	cfg := m.Config()
	now := time.Now()

	var evicted []*Conn

	m.mutex.Lock()
	for _, p := range m.partitions {
		kept := p.idle[:0]
		removed := false

		for _, c := range p.idle {
			if c.validate(now, cfg.IdleTimeout) != nil || p.numOpen > cfg.MaxConnectionsPerEndpoint {
				evicted = append(evicted, c)
				p.numOpen--
				removed = true
				continue
			}
			kept = append(kept, c)
		}

		clear(p.idle[len(kept):])
		p.idle = kept
		if removed {
			p.signalLocked()
		}
	}
	m.mutex.Unlock()

	for _, c := range evicted {
		c.destroy("evicted")
	}
	if len(evicted) > 0 {
		m.logger.Debug("Evicted idle connections", slog.Int("count", len(evicted)))
	}

	return len(evicted)
}

// Close stops new borrows, destroys every connection and waits a bounded time
// for pending returns.
func (m *Manager) Close() error {
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return nil
	}
	m.closed = true

	var idle []*Conn
	for _, p := range m.partitions {
		idle = append(idle, p.idle...)
		p.numOpen -= len(p.idle)
		p.idle = nil
		p.signalLocked()
	}
	m.mutex.Unlock()

	m.reaper.Stop()

	for _, c := range idle {
		c.destroy("pool closed")
	}
	// in flight connections are destroyed best effort, their issuers are
	// notified by the reader
	m.conns.Range(func(_ uint64, c *Conn) bool {
		c.destroy("pool closed")
		return true
	})

	if !m.returns.wait(m.closeTimeout) {
		m.logger.Warn("Timed out waiting for connections to be returned",
			slog.Duration("timeout", m.closeTimeout))
	}
	m.returns.stop()

	m.logger.Info("Connections manager closed")
	return nil
}

// ForceErrorOnRequest makes every SendRequest fail as if the connection were
// invalid.
func (m *Manager) ForceErrorOnRequest(force bool) {
	m.forceError.Store(force)
}

// Stats returns the statistics of every key, sorted by key.
func (m *Manager) Stats() []EndpointStats {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	out := make([]EndpointStats, 0, len(m.partitions))
	for key, p := range m.partitions {
		out = append(out, p.stats.snapshot(key.HostPort(), len(p.idle), p.numOpen))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key < out[j].Key
	})

	return out
}

// EndpointStats returns the statistics of key.
func (m *Manager) EndpointStats(key endpoint.Key) (EndpointStats, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	p, ok := m.partitions[key]
	if !ok {
		return EndpointStats{}, false
	}
	return p.stats.snapshot(key.HostPort(), len(p.idle), p.numOpen), true
}

func (m *Manager) PendingRequests() int {
	return m.registry.Len()
}

func (m *Manager) StuckRequests() int64 {
	return m.reaper.StuckRequests()
}

// Reaper exposes the stuck requests reaper, for scheduling inspection.
func (m *Manager) Reaper() *pending.Reaper {
	return m.reaper
}

func (m *Manager) partitionLocked(key endpoint.Key) *partition {
	p, ok := m.partitions[key]
	if !ok {
		p = &partition{
			key:   key,
			ready: make(chan struct{}),
			stats: &endpointStats{},
		}
		m.partitions[key] = p
	}
	return p
}

func (m *Manager) stuckPolicy() pending.Policy {
	cfg := m.Config()
	return pending.Policy{
		StuckRequestTimeout: cfg.StuckRequestTimeout,
		ReportUnreachable:   cfg.BackendsUnreachableOnStuckRequests,
	}
}

func (m *Manager) onStuck(req pending.Request) {
	key, _ := req.ConnectionKey()
	m.emit(metrics.EventStuckRequest, key)
}

func (m *Manager) reportUnreachable(key endpoint.Key, reason string) {
	if m.health == nil {
		return
	}
	m.health.ReportUnreachable(key, time.Now(), reason)
}

func (m *Manager) forget(c *Conn) {
	m.conns.Delete(c.id)
}

func (m *Manager) emit(t metrics.EventType, key endpoint.Key) {
	if m.metrics == nil {
		return
	}
	m.metrics.Emit(metrics.MetricEvent{
		Type:      t,
		Timestamp: time.Now(),
		Backend:   key.HostPort(),
	})
}
