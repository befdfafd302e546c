package metrics

import (
	"context"
	"log/slog"
	"time"
)

type EventType string

const (
	EventConnectionOpened  EventType = "connection_opened"
	EventConnectionClosed  EventType = "connection_closed"
	EventConnectFailed     EventType = "connect_failed"
	EventRequestSent       EventType = "request_sent"
	EventBorrowFailed      EventType = "borrow_failed"
	EventStuckRequest      EventType = "stuck_request"
	EventResponseCompleted EventType = "response_completed"
	EventHealthChanged     EventType = "health_changed"
)

type MetricEvent struct {
	Type       EventType
	Timestamp  time.Time
	Backend    string
	Duration   time.Duration
	StatusCode int
	Healthy    bool
}

type Collector struct {
	eventCh chan MetricEvent
	metrics *Metrics
	logger  *slog.Logger
}

func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}

	return &Collector{
		eventCh: make(chan MetricEvent, bufferSize),
		metrics: NewMetrics(),
		logger:  logger,
	}
}

func (c *Collector) EventChannel() chan<- MetricEvent {
	return c.eventCh
}

// Emit queues event without blocking. It is safe to call on a nil Collector.
func (c *Collector) Emit(event MetricEvent) {
	if c == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case c.eventCh <- event:
	default:
	}
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			// Drain remaining events before shutdown
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventConnectionOpened:
		c.metrics.RecordConnectionOpened(event.Backend)

	case EventConnectionClosed:
		c.metrics.RecordConnectionClosed(event.Backend)

	case EventConnectFailed:
		c.metrics.RecordConnectFailure(event.Backend)

	case EventRequestSent:
		c.metrics.IncrementRequests(event.Backend)

	case EventBorrowFailed:
		c.metrics.RecordBorrowFailure(event.Backend)

	case EventStuckRequest:
		c.metrics.RecordStuckRequest(event.Backend)

	case EventResponseCompleted:
		c.metrics.RecordResponse(event.Backend, event.Duration, event.StatusCode)

	case EventHealthChanged:
		c.metrics.UpdateHealthStatus(event.Backend, event.Healthy)
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot(strategy string) Snapshot {
	return c.metrics.Snapshot(strategy)
}
