// Package metrics collects runtime metrics for the backend connection pool
// and the proxy in front of it.
//
// It uses a channel-based event pipeline to asynchronously collect, per backend:
//   - Connections opened, closed and failed connection attempts
//   - Requests sent and borrow failures
//   - Requests failed as stuck
//   - Response times with percentile calculations (P50, P95, P99)
//   - HTTP status code distribution
//   - Health status
//
// The collector runs in a dedicated goroutine. Emit never blocks: when the
// buffer is full the event is dropped, so a slow collector cannot stall an
// I/O goroutine.
//
// Example usage:
//
//	collector := metrics.NewCollector(1000, logger)
//	collector.Start(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:    metrics.EventConnectionOpened,
//		Backend: "localhost:8081",
//	})
//
//	snapshot := collector.Snapshot("round-robin")
package metrics
