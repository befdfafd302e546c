package metrics_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/upstream-pool/internal/metrics"
)

const backend = "localhost:8081"

var _ = Describe("Collector", func() {
	var (
		collector *metrics.Collector
		log       *slog.Logger
		ctx       context.Context
		cancel    context.CancelFunc
	)

	snapshotOf := func() metrics.BackendMetrics {
		return collector.Snapshot("round-robin").Backends[backend]
	}

	BeforeEach(func() {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
		ctx, cancel = context.WithCancel(context.Background())
		collector = metrics.NewCollector(100, log)
	})

	AfterEach(func() {
		cancel()
	})

	Describe("Emit", func() {
		It("is a no-op on a nil collector", func() {
			var c *metrics.Collector
			Expect(func() { c.Emit(metrics.MetricEvent{Type: metrics.EventRequestSent}) }).NotTo(Panic())
		})

		It("drops events instead of blocking when the buffer is full", func() {
			small := metrics.NewCollector(1, log)
			done := make(chan struct{})
			go func() {
				defer close(done)
				for i := 0; i < 10; i++ {
					small.Emit(metrics.MetricEvent{Type: metrics.EventRequestSent, Backend: backend})
				}
			}()
			Eventually(done).Should(BeClosed())
		})
	})

	Describe("event processing", func() {
		BeforeEach(func() {
			collector.Start(ctx)
		})

		It("counts connection lifecycle events", func() {
			collector.Emit(metrics.MetricEvent{Type: metrics.EventConnectionOpened, Backend: backend})
			collector.Emit(metrics.MetricEvent{Type: metrics.EventConnectionOpened, Backend: backend})
			collector.Emit(metrics.MetricEvent{Type: metrics.EventConnectionClosed, Backend: backend})
			collector.Emit(metrics.MetricEvent{Type: metrics.EventConnectFailed, Backend: backend})

			Eventually(func() int64 { return snapshotOf().ConnectFailures }).Should(Equal(int64(1)))
			bm := snapshotOf()
			Expect(bm.ConnectionsOpened).To(Equal(int64(2)))
			Expect(bm.ConnectionsClosed).To(Equal(int64(1)))
			Expect(bm.OpenConnections).To(Equal(int64(1)))
		})

		It("counts requests, borrow failures and stuck requests", func() {
			collector.Emit(metrics.MetricEvent{Type: metrics.EventRequestSent, Backend: backend})
			collector.Emit(metrics.MetricEvent{Type: metrics.EventBorrowFailed, Backend: backend})
			collector.Emit(metrics.MetricEvent{Type: metrics.EventStuckRequest, Backend: backend})

			Eventually(func() int64 { return snapshotOf().StuckRequests }).Should(Equal(int64(1)))
			snap := collector.Snapshot("round-robin")
			Expect(snap.TotalRequests).To(Equal(int64(1)))
			Expect(snap.TotalStuckRequests).To(Equal(int64(1)))
			Expect(snap.Backends[backend].BorrowFailures).To(Equal(int64(1)))
		})

		It("records completed responses", func() {
			collector.Emit(metrics.MetricEvent{
				Type:       metrics.EventResponseCompleted,
				Backend:    backend,
				Duration:   100 * time.Millisecond,
				StatusCode: 200,
			})

			Eventually(func() int64 { return snapshotOf().StatusCodes[200] }).Should(Equal(int64(1)))
			Expect(snapshotOf().AvgResponse).To(Equal(100 * time.Millisecond))
		})

		It("tracks health changes", func() {
			collector.Emit(metrics.MetricEvent{Type: metrics.EventHealthChanged, Backend: backend, Healthy: true})
			Eventually(func() bool { return snapshotOf().Healthy }).Should(BeTrue())

			collector.Emit(metrics.MetricEvent{Type: metrics.EventHealthChanged, Backend: backend, Healthy: false})
			Eventually(func() bool { return snapshotOf().Healthy }).Should(BeFalse())
		})

		It("drains queued events on cancellation", func() {
			for i := 0; i < 5; i++ {
				collector.EventChannel() <- metrics.MetricEvent{Type: metrics.EventRequestSent, Backend: backend}
			}
			cancel()

			Eventually(func() int64 { return snapshotOf().Requests }).Should(Equal(int64(5)))
		})
	})

	Describe("Handler", func() {
		It("serves the snapshot as JSON", func() {
			collector.Start(ctx)
			collector.Emit(metrics.MetricEvent{Type: metrics.EventRequestSent, Backend: backend})
			Eventually(func() int64 { return snapshotOf().Requests }).Should(Equal(int64(1)))

			rec := httptest.NewRecorder()
			collector.Handler("least-conn").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("Content-Type")).To(Equal("application/json"))

			var snap metrics.Snapshot
			Expect(json.Unmarshal(rec.Body.Bytes(), &snap)).To(Succeed())
			Expect(snap.Strategy).To(Equal("least-conn"))
			Expect(snap.TotalRequests).To(Equal(int64(1)))
		})
	})
})
