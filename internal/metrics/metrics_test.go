package metrics_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/upstream-pool/internal/metrics"
)

var _ = Describe("Metrics", func() {
	var m *metrics.Metrics

	BeforeEach(func() {
		m = metrics.NewMetrics()
	})

	Describe("IncrementRequests", func() {
		It("tracks backends separately", func() {
			m.IncrementRequests("localhost:8081")
			m.IncrementRequests("localhost:8082")
			m.IncrementRequests("localhost:8081")

			snap := m.Snapshot("round-robin")
			Expect(snap.TotalRequests).To(Equal(int64(3)))
			Expect(snap.Backends["localhost:8081"].Requests).To(Equal(int64(2)))
			Expect(snap.Backends["localhost:8082"].Requests).To(Equal(int64(1)))
		})
	})

	Describe("connection counters", func() {
		It("derives open connections from opened and closed", func() {
			m.RecordConnectionOpened("localhost:8081")
			m.RecordConnectionOpened("localhost:8081")
			m.RecordConnectionOpened("localhost:8081")
			m.RecordConnectionClosed("localhost:8081")

			bm := m.Snapshot("round-robin").Backends["localhost:8081"]
			Expect(bm.OpenConnections).To(Equal(int64(2)))
		})

		It("lists a backend that only ever failed to connect", func() {
			m.RecordConnectFailure("localhost:9999")

			snap := m.Snapshot("round-robin")
			Expect(snap.Backends).To(HaveKey("localhost:9999"))
			Expect(snap.Backends["localhost:9999"].ConnectFailures).To(Equal(int64(1)))
		})
	})

	Describe("RecordResponse", func() {
		It("records response time and status code", func() {
			m.RecordResponse("localhost:8081", 100*time.Millisecond, 200)
			m.RecordResponse("localhost:8081", 200*time.Millisecond, 200)
			m.RecordResponse("localhost:8081", 300*time.Millisecond, 502)

			bm := m.Snapshot("round-robin").Backends["localhost:8081"]
			Expect(bm.AvgResponse).To(Equal(200 * time.Millisecond))
			Expect(bm.StatusCodes).To(Equal(map[int]int64{200: 2, 502: 1}))
		})

		It("calculates percentiles", func() {
			for i := 1; i <= 100; i++ {
				m.RecordResponse("localhost:8081", time.Duration(i)*time.Millisecond, 200)
			}

			bm := m.Snapshot("round-robin").Backends["localhost:8081"]
			Expect(bm.P50Response).To(BeNumerically("~", 50*time.Millisecond, time.Millisecond))
			Expect(bm.P95Response).To(BeNumerically("~", 95*time.Millisecond, time.Millisecond))
			Expect(bm.P99Response).To(BeNumerically("~", 99*time.Millisecond, time.Millisecond))
		})

		It("keeps a bounded window of samples", func() {
			for i := 1; i <= 1500; i++ {
				m.RecordResponse("localhost:8081", time.Duration(i)*time.Millisecond, 200)
			}

			bm := m.Snapshot("round-robin").Backends["localhost:8081"]
			Expect(bm.AvgResponse).To(BeNumerically(">", 500*time.Millisecond))
		})
	})

	Describe("Snapshot", func() {
		It("is empty for fresh metrics", func() {
			snap := m.Snapshot("random")
			Expect(snap.Strategy).To(Equal("random"))
			Expect(snap.TotalRequests).To(BeZero())
			Expect(snap.Backends).To(BeEmpty())
		})

		It("copies status codes", func() {
			m.RecordResponse("localhost:8081", time.Millisecond, 200)
			snap := m.Snapshot("round-robin")
			snap.Backends["localhost:8081"].StatusCodes[200] = 42

			Expect(m.Snapshot("round-robin").Backends["localhost:8081"].StatusCodes[200]).To(Equal(int64(1)))
		})
	})
})
