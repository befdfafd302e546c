package metrics

import (
	"sort"
	"sync"
	"time"
)

const maxSamples = 1000

type Metrics struct {
	mutex             sync.RWMutex
	requests          map[string]int64
	connectionsOpened map[string]int64
	connectionsClosed map[string]int64
	connectFailures   map[string]int64
	borrowFailures    map[string]int64
	stuckRequests     map[string]int64
	responseTimes     map[string][]time.Duration
	statusCodes       map[string]map[int]int64
	healthStatus      map[string]bool
	startTime         time.Time
}

type Snapshot struct {
	TotalRequests      int64                     `json:"total_requests"`
	TotalStuckRequests int64                     `json:"total_stuck_requests"`
	Uptime             time.Duration             `json:"uptime"`
	Backends           map[string]BackendMetrics `json:"backends"`
	Strategy           string                    `json:"strategy"`
}

type BackendMetrics struct {
	Requests          int64         `json:"requests"`
	ConnectionsOpened int64         `json:"connections_opened"`
	ConnectionsClosed int64         `json:"connections_closed"`
	OpenConnections   int64         `json:"open_connections"`
	ConnectFailures   int64         `json:"connect_failures"`
	BorrowFailures    int64         `json:"borrow_failures"`
	StuckRequests     int64         `json:"stuck_requests"`
	Healthy           bool          `json:"healthy"`
	AvgResponse       time.Duration `json:"avg_response"`
	P50Response       time.Duration `json:"p50_response"`
	P95Response       time.Duration `json:"p95_response"`
	P99Response       time.Duration `json:"p99_response"`
	StatusCodes       map[int]int64 `json:"status_codes"`
}

func (m *Metrics) IncrementRequests(backend string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.requests[backend]++
}

func (m *Metrics) RecordConnectionOpened(backend string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.connectionsOpened[backend]++
}

func (m *Metrics) RecordConnectionClosed(backend string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.connectionsClosed[backend]++
}

func (m *Metrics) RecordConnectFailure(backend string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.connectFailures[backend]++
}

func (m *Metrics) RecordBorrowFailure(backend string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.borrowFailures[backend]++
}

func (m *Metrics) RecordStuckRequest(backend string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.stuckRequests[backend]++
}

func (m *Metrics) RecordResponse(backend string, duration time.Duration, statusCode int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.responseTimes[backend] = append(m.responseTimes[backend], duration)

	if len(m.responseTimes[backend]) > maxSamples {
		m.responseTimes[backend] = m.responseTimes[backend][1:]
	}

	if m.statusCodes[backend] == nil {
		m.statusCodes[backend] = make(map[int]int64)
	}
	m.statusCodes[backend][statusCode]++
}

func (m *Metrics) UpdateHealthStatus(backend string, healthy bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.healthStatus[backend] = healthy
}

func (m *Metrics) Snapshot(strategy string) Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		Uptime:   time.Since(m.startTime),
		Backends: make(map[string]BackendMetrics),
		Strategy: strategy,
	}

	// Collect all unique backends
	allBackends := make(map[string]bool)
	for _, counters := range []map[string]int64{
		m.requests, m.connectionsOpened, m.connectionsClosed,
		m.connectFailures, m.borrowFailures, m.stuckRequests,
	} {
		for backend := range counters {
			allBackends[backend] = true
		}
	}
	for backend := range m.responseTimes {
		allBackends[backend] = true
	}
	for backend := range m.healthStatus {
		allBackends[backend] = true
	}

	for backend := range allBackends {
		snap.TotalRequests += m.requests[backend]
		snap.TotalStuckRequests += m.stuckRequests[backend]

		bm := BackendMetrics{
			Requests:          m.requests[backend],
			ConnectionsOpened: m.connectionsOpened[backend],
			ConnectionsClosed: m.connectionsClosed[backend],
			OpenConnections:   m.connectionsOpened[backend] - m.connectionsClosed[backend],
			ConnectFailures:   m.connectFailures[backend],
			BorrowFailures:    m.borrowFailures[backend],
			StuckRequests:     m.stuckRequests[backend],
			Healthy:           m.healthStatus[backend],
			StatusCodes:       copyCodes(m.statusCodes[backend]),
		}

		durations := m.responseTimes[backend]
		if len(durations) > 0 {
			sorted := make([]time.Duration, len(durations))
			copy(sorted, durations)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i] < sorted[j]
			})

			bm.AvgResponse = average(sorted)
			bm.P50Response = percentile(sorted, 0.50)
			bm.P95Response = percentile(sorted, 0.95)
			bm.P99Response = percentile(sorted, 0.99)
		}

		snap.Backends[backend] = bm
	}

	return snap
}

func NewMetrics() *Metrics {
	return &Metrics{
		requests:          make(map[string]int64),
		connectionsOpened: make(map[string]int64),
		connectionsClosed: make(map[string]int64),
		connectFailures:   make(map[string]int64),
		borrowFailures:    make(map[string]int64),
		stuckRequests:     make(map[string]int64),
		responseTimes:     make(map[string][]time.Duration),
		statusCodes:       make(map[string]map[int]int64),
		healthStatus:      make(map[string]bool),
		startTime:         time.Now(),
	}
}

func copyCodes(codes map[int]int64) map[int]int64 {
	if codes == nil {
		return nil
	}
	out := make(map[int]int64, len(codes))
	for code, n := range codes {
		out[code] = n
	}
	return out
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
