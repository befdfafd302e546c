package connpool

import (
	"sync/atomic"
	"time"
)

type endpointStats struct {
	total        atomic.Int64
	open         atomic.Int64
	active       atomic.Int64
	requests     atomic.Int64
	lastActivity atomic.Int64
}

// EndpointStats is a point-in-time view of one partition.
type EndpointStats struct {
	Key               string    `json:"key"`
	TotalConnections  int64     `json:"total_connections"`
	OpenConnections   int64     `json:"open_connections"`
	ActiveConnections int64     `json:"active_connections"`
	IdleConnections   int       `json:"idle_connections"`
	PooledConnections int       `json:"pooled_connections"`
	TotalRequests     int64     `json:"total_requests"`
	LastActivity      time.Time `json:"last_activity,omitzero"`
}

func (s *endpointStats) snapshot(key string, idle, pooled int) EndpointStats {
	out := EndpointStats{
		Key:               key,
		TotalConnections:  s.total.Load(),
		OpenConnections:   s.open.Load(),
		ActiveConnections: s.active.Load(),
		IdleConnections:   idle,
		PooledConnections: pooled,
		TotalRequests:     s.requests.Load(),
	}
	if ts := s.lastActivity.Load(); ts > 0 {
		out.LastActivity = time.Unix(0, ts)
	}
	return out
}
