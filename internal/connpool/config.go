package connpool

import "time"

// Config holds the runtime limits of a Manager. Zero values take the
// defaults of DefaultConfig, except ReturnWorkers where zero means returns
// run on the releasing goroutine.
type Config struct {
	MaxConnectionsPerEndpoint int
	IdleTimeout               time.Duration
	StuckRequestTimeout       time.Duration
	ConnectTimeout            time.Duration
	BorrowTimeout             time.Duration

	// BackendsUnreachableOnStuckRequests makes the reaper report the backend
	// of a stuck request as unreachable.
	BackendsUnreachableOnStuckRequests bool

	// ReaperPeriod defaults to IdleTimeout/4.
	ReaperPeriod time.Duration

	// ReturnWorkers is only read by NewManager.
	ReturnWorkers int

	DebugHeader bool
}

func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerEndpoint: 10,
		IdleTimeout:               60 * time.Second,
		StuckRequestTimeout:       120 * time.Second,
		ConnectTimeout:            10 * time.Second,
		BorrowTimeout:             60 * time.Second,
		ReturnWorkers:             10,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()

	if c.MaxConnectionsPerEndpoint <= 0 {
		c.MaxConnectionsPerEndpoint = def.MaxConnectionsPerEndpoint
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.StuckRequestTimeout <= 0 {
		c.StuckRequestTimeout = def.StuckRequestTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.BorrowTimeout <= 0 {
		c.BorrowTimeout = def.BorrowTimeout
	}
	if c.ReturnWorkers < 0 {
		c.ReturnWorkers = 0
	}

	return c
}

func (c Config) reaperPeriod() time.Duration {
	if c.ReaperPeriod > 0 {
		return c.ReaperPeriod
	}
	return c.IdleTimeout / 4
}
