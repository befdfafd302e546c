package config

import (
	"time"

	"github.com/angeloszaimis/upstream-pool/internal/connpool"
)

// Settings converts the section into pool limits. It expects a validated
// configuration.
func (c ConnectionsManagerConfig) Settings() (connpool.Config, error) {
	var (
		out connpool.Config
		err error
	)

	out.MaxConnectionsPerEndpoint = c.MaxConnectionsPerEndpoint
	out.BackendsUnreachableOnStuckRequests = c.BackendsUnreachableOnStuckRequests
	out.ReturnWorkers = c.ReturnWorkers
	out.DebugHeader = c.DebugHeader

	if out.IdleTimeout, err = time.ParseDuration(c.IdleTimeout); err != nil {
		return out, err
	}
	if out.StuckRequestTimeout, err = time.ParseDuration(c.StuckRequestTimeout); err != nil {
		return out, err
	}
	if out.ConnectTimeout, err = time.ParseDuration(c.ConnectTimeout); err != nil {
		return out, err
	}
	if out.BorrowTimeout, err = time.ParseDuration(c.BorrowTimeout); err != nil {
		return out, err
	}
	if c.ReaperPeriod != "" {
		if out.ReaperPeriod, err = time.ParseDuration(c.ReaperPeriod); err != nil {
			return out, err
		}
	}

	return out, nil
}

// EvictEvery returns the eviction period, half the idle timeout unless set.
func (c ConnectionsManagerConfig) EvictEvery() (time.Duration, error) {
	if c.EvictInterval != "" {
		return time.ParseDuration(c.EvictInterval)
	}

	idle, err := time.ParseDuration(c.IdleTimeout)
	if err != nil {
		return 0, err
	}
	return idle / 2, nil
}

type HealthCheckSettings struct {
	Interval time.Duration
	Timeout  time.Duration
	Warmup   time.Duration
	Path     string
}

func (h HealthCheckConfig) Settings() (HealthCheckSettings, error) {
	var (
		out = HealthCheckSettings{Path: h.Path}
		err error
	)

	if out.Interval, err = time.ParseDuration(h.Interval); err != nil {
		return out, err
	}
	if out.Timeout, err = time.ParseDuration(h.Timeout); err != nil {
		return out, err
	}
	if out.Warmup, err = time.ParseDuration(h.Warmup); err != nil {
		return out, err
	}

	return out, nil
}
