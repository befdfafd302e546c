package healthcheck

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/angeloszaimis/upstream-pool/internal/endpoint"
)

// Reporter receives probe outcomes.
type Reporter interface {
	ReportReachable(key endpoint.Key, at time.Time)
	ReportUnreachable(key endpoint.Key, at time.Time, reason string)
}

type Prober struct {
	interval time.Duration
	timeout  time.Duration
	path     string
	reporter Reporter
	logger   *slog.Logger
	dialer   *net.Dialer
	client   *http.Client
}

// New returns a Prober. An empty path probes with a TCP connect.
func New(reporter Reporter, interval, timeout time.Duration, path string, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}

	return &Prober{
		interval: interval,
		timeout:  timeout,
		path:     path,
		reporter: reporter,
		logger:   logger.With(slog.String("component", "healthcheck")),
		dialer:   &net.Dialer{Timeout: timeout},
		client:   &http.Client{Timeout: timeout},
	}
}

// Run probes key every interval until ctx is done.
func (p *Prober) Run(ctx context.Context, key endpoint.Key) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Health check stopped",
				slog.String("server", key.HostPort()))
			return

		case <-ticker.C:
			p.probe(ctx, key)
		}
	}
}

func (p *Prober) probe(ctx context.Context, key endpoint.Key) {
	err := p.Check(ctx, key)
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		p.logger.Debug("Probe failed",
			slog.String("server", key.HostPort()),
			slog.Any("error", err))
		p.reporter.ReportUnreachable(key, time.Now(), fmt.Sprintf("health probe failed: %v", err))
		return
	}
	p.reporter.ReportReachable(key, time.Now())
}

// Check runs a single probe against key.
func (p *Prober) Check(ctx context.Context, key endpoint.Key) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if p.path == "" {
		conn, err := p.dialer.DialContext(ctx, "tcp", key.HostPort())
		if err != nil {
			return err
		}
		return conn.Close()
	}

	healthURL := fmt.Sprintf("http://%s%s", key.HostPort(), p.path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return err
	}

	res, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	return nil
}
