package pending

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/angeloszaimis/upstream-pool/internal/endpoint"
)

// Reporter receives unreachable notifications for backends.
type Reporter interface {
	ReportUnreachable(key endpoint.Key, at time.Time, reason string)
}

// Policy is read by the Reaper at the start of every cycle so that runtime
// configuration changes apply to the next cycle.
type Policy struct {
	StuckRequestTimeout time.Duration
	// ReportUnreachable marks the backend of a stuck request unreachable.
	ReportUnreachable bool
}

type ReaperOption func(*Reaper)

// WithStuckHook registers fn to be called once per request found stuck.
func WithStuckHook(fn func(Request)) ReaperOption {
	return func(r *Reaper) {
		r.onStuck = fn
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) ReaperOption {
	return func(r *Reaper) {
		r.now = now
	}
}

type Reaper struct {
	registry *Registry
	policy   func() Policy
	reporter Reporter
	logger   *slog.Logger
	onStuck  func(Request)
	now      func() time.Time
	stuck    atomic.Int64

	mutex  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	period time.Duration
}

func NewReaper(registry *Registry, policy func() Policy, reporter Reporter, logger *slog.Logger, opts ...ReaperOption) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Reaper{
		registry: registry,
		policy:   policy,
		reporter: reporter,
		logger:   logger.With(slog.String("component", "stuck-requests-reaper")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Start schedules the reaper with the given period. Calling Start on a
// running reaper replaces its schedule.
func (r *Reaper) Start(period time.Duration) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.stopLocked()
	r.startLocked(period)
	r.logger.Info("Scheduling stuck requests reaper", slog.Duration("period", period))
}

// Reschedule cancels the current schedule and starts a new one with period.
// It does nothing and returns false when the reaper is not running.
func (r *Reaper) Reschedule(period time.Duration) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.cancel == nil {
		return false
	}
	if period == r.period {
		return true
	}

	r.stopLocked()
	r.startLocked(period)
	r.logger.Info("Re-scheduling stuck requests reaper", slog.Duration("period", period))
	return true
}

// Stop cancels the schedule and waits for an in-progress cycle to finish.
func (r *Reaper) Stop() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.stopLocked()
}

func (r *Reaper) Running() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.cancel != nil
}

// Period returns the current schedule period, zero when not running.
func (r *Reaper) Period() time.Duration {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.period
}

// StuckRequests returns how many requests have been failed as stuck.
func (r *Reaper) StuckRequests() int64 {
	return r.stuck.Load()
}

func (r *Reaper) startLocked(period time.Duration) {
	if period <= 0 {
		period = time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	r.cancel = cancel
	r.done = done
	r.period = period

	go r.loop(ctx, period, done)
}

func (r *Reaper) stopLocked() {
	if r.cancel == nil {
		return
	}

	r.cancel()
	<-r.done

	r.cancel = nil
	r.done = nil
	r.period = 0
}

func (r *Reaper) loop(ctx context.Context, period time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(r.now())
		}
	}
}

// RunOnce performs a single reaper cycle at now and returns how many
// requests were found stuck. A request that completed on its own before the
// reaper could remove it is not counted or reported.
func (r *Reaper) RunOnce(now time.Time) int {
	policy := r.policy()

	var fired []Request
	for _, req := range r.registry.Snapshot() {
		req.FailIfStuck(now, policy.StuckRequestTimeout, func() {
			if r.registry.Unregister(req.ID()) {
				fired = append(fired, req)
			}
		})
	}

	for _, req := range fired {
		r.stuck.Add(1)

		key, ok := req.ConnectionKey()
		if ok && policy.ReportUnreachable && r.reporter != nil {
			r.reporter.ReportUnreachable(key, now,
				fmt.Sprintf("a request to %s (id %d) appears stuck", req.Target(), req.ID()))
		}

		if r.onStuck != nil {
			r.onStuck(req)
		}

		r.logger.Warn("Request appears stuck",
			slog.Uint64("request_id", req.ID()),
			slog.String("target", req.Target()),
			slog.Duration("age", now.Sub(req.StartedAt())))
	}

	return len(fired)
}
