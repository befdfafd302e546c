package health

import (
	"log/slog"
	"sync"
	"time"

	"github.com/angeloszaimis/upstream-pool/internal/endpoint"
)

// DefaultWarmup is how long a recovered backend stays COLD.
const DefaultWarmup = time.Minute

// ChangeFunc is notified when a backend changes status.
type ChangeFunc func(key endpoint.Key, status Status)

type Registry struct {
	mutex    sync.RWMutex
	backends map[endpoint.Key]*BackendStatus
	warmup   time.Duration
	logger   *slog.Logger
	onChange ChangeFunc
}

func NewRegistry(warmup time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if warmup <= 0 {
		warmup = DefaultWarmup
	}

	return &Registry{
		backends: make(map[endpoint.Key]*BackendStatus),
		warmup:   warmup,
		logger:   logger.With(slog.String("component", "backend-health")),
	}
}

// OnChange registers fn to be called after every status change. It must be
// set before the registry is shared.
func (r *Registry) OnChange(fn ChangeFunc) {
	r.onChange = fn
}

func (r *Registry) Get(key endpoint.Key) *BackendStatus {
	r.mutex.RLock()
	b, exists := r.backends[key]
	r.mutex.RUnlock()

	if exists {
		return b
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if b, exists = r.backends[key]; exists {
		return b
	}

	b = NewBackendStatus(key, r.warmup, time.Now())
	r.backends[key] = b
	return b
}

func (r *Registry) ReportUnreachable(key endpoint.Key, at time.Time, reason string) {
	r.logger.Info("Backend reported unreachable",
		slog.String("backend", key.HostPort()),
		slog.Time("at", at),
		slog.String("cause", reason))

	if r.Get(key).ReportUnreachable(at, reason) {
		r.notify(key, StatusDown)
	}
}

func (r *Registry) ReportReachable(key endpoint.Key, at time.Time) {
	b := r.Get(key)
	if b.ReportReachable(at) {
		status := b.Status()
		r.logger.Info("Backend status changed",
			slog.String("backend", key.HostPort()),
			slog.String("status", status.String()))
		r.notify(key, status)
	}
}

func (r *Registry) Status(key endpoint.Key) Status {
	return r.Get(key).Status()
}

// IsAvailable reports whether key is not DOWN.
func (r *Registry) IsAvailable(key endpoint.Key) bool {
	return r.Status(key) != StatusDown
}

func (r *Registry) Snapshot() map[string]Info {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make(map[string]Info, len(r.backends))
	for key, b := range r.backends {
		out[key.HostPort()] = b.Info()
	}
	return out
}

func (r *Registry) notify(key endpoint.Key, status Status) {
	if r.onChange != nil {
		r.onChange(key, status)
	}
}
