package health

import (
	"sync"
	"time"

	"github.com/angeloszaimis/upstream-pool/internal/endpoint"
)

type Status int

const (
	StatusCold   Status = iota // Reachable, warming up
	StatusStable               // Reachable past the warm-up period
	StatusDown                 // Reported unreachable
)

func (s Status) String() string {
	switch s {
	case StatusCold:
		return "COLD"
	case StatusStable:
		return "STABLE"
	case StatusDown:
		return "DOWN"
	default:
		return "UNKNOWN"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BackendStatus is the health of a single backend.
type BackendStatus struct {
	mutex            sync.Mutex
	key              endpoint.Key
	status           Status
	warmup           time.Duration
	unreachableSince time.Time
	lastUnreachable  time.Time
	lastReachable    time.Time
	lastCause        string
}

func NewBackendStatus(key endpoint.Key, warmup time.Duration, created time.Time) *BackendStatus {
	return &BackendStatus{
		key:             key,
		status:          StatusCold,
		warmup:          warmup,
		lastUnreachable: created,
		lastReachable:   created,
	}
}

// ReportUnreachable moves the backend to DOWN. It returns true if the
// status changed.
func (b *BackendStatus) ReportUnreachable(at time.Time, cause string) (changed bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.status != StatusDown {
		b.status = StatusDown
		b.unreachableSince = at
		changed = true
	}
	b.lastUnreachable = at
	b.lastCause = cause
	return changed
}

// ReportReachable records a successful contact. It returns true if the
// status changed.
func (b *BackendStatus) ReportReachable(at time.Time) (changed bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.lastReachable = at

	switch b.status {
	case StatusDown:
		b.status = StatusCold
		b.unreachableSince = time.Time{}
		return true
	case StatusCold:
		if b.lastReachable.Sub(b.lastUnreachable) > b.warmup {
			b.status = StatusStable
			return true
		}
	}
	return false
}

func (b *BackendStatus) Status() Status {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.status
}

// Info is a point-in-time copy of a BackendStatus.
type Info struct {
	Key              string    `json:"key"`
	Status           Status    `json:"status"`
	UnreachableSince time.Time `json:"unreachable_since,omitzero"`
	LastUnreachable  time.Time `json:"last_unreachable"`
	LastReachable    time.Time `json:"last_reachable"`
	LastCause        string    `json:"last_cause,omitempty"`
}

func (b *BackendStatus) Info() Info {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return Info{
		Key:              b.key.HostPort(),
		Status:           b.status,
		UnreachableSince: b.unreachableSince,
		LastUnreachable:  b.lastUnreachable,
		LastReachable:    b.lastReachable,
		LastCause:        b.lastCause,
	}
}
