package pending

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/angeloszaimis/upstream-pool/internal/endpoint"
)

// Request is an in-flight request handle as seen by the registry.
type Request interface {
	ID() uint64
	StartedAt() time.Time
	// Target names what the request asked for, used in stuck reports.
	Target() string
	// ConnectionKey returns the key of the connection serving the request,
	// if one is associated.
	ConnectionKey() (endpoint.Key, bool)
	// FailIfStuck compares the request's own activity against now and
	// timeout and calls onStuck when it decides the request is stuck.
	FailIfStuck(now time.Time, timeout time.Duration, onStuck func())
}

type Registry struct {
	entries *xsync.Map[uint64, Request]
}

func NewRegistry() *Registry {
	return &Registry{
		entries: xsync.NewMap[uint64, Request](),
	}
}

// Register adds r, replacing any entry with the same id.
func (r *Registry) Register(req Request) {
	r.entries.Store(req.ID(), req)
}

// Unregister removes the entry for id if present and reports whether this
// call removed it.
func (r *Registry) Unregister(id uint64) bool {
	_, removed := r.entries.LoadAndDelete(id)
	return removed
}

// Get returns the entry for id.
func (r *Registry) Get(id uint64) (Request, bool) {
	return r.entries.Load(id)
}

// Snapshot returns the entries present at the time of the call.
func (r *Registry) Snapshot() []Request {
	out := make([]Request, 0, r.entries.Size())
	r.entries.Range(func(_ uint64, req Request) bool {
		out = append(out, req)
		return true
	})
	return out
}

// Len returns the number of pending requests.
func (r *Registry) Len() int {
	return r.entries.Size()
}
