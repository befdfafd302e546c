package backend

import (
	"sync"
	"time"

	"github.com/angeloszaimis/upstream-pool/internal/endpoint"
)

// Backend is a balancing candidate.
type Backend struct {
	key              endpoint.Key
	weight           int
	mutex            sync.Mutex
	activeRequests   int
	ewmaResponseTime time.Duration
	hasEWMA          bool
}

const ewmaAlpha = 0.2

// New creates a Backend for key. A weight below 1 is treated as 1.
func New(key endpoint.Key, weight int) *Backend {
	if weight < 1 {
		weight = 1
	}
	return &Backend{
		key:    key,
		weight: weight,
	}
}

func (b *Backend) Key() endpoint.Key {
	return b.key
}

func (b *Backend) Weight() int {
	return b.weight
}

// BeginRequest counts a request routed to the backend.
func (b *Backend) BeginRequest() {
	b.mutex.Lock()
	b.activeRequests++
	b.mutex.Unlock()
}

// EndRequest ends a request started with BeginRequest.
func (b *Backend) EndRequest() {
	b.mutex.Lock()
	if b.activeRequests > 0 {
		b.activeRequests--
	}
	b.mutex.Unlock()
}

func (b *Backend) ActiveRequests() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.activeRequests
}

// RecordResponse folds duration into the exponentially weighted moving
// average response time.
func (b *Backend) RecordResponse(duration time.Duration) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.hasEWMA {
		b.ewmaResponseTime = duration
		b.hasEWMA = true
		return
	}
	//ewma = (1 - α) * ewma + α * latest
	b.ewmaResponseTime = time.Duration((1-ewmaAlpha)*float64(b.ewmaResponseTime) + ewmaAlpha*float64(duration))
}

// EWMATime returns 0 until a response was recorded.
func (b *Backend) EWMATime() time.Duration {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.hasEWMA {
		return 0
	}
	return b.ewmaResponseTime
}

func (b *Backend) String() string {
	return b.key.HostPort()
}
