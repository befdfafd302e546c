package loadbalancer

import (
	"errors"
	"sync"

	"github.com/angeloszaimis/upstream-pool/internal/backend"
	"github.com/angeloszaimis/upstream-pool/internal/endpoint"
	"github.com/angeloszaimis/upstream-pool/internal/strategy"
)

var ErrNoAvailableBackend = errors.New("no available backend")

// Availability tells whether a backend may receive traffic.
type Availability interface {
	IsAvailable(key endpoint.Key) bool
}

type LoadBalancer struct {
	strategy     strategy.Strategy
	availability Availability

	mutex    sync.RWMutex
	backends []*backend.Backend
}

// NewLoadBalancer balances over backends with strat. A nil availability
// treats every backend as available.
func NewLoadBalancer(strat strategy.Strategy, availability Availability, backends []*backend.Backend) *LoadBalancer {
	return &LoadBalancer{
		strategy:     strat,
		availability: availability,
		backends:     backends,
	}
}

// Reserve selects a backend for a client and counts the request on it.
// The caller must call EndRequest on the returned backend.
func (lb *LoadBalancer) Reserve(clientKey string) (*backend.Backend, error) {
	candidates := lb.available()
	if len(candidates) == 0 {
		return nil, ErrNoAvailableBackend
	}

	chosen := lb.strategy.Select(candidates, clientKey)
	if chosen == nil {
		return nil, errors.New("strategy returned nil backend")
	}

	chosen.BeginRequest()
	return chosen, nil
}

// SetBackends replaces the backend list. Backends whose key is unchanged
// keep their counters.
func (lb *LoadBalancer) SetBackends(backends []*backend.Backend) {
	lb.mutex.Lock()
	defer lb.mutex.Unlock()

	existing := make(map[endpoint.Key]*backend.Backend, len(lb.backends))
	for _, b := range lb.backends {
		existing[b.Key()] = b
	}

	merged := make([]*backend.Backend, 0, len(backends))
	for _, b := range backends {
		if old, ok := existing[b.Key()]; ok && old.Weight() == b.Weight() {
			merged = append(merged, old)
			continue
		}
		merged = append(merged, b)
	}
	lb.backends = merged
}

func (lb *LoadBalancer) Backends() []*backend.Backend {
	lb.mutex.RLock()
	defer lb.mutex.RUnlock()
	return append([]*backend.Backend(nil), lb.backends...)
}

func (lb *LoadBalancer) Strategy() strategy.Strategy {
	return lb.strategy
}

func (lb *LoadBalancer) available() []*backend.Backend {
	lb.mutex.RLock()
	defer lb.mutex.RUnlock()

	out := make([]*backend.Backend, 0, len(lb.backends))
	for _, b := range lb.backends {
		if lb.availability == nil || lb.availability.IsAvailable(b.Key()) {
			out = append(out, b)
		}
	}
	return out
}
