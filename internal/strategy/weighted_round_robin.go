package strategy

import (
	"sync"

	"github.com/angeloszaimis/upstream-pool/internal/backend"
	"github.com/angeloszaimis/upstream-pool/internal/endpoint"
)

// weightedRoundRobinStrategy is the smooth weighted round-robin used by
// nginx: every candidate gains its weight per selection, the highest
// current value wins and pays back the total weight.
type weightedRoundRobinStrategy struct {
	mutex   sync.Mutex
	current map[endpoint.Key]int
}

func NewWeightedRoundRobinStrategy() Strategy {
	return &weightedRoundRobinStrategy{
		current: make(map[endpoint.Key]int),
	}
}

func (w *weightedRoundRobinStrategy) Name() string {
	return WeightedRoundRobin
}

func (w *weightedRoundRobinStrategy) Select(candidates []*backend.Backend, _ string) *backend.Backend {
	if len(candidates) == 0 {
		return nil
	}

	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.forgetMissing(candidates)

	totalWeight := 0
	var chosen *backend.Backend

	for _, b := range candidates {
		w.current[b.Key()] += b.Weight()
		totalWeight += b.Weight()

		if chosen == nil || w.current[b.Key()] > w.current[chosen.Key()] {
			chosen = b
		}
	}

	w.current[chosen.Key()] -= totalWeight
	return chosen
}

// forgetMissing drops state of backends that are no longer candidates, so
// a backend coming back starts from zero.
func (w *weightedRoundRobinStrategy) forgetMissing(candidates []*backend.Backend) {
	alive := make(map[endpoint.Key]struct{}, len(candidates))
	for _, b := range candidates {
		alive[b.Key()] = struct{}{}
	}

	for key := range w.current {
		if _, ok := alive[key]; !ok {
			delete(w.current, key)
		}
	}
}
