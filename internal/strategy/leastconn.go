package strategy

import (
	"github.com/angeloszaimis/upstream-pool/internal/backend"
)

type leastConnStrategy struct{}

func (leastConnStrategy) Name() string {
	return LeastConn
}

// Select returns the first backend with the fewest requests in flight.
func (leastConnStrategy) Select(candidates []*backend.Backend, _ string) *backend.Backend {
	var (
		best     *backend.Backend
		bestLoad int
	)

	for _, b := range candidates {
		load := b.ActiveRequests()
		if best == nil || load < bestLoad {
			best, bestLoad = b, load
		}
	}

	return best
}

func NewLeastConnStrategy() Strategy {
	return leastConnStrategy{}
}
