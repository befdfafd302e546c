package strategy

import (
	"time"

	"github.com/angeloszaimis/upstream-pool/internal/backend"
)

type leastResponseStrategy struct{}

func (leastResponseStrategy) Name() string {
	return LeastResponse
}

// Select scores each backend by its EWMA response time times requests in
// flight plus one. A backend with no recorded response wins immediately so
// that it gets sampled.
func (leastResponseStrategy) Select(candidates []*backend.Backend, _ string) *backend.Backend {
	var (
		chosen *backend.Backend
		best   time.Duration
	)

	for _, b := range candidates {
		ewma := b.EWMATime()
		if ewma == 0 {
			return b
		}

		score := ewma * time.Duration(b.ActiveRequests()+1)
		if chosen == nil || score < best {
			chosen, best = b, score
		}
	}

	return chosen
}

func NewLeastResponseStrategy() Strategy {
	return leastResponseStrategy{}
}
