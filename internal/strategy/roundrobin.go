package strategy

import (
	"sync/atomic"

	"github.com/angeloszaimis/upstream-pool/internal/backend"
)

type roundRobinStrategy struct {
	current atomic.Uint64
}

func (rr *roundRobinStrategy) Name() string {
	return RoundRobin
}

func (rr *roundRobinStrategy) Select(candidates []*backend.Backend, _ string) *backend.Backend {
	if len(candidates) == 0 {
		return nil
	}

	n := rr.current.Add(1)
	return candidates[(n-1)%uint64(len(candidates))]
}

func NewRoundRobinStrategy() Strategy {
	return &roundRobinStrategy{}
}
