package strategy

import (
	"fmt"

	"github.com/angeloszaimis/upstream-pool/internal/backend"
)

const (
	RoundRobin         = "round-robin"
	Random             = "random"
	LeastConn          = "least-conn"
	LeastResponse      = "least-response"
	ConsistentHash     = "consistent-hash"
	WeightedRoundRobin = "weighted-round-robin"
)

// Names lists every known strategy.
var Names = []string{RoundRobin, Random, LeastConn, LeastResponse, ConsistentHash, WeightedRoundRobin}

type Strategy interface {
	Name() string
	// Select returns one of candidates, or nil when there is none. hashKey
	// identifies the client for strategies with affinity.
	Select(candidates []*backend.Backend, hashKey string) *backend.Backend
}

// New builds the strategy called name.
func New(name string, virtualNodes int) (Strategy, error) {
	switch name {
	case RoundRobin:
		return NewRoundRobinStrategy(), nil
	case Random:
		return NewRandomStrategy(), nil
	case LeastConn:
		return NewLeastConnStrategy(), nil
	case LeastResponse:
		return NewLeastResponseStrategy(), nil
	case ConsistentHash:
		return NewConsistentHashStrategy(virtualNodes), nil
	case WeightedRoundRobin:
		return NewWeightedRoundRobinStrategy(), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}
