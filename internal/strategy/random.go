package strategy

import (
	"math/rand/v2"

	"github.com/angeloszaimis/upstream-pool/internal/backend"
)

type randomStrategy struct{}

func (randomStrategy) Name() string {
	return Random
}

func (randomStrategy) Select(candidates []*backend.Backend, _ string) *backend.Backend {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.IntN(len(candidates))]
}

func NewRandomStrategy() Strategy {
	return randomStrategy{}
}
