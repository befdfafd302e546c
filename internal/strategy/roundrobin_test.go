package strategy_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/upstream-pool/internal/strategy"
)

var _ = Describe("RoundRobin", func() {
	It("cycles through the candidates in order", func() {
		strat := strategy.NewRoundRobinStrategy()
		candidates := backends(1, 1, 1)

		for round := 0; round < 2; round++ {
			for _, want := range candidates {
				Expect(strat.Select(candidates, "")).To(BeIdenticalTo(want))
			}
		}
	})
})

var _ = Describe("Random", func() {
	It("eventually selects every candidate", func() {
		strat := strategy.NewRandomStrategy()
		candidates := backends(1, 1)

		seen := map[int]bool{}
		for i := 0; i < 200; i++ {
			seen[strat.Select(candidates, "").Key().Port] = true
		}
		Expect(seen).To(HaveLen(2))
	})
})
