package strategy_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/upstream-pool/internal/strategy"
)

var _ = Describe("WeightedRoundRobin", func() {
	It("distributes proportionally to weights", func() {
		strat := strategy.NewWeightedRoundRobinStrategy()
		candidates := backends(5, 1, 1)

		counts := map[int]int{}
		for i := 0; i < 70; i++ {
			counts[strat.Select(candidates, "").Key().Port]++
		}

		Expect(counts[8081]).To(Equal(50))
		Expect(counts[8082]).To(Equal(10))
		Expect(counts[8083]).To(Equal(10))
	})

	It("interleaves selections smoothly", func() {
		strat := strategy.NewWeightedRoundRobinStrategy()
		candidates := backends(2, 1)

		var ports []int
		for i := 0; i < 3; i++ {
			ports = append(ports, strat.Select(candidates, "").Key().Port)
		}
		Expect(ports).To(Equal([]int{8081, 8082, 8081}))
	})
})
