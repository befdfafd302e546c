package connpool

import (
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("returner", func() {
	It("never runs more tasks at once than it has workers", func() {
		r := newReturner(2)
		DeferCleanup(r.stop)

		var running, peak, ran atomic.Int32
		release := make(chan struct{})
		task := func() {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			ran.Add(1)
		}

		dispatched := make(chan struct{})
		go func() {
			defer close(dispatched)
			for i := 0; i < 6; i++ {
				r.dispatch(task)
			}
		}()

		Eventually(running.Load).Should(Equal(int32(2)))
		// two running and two queued: the fifth dispatch waits for a worker
		Consistently(dispatched, 50*time.Millisecond).ShouldNot(BeClosed())
		Expect(peak.Load()).To(Equal(int32(2)))

		close(release)
		Eventually(dispatched).Should(BeClosed())
		Expect(r.wait(time.Second)).To(BeTrue())
		Expect(ran.Load()).To(Equal(int32(6)))
		Expect(peak.Load()).To(Equal(int32(2)))
	})

	It("runs tasks inline without workers", func() {
		r := newReturner(0)

		ran := false
		r.dispatch(func() { ran = true })
		Expect(ran).To(BeTrue())
		Expect(r.wait(time.Millisecond)).To(BeTrue())
	})

	It("runs tasks inline once stopped", func() {
		r := newReturner(1)
		r.stop()

		ran := false
		r.dispatch(func() { ran = true })
		Expect(ran).To(BeTrue())
	})

	It("reports a wait that times out", func() {
		r := newReturner(1)
		DeferCleanup(r.stop)

		release := make(chan struct{})
		r.dispatch(func() { <-release })

		Expect(r.wait(20 * time.Millisecond)).To(BeFalse())
		close(release)
		Expect(r.wait(time.Second)).To(BeTrue())
	})
})
