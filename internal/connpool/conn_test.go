package connpool_test

import (
	"context"
	"errors"
	"io"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/upstream-pool/internal/connpool"
	"github.com/angeloszaimis/upstream-pool/internal/endpoint"
)

const requestHead = "GET / HTTP/1.1\r\nHost: backend\r\n\r\n"

var _ = Describe("Conn", func() {
	var (
		key     endpoint.Key
		dialer  *scriptedDialer
		health  *fakeHealth
		manager *connpool.Manager
		ctx     context.Context
		cfg     connpool.Config
	)

	borrow := func() *connpool.Conn {
		c, err := manager.Borrow(ctx, key)
		Expect(err).NotTo(HaveOccurred())
		return c
	}

	idleCount := func() int {
		s, _ := manager.EndpointStats(key)
		return s.IdleConnections
	}

	pooledCount := func() int {
		s, _ := manager.EndpointStats(key)
		return s.PooledConnections
	}

	BeforeEach(func() {
		key = endpoint.New("backend.local", 8081)
		dialer = &scriptedDialer{}
		health = &fakeHealth{}
		ctx = context.Background()
		cfg = connpool.DefaultConfig()
	})

	JustBeforeEach(func() {
		manager = connpool.NewManager(cfg,
			connpool.WithDialer(dialer),
			connpool.WithHealth(health),
			connpool.WithLogger(discardLogger))
		DeferCleanup(manager.Close)
	})

	Describe("a complete exchange", func() {
		It("moves IDLE -> REQUEST_SENT -> RELEASABLE -> IDLE", func() {
			c := borrow()
			issuer := newIssuer(key)
			Expect(c.State()).To(Equal(connpool.StateIdle))

			Expect(c.SendRequest([]byte(requestHead), issuer)).To(Succeed())
			Expect(c.State()).To(Equal(connpool.StateRequestSent))
			Expect(manager.PendingRequests()).To(Equal(1))

			Expect(c.SendChunk([]byte("hello "), issuer)).To(Succeed())
			Expect(c.SendLastChunk([]byte("world"), issuer)).To(Succeed())
			Expect(c.State()).To(Equal(connpool.StateReleasable))
			Expect(issuer.LastSent()).To(Equal(1))
			Expect(dialer.Last().Written()).To(Equal(requestHead + "hello world"))

			Expect(c.Release(false, issuer)).To(BeTrue())
			Expect(c.State()).To(Equal(connpool.StateIdle))
			Expect(manager.PendingRequests()).To(BeZero())
			Eventually(idleCount).Should(Equal(1))
		})

		It("hands the released connection out again with no bound request", func() {
			c := borrow()
			first := newIssuer(key)
			exchange(c, first)
			Expect(c.Release(false, first)).To(BeTrue())
			Eventually(idleCount).Should(Equal(1))

			again := borrow()
			Expect(again.ID()).To(Equal(c.ID()))
			Expect(again.State()).To(Equal(connpool.StateIdle))
			Expect(dialer.dials.Load()).To(Equal(int32(1)))

			// the previous issuer no longer owns it
			Expect(again.SendChunk([]byte("x"), first)).To(MatchError(connpool.ErrProtocolViolation))

			second := newIssuer(key)
			exchange(again, second)
			Expect(again.Release(false, second)).To(BeTrue())
		})

		It("tracks endpoint statistics", func() {
			c := borrow()
			issuer := newIssuer(key)
			Expect(c.SendRequest([]byte(requestHead), issuer)).To(Succeed())

			stats, ok := manager.EndpointStats(key)
			Expect(ok).To(BeTrue())
			Expect(stats.TotalConnections).To(Equal(int64(1)))
			Expect(stats.OpenConnections).To(Equal(int64(1)))
			Expect(stats.ActiveConnections).To(Equal(int64(1)))
			Expect(stats.TotalRequests).To(Equal(int64(1)))
			Expect(stats.LastActivity).NotTo(BeZero())

			Expect(c.SendLastChunk(nil, issuer)).To(Succeed())
			Expect(c.Release(false, issuer)).To(BeTrue())

			stats, _ = manager.EndpointStats(key)
			Expect(stats.ActiveConnections).To(BeZero())
		})
	})

	Describe("protocol violations", func() {
		It("rejects a second request while one is in flight", func() {
			c := borrow()
			owner := newIssuer(key)
			Expect(c.SendRequest([]byte(requestHead), owner)).To(Succeed())

			intruder := newIssuer(key)
			Expect(c.SendRequest([]byte(requestHead), intruder)).To(MatchError(connpool.ErrProtocolViolation))
			Expect(c.SendRequest([]byte(requestHead), owner)).To(MatchError(connpool.ErrProtocolViolation))
			Expect(c.State()).To(Equal(connpool.StateRequestSent))
		})

		It("rejects body chunks from a request that is not bound", func() {
			c := borrow()
			owner := newIssuer(key)
			Expect(c.SendRequest([]byte(requestHead), owner)).To(Succeed())

			intruder := newIssuer(key)
			Expect(c.SendChunk([]byte("x"), intruder)).To(MatchError(connpool.ErrProtocolViolation))
			Expect(c.SendLastChunk(nil, intruder)).To(MatchError(connpool.ErrProtocolViolation))
			Expect(c.Abort(intruder, errors.New("x"))).To(MatchError(connpool.ErrProtocolViolation))
			Expect(dialer.Last().Written()).To(Equal(requestHead))
		})

		It("rejects chunks after the terminal chunk", func() {
			c := borrow()
			issuer := newIssuer(key)
			exchange(c, issuer)

			Expect(c.SendChunk([]byte("late"), issuer)).To(MatchError(connpool.ErrProtocolViolation))
		})

		It("ignores a release outside RELEASABLE", func() {
			c := borrow()
			issuer := newIssuer(key)
			Expect(c.SendRequest([]byte(requestHead), issuer)).To(Succeed())

			Expect(c.Release(false, issuer)).To(BeFalse())
			Expect(c.State()).To(Equal(connpool.StateRequestSent))
			Expect(c.Valid()).To(BeTrue())
		})

		It("ignores a release by another request", func() {
			c := borrow()
			issuer := newIssuer(key)
			exchange(c, issuer)

			Expect(c.Release(false, newIssuer(key))).To(BeFalse())
			Expect(c.State()).To(Equal(connpool.StateReleasable))
			Expect(c.Release(false, issuer)).To(BeTrue())
		})
	})

	Describe("write failures", func() {
		It("invalidates on a failed request head and never pools the connection", func() {
			c := borrow()
			dialer.Last().failWrites.Store(true)
			issuer := newIssuer(key)

			Expect(c.SendRequest([]byte(requestHead), issuer)).To(Succeed())
			Expect(issuer.SendErrors()).To(HaveLen(1))
			Expect(c.Valid()).To(BeFalse())
			Expect(c.State()).To(Equal(connpool.StateReleasable))

			reports := health.Reports()
			Expect(reports).To(HaveLen(1))
			Expect(reports[0].Key).To(Equal(key))
			Expect(reports[0].Reason).To(ContainSubstring("write failed"))

			Expect(c.Release(false, issuer)).To(BeTrue())
			Expect(dialer.Last().isClosed()).To(BeTrue())
			Eventually(pooledCount).Should(BeZero())

			next := borrow()
			Expect(next.ID()).NotTo(Equal(c.ID()))
			Expect(next.Valid()).To(BeTrue())
		})

		It("notifies once when the terminal chunk fails and destroys on release", func() {
			c := borrow()
			issuer := newIssuer(key)
			Expect(c.SendRequest([]byte(requestHead), issuer)).To(Succeed())

			socket := dialer.Last()
			socket.failWrites.Store(true)
			Expect(c.SendLastChunk([]byte("tail"), issuer)).To(Succeed())

			Expect(issuer.SendErrors()).To(HaveLen(1))
			Expect(errors.Is(issuer.SendErrors()[0], errBrokenPipe)).To(BeTrue())
			Expect(issuer.LastSent()).To(BeZero())
			Expect(c.Valid()).To(BeFalse())
			Expect(c.State()).To(Equal(connpool.StateReleasable))

			// further writes neither write nor notify again
			Expect(c.SendLastChunk([]byte("again"), issuer)).To(MatchError(connpool.ErrConnectionInvalid))
			Expect(issuer.SendErrors()).To(HaveLen(1))

			Expect(c.Release(true, issuer)).To(BeTrue())
			Expect(socket.isClosed()).To(BeTrue())

			Eventually(pooledCount).Should(BeZero())
			Expect(manager.Evict()).To(BeZero())
			Consistently(idleCount, 100*time.Millisecond).Should(BeZero())
		})

		It("notifies once when a body chunk fails", func() {
			c := borrow()
			issuer := newIssuer(key)
			Expect(c.SendRequest([]byte(requestHead), issuer)).To(Succeed())

			dialer.Last().failWrites.Store(true)
			Expect(c.SendChunk([]byte("part"), issuer)).To(Succeed())
			Expect(c.SendChunk([]byte("part"), issuer)).To(MatchError(connpool.ErrConnectionInvalid))

			Expect(issuer.SendErrors()).To(HaveLen(1))
			Expect(c.State()).To(Equal(connpool.StateReleasable))
			Expect(c.Release(false, issuer)).To(BeTrue())
			Eventually(pooledCount).Should(BeZero())
		})

		It("fails the send on an invalid connection without writing", func() {
			c := borrow()
			socket := dialer.Last()
			socket.readErr <- io.EOF
			Eventually(c.Valid).Should(BeFalse())

			issuer := newIssuer(key)
			Expect(c.SendRequest([]byte(requestHead), issuer)).To(Succeed())
			Expect(issuer.SendErrors()).To(ConsistOf(MatchError(connpool.ErrConnectionInvalid)))
			Expect(socket.Written()).To(BeEmpty())
			Expect(health.Reports()).To(BeEmpty())
		})
	})

	Describe("forced errors", func() {
		It("fails every request while forced", func() {
			manager.ForceErrorOnRequest(true)
			c := borrow()
			issuer := newIssuer(key)

			Expect(c.SendRequest([]byte(requestHead), issuer)).To(Succeed())
			Expect(issuer.SendErrors()).To(ConsistOf(MatchError(connpool.ErrConnectionInvalid)))
			Expect(c.State()).To(Equal(connpool.StateReleasable))
			Expect(c.Release(true, issuer)).To(BeTrue())

			manager.ForceErrorOnRequest(false)
			next := borrow()
			healthy := newIssuer(key)
			exchange(next, healthy)
			Expect(healthy.SendErrors()).To(BeEmpty())
		})
	})

	Describe("response data", func() {
		It("delivers bytes to the bound request in arrival order", func() {
			c := borrow()
			issuer := newIssuer(key)
			exchange(c, issuer)

			socket := dialer.Last()
			socket.incoming <- []byte("HTTP/1.1 200 OK\r\n")
			socket.incoming <- []byte("Content-Length: 0\r\n\r\n")

			Eventually(issuer.Received).Should(Equal("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
			Expect(issuer.ReadsCompleted()).To(Equal(2))
		})

		It("discards bytes when no request is bound", func() {
			c := borrow()
			issuer := newIssuer(key)
			exchange(c, issuer)
			Expect(c.Release(false, issuer)).To(BeTrue())

			dialer.Last().incoming <- []byte("garbage")
			Consistently(issuer.Received, 50*time.Millisecond).Should(BeEmpty())
			Expect(c.Valid()).To(BeTrue())
		})
	})

	Describe("read failures", func() {
		It("reports an I/O error and makes the exchange releasable", func() {
			c := borrow()
			issuer := newIssuer(key)
			Expect(c.SendRequest([]byte(requestHead), issuer)).To(Succeed())

			dialer.Last().readErr <- errors.New("connection reset by peer")

			Eventually(issuer.RemoteErrors).Should(HaveLen(1))
			Expect(c.Valid()).To(BeFalse())
			Expect(c.State()).To(Equal(connpool.StateReleasable))
			Expect(health.Reports()).To(ConsistOf(HaveField("Reason", ContainSubstring("I/O error"))))
			Expect(dialer.Last().isClosed()).To(BeTrue())

			Expect(c.Release(false, issuer)).To(BeTrue())
			Eventually(pooledCount).Should(BeZero())
		})

		It("forwards EOF without a health report", func() {
			c := borrow()
			issuer := newIssuer(key)
			exchange(c, issuer)

			dialer.Last().readErr <- io.EOF

			Eventually(issuer.RemoteErrors).Should(ConsistOf(MatchError(io.EOF)))
			Expect(health.Reports()).To(BeEmpty())
			Expect(c.Valid()).To(BeFalse())
		})

		It("notifies only one failure per exchange", func() {
			c := borrow()
			issuer := newIssuer(key)
			Expect(c.SendRequest([]byte(requestHead), issuer)).To(Succeed())

			dialer.Last().readErr <- io.EOF
			Eventually(issuer.RemoteErrors).Should(HaveLen(1))

			Expect(c.SendLastChunk(nil, issuer)).To(MatchError(connpool.ErrConnectionInvalid))
			Expect(issuer.SendErrors()).To(BeEmpty())
		})
	})

	Describe("Abort", func() {
		It("makes an in-flight exchange releasable and invalid", func() {
			c := borrow()
			issuer := newIssuer(key)
			Expect(c.SendRequest([]byte(requestHead), issuer)).To(Succeed())

			Expect(c.Abort(issuer, errors.New("client went away"))).To(Succeed())
			Expect(c.State()).To(Equal(connpool.StateReleasable))
			Expect(c.Valid()).To(BeFalse())

			Expect(c.Release(false, issuer)).To(BeTrue())
			Expect(dialer.Last().isClosed()).To(BeTrue())
			Eventually(pooledCount).Should(BeZero())
		})

		Context("while a write is blocked on a backend that stopped reading", func() {
			var (
				c      *connpool.Conn
				issuer *fakeIssuer
				sent   chan error
			)

			BeforeEach(func() {
				cfg.BackendsUnreachableOnStuckRequests = false
			})

			JustBeforeEach(func() {
				c = borrow()
				issuer = newIssuer(key)
				Expect(c.SendRequest([]byte(requestHead), issuer)).To(Succeed())
				dialer.Last().blockWrites.Store(true)

				sent = make(chan error, 1)
				go func() {
					sent <- c.SendChunk([]byte("body"), issuer)
				}()
				Consistently(sent, 50*time.Millisecond).ShouldNot(Receive())
			})

			It("does not blame the backend for the write the abort interrupted", func() {
				Expect(c.Abort(issuer, context.Canceled)).To(Succeed())
				Expect(c.Release(true, issuer)).To(BeTrue())

				Eventually(sent).Should(Receive(BeNil()))
				Eventually(issuer.SendErrors).Should(HaveLen(1))
				Expect(health.Reports()).To(BeEmpty())
			})

			It("does not blame the backend when the pool closes the connection", func() {
				Expect(manager.Close()).To(Succeed())

				Eventually(sent).Should(Receive(BeNil()))
				// the reader or the writer notices first, never both
				Eventually(func() int {
					return len(issuer.SendErrors()) + len(issuer.RemoteErrors())
				}).Should(Equal(1))
				Expect(health.Reports()).To(BeEmpty())
			})
		})
	})

	Describe("debug header", func() {
		BeforeEach(func() {
			cfg.DebugHeader = true
		})

		It("adds the connection id to the request head", func() {
			c := borrow()
			issuer := newIssuer(key)
			exchange(c, issuer)

			Expect(dialer.Last().Written()).To(Equal(
				"GET / HTTP/1.1\r\nHost: backend\r\nX-Upstream-Debug: cid-" +
					itoa(c.ID()) + "\r\n\r\n"))
		})
	})

	Describe("SetIdleTimeout", func() {
		It("overrides the idle timeout used by validation", func() {
			c := borrow()
			c.SetIdleTimeout(20 * time.Millisecond)
			issuer := newIssuer(key)
			exchange(c, issuer)
			Expect(c.Release(false, issuer)).To(BeTrue())
			Eventually(idleCount).Should(Equal(1))

			time.Sleep(50 * time.Millisecond)
			Expect(manager.Evict()).To(Equal(1))
			Expect(pooledCount()).To(BeZero())
		})
	})
})
