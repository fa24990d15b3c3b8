package loadbalancer_test

import (
	"bytes"
	"log/slog"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/router-lab/internal/loadbalancer"
	"github.com/angeloszaimis/router-lab/internal/strategy"
	"github.com/angeloszaimis/router-lab/internal/target"
)

var _ = Describe("LoadBalancer", func() {
	var (
		lb      *loadbalancer.LoadBalancer
		targets target.Set
		logBuf  *bytes.Buffer
		log     *slog.Logger
	)

	BeforeEach(func() {
		var err error
		targets, err = target.NewRange("127.0.0.1", 3001, 3)
		Expect(err).NotTo(HaveOccurred())

		logBuf = &bytes.Buffer{}
		log = slog.New(slog.NewTextHandler(logBuf, nil))
	})

	Context("with round-robin strategy", func() {
		BeforeEach(func() {
			lb = loadbalancer.NewLoadBalancer(strategy.NewRoundRobinStrategy(targets), log)
		})

		It("should lease targets in rotation", func() {
			Expect(lb.Acquire().Target).To(Equal(targets[0]))
			Expect(lb.Acquire().Target).To(Equal(targets[1]))
			Expect(lb.Acquire().Target).To(Equal(targets[2]))
			Expect(lb.Acquire().Target).To(Equal(targets[0]))
		})

		It("should report no in-flight requests", func() {
			lease := lb.Acquire()
			Expect(lb.InFlight(lease.Target)).To(Equal(0))
			Expect(lb.InFlightTotal()).To(Equal(0))
			lease.Release()
			Expect(logBuf.String()).To(BeEmpty())
		})

		It("should stamp the lease start time", func() {
			lease := lb.Acquire()
			Expect(lease.Started).NotTo(BeZero())
			Expect(lease.Duration()).To(BeNumerically(">=", 0))
		})
	})

	Context("with least-connections strategy", func() {
		BeforeEach(func() {
			lb = loadbalancer.NewLoadBalancer(strategy.NewLeastConnStrategy(targets), log)
		})

		It("should count the lease as in flight until released", func() {
			lease := lb.Acquire()
			Expect(lb.InFlight(lease.Target)).To(Equal(1))

			lease.Release()
			Expect(lb.InFlight(lease.Target)).To(Equal(0))
		})

		It("should release only once", func() {
			first := lb.Acquire()
			second := lb.Acquire()
			Expect(second.Target).NotTo(Equal(first.Target))

			first.Release()
			first.Release()
			first.Release()

			Expect(lb.InFlightTotal()).To(Equal(1))
			Expect(logBuf.String()).To(BeEmpty())
		})

		It("should release on every exit path when deferred", func() {
			handle := func(fail bool) error {
				lease := lb.Acquire()
				defer lease.Release()
				if fail {
					return strategy.ErrNotInFlight
				}
				return nil
			}

			for i := 0; i < 10; i++ {
				_ = handle(i%2 == 0)
			}
			Expect(lb.InFlightTotal()).To(Equal(0))
		})

		It("should be safe for concurrent use", func() {
			var wg sync.WaitGroup
			for i := 0; i < 100; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					lease := lb.Acquire()
					defer lease.Release()
					Expect(targets).To(ContainElement(lease.Target))
				}()
			}
			wg.Wait()

			Expect(lb.InFlightTotal()).To(Equal(0))
		})

		It("should spread concurrent leases before any completes", func() {
			leases := make([]*loadbalancer.Lease, 0, 9)
			for i := 0; i < 9; i++ {
				leases = append(leases, lb.Acquire())
			}

			for _, id := range targets {
				Expect(lb.InFlight(id)).To(Equal(3))
			}

			for _, l := range leases {
				l.Release()
			}
			Expect(lb.InFlightTotal()).To(Equal(0))
		})
	})

	It("should expose the strategy", func() {
		strat := strategy.NewRoundRobinStrategy(targets)
		lb = loadbalancer.NewLoadBalancer(strat, nil)
		Expect(lb.LoadBalancerStrategy()).To(BeIdenticalTo(strat))
	})
})
