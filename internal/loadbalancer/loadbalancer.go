package loadbalancer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/angeloszaimis/router-lab/internal/strategy"
	"github.com/angeloszaimis/router-lab/internal/target"
)

type LoadBalancer struct {
	strategy strategy.Strategy
	mutex    sync.Mutex
	logger   *slog.Logger
}

// Lease records one routed request. Release must run exactly once when the
// request is finished; calling it again is a no-op.
type Lease struct {
	Target  target.ID
	Started time.Time

	lb   *LoadBalancer
	once sync.Once
}

func NewLoadBalancer(strategy strategy.Strategy, logger *slog.Logger) *LoadBalancer {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoadBalancer{
		strategy: strategy,
		logger:   logger.With(slog.String("component", "loadbalancer")),
	}
}

// Acquire picks the target for the next request.
func (lb *LoadBalancer) Acquire() *Lease {
	lb.mutex.Lock()
	chosen := lb.strategy.Select()
	lb.mutex.Unlock()

	return &Lease{
		Target:  chosen,
		Started: time.Now(),
		lb:      lb,
	}
}

// Release reports completion of the leased request to the strategy.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.lb.complete(l.Target)
	})
}

// Duration is the time elapsed since the lease was acquired.
func (l *Lease) Duration() time.Duration {
	return time.Since(l.Started)
}

func (lb *LoadBalancer) complete(id target.ID) {
	lb.mutex.Lock()
	err := lb.strategy.OnComplete(id)
	lb.mutex.Unlock()

	if err != nil {
		lb.logger.Error("Strategy completion rejected",
			slog.String("target", id.String()),
			slog.Any("err", err))
	}
}

// InFlight returns the strategy's in-flight count for id, or 0 when the
// strategy does not track requests in flight.
func (lb *LoadBalancer) InFlight(id target.ID) int {
	reporter, ok := lb.strategy.(strategy.InFlightReporter)
	if !ok {
		return 0
	}

	lb.mutex.Lock()
	defer lb.mutex.Unlock()
	return reporter.InFlight(id)
}

// InFlightTotal sums InFlight over all targets.
func (lb *LoadBalancer) InFlightTotal() int {
	reporter, ok := lb.strategy.(strategy.InFlightReporter)
	if !ok {
		return 0
	}

	lb.mutex.Lock()
	defer lb.mutex.Unlock()
	return reporter.InFlightTotal()
}

func (lb *LoadBalancer) LoadBalancerStrategy() strategy.Strategy {
	return lb.strategy
}
