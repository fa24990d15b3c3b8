package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/angeloszaimis/router-lab/internal/target"
)

const namespace = "routerlab"

// Forwarding stages reported in the forward errors metric.
const (
	StageDial  = "dial"
	StageWrite = "write"
	StageRead  = "read"
	StageRelay = "relay"
)

// InFlightReader exposes per-target in-flight request counts.
type InFlightReader interface {
	InFlight(id target.ID) int
}

// Collector exports the aggregator and in-flight counts at scrape time.
type Collector struct {
	aggregator   *Aggregator
	inFlight     InFlightReader
	requestsDesc *prometheus.Desc
	inFlightDesc *prometheus.Desc
}

func NewCollector(aggregator *Aggregator, inFlight InFlightReader) *Collector {
	return &Collector{
		aggregator: aggregator,
		inFlight:   inFlight,
		requestsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "dispatch", "requests_total"),
			"Requests routed to each target.",
			[]string{"target"}, nil,
		),
		inFlightDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "dispatch", "in_flight"),
			"Requests dispatched to each target and not yet completed.",
			[]string{"target"}, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requestsDesc
	ch <- c.inFlightDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	report := c.aggregator.Report()

	for _, e := range report.Entries {
		ch <- prometheus.MustNewConstMetric(c.requestsDesc, prometheus.CounterValue, float64(e.Count), e.Target.String())

		if c.inFlight != nil {
			ch <- prometheus.MustNewConstMetric(c.inFlightDesc, prometheus.GaugeValue, float64(c.inFlight.InFlight(e.Target)), e.Target.String())
		}
	}
}

// Instruments are the metrics observed directly on the forwarding path.
// A nil *Instruments is valid and records nothing.
type Instruments struct {
	ForwardDuration *prometheus.HistogramVec
	ForwardErrors   *prometheus.CounterVec
	AcceptErrors    prometheus.Counter
}

func NewInstruments() *Instruments {
	return &Instruments{
		ForwardDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "forward",
				Name:      "duration_seconds",
				Help:      "Time from target selection to the end of the relayed response.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"target"},
		),
		ForwardErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "forward",
				Name:      "errors_total",
				Help:      "Forwarding failures by target and stage.",
			},
			[]string{"target", "stage"},
		),
		AcceptErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "accept_errors_total",
				Help:      "Errors returned by the inbound listener.",
			},
		),
	}
}

func (i *Instruments) ObserveForward(id target.ID, d time.Duration) {
	if i == nil {
		return
	}
	i.ForwardDuration.WithLabelValues(id.String()).Observe(d.Seconds())
}

func (i *Instruments) ForwardFailed(id target.ID, stage string) {
	if i == nil {
		return
	}
	i.ForwardErrors.WithLabelValues(id.String(), stage).Inc()
}

func (i *Instruments) AcceptFailed() {
	if i == nil {
		return
	}
	i.AcceptErrors.Inc()
}

// NewRegistry returns a private registry holding the collector, the
// instruments and the Go runtime and process collectors.
func NewRegistry(collector *Collector, instruments *Instruments) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if collector != nil {
		reg.MustRegister(collector)
	}

	if instruments != nil {
		reg.MustRegister(instruments.ForwardDuration, instruments.ForwardErrors, instruments.AcceptErrors)
	}

	return reg
}
