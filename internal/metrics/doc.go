// Package metrics tallies routing decisions per target and exports them.
//
// The Aggregator is the source of truth: a mutex-guarded map of target to
// request count plus a running total. It is created once at startup,
// passed to the dispatcher explicitly, and read one final time at shutdown
// to print the distribution report:
//
//	agg := metrics.NewAggregator(targets)
//	agg.Record(lease.Target)
//	agg.Report().WriteTo(os.Stdout)
//
// Collector adapts the aggregator and the balancer's in-flight counts to
// Prometheus at scrape time and serves a JSON summary. Instruments hold the
// histograms and counters updated directly on the forwarding path; a nil
// *Instruments is accepted everywhere so tests can skip them.
package metrics
