package metrics

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/angeloszaimis/router-lab/internal/target"
)

// Aggregator counts routing decisions per target. The total always equals
// the sum of the per-target counts.
type Aggregator struct {
	mutex  sync.Mutex
	counts map[target.ID]int64
	total  int64
}

// Entry is one target's line in a Report.
type Entry struct {
	Target     target.ID
	Count      int64
	Percentage float64
}

// Report is a consistent snapshot of an Aggregator, sorted by target.
type Report struct {
	Total   int64
	Entries []Entry
}

// NewAggregator returns an aggregator with every target seeded at zero so
// reports list idle targets too.
func NewAggregator(targets target.Set) *Aggregator {
	counts := make(map[target.ID]int64, len(targets))
	for _, id := range targets {
		counts[id] = 0
	}

	return &Aggregator{counts: counts}
}

// Record counts one request routed to id.
func (a *Aggregator) Record(id target.ID) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.counts[id]++
	a.total++
}

func (a *Aggregator) Total() int64 {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.total
}

// Report snapshots the counters. Percentages are 0 while nothing has been
// recorded.
func (a *Aggregator) Report() Report {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	report := Report{
		Total:   a.total,
		Entries: make([]Entry, 0, len(a.counts)),
	}

	for id, count := range a.counts {
		report.Entries = append(report.Entries, Entry{
			Target:     id,
			Count:      count,
			Percentage: percentage(count, a.total),
		})
	}

	slices.SortFunc(report.Entries, func(x, y Entry) int {
		return x.Target.Compare(y.Target)
	})

	return report
}

// WriteTo renders the report as the human-readable distribution table.
func (r Report) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, r.String())
	return int64(n), err
}

func (r Report) String() string {
	var b strings.Builder

	b.WriteString("\n=== Request Distribution ===\n")
	fmt.Fprintf(&b, "Total requests: %d\n", r.Total)
	for _, e := range r.Entries {
		fmt.Fprintf(&b, "  Target %s: %d (%.1f%%)\n", e.Target, e.Count, e.Percentage)
	}
	b.WriteString("============================\n")

	return b.String()
}

func percentage(count, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(count) / float64(total) * 100
}
