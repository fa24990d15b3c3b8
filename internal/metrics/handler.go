package metrics

import (
	"encoding/json"
	"net/http"
)

type Stats struct {
	Algorithm     string        `json:"algorithm"`
	TotalRequests int64         `json:"total_requests"`
	Targets       []TargetStats `json:"targets"`
}

type TargetStats struct {
	Target     string  `json:"target"`
	Requests   int64   `json:"requests"`
	Percentage float64 `json:"percentage"`
	InFlight   int     `json:"in_flight"`
}

func (c *Collector) Stats(algorithm string) Stats {
	report := c.aggregator.Report()

	stats := Stats{
		Algorithm:     algorithm,
		TotalRequests: report.Total,
		Targets:       make([]TargetStats, 0, len(report.Entries)),
	}

	for _, e := range report.Entries {
		ts := TargetStats{
			Target:     e.Target.String(),
			Requests:   e.Count,
			Percentage: e.Percentage,
		}
		if c.inFlight != nil {
			ts.InFlight = c.inFlight.InFlight(e.Target)
		}
		stats.Targets = append(stats.Targets, ts)
	}

	return stats
}

func (c *Collector) Handler(algorithm string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(c.Stats(algorithm)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
}
