// Package loadtest drives concurrent HTTP traffic at the router and reports
// throughput, latency percentiles and how responses were spread over
// targets.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/angeloszaimis/router-lab/internal/responder"
)

const unknownTarget = "(unknown)"

type Options struct {
	URL         string
	Requests    int
	Concurrency int
	Method      string
	Body        string
	ContentType string
	Timeout     time.Duration

	// Client overrides the default client, which disables keep-alive so
	// every request opens a new connection.
	Client *http.Client
}

func (o Options) Validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.URL, validation.Required, is.URL),
		validation.Field(&o.Requests, validation.Required, validation.Min(1)),
		validation.Field(&o.Concurrency, validation.Required, validation.Min(1)),
		validation.Field(&o.Method, validation.Required),
		validation.Field(&o.Timeout, validation.Min(time.Duration(0))),
	)
}

// Latency summarizes a set of request durations.
type Latency struct {
	Samples int           `json:"samples"`
	Min     time.Duration `json:"min"`
	Avg     time.Duration `json:"avg"`
	Max     time.Duration `json:"max"`
	P50     time.Duration `json:"p50"`
	P90     time.Duration `json:"p90"`
	P95     time.Duration `json:"p95"`
	P99     time.Duration `json:"p99"`
}

type TargetStats struct {
	Count   int     `json:"count"`
	Success int     `json:"success"`
	Failure int     `json:"failure"`
	Latency Latency `json:"latency"`

	latencies []time.Duration
}

type Summary struct {
	URL         string                  `json:"url"`
	Requests    int                     `json:"requests"`
	Concurrency int                     `json:"concurrency"`
	Sent        int                     `json:"sent"`
	Success     int                     `json:"success"`
	Failure     int                     `json:"failure"`
	Duration    time.Duration           `json:"duration"`
	Throughput  float64                 `json:"throughput_rps"`
	StatusCodes map[int]int             `json:"status_codes"`
	Targets     map[string]*TargetStats `json:"targets"`
	Latency     Latency                 `json:"latency"`
}

type result struct {
	target   string
	status   int
	duration time.Duration
	err      error
}

// Run sends opts.Requests requests from opts.Concurrency workers. A
// cancelled ctx stops handing out work; requests already sent finish.
func Run(ctx context.Context, opts Options) (*Summary, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid load test options: %w", err)
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout:   opts.Timeout,
			Transport: &http.Transport{DisableKeepAlives: true},
		}
	}

	summary := &Summary{
		URL:         opts.URL,
		Requests:    opts.Requests,
		Concurrency: opts.Concurrency,
		StatusCodes: make(map[int]int),
		Targets:     make(map[string]*TargetStats),
	}

	jobs := make(chan int)
	results := make(chan result)

	var wg sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				results <- send(ctx, client, opts)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i := 0; i < opts.Requests; i++ {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	start := time.Now()
	var all []time.Duration

	for res := range results {
		summary.add(res)
		all = append(all, res.duration)
	}

	summary.Duration = time.Since(start)
	if secs := summary.Duration.Seconds(); secs > 0 {
		summary.Throughput = float64(summary.Sent) / secs
	}

	summary.Latency = summarize(all)
	for _, ts := range summary.Targets {
		ts.Latency = summarize(ts.latencies)
	}

	return summary, nil
}

func send(ctx context.Context, client *http.Client, opts Options) result {
	var body io.Reader
	if opts.Body != "" {
		body = strings.NewReader(opts.Body)
	}

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, opts.Method, opts.URL, body)
	if err != nil {
		return result{err: err}
	}
	if opts.ContentType != "" {
		req.Header.Set("Content-Type", opts.ContentType)
	}

	resp, err := client.Do(req)
	if err != nil {
		return result{duration: time.Since(start), err: err}
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	served := resp.Header.Get(responder.ServedByHeader)
	if served == "" {
		served = unknownTarget
	}

	return result{
		target:   served,
		status:   resp.StatusCode,
		duration: time.Since(start),
	}
}

func (s *Summary) add(res result) {
	s.Sent++

	if res.err != nil {
		s.Failure++
		return
	}

	s.StatusCodes[res.status]++

	ok := res.status >= 200 && res.status <= 299
	if ok {
		s.Success++
	} else {
		s.Failure++
	}

	ts, found := s.Targets[res.target]
	if !found {
		ts = &TargetStats{}
		s.Targets[res.target] = ts
	}

	ts.Count++
	if ok {
		ts.Success++
	} else {
		ts.Failure++
	}
	ts.latencies = append(ts.latencies, res.duration)
}

func summarize(samples []time.Duration) Latency {
	if len(samples) == 0 {
		return Latency{}
	}

	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	pick := func(pct float64) time.Duration {
		return sorted[int(float64(len(sorted)-1)*pct)]
	}

	return Latency{
		Samples: len(sorted),
		Min:     sorted[0],
		Avg:     sum / time.Duration(len(sorted)),
		Max:     sorted[len(sorted)-1],
		P50:     pick(0.50),
		P90:     pick(0.90),
		P95:     pick(0.95),
		P99:     pick(0.99),
	}
}

// WriteTo prints the human-readable summary.
func (s *Summary) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder

	fmt.Fprintln(&b, "--- Load Test Summary ---")
	fmt.Fprintf(&b, "Target: %s\n", s.URL)
	fmt.Fprintf(&b, "Requests: %d  Concurrency: %d\n", s.Requests, s.Concurrency)
	fmt.Fprintf(&b, "Total sent: %d  Success: %d  Failure: %d\n", s.Sent, s.Success, s.Failure)
	fmt.Fprintf(&b, "Duration: %v  Throughput: %.2f req/s\n", s.Duration, s.Throughput)

	fmt.Fprintln(&b, "\nStatus codes:")
	codes := make([]int, 0, len(s.StatusCodes))
	for code := range s.StatusCodes {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	for _, code := range codes {
		fmt.Fprintf(&b, "  %d -> %d\n", code, s.StatusCodes[code])
	}

	fmt.Fprintln(&b, "\nTarget distribution:")
	names := make([]string, 0, len(s.Targets))
	for name := range s.Targets {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		ts := s.Targets[name]
		share := 0.0
		if s.Sent > 0 {
			share = float64(ts.Count) / float64(s.Sent) * 100
		}
		fmt.Fprintf(&b, "  %s -> total=%d (%.1f%%) success=%d failure=%d\n", name, ts.Count, share, ts.Success, ts.Failure)
		writeLatency(&b, "    ", ts.Latency)
	}

	if s.Latency.Samples > 0 {
		fmt.Fprintln(&b, "\nOverall latencies:")
		writeLatency(&b, "  ", s.Latency)
	}

	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

func writeLatency(b *strings.Builder, indent string, l Latency) {
	if l.Samples == 0 {
		return
	}

	fmt.Fprintf(b, "%ssamples=%d min=%v avg=%v max=%v p50=%v p90=%v p95=%v p99=%v\n",
		indent, l.Samples, l.Min, l.Avg, l.Max, l.P50, l.P90, l.P95, l.P99)
}
