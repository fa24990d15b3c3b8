package metrics_test

import (
	"bytes"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/router-lab/internal/metrics"
	"github.com/angeloszaimis/router-lab/internal/target"
)

var _ = Describe("Aggregator", func() {
	var (
		agg     *metrics.Aggregator
		targets target.Set
	)

	BeforeEach(func() {
		targets = mustRange(3)
		agg = metrics.NewAggregator(targets)
	})

	sumCounts := func(r metrics.Report) int64 {
		var sum int64
		for _, e := range r.Entries {
			sum += e.Count
		}
		return sum
	}

	Describe("NewAggregator", func() {
		It("should seed every target at zero", func() {
			report := agg.Report()
			Expect(report.Total).To(Equal(int64(0)))
			Expect(report.Entries).To(HaveLen(3))
			for _, e := range report.Entries {
				Expect(e.Count).To(Equal(int64(0)))
				Expect(e.Percentage).To(Equal(0.0))
			}
		})
	})

	Describe("Record", func() {
		It("should increment the target count and the total", func() {
			agg.Record(targets[0])
			agg.Record(targets[0])
			agg.Record(targets[2])

			report := agg.Report()
			Expect(report.Total).To(Equal(int64(3)))
			Expect(agg.Total()).To(Equal(int64(3)))
			Expect(report.Entries[0].Count).To(Equal(int64(2)))
			Expect(report.Entries[1].Count).To(Equal(int64(0)))
			Expect(report.Entries[2].Count).To(Equal(int64(1)))
		})

		It("should accept targets outside the seeded set", func() {
			extra := target.New("127.0.0.1", 4000)
			agg.Record(extra)

			report := agg.Report()
			Expect(report.Entries).To(HaveLen(4))
			Expect(report.Entries[3].Target).To(Equal(extra))
			Expect(report.Entries[3].Percentage).To(Equal(100.0))
		})

		It("should keep the total consistent under concurrency", func() {
			var wg sync.WaitGroup
			for g := 0; g < 10; g++ {
				wg.Add(1)
				go func(g int) {
					defer wg.Done()
					for i := 0; i < 100; i++ {
						agg.Record(targets[(g+i)%len(targets)])
					}
				}(g)
			}
			wg.Wait()

			report := agg.Report()
			Expect(report.Total).To(Equal(int64(1000)))
			Expect(sumCounts(report)).To(Equal(report.Total))
		})
	})

	Describe("Report", func() {
		It("should sort entries by target", func() {
			set, err := target.ParseList([]string{"127.0.0.1:10000", "127.0.0.1:9999", "127.0.0.1:3001"})
			Expect(err).NotTo(HaveOccurred())
			agg = metrics.NewAggregator(set)

			report := agg.Report()
			Expect(report.Entries[0].Target.Port).To(Equal(uint16(3001)))
			Expect(report.Entries[1].Target.Port).To(Equal(uint16(9999)))
			Expect(report.Entries[2].Target.Port).To(Equal(uint16(10000)))
		})

		It("should compute percentages that sum to 100", func() {
			agg.Record(targets[0])
			agg.Record(targets[1])
			agg.Record(targets[1])

			report := agg.Report()
			Expect(report.Entries[0].Percentage).To(BeNumerically("~", 33.33, 0.01))
			Expect(report.Entries[1].Percentage).To(BeNumerically("~", 66.67, 0.01))
			Expect(report.Entries[2].Percentage).To(Equal(0.0))

			var sum float64
			for _, e := range report.Entries {
				sum += e.Percentage
			}
			Expect(sum).To(BeNumerically("~", 100.0, 0.001))
		})

		It("should return an independent snapshot", func() {
			agg.Record(targets[0])
			snap1 := agg.Report()
			agg.Record(targets[0])
			snap2 := agg.Report()

			Expect(snap1.Total).To(Equal(int64(1)))
			Expect(snap2.Total).To(Equal(int64(2)))
			Expect(snap1.Entries[0].Count).To(Equal(int64(1)))
		})
	})

	Describe("WriteTo", func() {
		It("should render the distribution table", func() {
			for i := 0; i < 3; i++ {
				agg.Record(targets[i])
			}
			agg.Record(targets[0])

			var buf bytes.Buffer
			n, err := agg.Report().WriteTo(&buf)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(int64(buf.Len())))

			out := buf.String()
			Expect(out).To(ContainSubstring("=== Request Distribution ==="))
			Expect(out).To(ContainSubstring("Total requests: 4"))
			Expect(out).To(ContainSubstring("Target 127.0.0.1:3001: 2 (50.0%)"))
			Expect(out).To(ContainSubstring("Target 127.0.0.1:3002: 1 (25.0%)"))
			Expect(out).To(ContainSubstring("Target 127.0.0.1:3003: 1 (25.0%)"))
		})

		It("should report 0% for every target when nothing was routed", func() {
			out := agg.Report().String()
			Expect(out).To(ContainSubstring("Total requests: 0"))
			Expect(out).To(ContainSubstring("Target 127.0.0.1:3002: 0 (0.0%)"))
		})
	})
})
