package waitfor

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector exports a coordinator's statistics as prometheus
// metrics. It is a read-only view over Stats snapshots, so registering it
// adds no locking to the wait paths beyond the stats mutex.
//
// Register it with any prometheus registry:
//
//	prometheus.MustRegister(waitfor.NewMetricsCollector(coord))
type MetricsCollector struct {
	coord *Coordinator

	waits  *prometheus.Desc
	cycles *prometheus.Desc
	durs   *prometheus.Desc
}

var _ prometheus.Collector = (*MetricsCollector)(nil)

// NewMetricsCollector creates a collector over c's statistics.
func NewMetricsCollector(c *Coordinator) *MetricsCollector {
	return &MetricsCollector{
		coord: c,
		waits: prometheus.NewDesc(
			"waitfor_waits_total",
			"Completed wait episodes by outcome.",
			[]string{"outcome"}, nil,
		),
		cycles: prometheus.NewDesc(
			"waitfor_cycles_total",
			"Detected cycles by search pass and closing depth; depth \"overflow\" also counts depth-truncated searches.",
			[]string{"pass", "depth"}, nil,
		),
		durs: prometheus.NewDesc(
			"waitfor_wait_duration_seconds",
			"Histogram of total blocked time per wait episode.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (m *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.waits
	ch <- m.cycles
	ch <- m.durs
}

// Collect implements prometheus.Collector.
func (m *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	s := m.coord.Stats()

	ch <- prometheus.MustNewConstMetric(m.waits, prometheus.CounterValue,
		float64(s.Successes), "ok")
	ch <- prometheus.MustNewConstMetric(m.waits, prometheus.CounterValue,
		float64(s.Timeouts), "timeout")
	ch <- prometheus.MustNewConstMetric(m.waits, prometheus.CounterValue,
		float64(s.Deadlocks), "deadlock")

	emitCycles := func(pass string, buckets [CycleBuckets + 1]uint64) {
		for i, n := range buckets {
			if n == 0 {
				continue
			}
			depth := strconv.Itoa(i)
			if i == CycleBuckets {
				depth = "overflow"
			}
			ch <- prometheus.MustNewConstMetric(m.cycles, prometheus.CounterValue,
				float64(n), pass, depth)
		}
	}
	emitCycles("short", s.CycleLengthShort)
	emitCycles("long", s.CycleLengthLong)

	// Re-shape the log-scale buckets into a cumulative prometheus
	// histogram keyed by each bucket's upper bound in seconds.
	var count uint64
	cum := make(map[float64]uint64, WaitBuckets)
	for i, n := range s.WaitDurations {
		count += n
		if i < WaitBuckets-1 {
			cum[WaitBucketBound(i+1).Seconds()] = count
		}
	}
	ch <- prometheus.MustNewConstHistogram(m.durs, count, s.WaitTotal.Seconds(), cum)
}
