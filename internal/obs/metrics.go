package obs

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tickstream"

var _ prometheus.Collector = (*Metrics)(nil)

// Metrics collects lightweight counters and latency stats for a streaming run.
// It also implements prometheus.Collector so the same counters can be scraped.
type Metrics struct {
	windows  uint64
	ticks    uint64
	dropped  uint64
	failures uint64
	lastTick int64

	fetchLatency   LatencyStats
	ingestLatency  LatencyStats
	advanceLatency LatencyStats

	windowsDesc  *prometheus.Desc
	ticksDesc    *prometheus.Desc
	droppedDesc  *prometheus.Desc
	failuresDesc *prometheus.Desc
	lastTickDesc *prometheus.Desc
	latencyDesc  *prometheus.Desc
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
	Sum   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	Windows        uint64
	Ticks          uint64
	Dropped        uint64
	Failures       uint64
	LastEventTime  int64
	FetchLatency   LatencySnapshot
	IngestLatency  LatencySnapshot
	AdvanceLatency LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{
		windowsDesc:  prometheus.NewDesc(namespace+"_windows_processed_total", "Windows ingested and advanced", nil, nil),
		ticksDesc:    prometheus.NewDesc(namespace+"_ticks_ingested_total", "Ticks handed to the engine", nil, nil),
		droppedDesc:  prometheus.NewDesc(namespace+"_rows_dropped_total", "Rows dropped by the source before assembly", nil, nil),
		failuresDesc: prometheus.NewDesc(namespace+"_window_failures_total", "Windows that aborted the run", nil, nil),
		lastTickDesc: prometheus.NewDesc(namespace+"_last_event_time_seconds", "Event time of the last ingested tick", nil, nil),
		latencyDesc:  prometheus.NewDesc(namespace+"_stage_seconds", "Per-window stage latency", []string{"stage"}, nil),
	}
}

// ObserveWindow records one completed window.
func (m *Metrics) ObserveWindow(ticks, dropped int, lastEventTime int64) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.windows, 1)
	atomic.AddUint64(&m.ticks, uint64(ticks))
	atomic.AddUint64(&m.dropped, uint64(dropped))
	if lastEventTime > 0 {
		atomic.StoreInt64(&m.lastTick, lastEventTime)
	}
}

// IncFailure records a window that aborted the run.
func (m *Metrics) IncFailure() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.failures, 1)
}

// ObserveFetch measures fetch + assemble time for one window.
func (m *Metrics) ObserveFetch(d time.Duration) {
	if m == nil {
		return
	}
	m.fetchLatency.Observe(d)
}

// ObserveIngest measures engine ingestion time for one window.
func (m *Metrics) ObserveIngest(d time.Duration) {
	if m == nil {
		return
	}
	m.ingestLatency.Observe(d)
}

// ObserveAdvance measures engine advance time for one window.
func (m *Metrics) ObserveAdvance(d time.Duration) {
	if m == nil {
		return
	}
	m.advanceLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		Windows:        atomic.LoadUint64(&m.windows),
		Ticks:          atomic.LoadUint64(&m.ticks),
		Dropped:        atomic.LoadUint64(&m.dropped),
		Failures:       atomic.LoadUint64(&m.failures),
		LastEventTime:  atomic.LoadInt64(&m.lastTick),
		FetchLatency:   m.fetchLatency.Snapshot(),
		IngestLatency:  m.ingestLatency.Snapshot(),
		AdvanceLatency: m.advanceLatency.Snapshot(),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.windowsDesc
	ch <- m.ticksDesc
	ch <- m.droppedDesc
	ch <- m.failuresDesc
	ch <- m.lastTickDesc
	ch <- m.latencyDesc
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	s := m.Snapshot()
	ch <- prometheus.MustNewConstMetric(m.windowsDesc, prometheus.CounterValue, float64(s.Windows))
	ch <- prometheus.MustNewConstMetric(m.ticksDesc, prometheus.CounterValue, float64(s.Ticks))
	ch <- prometheus.MustNewConstMetric(m.droppedDesc, prometheus.CounterValue, float64(s.Dropped))
	ch <- prometheus.MustNewConstMetric(m.failuresDesc, prometheus.CounterValue, float64(s.Failures))
	ch <- prometheus.MustNewConstMetric(m.lastTickDesc, prometheus.GaugeValue, float64(s.LastEventTime)/1e9)
	for stage, l := range map[string]LatencySnapshot{
		"fetch":   s.FetchLatency,
		"ingest":  s.IngestLatency,
		"advance": s.AdvanceLatency,
	} {
		ch <- prometheus.MustNewConstSummary(m.latencyDesc, l.Count, l.Sum.Seconds(), nil, stage)
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
		Sum:   time.Duration(sum),
	}
}
