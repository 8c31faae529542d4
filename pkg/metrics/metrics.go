// Package metrics defines the Prometheus metric collectors used by the index
// builder and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the indexer. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	DocsIndexedTotal       prometheus.Counter
	IndexFlushesTotal      *prometheus.CounterVec
	MergesTotal            *prometheus.CounterVec
	MergeDuration          *prometheus.HistogramVec
	SegmentsPerLevel       *prometheus.GaugeVec
	BuildPhaseDuration     *prometheus.HistogramVec
	BuildTuplesScanned     prometheus.Counter
	PagesClaimedTotal      prometheus.Counter
	PagesTruncatedTotal    prometheus.Counter
	CorruptSegmentsSkipped prometheus.Counter
}

// New creates the collectors and registers them with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates the collectors and registers them with reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DocsIndexedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bm25_docs_indexed_total",
				Help: "Total documents added to build contexts.",
			},
		),
		IndexFlushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bm25_index_flushes_total",
				Help: "Total build context flushes by status.",
			},
			[]string{"status"},
		),
		MergesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bm25_segment_merges_total",
				Help: "Total segment merges by source level and status (ok, skipped, error).",
			},
			[]string{"level", "status"},
		),
		MergeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bm25_segment_merge_duration_seconds",
				Help:    "Segment merge latency in seconds by document map mode.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"mode"},
		),
		SegmentsPerLevel: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bm25_segments_per_level",
				Help: "Number of linked segments per level.",
			},
			[]string{"level"},
		),
		BuildPhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bm25_build_phase_duration_seconds",
				Help:    "Index build phase latency in seconds.",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
			},
			[]string{"phase"},
		),
		BuildTuplesScanned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bm25_build_tuples_scanned_total",
				Help: "Rows scanned by index builds.",
			},
		),
		PagesClaimedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bm25_pages_claimed_total",
				Help: "Pages claimed from the shared page counter during parallel builds.",
			},
		),
		PagesTruncatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bm25_pages_truncated_total",
				Help: "Unused pages removed from the end of the page store.",
			},
		),
		CorruptSegmentsSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bm25_corrupt_segments_skipped_total",
				Help: "Merge sources skipped because they could not be opened.",
			},
		),
	}

	reg.MustRegister(
		m.DocsIndexedTotal,
		m.IndexFlushesTotal,
		m.MergesTotal,
		m.MergeDuration,
		m.SegmentsPerLevel,
		m.BuildPhaseDuration,
		m.BuildTuplesScanned,
		m.PagesClaimedTotal,
		m.PagesTruncatedTotal,
		m.CorruptSegmentsSkipped,
	)

	return m
}

func (m *Metrics) DocIndexed() {
	if m == nil {
		return
	}
	m.DocsIndexedTotal.Inc()
}

func (m *Metrics) Flush(status string) {
	if m == nil {
		return
	}
	m.IndexFlushesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) Merge(level uint32, status string) {
	if m == nil {
		return
	}
	m.MergesTotal.WithLabelValues(strconv.FormatUint(uint64(level), 10), status).Inc()
}

func (m *Metrics) MergeTook(mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.MergeDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func (m *Metrics) LevelSize(level int, count int) {
	if m == nil {
		return
	}
	m.SegmentsPerLevel.WithLabelValues(strconv.Itoa(level)).Set(float64(count))
}

func (m *Metrics) PhaseTook(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.BuildPhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (m *Metrics) TuplesScanned(n int) {
	if m == nil {
		return
	}
	m.BuildTuplesScanned.Add(float64(n))
}

func (m *Metrics) PagesClaimed(n uint32) {
	if m == nil {
		return
	}
	m.PagesClaimedTotal.Add(float64(n))
}

func (m *Metrics) PagesTruncated(n uint32) {
	if m == nil {
		return
	}
	m.PagesTruncatedTotal.Add(float64(n))
}

func (m *Metrics) SegmentSkipped() {
	if m == nil {
		return
	}
	m.CorruptSegmentsSkipped.Inc()
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
