package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for leadpulse. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Ingest metrics
	EventsIngested *prometheus.CounterVec
	IngestErrors   *prometheus.CounterVec
	IngestLatency  *prometheus.HistogramVec
	LeadsCreated   prometheus.Counter

	// Aggregate metrics
	AggregateRebuilds *prometheus.CounterVec
	CASConflicts      prometheus.Counter
	StoreLatency      *prometheus.HistogramVec

	// Archive metrics
	ArchiveFlushed prometheus.Counter
	ArchiveDropped prometheus.Counter

	// Report metrics
	ReportLatency         prometheus.Histogram
	ReportSectionFailures *prometheus.CounterVec

	// Edge metrics
	RateLimitHits    *prometheus.CounterVec
	GeoLookupLatency *prometheus.HistogramVec
}

// NewMetrics creates a registry and registers all metrics on it, together
// with the Go runtime and process collectors.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		EventsIngested: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_ingested_total",
				Help:      "Tracking events accepted, by kind",
			},
			[]string{"kind"},
		),
		IngestErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_errors_total",
				Help:      "Ingest failures by stage",
			},
			[]string{"stage"},
		),
		IngestLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ingest_latency_seconds",
				Help:      "End-to-end ingest latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"kind"},
		),
		LeadsCreated: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "leads_created_total",
				Help:      "Leads materialized from conversions",
			},
		),

		AggregateRebuilds: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "aggregate_rebuilds_total",
				Help:      "Asset analytics rebuilt from raw events, by reason",
			},
			[]string{"reason"},
		),
		CASConflicts: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cas_conflicts_total",
				Help:      "Optimistic aggregate updates that had to retry",
			},
		),
		StoreLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_latency_seconds",
				Help:      "Store call latency in seconds",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 2},
			},
			[]string{"operation"},
		),

		ArchiveFlushed: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "archive_flushed_events_total",
				Help:      "Events written to the archive",
			},
		),
		ArchiveDropped: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "archive_dropped_events_total",
				Help:      "Events not archived because the buffer was full or a flush failed",
			},
		),

		ReportLatency: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "report_latency_seconds",
				Help:      "Analytics report assembly latency in seconds",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
		ReportSectionFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "report_section_failures_total",
				Help:      "Report sections served empty because a dependency failed",
			},
			[]string{"section"},
		),

		RateLimitHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Requests rejected by the rate limiter",
			},
			[]string{"endpoint"},
		),
		GeoLookupLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "geo_lookup_latency_seconds",
				Help:      "GeoIP lookup latency",
				Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01},
			},
			[]string{"cache_hit"},
		),
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry. A nil *Metrics gathers nothing.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.Gatherers{}
	}
	return m.registry
}

// RecordIngest records an accepted event.
func (m *Metrics) RecordIngest(kind string, latency time.Duration) {
	if m == nil {
		return
	}
	m.EventsIngested.WithLabelValues(kind).Inc()
	m.IngestLatency.WithLabelValues(kind).Observe(latency.Seconds())
}

// RecordIngestError records a failed ingest at the given stage.
func (m *Metrics) RecordIngestError(stage string) {
	if m == nil {
		return
	}
	m.IngestErrors.WithLabelValues(stage).Inc()
}

func (m *Metrics) RecordLead() {
	if m == nil {
		return
	}
	m.LeadsCreated.Inc()
}

func (m *Metrics) RecordRebuild(reason string) {
	if m == nil {
		return
	}
	m.AggregateRebuilds.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordCASConflict() {
	if m == nil {
		return
	}
	m.CASConflicts.Inc()
}

// ObserveStore records one store call.
func (m *Metrics) ObserveStore(operation string, started time.Time) {
	if m == nil {
		return
	}
	m.StoreLatency.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func (m *Metrics) RecordArchiveFlush(n int) {
	if m == nil {
		return
	}
	m.ArchiveFlushed.Add(float64(n))
}

func (m *Metrics) RecordArchiveDrop(n int) {
	if m == nil {
		return
	}
	m.ArchiveDropped.Add(float64(n))
}

func (m *Metrics) ObserveReport(latency time.Duration) {
	if m == nil {
		return
	}
	m.ReportLatency.Observe(latency.Seconds())
}

func (m *Metrics) RecordReportSectionFailure(section string) {
	if m == nil {
		return
	}
	m.ReportSectionFailures.WithLabelValues(section).Inc()
}

// RecordRateLimitHit records a rate limit hit.
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(endpoint).Inc()
}

// RecordGeoLookup records a geo lookup.
func (m *Metrics) RecordGeoLookup(cacheHit bool, latency time.Duration) {
	if m == nil {
		return
	}
	hit := "false"
	if cacheHit {
		hit = "true"
	}
	m.GeoLookupLatency.WithLabelValues(hit).Observe(latency.Seconds())
}
