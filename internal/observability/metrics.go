package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wildflower"

// Metrics holds the Prometheus counters, histograms, and gauges for the
// sighting service.
type Metrics struct {
	// Load cycle metrics.
	LoadsTotal         *prometheus.CounterVec // labels: outcome={success,error,superseded}
	LoadDuration       prometheus.Histogram
	LastSuccessfulLoad prometheus.Gauge
	ReportsFetched     *prometheus.GaugeVec   // labels: source
	SightingsProduced  prometheus.Gauge
	SkippedEntries     *prometheus.CounterVec // labels: reason

	// Sink metrics.
	SightingsPublished prometheus.Counter
	PublishErrors      prometheus.Counter
	SnapshotErrors     prometheus.Counter

	// Geocoding metrics.
	GeocodeRequests    *prometheus.CounterVec // labels: outcome={success,error,empty}
	GeocodeCache       *prometheus.CounterVec // labels: result={hit,miss}
	GeocodeAPIDuration prometheus.Histogram
	GeocodeEnabled     prometheus.Gauge
}

// NewMetrics creates and registers all service metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		LoadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loads_total",
			Help:      "Feed load cycles by outcome.",
		}, []string{"outcome"}),
		LoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "load_duration_seconds",
			Help:      "Duration of a complete fetch-enrich-normalize cycle.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		LastSuccessfulLoad: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_successful_load_timestamp_seconds",
			Help:      "Unix time of the last committed load cycle.",
		}),
		ReportsFetched: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reports_fetched",
			Help:      "Reports in the current data set by source feed.",
		}, []string{"source"}),
		SightingsProduced: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sightings",
			Help:      "Normalized sightings in the current data set.",
		}),
		SkippedEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_entries_total",
			Help:      "Reports or location entries dropped during normalization, by reason.",
		}, []string{"reason"}),
		SightingsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sightings_published_total",
			Help:      "Sightings written to the Kafka topic.",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Failed Kafka publish batches.",
		}),
		SnapshotErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_errors_total",
			Help:      "Failed snapshot store reads and writes.",
		}),
		GeocodeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_requests_total",
			Help:      "Geocoding API requests by outcome.",
		}, []string{"outcome"}),
		GeocodeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_cache_total",
			Help:      "Geocoding cache lookups by result.",
		}, []string{"result"}),
		GeocodeAPIDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "geocode_api_duration_seconds",
			Help:      "LocationIQ API request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		GeocodeEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "geocode_enabled",
			Help:      "1 when geocoding enrichment is enabled, 0 otherwise.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.LoadsTotal,
		m.LoadDuration,
		m.LastSuccessfulLoad,
		m.ReportsFetched,
		m.SightingsProduced,
		m.SkippedEntries,
		m.SightingsPublished,
		m.PublishErrors,
		m.SnapshotErrors,
		m.GeocodeRequests,
		m.GeocodeCache,
		m.GeocodeAPIDuration,
		m.GeocodeEnabled,
	}
}
