package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the identity index Prometheus collectors.
type Metrics struct {
	Lookups        *prometheus.CounterVec
	LookupResults  *prometheus.HistogramVec
	LookupDuration *prometheus.HistogramVec
	RecordsStored  prometheus.Counter
	RecordsDeleted prometheus.Counter
	CacheLookups   *prometheus.CounterVec
	IngestedEvents *prometheus.CounterVec
}

// New registers the identity index collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Lookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "idlookup_lookups_total",
			Help: "Total number of identity lookups by query shape and outcome",
		}, []string{"query", "outcome"}),
		LookupResults: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "idlookup_lookup_results",
			Help:    "Number of references returned per identity lookup",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 500},
		}, []string{"query"}),
		LookupDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "idlookup_lookup_duration_seconds",
			Help:    "Latency of identity lookups against the record store",
			Buckets: prometheus.DefBuckets,
		}, []string{"query"}),
		RecordsStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "idlookup_records_stored_total",
			Help: "Total number of identity records stored",
		}),
		RecordsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "idlookup_records_deleted_total",
			Help: "Total number of identity record delete requests",
		}),
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "idlookup_cache_lookups_total",
			Help: "Lookup cache reads by result (hit, miss, error, skipped)",
		}, []string{"result"}),
		IngestedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "idlookup_ingested_events_total",
			Help: "Output events consumed from the ingest topic by kind and outcome",
		}, []string{"kind", "outcome"}),
	}
}

func (m *Metrics) ObserveLookup(query, outcome string, results int, d time.Duration) {
	m.Lookups.WithLabelValues(query, outcome).Inc()
	if outcome == "ok" {
		m.LookupResults.WithLabelValues(query).Observe(float64(results))
	}
	m.LookupDuration.WithLabelValues(query).Observe(d.Seconds())
}

func (m *Metrics) IncrementRecordsStored() {
	m.RecordsStored.Inc()
}

func (m *Metrics) IncrementRecordsDeleted() {
	m.RecordsDeleted.Inc()
}

func (m *Metrics) RecordCacheResult(result string) {
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordIngestedEvent(kind, outcome string) {
	m.IngestedEvents.WithLabelValues(kind, outcome).Inc()
}
