package rangetable

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Operations         *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	Lookups            *prometheus.CounterVec
	CacheRefreshDur    *prometheus.HistogramVec
	CacheSize          *prometheus.GaugeVec
	CacheRefreshErrors *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "range_operations_total",
				Help: "Total range table operations.",
			},
			[]string{"table", "operation", "status"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "range_operation_duration_seconds",
				Help:    "Range table operation duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"table", "operation"},
		),
		Lookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "range_lookups_total",
				Help: "Total range lookups by source.",
			},
			[]string{"table", "source"},
		),
		CacheRefreshDur: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "range_cache_refresh_duration_seconds",
				Help:    "Range cache refresh duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"table"},
		),
		CacheSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "range_cache_size",
				Help: "Number of ranges cached.",
			},
			[]string{"table"},
		),
		CacheRefreshErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "range_cache_refresh_errors_total",
				Help: "Total failed range cache refreshes.",
			},
			[]string{"table"},
		),
	}

	registry.MustRegister(m.Operations, m.OperationDuration, m.Lookups, m.CacheRefreshDur, m.CacheSize, m.CacheRefreshErrors)
	return m
}

// RefreshMetrics adapts the per-table cache series to the cache's refresh
// callbacks.
func (m *Metrics) RefreshMetrics(table string) *TableRefreshMetrics {
	if m == nil {
		return nil
	}
	return &TableRefreshMetrics{metrics: m, table: table}
}

type TableRefreshMetrics struct {
	metrics *Metrics
	table   string
}

func (t *TableRefreshMetrics) ObserveRefresh(duration time.Duration) {
	t.metrics.CacheRefreshDur.WithLabelValues(t.table).Observe(duration.Seconds())
}

func (t *TableRefreshMetrics) SetCacheSize(size int) {
	t.metrics.CacheSize.WithLabelValues(t.table).Set(float64(size))
}

func (t *TableRefreshMetrics) IncRefreshError() {
	t.metrics.CacheRefreshErrors.WithLabelValues(t.table).Inc()
}
