package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/billing-engine/billing"
)

// Metrics holds the Prometheus metrics of the engine and implements
// billing.Metrics.
type Metrics struct {
	// Registry owns these metrics; /metrics serves it.
	Registry *prometheus.Registry

	cacheLookups      *prometheus.CounterVec
	resyncs           *prometheus.CounterVec
	itemsRecorded     *prometheus.CounterVec
	storeFailures     *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	rateFetches       *prometheus.CounterVec
}

var _ billing.Metrics = (*Metrics)(nil)

// NewMetrics registers all metrics in a dedicated registry, so building it
// more than once (tests) never panics on duplicate collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_cache_lookups_total",
				Help: "Chat cache lookups by result.",
			},
			[]string{"hit"},
		),
		resyncs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_cache_resyncs_total",
				Help: "Full chat cache resyncs from the store by reason.",
			},
			[]string{"reason"},
		),
		itemsRecorded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_items_recorded_total",
				Help: "Persisted bill items by type.",
			},
			[]string{"type"},
		),
		storeFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_store_failures_total",
				Help: "Failed store writes by operation.",
			},
			[]string{"op"},
		),
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_operation_duration_seconds",
				Help:    "Duration of ledger operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		rateFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_rate_fetches_total",
				Help: "Realtime rate fetches by outcome.",
			},
			[]string{"status"},
		),
	}
}

func (m *Metrics) CacheLookup(hit bool) {
	m.cacheLookups.WithLabelValues(strconv.FormatBool(hit)).Inc()
}

func (m *Metrics) Resync(reason string) {
	m.resyncs.WithLabelValues(reason).Inc()
}

func (m *Metrics) ItemRecorded(itemType billing.ItemType) {
	m.itemsRecorded.WithLabelValues(string(itemType)).Inc()
}

func (m *Metrics) StoreFailure(op string) {
	m.storeFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) OperationDuration(op string, d time.Duration) {
	m.operationDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RateFetch counts a realtime rate fetch.
func (m *Metrics) RateFetch(ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m.rateFetches.WithLabelValues(status).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
