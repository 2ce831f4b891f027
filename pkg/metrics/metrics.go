// Package metrics exports session controller instrumentation to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lborres/tether/core"
)

// Collector implements core.MetricsCollector
type Collector struct {
	providerEvents   *prometheus.CounterVec
	operations       *prometheus.CounterVec
	exchanges        *prometheus.CounterVec
	exchangeDuration prometheus.Histogram
	upsertFailures   prometheus.Counter
	reg              prometheus.Registerer
}

var _ core.MetricsCollector = (*Collector)(nil)

// NewCollector creates a Collector and registers its metrics on reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		providerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_provider_events_total",
			Help: "Identity provider session events by kind.",
		}, []string{"kind"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_operations_total",
			Help: "Session operations by operation and result.",
		}, []string{"op", "result"}),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_exchange_total",
			Help: "Backend token exchanges by result.",
		}, []string{"result"}),
		exchangeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tether_exchange_duration_seconds",
			Help:    "Backend token exchange latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		upsertFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tether_upsert_failures_total",
			Help: "Backend user record upserts that failed.",
		}),
		reg: reg,
	}

	reg.MustRegister(
		c.providerEvents,
		c.operations,
		c.exchanges,
		c.exchangeDuration,
		c.upsertFailures,
	)

	return c
}

func (c *Collector) RecordProviderEvent(signedIn bool) {
	kind := "signed_out"
	if signedIn {
		kind = "signed_in"
	}
	c.providerEvents.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordOperation(op string, err error) {
	c.operations.WithLabelValues(op, result(err)).Inc()
}

func (c *Collector) RecordExchange(result string, duration time.Duration) {
	c.exchanges.WithLabelValues(result).Inc()
	c.exchangeDuration.Observe(duration.Seconds())
}

func (c *Collector) RecordUpsertFailure() {
	c.upsertFailures.Inc()
}

// RegisterStorage exposes the storage counters as gauges
func (c *Collector) RegisterStorage(storage core.StorageWithStats) error {
	gauge := func(name, help string, value func(core.StorageStats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return value(storage.Stats())
		})
	}
	return errors.Join(
		c.reg.Register(gauge("tether_storage_entries", "Keys held by storage.",
			func(s core.StorageStats) float64 { return float64(s.Size) })),
		c.reg.Register(gauge("tether_storage_misses", "Storage reads that found no key.",
			func(s core.StorageStats) float64 { return float64(s.Misses) })),
	)
}

// result buckets errors into a bounded label set
func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, core.ErrCredential), errors.Is(err, core.ErrWeakSecret):
		return "rejected"
	case errors.Is(err, core.ErrNotFound), errors.Is(err, core.ErrInvalidSecret),
		errors.Is(err, core.ErrInvalidCredential), errors.Is(err, core.ErrNotAuthenticated):
		return "denied"
	case errors.Is(err, core.ErrFederatedFlow):
		return "federated_failed"
	default:
		return "error"
	}
}

// Handler returns the HTTP handler for Prometheus scrapes
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
