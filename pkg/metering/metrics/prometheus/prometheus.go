package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/crmforge/metering/pkg/metering"
)

// Metrics implements metering.Metrics using Prometheus.
type Metrics struct {
	trackTotal         *prometheus.CounterVec
	trackAmount        *prometheus.HistogramVec
	rolloverTotal      *prometheus.CounterVec
	alertsTotal        *prometheus.CounterVec
	storageOpsDuration *prometheus.HistogramVec
	storageOpsErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		trackTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_track_total",
			Help:      "Total number of usage tracking calls by admission outcome.",
		}, []string{"resource", "admitted"}),

		trackAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "usage_track_amount",
			Help:      "Distribution of tracked usage amounts.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000},
		}, []string{"resource"}),

		rolloverTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_period_rollover_total",
			Help:      "Total number of metering period rollovers.",
		}, []string{"resource"}),

		alertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_alerts_total",
			Help:      "Total number of dispatched threshold and overage alerts.",
		}, []string{"kind", "resource"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordTrack(resource metering.ResourceType, admitted bool, amount int64) {
	m.trackTotal.WithLabelValues(string(resource), strconv.FormatBool(admitted)).Inc()
	if admitted {
		m.trackAmount.WithLabelValues(string(resource)).Observe(float64(amount))
	}
}

func (m *Metrics) RecordRollover(resource metering.ResourceType) {
	m.rolloverTotal.WithLabelValues(string(resource)).Inc()
}

func (m *Metrics) RecordAlert(kind metering.AlertKind, resource metering.ResourceType) {
	m.alertsTotal.WithLabelValues(string(kind), string(resource)).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

// DefaultMetrics returns a Metrics implementation using the default
// Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
