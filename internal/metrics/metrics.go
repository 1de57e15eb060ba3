package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	ReservationsCreated *prometheus.CounterVec
	Completions         *prometheus.CounterVec
	InboundMessages     *prometheus.CounterVec
	SecurityRejections  *prometheus.CounterVec
	ProviderRequests    *prometheus.CounterVec
	ProviderLatency     *prometheus.HistogramVec
	WatcherRuns         *prometheus.CounterVec
	SweptReservations   prometheus.Counter
	Notifications       *prometheus.CounterVec
	Errors              *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			ReservationsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reservations_created_total",
				Help:      "Total reservations created per service.",
			}, []string{"service"}),
			Completions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "completions_total",
				Help:      "Total completion attempts by outcome.",
			}, []string{"outcome"}),
			InboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inbound_messages_total",
				Help:      "Total inbound group/provider messages by resulting status.",
			}, []string{"status"}),
			SecurityRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "security_rejections_total",
				Help:      "Total messages rejected by the security verifier, by reason.",
			}, []string{"reason"}),
			ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_requests_total",
				Help:      "Total provider API requests by provider and status.",
			}, []string{"provider", "status"}),
			ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_request_duration_seconds",
				Help:      "Latency distribution for provider API requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"provider", "status"}),
			WatcherRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "watcher_runs_total",
				Help:      "Total per-reservation watcher cycles by outcome.",
			}, []string{"outcome"}),
			SweptReservations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "swept_reservations_total",
				Help:      "Total reservations expired by the sweeper.",
			}),
			Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Total outbound notifications by kind and status.",
			}, []string{"kind", "status"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.ReservationsCreated,
			metricsInstance.Completions,
			metricsInstance.InboundMessages,
			metricsInstance.SecurityRejections,
			metricsInstance.ProviderRequests,
			metricsInstance.ProviderLatency,
			metricsInstance.WatcherRuns,
			metricsInstance.SweptReservations,
			metricsInstance.Notifications,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
