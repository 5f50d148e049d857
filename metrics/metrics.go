// Package metrics exposes prometheus counters for envelope ingestion,
// delivery and polling.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "apmls"

// Result labels.
const (
	ResultOK        = "ok"
	ResultDuplicate = "duplicate"
	ResultDropped   = "dropped"
	ResultError     = "error"
	ResultSkipped   = "skipped"
)

var (
	envelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_total",
			Help:      "Inbound envelopes by wire format and outcome",
		},
		[]string{"kind", "result"},
	)
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Outbox deliveries by object type and outcome",
		},
		[]string{"kind", "result"},
	)
	deliveryRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_retries_total",
			Help:      "Delivery attempts that were retried",
		},
	)
	polls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Message collection polls by outcome",
		},
		[]string{"result"},
	)
	streamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_stream_reconnects_total",
			Help:      "Event stream subscriptions that had to be reopened",
		},
	)
)

// Collectors returns every collector of the package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{envelopes, deliveries, deliveryRetries, polls, streamReconnects}
}

// Register adds the package's collectors to reg. Collectors that are
// already registered are not an error.
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}

// Handler serves the metrics gathered by g in the text exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Envelope counts one inbound envelope.
func Envelope(kind, result string) {
	envelopes.WithLabelValues(kind, result).Inc()
}

// Delivery counts one outbox delivery.
func Delivery(kind, result string) {
	deliveries.WithLabelValues(kind, result).Inc()
}

// DeliveryRetry counts one retried delivery attempt.
func DeliveryRetry() {
	deliveryRetries.Inc()
}

// Poll counts one walk of the message collection.
func Poll(result string) {
	polls.WithLabelValues(result).Inc()
}

// StreamReconnect counts one event stream reconnect.
func StreamReconnect() {
	streamReconnects.Inc()
}
