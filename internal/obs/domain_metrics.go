package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// CheckoutSessionTotal counts checkout session creation outcomes.
	CheckoutSessionTotal *prometheus.CounterVec
	// CheckoutSessionLatency records PayMongo checkout call latency in milliseconds.
	CheckoutSessionLatency *prometheus.HistogramVec
	// PaymentWebhookTotal counts inbound PayMongo webhooks by outcome and mapped status.
	PaymentWebhookTotal *prometheus.CounterVec
	// ConfirmRelayTotal counts confirmation relay outcomes.
	ConfirmRelayTotal *prometheus.CounterVec
	// ConfirmRelayLatency records relay attempt latency in milliseconds.
	ConfirmRelayLatency *prometheus.HistogramVec
)

// MustRegisterDomainMetrics initialises and registers the bridge's Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		CheckoutSessionTotal = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_session_total",
			Help:      "Count of checkout session creation outcomes.",
		}, []string{"result"}))
		CheckoutSessionLatency = registerOrReuse(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkout_session_duration_ms",
			Help:      "Latency of PayMongo checkout session calls in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"result"}))
		PaymentWebhookTotal = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Count of processed payment webhooks by outcome.",
		}, []string{"result", "status"}))
		ConfirmRelayTotal = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirm_relay_total",
			Help:      "Count of confirmation relay outcomes.",
		}, []string{"result"}))
		ConfirmRelayLatency = registerOrReuse(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "confirm_relay_duration_ms",
			Help:      "Latency of confirmation relay attempts in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 20000},
		}, []string{"result"}))
	})
}
