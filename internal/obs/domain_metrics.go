package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentCreateTotal counts payment creation attempts by outcome.
	PaymentCreateTotal *prometheus.CounterVec
	// PaymentCallbackTotal counts redirect callback outcomes.
	PaymentCallbackTotal *prometheus.CounterVec
	// PaymentRefundTotal counts refund attempts by outcome.
	PaymentRefundTotal *prometheus.CounterVec
	// OrderTransitionTotal counts order status transitions, including rejected ones.
	OrderTransitionTotal *prometheus.CounterVec
	// ProcessorCallLatency records processor round trip latency in milliseconds.
	ProcessorCallLatency *prometheus.HistogramVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentCreateTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_create_total",
			Help:      "Count of payment creation outcomes.",
		}, []string{"provider", "result"})
		PaymentCallbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_callback_total",
			Help:      "Count of processed redirect callbacks by flow and outcome.",
		}, []string{"flow", "result"})
		PaymentRefundTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_refund_total",
			Help:      "Count of refund outcomes.",
		}, []string{"provider", "result"})
		OrderTransitionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transition_total",
			Help:      "Count of requested order transitions by event and result.",
		}, []string{"event", "result"})
		ProcessorCallLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processor_call_duration_ms",
			Help:      "Latency of payment processor calls in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"operation", "result"})

		PaymentCreateTotal = register(reg, PaymentCreateTotal)
		PaymentCallbackTotal = register(reg, PaymentCallbackTotal)
		PaymentRefundTotal = register(reg, PaymentRefundTotal)
		OrderTransitionTotal = register(reg, OrderTransitionTotal)
		ProcessorCallLatency = register(reg, ProcessorCallLatency)
	})
}

// CountPaymentCreate increments the payment creation counter when metrics are registered.
func CountPaymentCreate(provider, result string) {
	if PaymentCreateTotal != nil {
		PaymentCreateTotal.WithLabelValues(provider, result).Inc()
	}
}

// CountPaymentCallback increments the callback counter when metrics are registered.
func CountPaymentCallback(flow, result string) {
	if PaymentCallbackTotal != nil {
		PaymentCallbackTotal.WithLabelValues(flow, result).Inc()
	}
}

// CountPaymentRefund increments the refund counter when metrics are registered.
func CountPaymentRefund(provider, result string) {
	if PaymentRefundTotal != nil {
		PaymentRefundTotal.WithLabelValues(provider, result).Inc()
	}
}

// CountOrderTransition increments the transition counter when metrics are registered.
func CountOrderTransition(event, result string) {
	if OrderTransitionTotal != nil {
		OrderTransitionTotal.WithLabelValues(event, result).Inc()
	}
}

// ObserveProcessorCall records processor call latency when metrics are registered.
func ObserveProcessorCall(operation, result string, millis float64) {
	if ProcessorCallLatency != nil {
		ProcessorCallLatency.WithLabelValues(operation, result).Observe(millis)
	}
}
