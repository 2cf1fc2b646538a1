package metrics

import "github.com/prometheus/client_golang/prometheus"

// BookingMetrics exposes counters/histograms for the booking lifecycle.
type BookingMetrics struct {
	reservationsTotal  *prometheus.CounterVec
	relayTotal         *prometheus.CounterVec
	cancellationsTotal *prometheus.CounterVec
	dispatchTotal      *prometheus.CounterVec
	webhookLatency     *prometheus.HistogramVec
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		reservationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dental",
			Subsystem: "booking",
			Name:      "reservations_total",
			Help:      "Slot reservation attempts by outcome",
		}, []string{"outcome"}),
		relayTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dental",
			Subsystem: "booking",
			Name:      "relay_total",
			Help:      "Payment confirmations processed by outcome",
		}, []string{"outcome"}),
		cancellationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dental",
			Subsystem: "booking",
			Name:      "cancellations_total",
			Help:      "Cancellation requests by outcome and refund eligibility",
		}, []string{"outcome", "refund_eligible"}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dental",
			Subsystem: "workflow",
			Name:      "dispatch_total",
			Help:      "Workflow engine dispatches by type and status",
		}, []string{"type", "status"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dental",
			Subsystem: "booking",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of payment webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.reservationsTotal, m.relayTotal, m.cancellationsTotal, m.dispatchTotal, m.webhookLatency)
	return m
}

func (m *BookingMetrics) ObserveReservation(outcome string) {
	if m == nil {
		return
	}
	m.reservationsTotal.WithLabelValues(outcome).Inc()
}

func (m *BookingMetrics) ObserveRelay(outcome string) {
	if m == nil {
		return
	}
	m.relayTotal.WithLabelValues(outcome).Inc()
}

func (m *BookingMetrics) ObserveCancellation(outcome string, refundEligible bool) {
	if m == nil {
		return
	}
	label := "false"
	if refundEligible {
		label = "true"
	}
	m.cancellationsTotal.WithLabelValues(outcome, label).Inc()
}

func (m *BookingMetrics) ObserveDispatch(dispatchType, status string) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(dispatchType, status).Inc()
}

func (m *BookingMetrics) ObserveWebhookLatency(eventType string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(eventType).Observe(seconds)
}
