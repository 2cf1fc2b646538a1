package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestBookingMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBookingMetrics(reg)
	m.ObserveReservation("reserved")
	m.ObserveReservation("reserved")
	m.ObserveRelay("duplicate")
	m.ObserveCancellation("cancelled", true)
	m.ObserveDispatch("booking.confirmed", "delivered")
	m.ObserveWebhookLatency("checkout.session.completed", 0.5)

	if got := testutil.ToFloat64(m.reservationsTotal.WithLabelValues("reserved")); got != 2 {
		t.Fatalf("expected 2 reservations, got %v", got)
	}
	if got := testutil.ToFloat64(m.cancellationsTotal.WithLabelValues("cancelled", "true")); got != 1 {
		t.Fatalf("expected 1 eligible cancellation, got %v", got)
	}
}

func TestWebhookLatencyHistogramPerEventType(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBookingMetrics(reg)
	m.ObserveWebhookLatency("checkout.session.completed", 0.2)
	m.ObserveWebhookLatency("checkout.session.completed", 0.4)
	m.ObserveWebhookLatency("charge.refunded", 0.1)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var family *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "dental_booking_webhook_latency_seconds" {
			family = f
		}
	}
	if family == nil {
		t.Fatalf("webhook latency histogram not registered")
	}
	var completed *dto.Histogram
	for _, metric := range family.GetMetric() {
		if hasLabel(metric, "event_type", "checkout.session.completed") {
			completed = metric.GetHistogram()
		}
	}
	if completed == nil {
		t.Fatalf("no series for checkout.session.completed")
	}
	if completed.GetSampleCount() != 2 {
		t.Fatalf("expected 2 samples, got %d", completed.GetSampleCount())
	}
	if sum := completed.GetSampleSum(); sum < 0.59 || sum > 0.61 {
		t.Fatalf("expected sample sum 0.6, got %v", sum)
	}
}

func hasLabel(metric *dto.Metric, name, value string) bool {
	for _, pair := range metric.GetLabel() {
		if pair.GetName() == name && pair.GetValue() == value {
			return true
		}
	}
	return false
}

func TestBookingMetricsNilSafe(t *testing.T) {
	var m *BookingMetrics
	m.ObserveReservation("reserved")
	m.ObserveRelay("confirmed")
	m.ObserveCancellation("cancelled", false)
	m.ObserveDispatch("booking.cancelled", "failed")
	m.ObserveWebhookLatency("event", 0.1)
}
