package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BookingMetrics exposes counters/histograms for the booking core.
// A nil *BookingMetrics is valid and records nothing.
type BookingMetrics struct {
	bookingsTotal      *prometheus.CounterVec
	transitionsTotal   *prometheus.CounterVec
	penaltyActions     *prometheus.CounterVec
	webhooksTotal      *prometheus.CounterVec
	webhookLatency     *prometheus.HistogramVec
	notificationsTotal *prometheus.CounterVec
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "booking",
			Name:      "attempts_total",
			Help:      "Booking and reschedule attempts by outcome",
		}, []string{"op", "outcome"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "booking",
			Name:      "transitions_total",
			Help:      "Appointment state transitions",
		}, []string{"to"}),
		penaltyActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "penalty",
			Name:      "actions_total",
			Help:      "Penalty records appended by action",
		}, []string{"action"}),
		webhooksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "payments",
			Name:      "webhook_total",
			Help:      "Payment webhook deliveries by HTTP status",
		}, []string{"status"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "payments",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of payment webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		notificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "notify",
			Name:      "events_total",
			Help:      "Notification events by kind and outcome",
		}, []string{"kind", "outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingsTotal, m.transitionsTotal, m.penaltyActions,
		m.webhooksTotal, m.webhookLatency, m.notificationsTotal)
	return m
}

func (m *BookingMetrics) ObserveBooking(op, outcome string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(op, outcome).Inc()
}

func (m *BookingMetrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(to).Inc()
}

func (m *BookingMetrics) ObservePenalty(action string) {
	if m == nil {
		return
	}
	m.penaltyActions.WithLabelValues(action).Inc()
}

func (m *BookingMetrics) ObserveWebhook(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.webhooksTotal.WithLabelValues(status).Inc()
	m.webhookLatency.WithLabelValues(status).Observe(elapsed.Seconds())
}

func (m *BookingMetrics) ObserveNotification(kind, outcome string) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(kind, outcome).Inc()
}
