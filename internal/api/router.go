package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hackgods/clinic-booking/internal/appointment"
	"github.com/hackgods/clinic-booking/internal/auth"
	"github.com/hackgods/clinic-booking/internal/logging"
	"github.com/hackgods/clinic-booking/internal/payments"
	"github.com/hackgods/clinic-booking/internal/penalty"
	"github.com/hackgods/clinic-booking/internal/schedule"
)

// Ledger is the appointment surface the handlers use.
type Ledger interface {
	AvailableSlots(ctx context.Context, providerID, serviceID uuid.UUID, date time.Time) (*schedule.Availability, error)
	SuggestSlot(ctx context.Context, providerID, serviceID uuid.UUID, date time.Time, desired schedule.Clock) (*schedule.Availability, error)
	Book(ctx context.Context, actor auth.Actor, req appointment.BookRequest) (*appointment.Appointment, error)
	Reschedule(ctx context.Context, actor auth.Actor, id uuid.UUID, date time.Time, start schedule.Clock) (*appointment.Appointment, error)
	Cancel(ctx context.Context, actor auth.Actor, id uuid.UUID) (*appointment.Appointment, error)
	Confirm(ctx context.Context, actor auth.Actor, id uuid.UUID) (*appointment.Appointment, error)
	Complete(ctx context.Context, actor auth.Actor, id uuid.UUID) (*appointment.Appointment, error)
	MarkNoShow(ctx context.Context, actor auth.Actor, id uuid.UUID) (*appointment.NoShowOutcome, error)
	Get(ctx context.Context, actor auth.Actor, id uuid.UUID) (*appointment.Appointment, error)
	ListByPatient(ctx context.Context, actor auth.Actor, patientID uuid.UUID) ([]appointment.Appointment, error)
}

type Penalties interface {
	Status(ctx context.Context, patientID uuid.UUID) (*penalty.Status, error)
	Records(ctx context.Context, patientID uuid.UUID) ([]penalty.Record, error)
	RiskScore(ctx context.Context, patientID uuid.UUID, providerID *uuid.UUID) (int, penalty.History, error)
}

type Checkout interface {
	Start(ctx context.Context, actor auth.Actor, appointmentID uuid.UUID) (*payments.Checkout, error)
}

type PaymentConfirmer interface {
	ConfirmReturn(ctx context.Context, gatewayPaymentID string) (*payments.Result, error)
	ConfirmManually(ctx context.Context, actor auth.Actor, paymentID uuid.UUID) (*payments.Result, error)
}

type RouterConfig struct {
	Ledger    Ledger
	Penalties Penalties
	Checkout  Checkout
	Payments  PaymentConfirmer
	Webhook   http.Handler
	Postgres  Pinger
	Redis     Pinger
	Gatherer  prometheus.Gatherer
	Timezone  *time.Location
	Logger    *logging.Logger
	Env       string
	Version   string
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	h := &handlers{
		ledger:    cfg.Ledger,
		penalties: cfg.Penalties,
		checkout:  cfg.Checkout,
		payments:  cfg.Payments,
		loc:       cfg.Timezone,
		logger:    cfg.Logger,
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)

	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	// the gateway cannot authenticate as an actor; the webhook checks its
	// own shared secret and answers 405 itself
	if cfg.Webhook != nil {
		r.HandleFunc("/webhooks/payments", cfg.Webhook.ServeHTTP)
		r.HandleFunc("/webhooks/payments/{secret}", cfg.Webhook.ServeHTTP)
	}
	r.Get("/payments/return", h.paymentReturn)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(func(w http.ResponseWriter, status int, msg string) {
			writeError(w, status, "unauthenticated", msg)
		}))

		r.Get("/providers/{providerID}/slots", h.listSlots)

		r.Post("/appointments", h.createAppointment)
		r.Get("/appointments/{id}", h.getAppointment)
		r.Post("/appointments/{id}/confirm", h.confirmAppointment)
		r.Post("/appointments/{id}/complete", h.completeAppointment)
		r.Post("/appointments/{id}/cancel", h.cancelAppointment)
		r.Post("/appointments/{id}/reschedule", h.rescheduleAppointment)
		r.Post("/appointments/{id}/no-show", h.markNoShow)
		r.Post("/appointments/{id}/checkout", h.startCheckout)

		r.Get("/patients/{id}/appointments", h.listPatientAppointments)
		r.Get("/patients/{id}/penalty", h.penaltyStatus)
		r.Get("/patients/{id}/penalty/records", h.penaltyRecords)
		r.Get("/patients/{id}/risk", h.riskScore)

		r.Post("/payments/{id}/confirm", h.confirmPayment)
	})

	return r
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
