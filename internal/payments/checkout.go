package payments

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-booking/internal/apperr"
	"github.com/hackgods/clinic-booking/internal/appointment"
	"github.com/hackgods/clinic-booking/internal/auth"
	"github.com/hackgods/clinic-booking/internal/logging"
	"github.com/hackgods/clinic-booking/internal/schedule"
)

// CheckoutService opens a hosted checkout for the outstanding payment of an
// appointment.
type CheckoutService struct {
	gateway       Gateway
	store         Store
	publicBaseURL string
	webhookSecret string
	logger        *logging.Logger
}

func NewCheckoutService(gw Gateway, store Store, publicBaseURL, webhookSecret string, logger *logging.Logger) *CheckoutService {
	if logger == nil {
		logger = logging.Default()
	}
	return &CheckoutService{
		gateway:       gw,
		store:         store,
		publicBaseURL: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
		webhookSecret: webhookSecret,
		logger:        logger,
	}
}

// NotificationURL is where the gateway pushes payment events. The secret
// travels as a path segment so it never lands in a query string.
func (s *CheckoutService) NotificationURL() string {
	if s.webhookSecret == "" {
		return s.publicBaseURL + "/webhooks/payments"
	}
	return s.publicBaseURL + "/webhooks/payments/" + url.PathEscape(s.webhookSecret)
}

// Start returns the redirect for paying an appointment's pending payment,
// which is either the service price or a no-show fee.
func (s *CheckoutService) Start(ctx context.Context, actor auth.Actor, appointmentID uuid.UUID) (*Checkout, error) {
	appt, err := s.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		if errors.Is(err, appointment.ErrAppointmentNotFound) {
			return nil, apperr.NotFound("appointment")
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if !actor.CanActFor(appt.PatientID) {
		return nil, apperr.NotFound("appointment")
	}

	p, err := s.store.PaymentForReference(ctx, appt.ID)
	if err != nil {
		if errors.Is(err, appointment.ErrPaymentNotFound) {
			return nil, apperr.Validation("nothing_to_pay", "there is nothing to pay for this appointment")
		}
		return nil, fmt.Errorf("load payment: %w", err)
	}
	if p.Status == appointment.PaymentCompleted {
		return nil, apperr.Validation("already_paid", "this appointment is already paid")
	}
	if p.Kind == appointment.KindService && !appt.Status.Blocking() {
		return nil, apperr.Validation("appointment_closed", "this appointment can no longer be paid online")
	}

	title := "No-show fee"
	if p.Kind == appointment.KindService {
		svc, err := s.store.GetService(ctx, appt.ServiceID)
		if err != nil && !errors.Is(err, schedule.ErrServiceNotFound) {
			return nil, fmt.Errorf("load service: %w", err)
		}
		title = "Appointment"
		if svc != nil {
			title = "Treatment: " + svc.Name
		}
	}

	returnURL := s.publicBaseURL + "/payments/return"
	co, err := s.gateway.CreateCheckout(ctx, CheckoutRequest{
		Reference:       appt.ID,
		Title:           title,
		AmountCents:     p.AmountCents,
		NotificationURL: s.NotificationURL(),
		SuccessURL:      returnURL,
		FailureURL:      returnURL,
		PendingURL:      returnURL,
	})
	if err != nil {
		s.logger.Error("checkout failed", "appointment_id", appt.ID, "payment_id", p.ID, "error", err)
		var up *apperr.UpstreamUnavailable
		if errors.As(err, &up) {
			return nil, err
		}
		return nil, &apperr.UpstreamUnavailable{Op: "create_checkout", Err: err}
	}

	s.logger.Info("checkout started", "appointment_id", appt.ID, "payment_id", p.ID, "kind", p.Kind)
	return co, nil
}
