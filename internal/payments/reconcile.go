package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-booking/internal/apperr"
	"github.com/hackgods/clinic-booking/internal/appointment"
	"github.com/hackgods/clinic-booking/internal/auth"
	"github.com/hackgods/clinic-booking/internal/logging"
	"github.com/hackgods/clinic-booking/internal/penalty"
	"github.com/hackgods/clinic-booking/internal/schedule"
)

// Store is the read side the payments package needs. appointment.PgRepository
// satisfies it.
type Store interface {
	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	GetService(ctx context.Context, id uuid.UUID) (*schedule.Service, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*appointment.Payment, error)
	PaymentForReference(ctx context.Context, appointmentID uuid.UUID) (*appointment.Payment, error)
}

// ServiceSettler completes service payments (the appointment ledger).
type ServiceSettler interface {
	MarkPaid(ctx context.Context, paymentID uuid.UUID, gatewayPaymentID string) (*appointment.Payment, error)
}

// PenaltySettler completes penalty fees and lifts suspensions.
type PenaltySettler interface {
	ConfirmPenaltyPayment(ctx context.Context, paymentID uuid.UUID, gatewayPaymentID string) (*penalty.Confirmation, error)
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomePending   Outcome = "pending"
	OutcomeIgnored   Outcome = "ignored"
)

const (
	msgPaid          = "payment received"
	msgVerifyLater   = "payment pending - verify later"
	msgNotCompletion = "payment was not approved"
)

// Result is what a reconciliation did to local state.
type Result struct {
	Outcome          Outcome
	GatewayPaymentID string
	GatewayStatus    string
	Payment          *appointment.Payment
	Reactivated      bool
	Message          string
}

// Reconciler matches gateway payments to local Payment rows through the
// external reference (the appointment id) and settles them.
type Reconciler struct {
	gateway   Gateway
	store     Store
	service   ServiceSettler
	penalty   PenaltySettler
	tolerance int64
	logger    *logging.Logger
}

func NewReconciler(gw Gateway, store Store, service ServiceSettler, pen PenaltySettler, toleranceCents int64, logger *logging.Logger) *Reconciler {
	if logger == nil {
		logger = logging.Default()
	}
	if toleranceCents < 0 {
		toleranceCents = 0
	}
	return &Reconciler{
		gateway:   gw,
		store:     store,
		service:   service,
		penalty:   pen,
		tolerance: toleranceCents,
		logger:    logger,
	}
}

// Reconcile fetches the authoritative status of a gateway payment and applies
// it. Local state is only touched when the gateway reports the payment as
// settled and the amounts agree.
func (r *Reconciler) Reconcile(ctx context.Context, gatewayPaymentID string) (*Result, error) {
	gp, err := r.gateway.GetPayment(ctx, gatewayPaymentID)
	if err != nil {
		if errors.Is(err, ErrUnknownPayment) {
			return nil, &apperr.ReconciliationError{NotFound: true, Message: "unknown gateway payment"}
		}
		var up *apperr.UpstreamUnavailable
		if errors.As(err, &up) {
			return nil, err
		}
		return nil, &apperr.UpstreamUnavailable{Op: "get_payment", Err: err}
	}

	ref, err := uuid.Parse(strings.TrimSpace(gp.ExternalReference))
	if err != nil {
		r.logger.Warn("gateway payment without usable reference", "gateway_payment_id", gp.ID, "reference", gp.ExternalReference)
		return nil, &apperr.ReconciliationError{NotFound: true, Message: "unknown payment reference"}
	}

	local, err := r.store.PaymentForReference(ctx, ref)
	if err != nil {
		if errors.Is(err, appointment.ErrPaymentNotFound) {
			r.logger.Warn("no local payment for reference", "gateway_payment_id", gp.ID, "reference", ref)
			return nil, &apperr.ReconciliationError{NotFound: true, Message: "unknown payment reference"}
		}
		return nil, fmt.Errorf("load payment for reference: %w", err)
	}

	res := &Result{GatewayPaymentID: gp.ID, GatewayStatus: gp.Status, Payment: local}
	if !gp.Settled() && !gp.InFlight() {
		res.Outcome = OutcomeIgnored
		res.Message = msgNotCompletion
		return res, nil
	}

	// only money that moved, or is about to, has to match the ledger
	if diff := gp.AmountCents - local.AmountCents; diff > r.tolerance || -diff > r.tolerance {
		r.logger.Warn("gateway amount mismatch",
			"gateway_payment_id", gp.ID,
			"payment_id", local.ID,
			"gateway_status", gp.Status,
			"gateway_amount_cents", gp.AmountCents,
			"local_amount_cents", local.AmountCents,
		)
		return nil, &apperr.ReconciliationError{Message: "payment amount does not match"}
	}

	if gp.InFlight() {
		res.Outcome = OutcomePending
		res.Message = msgVerifyLater
		return res, nil
	}
	return r.settle(ctx, local, gp.ID, res)
}

// ConfirmReturn runs when the patient's browser comes back from checkout.
// A gateway outage is not an error here: the patient is told to check later
// and the webhook settles the payment once the gateway recovers.
func (r *Reconciler) ConfirmReturn(ctx context.Context, gatewayPaymentID string) (*Result, error) {
	res, err := r.Reconcile(ctx, gatewayPaymentID)
	var up *apperr.UpstreamUnavailable
	if errors.As(err, &up) {
		r.logger.Warn("gateway unavailable on checkout return", "gateway_payment_id", gatewayPaymentID, "error", err)
		return &Result{Outcome: OutcomePending, GatewayPaymentID: gatewayPaymentID, Message: msgVerifyLater}, nil
	}
	return res, err
}

// ConfirmManually is the staff override for payments taken at the desk.
func (r *Reconciler) ConfirmManually(ctx context.Context, actor auth.Actor, paymentID uuid.UUID) (*Result, error) {
	if !actor.IsStaff() {
		return nil, apperr.Forbidden("only clinic staff can confirm payments")
	}
	p, err := r.store.GetPayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, appointment.ErrPaymentNotFound) {
			return nil, apperr.NotFound("payment")
		}
		return nil, fmt.Errorf("load payment: %w", err)
	}
	return r.settle(ctx, p, "", &Result{Payment: p})
}

func (r *Reconciler) settle(ctx context.Context, p *appointment.Payment, gatewayPaymentID string, res *Result) (*Result, error) {
	switch p.Kind {
	case appointment.KindPenalty:
		conf, err := r.penalty.ConfirmPenaltyPayment(ctx, p.ID, gatewayPaymentID)
		if err != nil {
			return nil, err
		}
		res.Reactivated = conf.Reactivated
		updated, err := r.store.GetPayment(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("reload payment: %w", err)
		}
		res.Payment = updated
	default:
		updated, err := r.service.MarkPaid(ctx, p.ID, gatewayPaymentID)
		if err != nil {
			return nil, err
		}
		res.Payment = updated
	}

	res.Outcome = OutcomeCompleted
	res.Message = msgPaid
	r.logger.Info("payment settled",
		"payment_id", p.ID,
		"kind", p.Kind,
		"gateway_payment_id", gatewayPaymentID,
		"reactivated", res.Reactivated,
	)
	return res, nil
}
