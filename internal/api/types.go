package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-booking/internal/appointment"
	"github.com/hackgods/clinic-booking/internal/payments"
	"github.com/hackgods/clinic-booking/internal/penalty"
	"github.com/hackgods/clinic-booking/internal/schedule"
)

type CreateAppointmentRequest struct {
	PatientID     string `json:"patient_id"`
	ServiceID     string `json:"service_id"`
	Date          string `json:"date"`
	Start         string `json:"start"`
	PaymentMethod string `json:"payment_method"`
}

type RescheduleRequest struct {
	Date  string `json:"date"`
	Start string `json:"start"`
}

type AppointmentResponse struct {
	ID              uuid.UUID `json:"id"`
	ProviderID      uuid.UUID `json:"provider_id"`
	PatientID       uuid.UUID `json:"patient_id"`
	ServiceID       uuid.UUID `json:"service_id"`
	Date            string    `json:"date"`
	Start           string    `json:"start"`
	End             string    `json:"end"`
	Status          string    `json:"status"`
	RescheduleCount int       `json:"reschedule_count"`
	CreatedAt       time.Time `json:"created_at"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:              a.ID,
		ProviderID:      a.ProviderID,
		PatientID:       a.PatientID,
		ServiceID:       a.ServiceID,
		Date:            a.Date.Format(time.DateOnly),
		Start:           a.Start.String(),
		End:             a.End.String(),
		Status:          string(a.Status),
		RescheduleCount: a.RescheduleCount,
		CreatedAt:       a.CreatedAt,
	}
}

type SlotsResponse struct {
	ProviderID  uuid.UUID `json:"provider_id"`
	ServiceID   uuid.UUID `json:"service_id"`
	Date        string    `json:"date"`
	Slots       []string  `json:"slots"`
	Recommended *string   `json:"recommended,omitempty"`
	Blocked     string    `json:"blocked,omitempty"`
}

func toSlotsResponse(providerID, serviceID uuid.UUID, av *schedule.Availability) SlotsResponse {
	resp := SlotsResponse{
		ProviderID: providerID,
		ServiceID:  serviceID,
		Date:       av.Date.Format(time.DateOnly),
		Slots:      av.Strings(),
		Blocked:    av.Blocked,
	}
	if av.Recommended != nil {
		s := av.Recommended.String()
		resp.Recommended = &s
	}
	return resp
}

type PaymentResponse struct {
	ID            uuid.UUID  `json:"id"`
	AppointmentID uuid.UUID  `json:"appointment_id"`
	Kind          string     `json:"kind"`
	AmountCents   int64      `json:"amount_cents"`
	Status        string     `json:"status"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

func toPaymentResponse(p *appointment.Payment) *PaymentResponse {
	if p == nil {
		return nil
	}
	return &PaymentResponse{
		ID:            p.ID,
		AppointmentID: p.AppointmentID,
		Kind:          string(p.Kind),
		AmountCents:   p.AmountCents,
		Status:        string(p.Status),
		CompletedAt:   p.CompletedAt,
	}
}

type NoShowResponse struct {
	Appointment    AppointmentResponse `json:"appointment"`
	NoShowCount    int                 `json:"no_show_count"`
	PenaltyApplied bool                `json:"penalty_applied"`
	Suspended      bool                `json:"suspended"`
	Payment        *PaymentResponse    `json:"payment,omitempty"`
	Message        string              `json:"message"`
}

type PenaltyStatusResponse struct {
	PatientID          uuid.UUID  `json:"patient_id"`
	State              string     `json:"state"`
	NoShows            int        `json:"no_shows"`
	FeeCents           int64      `json:"fee_cents"`
	GraceDaysRemaining int        `json:"grace_days_remaining"`
	PaymentID          *uuid.UUID `json:"payment_id,omitempty"`
	Active             bool       `json:"active"`
	Message            string     `json:"message"`
}

func toPenaltyStatusResponse(s *penalty.Status) PenaltyStatusResponse {
	return PenaltyStatusResponse{
		PatientID:          s.PatientID,
		State:              string(s.State),
		NoShows:            s.NoShows,
		FeeCents:           s.FeeCents,
		GraceDaysRemaining: s.GraceDaysRemaining,
		PaymentID:          s.PaymentID,
		Active:             s.Active,
		Message:            s.Message,
	}
}

type PenaltyRecordResponse struct {
	ID            int64      `json:"id"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
	Action        string     `json:"action"`
	AmountCents   int64      `json:"amount_cents"`
	Reason        string     `json:"reason"`
	CreatedAt     time.Time  `json:"created_at"`
}

type RiskResponse struct {
	PatientID       uuid.UUID `json:"patient_id"`
	Score           int       `json:"score"`
	NoShows         int       `json:"no_shows"`
	Cancellations   int       `json:"cancellations"`
	Reschedules     int       `json:"reschedules"`
	PendingPayments int       `json:"pending_payments"`
}

type CheckoutResponse struct {
	CheckoutURL string `json:"checkout_url"`
	ID          string `json:"id"`
}

type PaymentResultResponse struct {
	Outcome          string           `json:"outcome"`
	Message          string           `json:"message"`
	GatewayPaymentID string           `json:"gateway_payment_id,omitempty"`
	Reactivated      bool             `json:"reactivated"`
	Payment          *PaymentResponse `json:"payment,omitempty"`
}

func toPaymentResultResponse(r *payments.Result) PaymentResultResponse {
	return PaymentResultResponse{
		Outcome:          string(r.Outcome),
		Message:          r.Message,
		GatewayPaymentID: r.GatewayPaymentID,
		Reactivated:      r.Reactivated,
		Payment:          toPaymentResponse(r.Payment),
	}
}

type ErrorResponse struct {
	Error              string `json:"error"`
	Details            string `json:"details,omitempty"`
	State              string `json:"state,omitempty"`
	FeeCents           int64  `json:"fee_cents,omitempty"`
	GraceDaysRemaining *int   `json:"grace_days_remaining,omitempty"`
}
