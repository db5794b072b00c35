package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-booking/internal/appointment"
	"github.com/hackgods/clinic-booking/internal/auth"
	"github.com/hackgods/clinic-booking/internal/logging"
	"github.com/hackgods/clinic-booking/internal/schedule"
)

type handlers struct {
	ledger    Ledger
	penalties Penalties
	checkout  Checkout
	payments  PaymentConfirmer
	loc       *time.Location
	logger    *logging.Logger
}

func (h *handlers) listSlots(w http.ResponseWriter, r *http.Request) {
	providerID, ok := uuidParam(w, r, "providerID")
	if !ok {
		return
	}
	serviceID, err := uuid.Parse(r.URL.Query().Get("service_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_service_id", "service_id must be a valid UUID")
		return
	}
	date, err := schedule.ParseDate(r.URL.Query().Get("date"), h.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", err.Error())
		return
	}

	var av *schedule.Availability
	if raw := r.URL.Query().Get("desired"); raw != "" {
		desired, perr := schedule.ParseClock(raw)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "invalid_time", perr.Error())
			return
		}
		av, err = h.ledger.SuggestSlot(r.Context(), providerID, serviceID, date, desired)
	} else {
		av, err = h.ledger.AvailableSlots(r.Context(), providerID, serviceID, date)
	}
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotsResponse(providerID, serviceID, av))
}

func (h *handlers) createAppointment(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)

	var req CreateAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	patientID := actor.AccountID
	if req.PatientID != "" {
		id, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}
		patientID = id
	}
	serviceID, err := uuid.Parse(req.ServiceID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_service_id", "service_id must be a valid UUID")
		return
	}
	date, start, ok := h.parseSlot(w, req.Date, req.Start)
	if !ok {
		return
	}

	appt, err := h.ledger.Book(r.Context(), actor, appointment.BookRequest{
		PatientID: patientID,
		ServiceID: serviceID,
		Date:      date,
		Start:     start,
		Method:    strings.ToLower(strings.TrimSpace(req.PaymentMethod)),
	})
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	appt, err := h.ledger.Get(r.Context(), mustActor(r), id)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) confirmAppointment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.ledger.Confirm)
}

func (h *handlers) completeAppointment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.ledger.Complete)
}

func (h *handlers) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.ledger.Cancel)
}

type transitionFunc func(ctx context.Context, actor auth.Actor, id uuid.UUID) (*appointment.Appointment, error)

func (h *handlers) transition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	appt, err := fn(r.Context(), mustActor(r), id)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) rescheduleAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req RescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	date, start, ok := h.parseSlot(w, req.Date, req.Start)
	if !ok {
		return
	}

	appt, err := h.ledger.Reschedule(r.Context(), mustActor(r), id, date, start)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) markNoShow(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	out, err := h.ledger.MarkNoShow(r.Context(), mustActor(r), id)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, NoShowResponse{
		Appointment:    toAppointmentResponse(out.Appointment),
		NoShowCount:    out.NoShowCount,
		PenaltyApplied: out.PenaltyApplied,
		Suspended:      out.Suspended,
		Payment:        toPaymentResponse(out.Payment),
		Message:        out.Message,
	})
}

func (h *handlers) startCheckout(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	co, err := h.checkout.Start(r.Context(), mustActor(r), id)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, CheckoutResponse{CheckoutURL: co.URL, ID: co.ID})
}

func (h *handlers) listPatientAppointments(w http.ResponseWriter, r *http.Request) {
	patientID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	list, err := h.ledger.ListByPatient(r.Context(), mustActor(r), patientID)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	resp := make([]AppointmentResponse, 0, len(list))
	for i := range list {
		resp = append(resp, toAppointmentResponse(&list[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) penaltyStatus(w http.ResponseWriter, r *http.Request) {
	patientID, ok := h.patientScope(w, r)
	if !ok {
		return
	}
	st, err := h.penalties.Status(r.Context(), patientID)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toPenaltyStatusResponse(st))
}

func (h *handlers) penaltyRecords(w http.ResponseWriter, r *http.Request) {
	patientID, ok := h.patientScope(w, r)
	if !ok {
		return
	}
	recs, err := h.penalties.Records(r.Context(), patientID)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	resp := make([]PenaltyRecordResponse, 0, len(recs))
	for _, rec := range recs {
		resp = append(resp, PenaltyRecordResponse{
			ID:            rec.ID,
			AppointmentID: rec.AppointmentID,
			Action:        string(rec.Action),
			AmountCents:   rec.AmountCents,
			Reason:        rec.Reason,
			CreatedAt:     rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// riskScore is advisory and only shown to staff.
func (h *handlers) riskScore(w http.ResponseWriter, r *http.Request) {
	patientID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if !mustActor(r).IsStaff() {
		writeError(w, http.StatusForbidden, "forbidden", "only clinic staff can view risk scores")
		return
	}
	var providerID *uuid.UUID
	if raw := r.URL.Query().Get("provider_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider_id must be a valid UUID")
			return
		}
		providerID = &id
	}

	score, hist, err := h.penalties.RiskScore(r.Context(), patientID, providerID)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, RiskResponse{
		PatientID:       patientID,
		Score:           score,
		NoShows:         hist.NoShows,
		Cancellations:   hist.Cancellations,
		Reschedules:     hist.Reschedules,
		PendingPayments: hist.PendingPayments,
	})
}

func (h *handlers) confirmPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	res, err := h.payments.ConfirmManually(r.Context(), mustActor(r), id)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResultResponse(res))
}

// paymentReturn is where the gateway sends the patient's browser after
// checkout. The gateway names the id payment_id or collection_id.
func (h *handlers) paymentReturn(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	gatewayID := q.Get("payment_id")
	if gatewayID == "" {
		gatewayID = q.Get("collection_id")
	}
	if gatewayID == "" || gatewayID == "null" {
		writeError(w, http.StatusBadRequest, "missing_payment_id", "payment_id is required")
		return
	}

	res, err := h.payments.ConfirmReturn(r.Context(), gatewayID)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResultResponse(res))
}

// helpers

func (h *handlers) parseSlot(w http.ResponseWriter, rawDate, rawStart string) (time.Time, schedule.Clock, bool) {
	date, err := schedule.ParseDate(rawDate, h.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", err.Error())
		return time.Time{}, 0, false
	}
	start, err := schedule.ParseClock(rawStart)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_time", err.Error())
		return time.Time{}, 0, false
	}
	return date, start, true
}

// patientScope reads {id} and checks the actor may see that patient.
func (h *handlers) patientScope(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	patientID, ok := uuidParam(w, r, "id")
	if !ok {
		return uuid.Nil, false
	}
	if !mustActor(r).CanActFor(patientID) {
		writeError(w, http.StatusForbidden, "forbidden", "you can only view your own account")
		return uuid.Nil, false
	}
	return patientID, true
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// mustActor is only used behind auth.Middleware.
func mustActor(r *http.Request) auth.Actor {
	a, _ := auth.FromContext(r.Context())
	return a
}
