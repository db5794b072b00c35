// Package penalty derives a patient's booking gate from their history and
// applies the no-show escalation: warning, then fee, then suspension until
// the fee is paid.
package penalty

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-booking/internal/appointment"
	"github.com/hackgods/clinic-booking/internal/apperr"
	"github.com/hackgods/clinic-booking/internal/auth"
	"github.com/hackgods/clinic-booking/internal/config"
	"github.com/hackgods/clinic-booking/internal/logging"
	"github.com/hackgods/clinic-booking/internal/metrics"
)

type Engine struct {
	store   Store
	policy  config.PenaltyPolicy
	loc     *time.Location
	logger  *logging.Logger
	metrics *metrics.BookingMetrics
	now     func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.loc = loc }
}

func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithMetrics(m *metrics.BookingMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func NewEngine(store Store, policy config.PenaltyPolicy, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		policy: policy,
		loc:    time.Local,
		logger: logging.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// derive is the pure gate computation.
func (e *Engine) derive(patientID uuid.UUID, noShows int, outstanding *appointment.Payment, active bool, now time.Time) *Status {
	st := &Status{PatientID: patientID, NoShows: noShows, Active: active}

	if outstanding != nil {
		issued := outstanding.IssuedAt
		deadline := issued.AddDate(0, 0, e.policy.GraceDays)
		st.FeeCents = outstanding.AmountCents
		st.PaymentID = &outstanding.ID
		st.IssuedAt = &issued

		if now.Before(deadline) {
			st.State = StatePending
			st.GraceDaysRemaining = int(math.Ceil(deadline.Sub(now).Hours() / 24))
			st.Message = fmt.Sprintf("pay the %s no-show fee within %d more day(s) to keep booking",
				formatMoney(st.FeeCents), st.GraceDaysRemaining)
		} else {
			st.State = StateDisabled
			st.Message = fmt.Sprintf("your account is suspended until the %s no-show fee is paid (0 days of grace left)",
				formatMoney(st.FeeCents))
		}
		return st
	}

	switch {
	case noShows == 0:
		st.State = StateNone
	default:
		st.State = StateWarning
		st.Message = fmt.Sprintf("you have %d recorded no-show(s); missing another appointment carries a %s fee",
			noShows, formatMoney(e.policy.FeeCents))
	}
	return st
}

// Status recomputes the gate from current rows. A DISABLED patient whose
// account is still flagged active is deactivated on the way out.
func (e *Engine) Status(ctx context.Context, patientID uuid.UUID) (*Status, error) {
	noShows, err := e.store.CountNoShows(ctx, patientID)
	if err != nil {
		return nil, err
	}
	outstanding, err := e.store.OutstandingPenalty(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("load outstanding penalty: %w", err)
	}
	active, err := e.store.Directory().IsActive(ctx, patientID)
	if err != nil {
		if errors.Is(err, auth.ErrAccountNotFound) {
			return nil, apperr.NotFound("patient")
		}
		return nil, err
	}

	st := e.derive(patientID, noShows, outstanding, active, e.now())
	if st.State == StateDisabled && st.Active {
		if _, err := e.suspend(ctx, patientID); err != nil {
			return nil, err
		}
		st.Active = false
	}
	return st, nil
}

// CheckBooking implements the appointment gate.
func (e *Engine) CheckBooking(ctx context.Context, patientID uuid.UUID) error {
	st, err := e.Status(ctx, patientID)
	if err != nil {
		return err
	}
	if st.State.Blocks() {
		return &apperr.PolicyBlockedError{
			State:              string(st.State),
			FeeCents:           st.FeeCents,
			GraceDaysRemaining: st.GraceDaysRemaining,
			Message:            st.Message,
		}
	}
	if !st.Active {
		return apperr.Forbidden("this account is inactive, contact the clinic")
	}
	return nil
}

// RiskScore is advisory. providerID narrows the history to one provider.
func (e *Engine) RiskScore(ctx context.Context, patientID uuid.UUID, providerID *uuid.UUID) (int, History, error) {
	h, err := e.store.History(ctx, patientID, providerID)
	if err != nil {
		return 0, History{}, err
	}
	return h.RiskScore(), h, nil
}

func (e *Engine) Records(ctx context.Context, patientID uuid.UUID) ([]Record, error) {
	return e.store.ListRecords(ctx, patientID)
}

// MarkNoShow transitions the appointment and escalates in one transaction.
// Marking an appointment that is already a no-show changes nothing.
func (e *Engine) MarkNoShow(ctx context.Context, appointmentID uuid.UUID) (*appointment.NoShowOutcome, error) {
	now := e.now()
	out := &appointment.NoShowOutcome{}
	var actions []Action

	err := e.store.InTx(ctx, func(tx Store) error {
		appt, err := lockAppointment(ctx, tx, appointmentID)
		if err != nil {
			return err
		}

		if appt.Status == appointment.StatusNoShow {
			out.Appointment = appt
			out.AlreadyMarked = true
			out.NoShowCount, err = tx.CountNoShows(ctx, appt.PatientID)
			out.Message = "appointment was already marked as a no-show"
			return err
		}
		if !appointment.CanTransition(appt.Status, appointment.StatusNoShow) {
			return apperr.Validation("invalid_state", "a %s appointment cannot be marked as a no-show", appt.Status)
		}
		if appt.StartsAt(e.loc).After(now) {
			return apperr.Validation("not_started", "an appointment can only be marked as a no-show once it has started")
		}

		updated, err := tx.UpdateStatus(ctx, appt.ID, appt.Status, appointment.StatusNoShow)
		if err != nil {
			return err
		}
		out.Appointment = updated

		count, err := tx.CountNoShows(ctx, appt.PatientID)
		if err != nil {
			return err
		}
		out.NoShowCount = count
		apptID := appt.ID

		if count < e.policy.ChargeThreshold {
			actions = append(actions, ActionWarning)
			out.Message = fmt.Sprintf("no-show recorded as a warning; the next one carries a %s fee",
				formatMoney(e.policy.FeeCents))
			return tx.InsertRecord(ctx, &Record{
				PatientID:     appt.PatientID,
				AppointmentID: &apptID,
				Action:        ActionWarning,
				Reason:        fmt.Sprintf("no-show #%d on %s, warning only", count, appt.Date.Format(time.DateOnly)),
			})
		}

		payment, err := e.charge(ctx, tx, updated, now)
		if err != nil {
			return err
		}
		out.Payment = payment
		out.PenaltyApplied = true
		actions = append(actions, ActionAutoPenalize)
		if err := tx.InsertRecord(ctx, &Record{
			PatientID:     appt.PatientID,
			AppointmentID: &apptID,
			Action:        ActionAutoPenalize,
			AmountCents:   e.policy.FeeCents,
			Reason: fmt.Sprintf("no-show #%d on %s, %s fee issued",
				count, appt.Date.Format(time.DateOnly), formatMoney(e.policy.FeeCents)),
		}); err != nil {
			return err
		}

		out.Message = fmt.Sprintf("a %s no-show fee was issued", formatMoney(e.policy.FeeCents))
		if count < e.policy.SuspendThreshold {
			return nil
		}

		changed, err := tx.Directory().Deactivate(ctx, appt.PatientID)
		if err != nil {
			return err
		}
		if changed {
			actions = append(actions, ActionSuspend)
			out.Suspended = true
			out.Message += " and the account was suspended until it is paid"
			return tx.InsertRecord(ctx, &Record{
				PatientID:     appt.PatientID,
				AppointmentID: &apptID,
				Action:        ActionSuspend,
				AmountCents:   e.policy.FeeCents,
				Reason:        fmt.Sprintf("suspended after %d no-shows until the fee is paid", count),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, a := range actions {
		e.metrics.ObservePenalty(string(a))
	}
	e.logger.Info("no-show marked",
		"appointment_id", appointmentID,
		"no_show_count", out.NoShowCount,
		"penalty_applied", out.PenaltyApplied,
		"suspended", out.Suspended,
	)
	return out, nil
}

// charge issues the fee. An unpaid penalty the patient already owes is
// reused; otherwise the appointment's pending service payment becomes the
// penalty; otherwise a new penalty row is added.
func (e *Engine) charge(ctx context.Context, tx Store, appt *appointment.Appointment, now time.Time) (*appointment.Payment, error) {
	fee := e.policy.FeeCents

	existing, err := tx.OutstandingPenalty(ctx, appt.PatientID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		err := tx.ResetPenalty(ctx, existing.ID, fee)
		switch {
		case err == nil:
			existing.AmountCents = fee
			return existing, nil
		case !errors.Is(err, ErrPaymentNotPending):
			return nil, err
		}
	}

	svc, err := tx.PaymentForAppointment(ctx, appt.ID, appointment.KindService)
	switch {
	case err == nil && svc.Status == appointment.PaymentPending:
		err := tx.ConvertToPenalty(ctx, svc.ID, fee, now)
		switch {
		case err == nil:
			svc.Kind = appointment.KindPenalty
			svc.AmountCents = fee
			svc.Method = appointment.MethodOnline
			svc.IssuedAt = now
			return svc, nil
		case !errors.Is(err, ErrPaymentNotPending):
			return nil, err
		}
	case err != nil && !errors.Is(err, appointment.ErrPaymentNotFound):
		return nil, err
	}

	p := &appointment.Payment{
		AppointmentID: appt.ID,
		PatientID:     appt.PatientID,
		Kind:          appointment.KindPenalty,
		AmountCents:   fee,
		Method:        appointment.MethodOnline,
		Status:        appointment.PaymentPending,
		IssuedAt:      now,
	}
	if err := tx.InsertPayment(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ConfirmPenaltyPayment settles a penalty and lifts the suspension. Repeat
// calls neither fail nor append a second REACTIVATE.
func (e *Engine) ConfirmPenaltyPayment(ctx context.Context, paymentID uuid.UUID, gatewayPaymentID string) (*Confirmation, error) {
	var gw *string
	if gatewayPaymentID != "" {
		gw = &gatewayPaymentID
	}
	conf := &Confirmation{PaymentID: paymentID}

	err := e.store.InTx(ctx, func(tx Store) error {
		p, err := lockPayment(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if p.Kind != appointment.KindPenalty {
			return apperr.Validation("not_a_penalty", "payment %s is not a penalty fee", p.ID)
		}
		conf.PatientID = p.PatientID

		if p.Status == appointment.PaymentCompleted {
			conf.AlreadyCompleted = true
		} else if _, err := tx.CompletePayment(ctx, p.ID, gw, e.now()); err != nil {
			return err
		}

		// another unpaid penalty keeps the account suspended
		other, err := tx.OutstandingPenalty(ctx, p.PatientID)
		if err != nil {
			return err
		}
		if other != nil {
			return nil
		}

		changed, err := tx.Directory().Reactivate(ctx, p.PatientID)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		conf.Reactivated = true
		apptID := p.AppointmentID
		return tx.InsertRecord(ctx, &Record{
			PatientID:     p.PatientID,
			AppointmentID: &apptID,
			Action:        ActionReactivate,
			AmountCents:   p.AmountCents,
			Reason:        fmt.Sprintf("%s no-show fee paid", formatMoney(p.AmountCents)),
		})
	})
	if err != nil {
		return nil, err
	}

	if conf.Reactivated {
		e.metrics.ObservePenalty(string(ActionReactivate))
	}
	e.logger.Info("penalty payment confirmed",
		"payment_id", paymentID,
		"patient_id", conf.PatientID,
		"already_completed", conf.AlreadyCompleted,
		"reactivated", conf.Reactivated,
	)
	return conf, nil
}

// SweepOverdue deactivates every patient whose fee is past the grace
// period. It is run by the maintenance worker.
func (e *Engine) SweepOverdue(ctx context.Context) (int, error) {
	cutoff := e.now().AddDate(0, 0, -e.policy.GraceDays)
	patients, err := e.store.ListOverdue(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list overdue penalties: %w", err)
	}

	suspended := 0
	for _, id := range patients {
		changed, err := e.suspend(ctx, id)
		if err != nil {
			e.logger.Error("failed to suspend overdue patient", "patient_id", id, "error", err)
			continue
		}
		if changed {
			suspended++
		}
	}
	return suspended, nil
}

// suspend deactivates the patient if, under the patient lock, they still
// owe a penalty past its grace period. A fee paid in the meantime wins.
func (e *Engine) suspend(ctx context.Context, patientID uuid.UUID) (bool, error) {
	now := e.now()
	var changed bool
	err := e.store.InTx(ctx, func(tx Store) error {
		if err := tx.LockPatient(ctx, patientID); err != nil {
			return err
		}
		owed, err := tx.OutstandingPenalty(ctx, patientID)
		if err != nil || owed == nil || !e.overdue(owed, now) {
			return err
		}

		changed, err = tx.Directory().Deactivate(ctx, patientID)
		if err != nil || !changed {
			return err
		}
		apptID := owed.AppointmentID
		return tx.InsertRecord(ctx, &Record{
			PatientID:     patientID,
			AppointmentID: &apptID,
			Action:        ActionSuspend,
			AmountCents:   owed.AmountCents,
			Reason: fmt.Sprintf("%s fee unpaid after the %d-day grace period",
				formatMoney(owed.AmountCents), e.policy.GraceDays),
		})
	})
	if err != nil {
		return false, fmt.Errorf("suspend patient: %w", err)
	}
	if changed {
		e.metrics.ObservePenalty(string(ActionSuspend))
		e.logger.Info("patient suspended for overdue penalty", "patient_id", patientID)
	}
	return changed, nil
}

func (e *Engine) overdue(p *appointment.Payment, now time.Time) bool {
	return !now.Before(p.IssuedAt.AddDate(0, 0, e.policy.GraceDays))
}

// lockAppointment takes the patient lock before the appointment row so it
// orders the same way as lockPayment.
func lockAppointment(ctx context.Context, tx Store, id uuid.UUID) (*appointment.Appointment, error) {
	a, err := tx.GetAppointment(ctx, id)
	if err != nil {
		if errors.Is(err, appointment.ErrAppointmentNotFound) {
			return nil, apperr.NotFound("appointment")
		}
		return nil, err
	}
	if err := lockPatient(ctx, tx, a.PatientID); err != nil {
		return nil, err
	}
	return tx.GetAppointmentForUpdate(ctx, id)
}

func lockPayment(ctx context.Context, tx Store, id uuid.UUID) (*appointment.Payment, error) {
	p, err := tx.GetPayment(ctx, id)
	if err != nil {
		if errors.Is(err, appointment.ErrPaymentNotFound) {
			return nil, apperr.NotFound("payment")
		}
		return nil, err
	}
	if err := lockPatient(ctx, tx, p.PatientID); err != nil {
		return nil, err
	}
	return tx.GetPaymentForUpdate(ctx, id)
}

func lockPatient(ctx context.Context, tx Store, patientID uuid.UUID) error {
	err := tx.LockPatient(ctx, patientID)
	if errors.Is(err, auth.ErrAccountNotFound) {
		return apperr.NotFound("patient")
	}
	return err
}
