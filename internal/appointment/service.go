package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-booking/internal/apperr"
	"github.com/hackgods/clinic-booking/internal/auth"
	"github.com/hackgods/clinic-booking/internal/config"
	"github.com/hackgods/clinic-booking/internal/logging"
	"github.com/hackgods/clinic-booking/internal/metrics"
	"github.com/hackgods/clinic-booking/internal/notify"
	redisclient "github.com/hackgods/clinic-booking/internal/redis"
	"github.com/hackgods/clinic-booking/internal/schedule"
)

const (
	EventAppointmentCreated     = "APPOINTMENT_CREATED"
	EventAppointmentConfirmed   = "APPOINTMENT_CONFIRMED"
	EventAppointmentCancelled   = "APPOINTMENT_CANCELLED"
	EventAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventAppointmentCompleted   = "APPOINTMENT_COMPLETED"
	EventAppointmentNoShow      = "APPOINTMENT_NO_SHOW"
	EventPaymentCompleted       = "PAYMENT_COMPLETED"
)

// Gate decides whether a patient may book at all. It is consulted before any
// slot computation.
type Gate interface {
	CheckBooking(ctx context.Context, patientID uuid.UUID) error
}

// Penalizer applies the no-show escalation.
type Penalizer interface {
	MarkNoShow(ctx context.Context, appointmentID uuid.UUID) (*NoShowOutcome, error)
}

// Notifier is fire-and-forget; a false return only means the event was dropped.
type Notifier interface {
	Notify(ev notify.Event) bool
}

type Service struct {
	repo      Repository
	engine    *schedule.Engine
	locker    redisclient.Locker
	gate      Gate
	penalizer Penalizer
	notifier  Notifier
	policy    config.BookingPolicy
	logger    *logging.Logger
	metrics   *metrics.BookingMetrics
	now       func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithMetrics(m *metrics.BookingMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(repo Repository, locker redisclient.Locker, gate Gate, notifier Notifier, policy config.BookingPolicy, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		locker:   locker,
		gate:     gate,
		notifier: notifier,
		policy:   policy,
		logger:   logging.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.policy.Timezone == nil {
		s.policy.Timezone = time.Local
	}
	s.engine = schedule.NewEngine(schedule.Policy{
		Location:       s.policy.Timezone,
		HorizonDays:    s.policy.HorizonDays,
		StepMinutes:    s.policy.StepMinutes,
		ClosedWeekdays: s.policy.ClosedWeekdays,
	}, s.now)
	return s
}

// SetPenalizer attaches the no-show handler. The penalty engine depends on
// this package, so it is wired after construction.
func (s *Service) SetPenalizer(p Penalizer) { s.penalizer = p }

func (s *Service) Engine() *schedule.Engine { return s.engine }

// AvailableSlots lists the free start times for a provider's service on date.
func (s *Service) AvailableSlots(ctx context.Context, providerID, serviceID uuid.UUID, date time.Time) (*schedule.Availability, error) {
	svc, err := s.offeredService(ctx, providerID, serviceID)
	if err != nil {
		return nil, err
	}
	av, err := s.engine.Available(ctx, s.repo, providerID, date, svc.DurationMinutes)
	if err != nil {
		return nil, s.internal("compute availability", err)
	}
	return av, nil
}

// SuggestSlot is AvailableSlots with the recommendation taken at or after
// the patient's desired time.
func (s *Service) SuggestSlot(ctx context.Context, providerID, serviceID uuid.UUID, date time.Time, desired schedule.Clock) (*schedule.Availability, error) {
	svc, err := s.offeredService(ctx, providerID, serviceID)
	if err != nil {
		return nil, err
	}
	av, err := s.engine.Suggest(ctx, s.repo, providerID, date, svc.DurationMinutes, desired)
	if err != nil {
		return nil, s.internal("compute availability", err)
	}
	return av, nil
}

func (s *Service) offeredService(ctx context.Context, providerID, serviceID uuid.UUID) (*schedule.Service, error) {
	svc, err := s.loadService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if svc.ProviderID != providerID {
		return nil, apperr.Validation("service_mismatch", "this service is not offered by the selected provider")
	}
	return svc, nil
}

type BookRequest struct {
	PatientID uuid.UUID
	ServiceID uuid.UUID
	Date      time.Time
	Start     schedule.Clock
	Method    string
}

// Book creates a pending appointment and its pending service payment.
// The slot is re-validated under the (provider, date) lock inside the same
// transaction as the insert.
func (s *Service) Book(ctx context.Context, actor auth.Actor, req BookRequest) (*Appointment, error) {
	if !actor.CanActFor(req.PatientID) {
		return nil, apperr.Forbidden("you can only book appointments for yourself")
	}
	method, err := normalizeMethod(req.Method)
	if err != nil {
		return nil, err
	}

	if err := s.gate.CheckBooking(ctx, req.PatientID); err != nil {
		s.metrics.ObserveBooking("book", "blocked")
		return nil, err
	}

	svc, err := s.loadService(ctx, req.ServiceID)
	if err != nil {
		return nil, err
	}
	date := schedule.DateOnly(req.Date, s.policy.Timezone)
	if err := s.engine.ValidateDate(date); err != nil {
		return nil, err
	}

	appt := &Appointment{
		ID:         uuid.New(),
		ProviderID: svc.ProviderID,
		PatientID:  req.PatientID,
		ServiceID:  svc.ID,
		Date:       date,
		Start:      req.Start,
		End:        req.Start.Add(svc.DurationMinutes),
		Status:     StatusPending,
	}

	err = s.locker.WithScheduleLock(ctx, svc.ProviderID, date, func(lockCtx context.Context) error {
		return s.repo.InTx(lockCtx, func(tx Repository) error {
			if err := tx.LockSchedule(lockCtx, svc.ProviderID, date); err != nil {
				return err
			}
			if err := s.engine.CheckSlot(lockCtx, tx, svc.ProviderID, date, req.Start, svc.DurationMinutes, uuid.Nil); err != nil {
				return err
			}
			if err := tx.InsertAppointment(lockCtx, appt); err != nil {
				return err
			}
			return tx.InsertPayment(lockCtx, &Payment{
				AppointmentID: appt.ID,
				PatientID:     appt.PatientID,
				Kind:          KindService,
				AmountCents:   svc.PriceCents,
				Method:        method,
				Status:        PaymentPending,
				IssuedAt:      s.now(),
			})
		})
	})
	if err != nil {
		s.metrics.ObserveBooking("book", outcome(err))
		return nil, s.mapCommitErr("book appointment", err)
	}

	s.metrics.ObserveBooking("book", "ok")
	s.logEvent(ctx, appt.ID, EventAppointmentCreated, map[string]any{
		"patient_id":  appt.PatientID.String(),
		"provider_id": appt.ProviderID.String(),
		"date":        appt.Date.Format(time.DateOnly),
		"start":       appt.Start.String(),
	})
	s.publish(notify.KindCreated, appt)
	return appt, nil
}

// Reschedule moves an active appointment to a new date/time.
func (s *Service) Reschedule(ctx context.Context, actor auth.Actor, id uuid.UUID, date time.Time, start schedule.Clock) (*Appointment, error) {
	current, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if !current.Status.Blocking() {
		return nil, apperr.Validation("invalid_state", "a %s appointment cannot be rescheduled", current.Status)
	}
	if !current.StartsAt(s.policy.Timezone).After(s.now()) {
		return nil, apperr.Validation("appointment_started", "this appointment has already started")
	}
	if current.RescheduleCount >= s.policy.RescheduleCap {
		return nil, apperr.Policy("reschedule_cap", "this appointment was already rescheduled the maximum number of times")
	}
	if err := s.gate.CheckBooking(ctx, current.PatientID); err != nil {
		s.metrics.ObserveBooking("reschedule", "blocked")
		return nil, err
	}
	enforceQuota := !actor.IsStaff()
	if enforceQuota {
		if err := s.checkQuota(ctx, s.repo, current.PatientID, ChangeReschedule); err != nil {
			return nil, err
		}
	}

	svc, err := s.loadService(ctx, current.ServiceID)
	if err != nil {
		return nil, err
	}
	date = schedule.DateOnly(date, s.policy.Timezone)
	if err := s.engine.ValidateDate(date); err != nil {
		return nil, err
	}

	var updated *Appointment
	err = s.locker.WithScheduleLock(ctx, current.ProviderID, date, func(lockCtx context.Context) error {
		return s.repo.InTx(lockCtx, func(tx Repository) error {
			if err := tx.LockSchedule(lockCtx, current.ProviderID, date); err != nil {
				return err
			}
			fresh, err := tx.GetAppointmentForUpdate(lockCtx, id)
			if err != nil {
				return err
			}
			if !fresh.Status.Blocking() {
				return apperr.Conflict("the appointment changed while you were rescheduling it")
			}
			if fresh.RescheduleCount >= s.policy.RescheduleCap {
				return apperr.Policy("reschedule_cap", "this appointment was already rescheduled the maximum number of times")
			}
			if enforceQuota {
				if err := s.checkQuota(lockCtx, tx, fresh.PatientID, ChangeReschedule); err != nil {
					return err
				}
			}
			if err := s.engine.CheckSlot(lockCtx, tx, fresh.ProviderID, date, start, svc.DurationMinutes, fresh.ID); err != nil {
				return err
			}
			updated, err = tx.Reschedule(lockCtx, fresh.ID, date, start, start.Add(svc.DurationMinutes))
			if err != nil {
				return err
			}
			return tx.InsertChange(lockCtx, fresh.PatientID, fresh.ID, ChangeReschedule)
		})
	})
	if err != nil {
		s.metrics.ObserveBooking("reschedule", outcome(err))
		return nil, s.mapCommitErr("reschedule appointment", err)
	}

	s.metrics.ObserveBooking("reschedule", "ok")
	s.logEvent(ctx, updated.ID, EventAppointmentRescheduled, map[string]any{
		"from_date":  current.Date.Format(time.DateOnly),
		"from_start": current.Start.String(),
		"to_date":    updated.Date.Format(time.DateOnly),
		"to_start":   updated.Start.String(),
	})
	s.publish(notify.KindRescheduled, updated)
	return updated, nil
}

// Cancel ends a future appointment and voids its pending service payment.
func (s *Service) Cancel(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Appointment, error) {
	if _, err := s.load(ctx, actor, id); err != nil {
		return nil, err
	}
	enforceQuota := !actor.IsStaff()

	var cancelled *Appointment
	var voided int64
	err := s.repo.InTx(ctx, func(tx Repository) error {
		appt, err := tx.GetAppointmentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(appt.Status, StatusCancelled) {
			return apperr.Validation("invalid_state", "a %s appointment cannot be cancelled", appt.Status)
		}
		if !appt.StartsAt(s.policy.Timezone).After(s.now()) {
			return apperr.Validation("appointment_started", "only future appointments can be cancelled")
		}
		if enforceQuota {
			if err := s.checkQuota(ctx, tx, appt.PatientID, ChangeCancel); err != nil {
				return err
			}
		}
		cancelled, err = tx.UpdateStatus(ctx, appt.ID, appt.Status, StatusCancelled)
		if err != nil {
			return err
		}
		voided, err = tx.DeletePendingServicePayments(ctx, appt.ID)
		if err != nil {
			return err
		}
		return tx.InsertChange(ctx, appt.PatientID, appt.ID, ChangeCancel)
	})
	if err != nil {
		return nil, s.mapCommitErr("cancel appointment", err)
	}

	s.metrics.ObserveTransition(string(StatusCancelled))
	s.logEvent(ctx, cancelled.ID, EventAppointmentCancelled, map[string]any{
		"voided_payments": voided,
		"by":              string(actor.Role),
	})
	s.publish(notify.KindCancelled, cancelled)
	return cancelled, nil
}

// Confirm moves a pending appointment to confirmed.
func (s *Service) Confirm(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, actor, id, StatusConfirmed, EventAppointmentConfirmed, notify.KindConfirmed)
}

// Complete closes an attended appointment. Staff only.
func (s *Service) Complete(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Appointment, error) {
	if !actor.IsStaff() {
		return nil, apperr.Forbidden("only clinic staff can complete appointments")
	}
	return s.transition(ctx, actor, id, StatusCompleted, EventAppointmentCompleted, notify.KindCompleted)
}

func (s *Service) transition(ctx context.Context, actor auth.Actor, id uuid.UUID, to AppointmentStatus, eventType string, kind notify.Kind) (*Appointment, error) {
	appt, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if appt.Status == to {
		return appt, nil
	}
	if !CanTransition(appt.Status, to) {
		return nil, apperr.Validation("invalid_state", "a %s appointment cannot become %s", appt.Status, to)
	}

	updated, err := s.repo.UpdateStatus(ctx, appt.ID, appt.Status, to)
	if err != nil {
		return nil, s.mapCommitErr("update appointment status", err)
	}

	s.metrics.ObserveTransition(string(to))
	s.logEvent(ctx, updated.ID, eventType, map[string]any{"from": string(appt.Status)})
	s.publish(kind, updated)
	return updated, nil
}

// MarkNoShow is staff-only and hands the escalation to the penalty engine.
func (s *Service) MarkNoShow(ctx context.Context, actor auth.Actor, id uuid.UUID) (*NoShowOutcome, error) {
	if !actor.IsStaff() {
		return nil, apperr.Forbidden("only clinic staff can mark no-shows")
	}
	if s.penalizer == nil {
		return nil, errors.New("no-show handling is not configured")
	}
	out, err := s.penalizer.MarkNoShow(ctx, id)
	if err != nil {
		return nil, s.mapCommitErr("mark no-show", err)
	}
	if out.AlreadyMarked {
		return out, nil
	}

	s.metrics.ObserveTransition(string(StatusNoShow))
	s.logEvent(ctx, id, EventAppointmentNoShow, map[string]any{
		"no_show_count":   out.NoShowCount,
		"penalty_applied": out.PenaltyApplied,
		"suspended":       out.Suspended,
	})
	s.publish(notify.KindNoShow, out.Appointment)
	return out, nil
}

// Get returns one appointment the actor is allowed to see.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Appointment, error) {
	return s.load(ctx, actor, id)
}

func (s *Service) ListByPatient(ctx context.Context, actor auth.Actor, patientID uuid.UUID) ([]Appointment, error) {
	if !actor.CanActFor(patientID) {
		return nil, apperr.Forbidden("you can only list your own appointments")
	}
	list, err := s.repo.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, s.internal("list appointments", err)
	}
	return list, nil
}

// MarkPaid completes a pending service payment. It is idempotent: an
// already completed payment is returned unchanged.
func (s *Service) MarkPaid(ctx context.Context, paymentID uuid.UUID, gatewayPaymentID string) (*Payment, error) {
	var gw *string
	if gatewayPaymentID != "" {
		gw = &gatewayPaymentID
	}

	changed, err := s.repo.CompletePayment(ctx, paymentID, gw, s.now())
	if err != nil {
		return nil, s.internal("complete payment", err)
	}
	p, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			return nil, apperr.NotFound("payment")
		}
		return nil, s.internal("load payment", err)
	}
	if !changed {
		return p, nil
	}

	s.logEvent(ctx, p.AppointmentID, EventPaymentCompleted, map[string]any{
		"payment_id":   p.ID.String(),
		"amount_cents": p.AmountCents,
		"gateway_id":   gatewayPaymentID,
	})
	if appt, err := s.repo.GetAppointment(ctx, p.AppointmentID); err == nil {
		s.publish(notify.KindPaymentReceived, appt)
	}
	return p, nil
}

// SendReminders notifies patients whose appointment starts roughly one
// reminder lead from now. It only reads state and flips reminder_sent.
func (s *Service) SendReminders(ctx context.Context) (int, error) {
	now := s.now().In(s.policy.Timezone)
	lead := s.policy.ReminderLead
	if lead <= 0 {
		lead = 24 * time.Hour
	}
	from := now.Add(lead - time.Hour)
	to := now.Add(lead + time.Hour)

	due, err := s.repo.ListReminderDue(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("list reminders: %w", err)
	}

	sent := 0
	for i := range due {
		appt := &due[i]
		if !s.publish(notify.KindReminder, appt) {
			continue
		}
		if err := s.repo.MarkReminderSent(ctx, appt.ID); err != nil {
			s.logger.Error("failed to flag reminder", "appointment_id", appt.ID, "error", err)
			continue
		}
		sent++
	}
	return sent, nil
}

// helpers

func (s *Service) load(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, apperr.NotFound("appointment")
		}
		return nil, s.internal("load appointment", err)
	}
	if !actor.CanActFor(appt.PatientID) {
		// same answer as a missing row, so ids cannot be enumerated
		return nil, apperr.NotFound("appointment")
	}
	return appt, nil
}

func (s *Service) loadService(ctx context.Context, id uuid.UUID) (*schedule.Service, error) {
	svc, err := s.repo.GetService(ctx, id)
	if err != nil {
		if errors.Is(err, schedule.ErrServiceNotFound) {
			return nil, apperr.NotFound("service")
		}
		return nil, s.internal("load service", err)
	}
	if !svc.Active {
		return nil, apperr.Validation("service_inactive", "%s is no longer offered", svc.Name)
	}
	return svc, nil
}

func (s *Service) checkQuota(ctx context.Context, r Repository, patientID uuid.UUID, kind ChangeKind) error {
	limit := s.policy.MonthlyRescheduleCap
	if kind == ChangeCancel {
		limit = s.policy.MonthlyCancelCap
	}
	used, err := r.CountChangesSince(ctx, patientID, kind, s.monthStart())
	if err != nil {
		return err
	}
	if used >= limit {
		return apperr.Policy("monthly_"+string(kind)+"_quota", "you already used this month's %s", kind)
	}
	return nil
}

func (s *Service) monthStart() time.Time {
	now := s.now().In(s.policy.Timezone)
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, s.policy.Timezone)
}

// mapCommitErr keeps taxonomy errors and hides everything else.
func (s *Service) mapCommitErr(op string, err error) error {
	switch {
	case apperr.IsKind(err):
		return err
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		return apperr.Conflict("that schedule is busy right now, please pick the time again")
	case errors.Is(err, ErrStaleStatus):
		return apperr.Conflict("the appointment changed while you were editing it")
	case errors.Is(err, ErrAppointmentNotFound):
		return apperr.NotFound("appointment")
	default:
		return s.internal(op, err)
	}
}

func (s *Service) internal(op string, err error) error {
	if apperr.IsKind(err) {
		return err
	}
	s.logger.Error(op+" failed", "error", err)
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Service) publish(kind notify.Kind, appt *Appointment) bool {
	if s.notifier == nil || appt == nil {
		return false
	}
	return s.notifier.Notify(notify.Event{
		Kind:          kind,
		AppointmentID: appt.ID,
		PatientID:     appt.PatientID,
		ProviderID:    appt.ProviderID,
		StartsAt:      appt.StartsAt(s.policy.Timezone),
		OccurredAt:    s.now(),
	})
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal event payload", "event_type", eventType, "error", err)
		data = nil
	}

	apptID := appointmentID

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.logger.Warn("failed to insert event log",
			"event_type", eventType,
			"appointment_id", appointmentID,
			"error", err,
		)
	}
}

func normalizeMethod(m string) (string, error) {
	switch m {
	case "":
		return MethodCash, nil
	case MethodCash, MethodCard, MethodOnline:
		return m, nil
	default:
		return "", apperr.Validation("invalid_method", "unknown payment method %q", m)
	}
}

func outcome(err error) string {
	var (
		ce *apperr.ConflictError
		ve *apperr.ValidationError
		pe *apperr.PolicyError
	)
	switch {
	case errors.As(err, &ce), errors.Is(err, redisclient.ErrLockNotAcquired):
		return "conflict"
	case errors.As(err, &ve):
		return "invalid"
	case errors.As(err, &pe):
		return "policy"
	default:
		return "error"
	}
}
