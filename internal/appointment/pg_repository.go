package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/hackgods/clinic-booking/internal/apperr"
	"github.com/hackgods/clinic-booking/internal/db"
	"github.com/hackgods/clinic-booking/internal/schedule"
)

// PgRepository runs against a pool or, inside InTx, against one pgx.Tx.
type PgRepository struct {
	*schedule.PgRepository
	q db.TxStarter
}

func NewPgRepository(q db.TxStarter) *PgRepository {
	return &PgRepository{
		PgRepository: schedule.NewPgRepository(q),
		q:            q,
	}
}

const appointmentColumns = `id, provider_id, patient_id, service_id, date, start_time, end_time,
	status, reschedule_count, reminder_sent, created_at, updated_at`

const paymentColumns = `id, appointment_id, patient_id, kind, amount_cents, method, status,
	gateway_payment_id, issued_at, completed_at, created_at`

// Helpers

// ScanAppointment maps a row selected with appointmentColumns.
func ScanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var date pgtype.Date
	var start, end pgtype.Time

	err := row.Scan(
		&a.ID,
		&a.ProviderID,
		&a.PatientID,
		&a.ServiceID,
		&date,
		&start,
		&end,
		&a.Status,
		&a.RescheduleCount,
		&a.ReminderSent,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Date = date.Time
	a.Start = schedule.ClockFromPg(start)
	a.End = schedule.ClockFromPg(end)
	return &a, nil
}

// ScanPayment maps a row selected with paymentColumns.
func ScanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(
		&p.ID,
		&p.AppointmentID,
		&p.PatientID,
		&p.Kind,
		&p.AmountCents,
		&p.Method,
		&p.Status,
		&p.GatewayPaymentID,
		&p.IssuedAt,
		&p.CompletedAt,
		&p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := ScanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// overlapErr turns a tripped exclusion constraint into a ConflictError.
func overlapErr(err error) error {
	if db.IsExclusionViolation(err) {
		return apperr.Conflict("that time is no longer available")
	}
	return err
}

// Interface methods

func (r *PgRepository) InTx(ctx context.Context, fn func(tx Repository) error) error {
	return db.WithTx(ctx, r.q, func(tx pgx.Tx) error {
		return fn(NewPgRepository(tx))
	})
}

func (r *PgRepository) LockSchedule(ctx context.Context, providerID uuid.UUID, date time.Time) error {
	key := fmt.Sprintf("schedule:%s:%s", providerID, date.Format(time.DateOnly))
	if _, err := r.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("advisory lock %s: %w", key, err)
	}
	return nil
}

func (r *PgRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return ScanAppointment(row)
}

func (r *PgRepository) GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id)
	return ScanAppointment(row)
}

func (r *PgRepository) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]Appointment, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY date DESC, start_time DESC
	`, patientID)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) InsertAppointment(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.q.QueryRow(ctx, `
		INSERT INTO appointments (id, provider_id, patient_id, service_id, date, start_time, end_time,
			status, reschedule_count, reminder_sent, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, false, now(), now())
		RETURNING created_at, updated_at
	`, a.ID, a.ProviderID, a.PatientID, a.ServiceID, schedule.PgDate(a.Date),
		a.Start.PgTime(), a.End.PgTime(), a.Status).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return overlapErr(err)
	}
	return nil
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns, id, to, from)

	a, err := ScanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, ErrStaleStatus
	}
	return a, err
}

func (r *PgRepository) Reschedule(ctx context.Context, id uuid.UUID, date time.Time, start, end schedule.Clock) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE appointments
		SET date = $2,
		    start_time = $3,
		    end_time = $4,
		    status = 'pending',
		    reschedule_count = reschedule_count + 1,
		    reminder_sent = false,
		    updated_at = now()
		WHERE id = $1
		  AND status IN ('pending', 'confirmed')
		RETURNING `+appointmentColumns, id, schedule.PgDate(date), start.PgTime(), end.PgTime())

	a, err := ScanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, ErrStaleStatus
	}
	if err != nil {
		return nil, overlapErr(err)
	}
	return a, nil
}

func (r *PgRepository) InsertPayment(ctx context.Context, p *Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := r.q.QueryRow(ctx, `
		INSERT INTO payments (id, appointment_id, patient_id, kind, amount_cents, method, status,
			gateway_payment_id, issued_at, completed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		RETURNING created_at
	`, p.ID, p.AppointmentID, p.PatientID, p.Kind, p.AmountCents, p.Method, p.Status,
		p.GatewayPaymentID, p.IssuedAt, p.CompletedAt).Scan(&p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *PgRepository) GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE id = $1
	`, id)
	return ScanPayment(row)
}

func (r *PgRepository) PaymentForReference(ctx context.Context, appointmentID uuid.UUID) (*Payment, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE appointment_id = $1
		ORDER BY (status = 'pending') DESC, created_at DESC
		LIMIT 1
	`, appointmentID)
	return ScanPayment(row)
}

func (r *PgRepository) CompletePayment(ctx context.Context, id uuid.UUID, gatewayPaymentID *string, at time.Time) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		UPDATE payments
		SET status = 'completed',
		    completed_at = $2,
		    gateway_payment_id = COALESCE($3, gateway_payment_id)
		WHERE id = $1
		  AND status = 'pending'
	`, id, at, gatewayPaymentID)
	if err != nil {
		return false, fmt.Errorf("complete payment: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) DeletePendingServicePayments(ctx context.Context, appointmentID uuid.UUID) (int64, error) {
	tag, err := r.q.Exec(ctx, `
		DELETE FROM payments
		WHERE appointment_id = $1
		  AND kind = 'service'
		  AND status = 'pending'
	`, appointmentID)
	if err != nil {
		return 0, fmt.Errorf("void pending payment: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PgRepository) CountChangesSince(ctx context.Context, patientID uuid.UUID, kind ChangeKind, since time.Time) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `
		SELECT count(*)
		FROM appointment_changes
		WHERE patient_id = $1
		  AND kind = $2
		  AND created_at >= $3
	`, patientID, kind, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s changes: %w", kind, err)
	}
	return n, nil
}

func (r *PgRepository) InsertChange(ctx context.Context, patientID, appointmentID uuid.UUID, kind ChangeKind) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO appointment_changes (patient_id, appointment_id, kind, created_at)
		VALUES ($1, $2, $3, now())
	`, patientID, appointmentID, kind)
	if err != nil {
		return fmt.Errorf("insert %s change: %w", kind, err)
	}
	return nil
}

// ListReminderDue compares against date + start_time, a TIMESTAMP without
// zone, so from/to are passed as clinic wall-clock times.
func (r *PgRepository) ListReminderDue(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status IN ('pending', 'confirmed')
		  AND reminder_sent = false
		  AND (date + start_time) BETWEEN $1 AND $2
		ORDER BY date, start_time
	`, wallClock(from), wallClock(to))
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) MarkReminderSent(ctx context.Context, id uuid.UUID) error {
	_, err := r.q.Exec(ctx, `
		UPDATE appointments
		SET reminder_sent = true, updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark reminder sent: %w", err)
	}
	return nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func wallClock(t time.Time) pgtype.Timestamp {
	return pgtype.Timestamp{
		Time:  time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC),
		Valid: true,
	}
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
