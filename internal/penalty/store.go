package penalty

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/clinic-booking/internal/appointment"
	"github.com/hackgods/clinic-booking/internal/auth"
	"github.com/hackgods/clinic-booking/internal/db"
)

// ErrPaymentNotPending is returned when a guarded payment update finds the
// row already settled.
var ErrPaymentNotPending = errors.New("payment is no longer pending")

// Store is everything the engine reads and writes. Inside InTx every call
// shares one transaction, including the account directory.
type Store interface {
	InTx(ctx context.Context, fn func(tx Store) error) error
	Directory() auth.Directory

	// LockPatient holds the patient's row until the transaction ends. Every
	// escalation and penalty settlement takes it before any other row lock.
	LockPatient(ctx context.Context, patientID uuid.UUID) error

	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to appointment.AppointmentStatus) (*appointment.Appointment, error)
	CountNoShows(ctx context.Context, patientID uuid.UUID) (int, error)
	History(ctx context.Context, patientID uuid.UUID, providerID *uuid.UUID) (History, error)

	// OutstandingPenalty returns the patient's unpaid penalty or nil.
	OutstandingPenalty(ctx context.Context, patientID uuid.UUID) (*appointment.Payment, error)
	PaymentForAppointment(ctx context.Context, appointmentID uuid.UUID, kind appointment.PaymentKind) (*appointment.Payment, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*appointment.Payment, error)
	GetPaymentForUpdate(ctx context.Context, id uuid.UUID) (*appointment.Payment, error)
	InsertPayment(ctx context.Context, p *appointment.Payment) error
	ConvertToPenalty(ctx context.Context, paymentID uuid.UUID, feeCents int64, issuedAt time.Time) error
	ResetPenalty(ctx context.Context, paymentID uuid.UUID, feeCents int64) error
	CompletePayment(ctx context.Context, id uuid.UUID, gatewayPaymentID *string, at time.Time) (bool, error)

	InsertRecord(ctx context.Context, rec *Record) error
	ListRecords(ctx context.Context, patientID uuid.UUID) ([]Record, error)
	// ListOverdue returns active patients whose outstanding penalty was
	// issued at or before cutoff.
	ListOverdue(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
}

type PgStore struct {
	q     db.TxStarter
	appts *appointment.PgRepository
	dir   *auth.PgDirectory
}

func NewPgStore(q db.TxStarter) *PgStore {
	return &PgStore{
		q:     q,
		appts: appointment.NewPgRepository(q),
		dir:   auth.NewPgDirectory(q),
	}
}

const paymentColumns = `id, appointment_id, patient_id, kind, amount_cents, method, status,
	gateway_payment_id, issued_at, completed_at, created_at`

func (s *PgStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	return db.WithTx(ctx, s.q, func(tx pgx.Tx) error {
		return fn(NewPgStore(tx))
	})
}

func (s *PgStore) Directory() auth.Directory { return s.dir }

func (s *PgStore) LockPatient(ctx context.Context, patientID uuid.UUID) error {
	var id uuid.UUID
	err := s.q.QueryRow(ctx, `
		SELECT id
		FROM patients
		WHERE id = $1
		FOR UPDATE
	`, patientID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return auth.ErrAccountNotFound
		}
		return fmt.Errorf("lock patient: %w", err)
	}
	return nil
}

func (s *PgStore) GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	return s.appts.GetAppointment(ctx, id)
}

func (s *PgStore) GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	return s.appts.GetAppointmentForUpdate(ctx, id)
}

func (s *PgStore) UpdateStatus(ctx context.Context, id uuid.UUID, from, to appointment.AppointmentStatus) (*appointment.Appointment, error) {
	return s.appts.UpdateStatus(ctx, id, from, to)
}

func (s *PgStore) CountNoShows(ctx context.Context, patientID uuid.UUID) (int, error) {
	var n int
	err := s.q.QueryRow(ctx, `
		SELECT count(*)
		FROM appointments
		WHERE patient_id = $1 AND status = 'no_show'
	`, patientID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count no-shows: %w", err)
	}
	return n, nil
}

func (s *PgStore) History(ctx context.Context, patientID uuid.UUID, providerID *uuid.UUID) (History, error) {
	var h History
	err := s.q.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE a.status = 'no_show'),
			count(*) FILTER (WHERE a.status = 'cancelled'),
			COALESCE(sum(a.reschedule_count), 0),
			(SELECT count(*)
			   FROM payments p
			   JOIN appointments pa ON pa.id = p.appointment_id
			  WHERE p.patient_id = $1
			    AND p.status = 'pending'
			    AND ($2::uuid IS NULL OR pa.provider_id = $2))
		FROM appointments a
		WHERE a.patient_id = $1
		  AND ($2::uuid IS NULL OR a.provider_id = $2)
	`, patientID, providerID).Scan(&h.NoShows, &h.Cancellations, &h.Reschedules, &h.PendingPayments)
	if err != nil {
		return History{}, fmt.Errorf("load history: %w", err)
	}
	return h, nil
}

func (s *PgStore) OutstandingPenalty(ctx context.Context, patientID uuid.UUID) (*appointment.Payment, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE patient_id = $1
		  AND kind = 'penalty'
		  AND status = 'pending'
		ORDER BY issued_at
		LIMIT 1
	`, patientID)
	p, err := appointment.ScanPayment(row)
	if errors.Is(err, appointment.ErrPaymentNotFound) {
		return nil, nil
	}
	return p, err
}

func (s *PgStore) PaymentForAppointment(ctx context.Context, appointmentID uuid.UUID, kind appointment.PaymentKind) (*appointment.Payment, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE appointment_id = $1 AND kind = $2
	`, appointmentID, kind)
	return appointment.ScanPayment(row)
}

func (s *PgStore) GetPayment(ctx context.Context, id uuid.UUID) (*appointment.Payment, error) {
	return s.appts.GetPayment(ctx, id)
}

func (s *PgStore) GetPaymentForUpdate(ctx context.Context, id uuid.UUID) (*appointment.Payment, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE id = $1
		FOR UPDATE
	`, id)
	return appointment.ScanPayment(row)
}

func (s *PgStore) InsertPayment(ctx context.Context, p *appointment.Payment) error {
	return s.appts.InsertPayment(ctx, p)
}

func (s *PgStore) ConvertToPenalty(ctx context.Context, paymentID uuid.UUID, feeCents int64, issuedAt time.Time) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE payments
		SET kind = 'penalty',
		    amount_cents = $2,
		    method = 'online',
		    issued_at = $3
		WHERE id = $1 AND status = 'pending'
	`, paymentID, feeCents, issuedAt)
	if err != nil {
		return fmt.Errorf("convert payment to penalty: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotPending
	}
	return nil
}

// ResetPenalty re-prices an unpaid penalty. A settled one is never reopened.
func (s *PgStore) ResetPenalty(ctx context.Context, paymentID uuid.UUID, feeCents int64) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE payments
		SET amount_cents = $2
		WHERE id = $1
		  AND kind = 'penalty'
		  AND status = 'pending'
	`, paymentID, feeCents)
	if err != nil {
		return fmt.Errorf("reset penalty payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotPending
	}
	return nil
}

func (s *PgStore) CompletePayment(ctx context.Context, id uuid.UUID, gatewayPaymentID *string, at time.Time) (bool, error) {
	return s.appts.CompletePayment(ctx, id, gatewayPaymentID, at)
}

func (s *PgStore) InsertRecord(ctx context.Context, rec *Record) error {
	err := s.q.QueryRow(ctx, `
		INSERT INTO penalty_records (patient_id, appointment_id, action, amount_cents, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING id, created_at
	`, rec.PatientID, rec.AppointmentID, rec.Action, rec.AmountCents, rec.Reason).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert penalty record: %w", err)
	}
	return nil
}

func (s *PgStore) ListRecords(ctx context.Context, patientID uuid.UUID) ([]Record, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, patient_id, appointment_id, action, amount_cents, reason, created_at
		FROM penalty_records
		WHERE patient_id = $1
		ORDER BY id
	`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.PatientID, &r.AppointmentID, &r.Action, &r.AmountCents, &r.Reason, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PgStore) ListOverdue(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	rows, err := s.q.Query(ctx, `
		SELECT DISTINCT p.patient_id
		FROM payments p
		JOIN patients pt ON pt.id = p.patient_id
		WHERE p.kind = 'penalty'
		  AND p.status = 'pending'
		  AND p.issued_at <= $1
		  AND pt.active = true
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
