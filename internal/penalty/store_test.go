package penalty

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-booking/internal/appointment"
	"github.com/hackgods/clinic-booking/internal/apperr"
	"github.com/hackgods/clinic-booking/internal/auth"
	"github.com/hackgods/clinic-booking/internal/schedule"
)

var paymentCols = []string{"id", "appointment_id", "patient_id", "kind", "amount_cents", "method", "status",
	"gateway_payment_id", "issued_at", "completed_at", "created_at"}

var appointmentCols = []string{"id", "provider_id", "patient_id", "service_id", "date", "start_time", "end_time",
	"status", "reschedule_count", "reminder_sent", "created_at", "updated_at"}

const (
	lockPatientSQL     = `FROM patients\s+WHERE id = \$1\s+FOR UPDATE`
	lockAppointmentSQL = `FROM appointments\s+WHERE id = \$1\s+FOR UPDATE`
	lockPaymentSQL     = `FROM payments\s+WHERE id = \$1\s+FOR UPDATE`
)

// appointmentRow is a 2026-03-09 10:00-10:30 appointment.
func appointmentRow(id, patient uuid.UUID, status appointment.AppointmentStatus) []any {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []any{
		id, uuid.New(), patient, uuid.New(),
		pgtype.Date{Time: time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), Valid: true},
		schedule.Clock(600).PgTime(), schedule.Clock(630).PgTime(),
		status, 0, false, ts, ts,
	}
}

func penaltyRow(id, appt, patient uuid.UUID, status appointment.PaymentStatus, issued time.Time) []any {
	return []any{
		id, appt, patient, appointment.KindPenalty, int64(30000), "online", status,
		(*string)(nil), issued, (*time.Time)(nil), issued,
	}
}

func TestPgStoreOutstandingPenalty(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPgStore(mock)
	ctx := context.Background()
	patient := uuid.New()

	mock.ExpectQuery(`FROM payments`).
		WithArgs(patient).
		WillReturnError(pgx.ErrNoRows)
	p, err := store.OutstandingPenalty(ctx, patient)
	require.NoError(t, err)
	assert.Nil(t, p)

	id, appt := uuid.New(), uuid.New()
	issued := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM payments`).
		WithArgs(patient).
		WillReturnRows(pgxmock.NewRows(paymentCols).AddRow(
			id, appt, patient, appointment.KindPenalty, int64(30000), "online", appointment.PaymentPending,
			(*string)(nil), issued, (*time.Time)(nil), issued,
		))
	p, err = store.OutstandingPenalty(ctx, patient)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, id, p.ID)
	assert.Equal(t, int64(30000), p.AmountCents)
	assert.Equal(t, issued, p.IssuedAt)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreHistory(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	patient := uuid.New()
	mock.ExpectQuery(`FILTER \(WHERE a.status = 'no_show'\)`).
		WithArgs(patient, (*uuid.UUID)(nil)).
		WillReturnRows(pgxmock.NewRows([]string{"no_shows", "cancellations", "reschedules", "pending"}).
			AddRow(2, 1, 3, 1))

	h, err := NewPgStore(mock).History(context.Background(), patient, nil)
	require.NoError(t, err)
	assert.Equal(t, History{NoShows: 2, Cancellations: 1, Reschedules: 3, PendingPayments: 1}, h)
	assert.Equal(t, 100, h.RiskScore())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreMarkNoShowLocksPatientFirst(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	apptID, patient := uuid.New(), uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM appointments`).
		WithArgs(apptID).
		WillReturnRows(pgxmock.NewRows(appointmentCols).AddRow(appointmentRow(apptID, patient, appointment.StatusConfirmed)...))
	mock.ExpectQuery(lockPatientSQL).
		WithArgs(patient).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(patient))
	mock.ExpectQuery(lockAppointmentSQL).
		WithArgs(apptID).
		WillReturnRows(pgxmock.NewRows(appointmentCols).AddRow(appointmentRow(apptID, patient, appointment.StatusConfirmed)...))
	mock.ExpectQuery(`UPDATE appointments`).
		WithArgs(apptID, appointment.StatusNoShow, appointment.StatusConfirmed).
		WillReturnRows(pgxmock.NewRows(appointmentCols).AddRow(appointmentRow(apptID, patient, appointment.StatusNoShow)...))
	mock.ExpectQuery(`status = 'no_show'`).
		WithArgs(patient).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`INSERT INTO penalty_records`).
		WithArgs(patient, &apptID, ActionWarning, int64(0), "no-show #1 on 2026-03-09, warning only").
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(1), now))
	mock.ExpectCommit()

	out, err := newTestEngine(NewPgStore(mock), now).MarkNoShow(context.Background(), apptID)
	require.NoError(t, err)
	assert.Equal(t, 1, out.NoShowCount)
	assert.False(t, out.PenaltyApplied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreConfirmLocksPatientFirst(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	paymentID, apptID, patient := uuid.New(), uuid.New(), uuid.New()
	issued := now.AddDate(0, 0, -1)
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM payments`).
		WithArgs(paymentID).
		WillReturnRows(pgxmock.NewRows(paymentCols).AddRow(penaltyRow(paymentID, apptID, patient, appointment.PaymentCompleted, issued)...))
	mock.ExpectQuery(lockPatientSQL).
		WithArgs(patient).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(patient))
	mock.ExpectQuery(lockPaymentSQL).
		WithArgs(paymentID).
		WillReturnRows(pgxmock.NewRows(paymentCols).AddRow(penaltyRow(paymentID, apptID, patient, appointment.PaymentCompleted, issued)...))
	mock.ExpectQuery(`status = 'pending'`).
		WithArgs(patient).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(`UPDATE patients`).
		WithArgs(patient, true).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectCommit()

	conf, err := newTestEngine(NewPgStore(mock), now).ConfirmPenaltyPayment(context.Background(), paymentID, "gw")
	require.NoError(t, err)
	assert.True(t, conf.AlreadyCompleted)
	assert.False(t, conf.Reactivated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreLockPatientNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	patient := uuid.New()
	mock.ExpectQuery(lockPatientSQL).
		WithArgs(patient).
		WillReturnError(pgx.ErrNoRows)

	err = NewPgStore(mock).LockPatient(context.Background(), patient)
	assert.ErrorIs(t, err, auth.ErrAccountNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreResetPenaltyKeepsSettledPayment(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPgStore(mock)
	id := uuid.New()
	mock.ExpectExec(`AND kind = 'penalty'\s+AND status = 'pending'`).
		WithArgs(id, int64(30000)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	assert.ErrorIs(t, store.ResetPenalty(context.Background(), id, 30000), ErrPaymentNotPending)

	mock.ExpectExec(`AND kind = 'penalty'\s+AND status = 'pending'`).
		WithArgs(id, int64(30000)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	assert.NoError(t, store.ResetPenalty(context.Background(), id, 30000))

	mock.ExpectExec(`WHERE id = \$1 AND status = 'pending'`).
		WithArgs(id, int64(30000), now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	assert.ErrorIs(t, store.ConvertToPenalty(context.Background(), id, 30000, now), ErrPaymentNotPending)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreSuspendInTx(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	patient, paymentID, apptID := uuid.New(), uuid.New(), uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery(lockPatientSQL).
		WithArgs(patient).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(patient))
	mock.ExpectQuery(`status = 'pending'`).
		WithArgs(patient).
		WillReturnRows(pgxmock.NewRows(paymentCols).AddRow(penaltyRow(paymentID, apptID, patient, appointment.PaymentPending, now.AddDate(0, 0, -6))...))
	mock.ExpectExec(`UPDATE patients`).
		WithArgs(patient, false).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`INSERT INTO penalty_records`).
		WithArgs(patient, &apptID, ActionSuspend, int64(30000), "$300.00 fee unpaid after the 5-day grace period").
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(7), time.Now()))
	mock.ExpectCommit()

	e := newTestEngine(NewPgStore(mock), now)
	changed, err := e.suspend(context.Background(), patient)
	require.NoError(t, err)
	assert.True(t, changed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreSuspendSkipsPaidPenalty(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	patient := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery(lockPatientSQL).
		WithArgs(patient).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(patient))
	mock.ExpectQuery(`status = 'pending'`).
		WithArgs(patient).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectCommit()

	changed, err := newTestEngine(NewPgStore(mock), now).suspend(context.Background(), patient)
	require.NoError(t, err)
	assert.False(t, changed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreListRecords(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	patient, appt := uuid.New(), uuid.New()
	mock.ExpectQuery(`FROM penalty_records`).
		WithArgs(patient).
		WillReturnRows(pgxmock.NewRows([]string{"id", "patient_id", "appointment_id", "action", "amount_cents", "reason", "created_at"}).
			AddRow(int64(1), patient, &appt, ActionAutoPenalize, int64(30000), "no-show #2 on 2026-03-09, $300.00 fee issued", now))

	recs, err := NewPgStore(mock).ListRecords(context.Background(), patient)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "no-show #2 on 2026-03-09, $300.00 fee issued", recs[0].Reason)
	assert.Equal(t, appt, *recs[0].AppointmentID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreRollbackOnError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	payment := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM payments`).
		WithArgs(payment).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err = newTestEngine(NewPgStore(mock), now).ConfirmPenaltyPayment(context.Background(), payment, "gw")
	var nf *apperr.NotFoundError
	require.ErrorAs(t, err, &nf)
	require.NoError(t, mock.ExpectationsWereMet())
}
