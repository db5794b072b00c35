package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-booking/internal/schedule"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrPaymentNotFound     = errors.New("payment not found")
	// ErrStaleStatus is returned by guarded updates when the row is no longer
	// in the expected state.
	ErrStaleStatus = errors.New("appointment status changed concurrently")
)

// Repository contains all DB interactions needed by the ledger.
type Repository interface {
	schedule.Reader
	GetService(ctx context.Context, id uuid.UUID) (*schedule.Service, error)

	// InTx runs fn against a repository bound to one transaction.
	InTx(ctx context.Context, fn func(tx Repository) error) error
	// LockSchedule takes a transaction-scoped lock on (provider, date).
	LockSchedule(ctx context.Context, providerID uuid.UUID, date time.Time) error

	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]Appointment, error)

	InsertAppointment(ctx context.Context, a *Appointment) error
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error)
	// Reschedule moves the appointment, resets it to pending, bumps
	// reschedule_count and clears reminder_sent.
	Reschedule(ctx context.Context, id uuid.UUID, date time.Time, start, end schedule.Clock) (*Appointment, error)

	InsertPayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error)
	// PaymentForReference returns the payment a gateway reference (the
	// appointment id) settles: the pending one if any, else the newest.
	PaymentForReference(ctx context.Context, appointmentID uuid.UUID) (*Payment, error)
	CompletePayment(ctx context.Context, id uuid.UUID, gatewayPaymentID *string, at time.Time) (bool, error)
	DeletePendingServicePayments(ctx context.Context, appointmentID uuid.UUID) (int64, error)

	CountChangesSince(ctx context.Context, patientID uuid.UUID, kind ChangeKind, since time.Time) (int, error)
	InsertChange(ctx context.Context, patientID, appointmentID uuid.UUID, kind ChangeKind) error

	// Reminder job
	ListReminderDue(ctx context.Context, from, to time.Time) ([]Appointment, error)
	MarkReminderSent(ctx context.Context, id uuid.UUID) error

	InsertEvent(ctx context.Context, ev EventLog) error
}
