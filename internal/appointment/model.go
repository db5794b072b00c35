package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-booking/internal/schedule"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusNoShow    AppointmentStatus = "no_show"
)

var transitions = map[AppointmentStatus][]AppointmentStatus{
	StatusPending:   {StatusConfirmed, StatusCompleted, StatusCancelled, StatusNoShow},
	StatusConfirmed: {StatusCompleted, StatusCancelled, StatusNoShow},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to AppointmentStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Blocking states hold their time range against other bookings.
func (s AppointmentStatus) Blocking() bool {
	return s == StatusPending || s == StatusConfirmed
}

func (s AppointmentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

type Appointment struct {
	ID              uuid.UUID
	ProviderID      uuid.UUID
	PatientID       uuid.UUID
	ServiceID       uuid.UUID
	Date            time.Time
	Start           schedule.Clock
	End             schedule.Clock
	Status          AppointmentStatus
	RescheduleCount int
	ReminderSent    bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// StartsAt anchors the appointment in the clinic timezone.
func (a *Appointment) StartsAt(loc *time.Location) time.Time {
	return a.Start.On(a.Date, loc)
}

type PaymentKind string

const (
	KindService PaymentKind = "service"
	KindPenalty PaymentKind = "penalty"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
)

const (
	MethodCash   = "cash"
	MethodCard   = "card"
	MethodOnline = "online"
)

type Payment struct {
	ID               uuid.UUID
	AppointmentID    uuid.UUID
	PatientID        uuid.UUID
	Kind             PaymentKind
	AmountCents      int64
	Method           string
	Status           PaymentStatus
	GatewayPaymentID *string
	IssuedAt         time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
}

type ChangeKind string

const (
	ChangeCancel     ChangeKind = "cancel"
	ChangeReschedule ChangeKind = "reschedule"
)

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// NoShowOutcome is what marking a no-show did to the patient.
type NoShowOutcome struct {
	Appointment    *Appointment
	NoShowCount    int
	PenaltyApplied bool
	Suspended      bool
	AlreadyMarked  bool
	Payment        *Payment
	Message        string
}
