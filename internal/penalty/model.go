package penalty

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the booking gate derived from appointment and payment rows.
// It is never stored.
type State string

const (
	StateNone     State = "NONE"
	StateWarning  State = "WARNING"
	StatePending  State = "PENDING"
	StateDisabled State = "DISABLED"
)

func (s State) Blocks() bool {
	return s == StatePending || s == StateDisabled
}

type Action string

const (
	ActionWarning      Action = "WARNING"
	ActionAutoPenalize Action = "AUTO_PENALIZE"
	ActionSuspend      Action = "SUSPEND"
	ActionReactivate   Action = "REACTIVATE"
)

// Record is one append-only entry in a patient's penalty log.
type Record struct {
	ID            int64
	PatientID     uuid.UUID
	AppointmentID *uuid.UUID
	Action        Action
	AmountCents   int64
	Reason        string
	CreatedAt     time.Time
}

type Status struct {
	PatientID          uuid.UUID
	State              State
	NoShows            int
	FeeCents           int64
	GraceDaysRemaining int
	PaymentID          *uuid.UUID
	IssuedAt           *time.Time
	Active             bool
	Message            string
}

// History is the raw material for the risk score.
type History struct {
	NoShows         int
	Cancellations   int
	Reschedules     int
	PendingPayments int
}

// RiskScore is advisory only and never gates a booking.
func (h History) RiskScore() int {
	score := 8 * (5*h.NoShows + 2*h.Cancellations + h.Reschedules + 3*h.PendingPayments)
	if score > 100 {
		return 100
	}
	return score
}

type Confirmation struct {
	PaymentID        uuid.UUID
	PatientID        uuid.UUID
	AlreadyCompleted bool
	Reactivated      bool
}

func formatMoney(cents int64) string {
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}
