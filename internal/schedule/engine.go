package schedule

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-booking/internal/apperr"
)

const BlockedNonWorkingDay = "non_working_day"

// Reader is the data the engine needs. Both the pool-backed repository and a
// transaction-bound one implement it, so commit-time checks see fresh rows.
type Reader interface {
	ListBlocks(ctx context.Context, providerID uuid.UUID, weekday int) ([]Block, error)
	ListBusy(ctx context.Context, providerID uuid.UUID, date time.Time, exclude uuid.UUID) ([]Interval, error)
}

type Policy struct {
	Location       *time.Location
	HorizonDays    int
	StepMinutes    int
	ClosedWeekdays []time.Weekday
}

// Availability is the answer for one provider/date/service.
// Blocked is set instead of Slots when the provider does not work that day.
type Availability struct {
	Date        time.Time
	Slots       []Clock
	Recommended *Clock
	Blocked     string
}

// Strings renders the slots as "HH:MM".
func (a *Availability) Strings() []string {
	out := make([]string, 0, len(a.Slots))
	for _, s := range a.Slots {
		out = append(out, s.String())
	}
	return out
}

type Engine struct {
	policy Policy
	now    func() time.Time
}

func NewEngine(policy Policy, now func() time.Time) *Engine {
	if policy.Location == nil {
		policy.Location = time.Local
	}
	if policy.StepMinutes <= 0 {
		policy.StepMinutes = 15
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{policy: policy, now: now}
}

func (e *Engine) Location() *time.Location { return e.policy.Location }

// Today returns the current calendar day in the clinic's timezone.
func (e *Engine) Today() time.Time {
	return DateOnly(e.now(), e.policy.Location)
}

// ValidateDate enforces the closed-weekday rule and the booking horizon.
func (e *Engine) ValidateDate(date time.Time) error {
	date = DateOnly(date, e.policy.Location)

	if slices.Contains(e.policy.ClosedWeekdays, date.Weekday()) {
		return apperr.Validation("closed_weekday", "the clinic is closed on %s", date.Weekday())
	}

	today := e.Today()
	last := today.AddDate(0, 0, e.policy.HorizonDays)
	if date.Before(today) {
		return apperr.Validation("date_in_past", "%s is in the past", date.Format(time.DateOnly))
	}
	if date.After(last) {
		return apperr.Validation("date_out_of_range",
			"bookings are only open until %s (%d days ahead)", last.Format(time.DateOnly), e.policy.HorizonDays)
	}
	return nil
}

// Available lists free start times for a service on date.
func (e *Engine) Available(ctx context.Context, r Reader, providerID uuid.UUID, date time.Time, durationMinutes int) (*Availability, error) {
	date = DateOnly(date, e.policy.Location)
	if err := e.ValidateDate(date); err != nil {
		return nil, err
	}
	if durationMinutes <= 0 {
		return nil, apperr.Validation("invalid_duration", "service duration must be positive")
	}

	blocks, err := r.ListBlocks(ctx, providerID, ISOWeekday(date.Weekday()))
	if err != nil {
		return nil, fmt.Errorf("list schedule blocks: %w", err)
	}
	if len(blocks) == 0 {
		return &Availability{Date: date, Blocked: BlockedNonWorkingDay}, nil
	}

	busy, err := r.ListBusy(ctx, providerID, date, uuid.Nil)
	if err != nil {
		return nil, fmt.Errorf("list busy intervals: %w", err)
	}

	slots := FreeSlots(blocks, busy, durationMinutes, e.policy.StepMinutes, e.notBefore(date))
	av := &Availability{Date: date, Slots: slots}
	if len(slots) > 0 {
		first := slots[0]
		av.Recommended = &first
	}
	return av, nil
}

// Suggest is Available with the recommendation moved to the first free
// slot at or after desired. When nothing that late is free it falls back
// to the day's first slot.
func (e *Engine) Suggest(ctx context.Context, r Reader, providerID uuid.UUID, date time.Time, durationMinutes int, desired Clock) (*Availability, error) {
	av, err := e.Available(ctx, r, providerID, date, durationMinutes)
	if err != nil {
		return nil, err
	}
	av.Recommended = SuggestAt(av.Slots, desired)
	return av, nil
}

// SuggestAt picks from slots, which must be ascending.
func SuggestAt(slots []Clock, desired Clock) *Clock {
	if len(slots) == 0 {
		return nil
	}
	pick := slots[0]
	for _, s := range slots {
		if s >= desired {
			pick = s
			break
		}
	}
	return &pick
}

// CheckSlot re-derives the grid for date and verifies start is both on it
// and free, ignoring the appointment being moved (exclude). It is meant to
// run inside the booking transaction, under the schedule lock.
func (e *Engine) CheckSlot(ctx context.Context, r Reader, providerID uuid.UUID, date time.Time, start Clock, durationMinutes int, exclude uuid.UUID) error {
	date = DateOnly(date, e.policy.Location)
	if err := e.ValidateDate(date); err != nil {
		return err
	}

	blocks, err := r.ListBlocks(ctx, providerID, ISOWeekday(date.Weekday()))
	if err != nil {
		return fmt.Errorf("list schedule blocks: %w", err)
	}
	if len(blocks) == 0 {
		return apperr.Validation("non_working_day", "the provider does not work on %s", date.Weekday())
	}

	notBefore := e.notBefore(date)
	if notBefore != nil && start <= *notBefore {
		return apperr.Validation("past_slot", "%s has already passed", start)
	}

	grid := FreeSlots(blocks, nil, durationMinutes, e.policy.StepMinutes, notBefore)
	if !slices.Contains(grid, start) {
		return apperr.Validation("slot_not_offered", "%s is not an available start time", start)
	}

	busy, err := r.ListBusy(ctx, providerID, date, exclude)
	if err != nil {
		return fmt.Errorf("list busy intervals: %w", err)
	}
	want := Interval{Start: start, End: start.Add(durationMinutes)}
	for _, b := range busy {
		if want.Overlaps(b) {
			return apperr.Conflict("that time is no longer available")
		}
	}
	return nil
}

// notBefore returns the current time of day when date is today, nil otherwise.
func (e *Engine) notBefore(date time.Time) *Clock {
	now := e.now().In(e.policy.Location)
	if !DateOnly(now, e.policy.Location).Equal(date) {
		return nil
	}
	c := ClockOf(now)
	return &c
}

// FreeSlots walks each block from its own start in step increments and
// keeps candidates that fit in the block, avoid every busy interval and,
// when notBefore is set, start strictly after it. Output keeps block order.
func FreeSlots(blocks []Block, busy []Interval, duration, step int, notBefore *Clock) []Clock {
	var out []Clock
	for _, b := range blocks {
		for cursor := b.Start; cursor.Add(duration) <= b.End; cursor = cursor.Add(step) {
			if notBefore != nil && cursor <= *notBefore {
				continue
			}
			candidate := Interval{Start: cursor, End: cursor.Add(duration)}
			if overlapsAny(candidate, busy) {
				continue
			}
			out = append(out, cursor)
		}
	}
	return out
}

func overlapsAny(c Interval, busy []Interval) bool {
	for _, b := range busy {
		if c.Overlaps(b) {
			return true
		}
	}
	return false
}
