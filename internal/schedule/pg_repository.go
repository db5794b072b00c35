package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/hackgods/clinic-booking/internal/db"
)

var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrServiceNotFound  = errors.New("service not found")
)

// PgRepository reads the calendar and the busy intervals derived from
// appointments in blocking states.
type PgRepository struct {
	q db.Querier
}

func NewPgRepository(q db.Querier) *PgRepository {
	return &PgRepository{q: q}
}

func scanService(row pgx.Row) (*Service, error) {
	var s Service
	err := row.Scan(&s.ID, &s.ProviderID, &s.Name, &s.DurationMinutes, &s.PriceCents, &s.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrServiceNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *PgRepository) GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error) {
	var p Provider
	err := r.q.QueryRow(ctx, `
		SELECT id, name, created_at, updated_at
		FROM providers
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PgRepository) GetService(ctx context.Context, id uuid.UUID) (*Service, error) {
	row := r.q.QueryRow(ctx, `
		SELECT id, provider_id, name, duration_minutes, price_cents, active
		FROM services
		WHERE id = $1
	`, id)
	return scanService(row)
}

func (r *PgRepository) ListBlocks(ctx context.Context, providerID uuid.UUID, weekday int) ([]Block, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, provider_id, day_of_week, start_time, end_time
		FROM schedule_blocks
		WHERE provider_id = $1 AND day_of_week = $2
		ORDER BY start_time
	`, providerID, weekday)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Block
	for rows.Next() {
		var b Block
		var start, end pgtype.Time
		if err := rows.Scan(&b.ID, &b.ProviderID, &b.Weekday, &start, &end); err != nil {
			return nil, err
		}
		b.Start = ClockFromPg(start)
		b.End = ClockFromPg(end)
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListBusy returns the intervals held by pending/confirmed appointments for
// provider on date. exclude skips one appointment (the one being moved).
func (r *PgRepository) ListBusy(ctx context.Context, providerID uuid.UUID, date time.Time, exclude uuid.UUID) ([]Interval, error) {
	rows, err := r.q.Query(ctx, `
		SELECT start_time, end_time
		FROM appointments
		WHERE provider_id = $1
		  AND date = $2
		  AND status IN ('pending', 'confirmed')
		  AND id <> $3
		ORDER BY start_time
	`, providerID, pgDate(date), exclude)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Interval
	for rows.Next() {
		var start, end pgtype.Time
		if err := rows.Scan(&start, &end); err != nil {
			return nil, err
		}
		out = append(out, Interval{Start: ClockFromPg(start), End: ClockFromPg(end)})
	}
	return out, rows.Err()
}

func (r *PgRepository) CreateProvider(ctx context.Context, name string) (*Provider, error) {
	var p Provider
	err := r.q.QueryRow(ctx, `
		INSERT INTO providers (id, name, created_at, updated_at)
		VALUES ($1, $2, now(), now())
		RETURNING id, name, created_at, updated_at
	`, uuid.New(), name).Scan(&p.ID, &p.Name, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert provider: %w", err)
	}
	return &p, nil
}

func (r *PgRepository) CreateBlock(ctx context.Context, b Block) (*Block, error) {
	if b.Weekday < 1 || b.Weekday > 7 {
		return nil, fmt.Errorf("weekday %d out of range 1..7", b.Weekday)
	}
	if b.End <= b.Start {
		return nil, fmt.Errorf("block end %s must be after start %s", b.End, b.Start)
	}
	b.ID = uuid.New()
	_, err := r.q.Exec(ctx, `
		INSERT INTO schedule_blocks (id, provider_id, day_of_week, start_time, end_time)
		VALUES ($1, $2, $3, $4, $5)
	`, b.ID, b.ProviderID, b.Weekday, b.Start.PgTime(), b.End.PgTime())
	if err != nil {
		return nil, fmt.Errorf("insert schedule block: %w", err)
	}
	return &b, nil
}

func (r *PgRepository) CreateService(ctx context.Context, s Service) (*Service, error) {
	row := r.q.QueryRow(ctx, `
		INSERT INTO services (id, provider_id, name, duration_minutes, price_cents, active)
		VALUES ($1, $2, $3, $4, $5, true)
		RETURNING id, provider_id, name, duration_minutes, price_cents, active
	`, uuid.New(), s.ProviderID, s.Name, s.DurationMinutes, s.PriceCents)
	return scanService(row)
}

func pgDate(t time.Time) pgtype.Date {
	y, m, d := t.Date()
	return pgtype.Date{Time: time.Date(y, m, d, 0, 0, 0, 0, time.UTC), Valid: true}
}

// PgDate is exported for repositories in other packages that key on DATE.
func PgDate(t time.Time) pgtype.Date { return pgDate(t) }
