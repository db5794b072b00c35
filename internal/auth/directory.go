package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/clinic-booking/internal/db"
)

var ErrAccountNotFound = errors.New("account not found")

// Directory owns the account active flag.
type Directory interface {
	IsActive(ctx context.Context, accountID uuid.UUID) (bool, error)
	// Deactivate and Reactivate report whether the flag actually changed.
	Deactivate(ctx context.Context, accountID uuid.UUID) (bool, error)
	Reactivate(ctx context.Context, accountID uuid.UUID) (bool, error)
}

// PgDirectory stores the flag on patients.active. Built over a pgx.Tx it
// takes part in the caller's transaction.
type PgDirectory struct {
	q db.Querier
}

func NewPgDirectory(q db.Querier) *PgDirectory {
	return &PgDirectory{q: q}
}

func (d *PgDirectory) IsActive(ctx context.Context, accountID uuid.UUID) (bool, error) {
	var active bool
	err := d.q.QueryRow(ctx, `SELECT active FROM patients WHERE id = $1`, accountID).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrAccountNotFound
		}
		return false, fmt.Errorf("load account: %w", err)
	}
	return active, nil
}

func (d *PgDirectory) Deactivate(ctx context.Context, accountID uuid.UUID) (bool, error) {
	return d.setActive(ctx, accountID, false)
}

func (d *PgDirectory) Reactivate(ctx context.Context, accountID uuid.UUID) (bool, error) {
	return d.setActive(ctx, accountID, true)
}

// setActive only touches the row when the flag differs, so a second call is
// a no-op and the caller can use the result to decide whether to audit.
func (d *PgDirectory) setActive(ctx context.Context, accountID uuid.UUID, active bool) (bool, error) {
	tag, err := d.q.Exec(ctx, `
		UPDATE patients
		SET active = $2, updated_at = now()
		WHERE id = $1 AND active <> $2
	`, accountID, active)
	if err != nil {
		return false, fmt.Errorf("set account active=%t: %w", active, err)
	}
	return tag.RowsAffected() == 1, nil
}
