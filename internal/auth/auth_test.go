package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActorPermissions(t *testing.T) {
	me := uuid.New()
	other := uuid.New()

	patient := Actor{AccountID: me, Role: RolePatient}
	assert.False(t, patient.IsStaff())
	assert.True(t, patient.CanActFor(me))
	assert.False(t, patient.CanActFor(other))

	provider := Actor{AccountID: uuid.New(), Role: RoleProvider}
	assert.True(t, provider.IsStaff())
	assert.True(t, provider.CanActFor(other))
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole(" Admin ")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, r)

	_, err = ParseRole("dentist")
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	var seen Actor
	h := Middleware(func(w http.ResponseWriter, status int, msg string) {
		http.Error(w, msg, status)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	id := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderAccountID, id.String())
	req.Header.Set(HeaderRole, "patient")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, Actor{AccountID: id, Role: RolePatient}, seen)

	for _, hdr := range []map[string]string{
		{},
		{HeaderAccountID: "nope", HeaderRole: "patient"},
		{HeaderAccountID: id.String(), HeaderRole: "janitor"},
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		for k, v := range hdr {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
}

func TestPgDirectory(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	dir := NewPgDirectory(mock)
	ctx := context.Background()
	id := uuid.New()

	mock.ExpectQuery(`SELECT active FROM patients`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"active"}).AddRow(true))
	active, err := dir.IsActive(ctx, id)
	require.NoError(t, err)
	assert.True(t, active)

	mock.ExpectQuery(`SELECT active FROM patients`).
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)
	_, err = dir.IsActive(ctx, id)
	assert.ErrorIs(t, err, ErrAccountNotFound)

	mock.ExpectExec(`UPDATE patients`).
		WithArgs(id, false).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	changed, err := dir.Deactivate(ctx, id)
	require.NoError(t, err)
	assert.True(t, changed)

	// already active: nothing to change
	mock.ExpectExec(`UPDATE patients`).
		WithArgs(id, true).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	changed, err = dir.Reactivate(ctx, id)
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, mock.ExpectationsWereMet())
}
