// Package auth resolves who is calling once per request. Session handling
// lives upstream; this package only trusts the identity headers set by the
// gateway in front of the service.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type Role string

const (
	RolePatient  Role = "patient"
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RolePatient, RoleProvider, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Actor is the authenticated caller.
type Actor struct {
	AccountID uuid.UUID
	Role      Role
}

// IsStaff is true for clinic-side roles.
func (a Actor) IsStaff() bool {
	return a.Role == RoleProvider || a.Role == RoleAdmin
}

// CanActFor reports whether the actor may operate on the patient's data.
func (a Actor) CanActFor(patientID uuid.UUID) bool {
	return a.IsStaff() || (a.Role == RolePatient && a.AccountID == patientID)
}

// System is used by batch jobs and the payment webhook.
var System = Actor{Role: RoleAdmin}

type ctxKey struct{}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(Actor)
	return a, ok
}

const (
	HeaderAccountID = "X-Account-ID"
	HeaderRole      = "X-Account-Role"
)

// FromRequest reads the identity headers.
func FromRequest(r *http.Request) (Actor, error) {
	rawID := r.Header.Get(HeaderAccountID)
	if rawID == "" {
		return Actor{}, fmt.Errorf("missing %s header", HeaderAccountID)
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return Actor{}, fmt.Errorf("invalid %s header", HeaderAccountID)
	}
	role, err := ParseRole(r.Header.Get(HeaderRole))
	if err != nil {
		return Actor{}, err
	}
	return Actor{AccountID: id, Role: role}, nil
}

// Middleware resolves the actor and stores it in the request context.
// Requests without a valid identity get 401 through onError.
func Middleware(onError func(w http.ResponseWriter, status int, msg string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := FromRequest(r)
			if err != nil {
				onError(w, http.StatusUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}
