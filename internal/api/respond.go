package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hackgods/clinic-booking/internal/apperr"
	"github.com/hackgods/clinic-booking/internal/logging"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// writeAppError renders the error taxonomy. Anything outside it is logged
// and reported as a bare 500 so internals never reach the caller.
func writeAppError(w http.ResponseWriter, logger *logging.Logger, err error) {
	var (
		ve *apperr.ValidationError
		ce *apperr.ConflictError
		pe *apperr.PolicyError
		pb *apperr.PolicyBlockedError
		ae *apperr.AuthenticityError
		re *apperr.ReconciliationError
		ue *apperr.UpstreamUnavailable
		ne *apperr.NotFoundError
		fe *apperr.ForbiddenError
	)
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Code, ve.Message)
	case errors.As(err, &pb):
		days := pb.GraceDaysRemaining
		writeJSON(w, http.StatusForbidden, ErrorResponse{
			Error:              "account_blocked",
			Details:            pb.Message,
			State:              pb.State,
			FeeCents:           pb.FeeCents,
			GraceDaysRemaining: &days,
		})
	case errors.As(err, &pe):
		writeError(w, http.StatusUnprocessableEntity, pe.Code, pe.Message)
	case errors.As(err, &ce):
		writeError(w, http.StatusConflict, "slot_unavailable", ce.Message)
	case errors.As(err, &ne):
		writeError(w, http.StatusNotFound, "not_found", ne.Error())
	case errors.As(err, &fe):
		writeError(w, http.StatusForbidden, "forbidden", fe.Message)
	case errors.As(err, &ae):
		writeError(w, http.StatusForbidden, "forbidden", "")
	case errors.As(err, &re) && re.NotFound:
		writeError(w, http.StatusNotFound, "unknown_reference", re.Message)
	case errors.As(err, &re):
		writeError(w, http.StatusBadRequest, "reconciliation_failed", re.Message)
	case errors.As(err, &ue):
		writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", "the payment provider is not responding, try again later")
	default:
		logger.Error("unhandled error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "")
	}
}
