package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/caforge/caforge/ca"
	"github.com/caforge/caforge/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// mapError translates engine and store sentinels into management API
// statuses. Policy and input errors are safe to reflect verbatim;
// anything unrecognized is an internal error and its text stays in the
// log, not the response.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ca.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ca.ErrPolicyViolation):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ca.ErrNoSigningKey):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ca.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ca.ErrBackendUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ca.ErrSigningRejected):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ca.ErrChainTooDeep), errors.Is(err, ca.ErrChainNotFound):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
