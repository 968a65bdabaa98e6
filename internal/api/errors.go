package api

import (
	"encoding/json"
	"net/http"

	"codeberg.org/mutker/coolerd/internal/errors"
)

// Error is the structured error response body.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // best-effort write, the client may be gone
		json.NewEncoder(w).Encode(v)
	}
}

// writeDomainError maps an error-code tagged failure to its HTTP status.
func writeDomainError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case errors.ErrNotFound:
		status = http.StatusNotFound
	case errors.ErrUnsupported, errors.ErrNotImplemented:
		status = http.StatusConflict
	case errors.ErrValidation, errors.ErrInvalidArgument:
		status = http.StatusBadRequest
	case errors.ErrBackendUnavailable:
		status = http.StatusServiceUnavailable
	case errors.ErrUnauthorized:
		status = http.StatusUnauthorized
	}

	writeJSON(w, status, Error{
		Status:  status,
		Code:    string(code),
		Message: err.Error(),
	})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, Error{
		Status:  http.StatusBadRequest,
		Code:    string(errors.ErrValidation),
		Message: message,
	})
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusUnauthorized, Error{
		Status:  http.StatusUnauthorized,
		Code:    string(errors.ErrUnauthorized),
		Message: message,
	})
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusInternalServerError, Error{
		Status:  http.StatusInternalServerError,
		Code:    string(errors.ErrInternal),
		Message: message,
	})
}
