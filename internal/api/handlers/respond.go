package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hugh/tenantgate/internal/apperr"
	"github.com/hugh/tenantgate/internal/api/dto"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, dto.ErrorResponse{Error: msg})
}

func writeValidationErrors(w http.ResponseWriter, errs map[string]string) {
	writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Error: "validation failed", Details: errs})
}

// writeAppError maps domain errors onto HTTP statuses. Anything unrecognized
// is a 500 and its text is not echoed to the client.
func writeAppError(w http.ResponseWriter, err error) {
	var limit *apperr.LimitExceededError
	var invalid *apperr.ValidationError

	switch {
	case errors.As(err, &invalid):
		details := map[string]string{}
		if invalid.Field != "" {
			details[invalid.Field] = invalid.Reason
		}
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Error: err.Error(), Details: details})
	case errors.Is(err, apperr.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, apperr.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, apperr.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &limit):
		writeJSON(w, http.StatusUnprocessableEntity, dto.LimitExceededResponse{
			Error:     err.Error(),
			Field:     limit.Field,
			Limit:     limit.Limit,
			Attempted: limit.Attempted,
		})
	case errors.Is(err, apperr.ErrConcurrencyConflict):
		writeError(w, http.StatusConflict, "concurrent update, retry the request")
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
