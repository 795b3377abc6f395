package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hugh/tenantgate/internal/apperr"
	"github.com/stretchr/testify/assert"
)

func TestWriteAppError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		body   string
	}{
		{"validation", apperr.Validation("name", "required"), http.StatusBadRequest, `"name":"required"`},
		{"not_found", apperr.NotFound("organization", "x"), http.StatusNotFound, "not found"},
		{"invalid_transition", &apperr.InvalidTransitionError{From: "IDLE", Transition: "approve"}, http.StatusConflict, "approve"},
		{"limit_exceeded", &apperr.LimitExceededError{Field: "listings", Limit: 2, Attempted: 3}, http.StatusUnprocessableEntity, `"attempted":3`},
		{"conflict", fmt.Errorf("org: %w", apperr.ErrConcurrencyConflict), http.StatusConflict, "retry"},
		{"wrapped_not_found", fmt.Errorf("loading: %w", apperr.NotFound("membership", "u")), http.StatusNotFound, "membership"},
		{"internal", errors.New("pq: connection refused"), http.StatusInternalServerError, "internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			writeAppError(rr, tt.err)

			assert.Equal(t, tt.status, rr.Code)
			assert.Contains(t, rr.Body.String(), tt.body)
			assert.NotContains(t, rr.Body.String(), "pq:")
		})
	}
}
