// Package transport contains the HTTP router, middleware chain, and the
// handlers that expose the work queue and step actions.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/steward/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:             http.StatusBadRequest,
	model.ErrNotFound:               http.StatusNotFound,
	model.ErrConflict:               http.StatusConflict,
	model.ErrValidationError:        http.StatusUnprocessableEntity,
	model.ErrInvalidTransition:      http.StatusUnprocessableEntity,
	model.ErrConcurrentModification: http.StatusConflict,
	model.ErrStepsStillSnoozed:      http.StatusConflict,
	model.ErrUnresolvedStage:        http.StatusUnprocessableEntity,
	model.ErrTemplateHydration:      http.StatusUnprocessableEntity,
	model.ErrInternalError:          http.StatusInternalServerError,
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as an error envelope with the matching HTTP status.
// Errors that carry no envelope are reported as a generic 500 so internal
// detail never leaks to the caller.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError && ee.Code != model.ErrInternalError {
		ee = model.NewInternalError()
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// StatusFor returns the HTTP status WriteError would use for err.
func StatusFor(err error) int {
	status := statusForCode[model.CodeOf(err)]
	if status == 0 {
		return http.StatusInternalServerError
	}
	return status
}
