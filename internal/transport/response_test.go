package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pitabwire/steward/model"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["hello"] != "world" {
		t.Errorf("body = %v", body)
	}
}

func TestWriteError_statusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.NewInvalidTransitionError("no"), http.StatusUnprocessableEntity},
		{model.NewValidationError(nil), http.StatusUnprocessableEntity},
		{model.NewConcurrentModificationError("raced"), http.StatusConflict},
		{model.NewStepsStillSnoozedError("wf-1", []int{2}), http.StatusConflict},
		{model.NewConflictError("dup"), http.StatusConflict},
		{model.NewNotFoundError("gone"), http.StatusNotFound},
		{model.NewBadRequestError("bad"), http.StatusBadRequest},
		{model.NewInternalError(), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(model.CodeOf(tt.err), func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			var resp struct {
				Error model.ErrorEnvelope `json:"error"`
			}
			json.NewDecoder(w.Body).Decode(&resp)
			if resp.Error.Code != model.CodeOf(tt.err) {
				t.Errorf("code = %q, want %q", resp.Error.Code, model.CodeOf(tt.err))
			}
		})
	}
}

func TestWriteError_wrapped(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, fmt.Errorf("store: %w", model.NewNotFoundError("instance missing")))

	if w.Code != 404 {
		t.Errorf("status = %d, want 404 for wrapped envelope", w.Code)
	}
}

func TestWriteError_nonEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, fmt.Errorf("connection reset by peer"))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500", w.Code)
	}
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error.Code != model.ErrInternalError {
		t.Errorf("code = %q, want INTERNAL_ERROR", resp.Error.Code)
	}
}

func TestWriteError_unmappedCodeIsMasked(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, model.NewScoringFailure("acc-1", fmt.Errorf("db password rejected")))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500", w.Code)
	}
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error.Code != model.ErrInternalError {
		t.Errorf("code = %q, want INTERNAL_ERROR", resp.Error.Code)
	}
}

func TestStatusFor(t *testing.T) {
	if got := StatusFor(model.NewConflictError("x")); got != 409 {
		t.Errorf("StatusFor(CONFLICT) = %d", got)
	}
	if got := StatusFor(fmt.Errorf("plain")); got != 500 {
		t.Errorf("StatusFor(plain) = %d", got)
	}
}
