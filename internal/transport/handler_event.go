package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/steward/internal/evaluator"
	"github.com/pitabwire/steward/internal/observability"
	"github.com/pitabwire/steward/model"
)

type eventRequest struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Data       map[string]any `json:"data"`
	OccurredAt time.Time      `json:"occurred_at"`
}

type eventResponse struct {
	Event      model.BusinessEvent `json:"event"`
	Evaluation *evaluator.Report   `json:"evaluation,omitempty"`
}

// recordEvent stores a business event and immediately evaluates the
// account's snoozed steps so event conditions fire without waiting for the
// next periodic pass. A failed evaluation is logged; the event stays
// recorded and the periodic pass retries the wake.
func (h *handlers) recordEvent(w http.ResponseWriter, r *http.Request) {
	var body eventRequest
	if err := decodeBody(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	accountID := chi.URLParam(r, "accountId")

	ev, err := h.events.RecordEvent(r.Context(), model.BusinessEvent{
		ID:         body.ID,
		AccountID:  accountID,
		Name:       body.Name,
		Data:       body.Data,
		OccurredAt: body.OccurredAt,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := eventResponse{Event: ev}
	if h.evaluator != nil {
		report, err := h.evaluator.EvaluateAccount(r.Context(), accountID, h.clock())
		if err != nil {
			observability.LoggerFrom(r.Context(), h.logger).Warn("event-triggered evaluation failed",
				zap.String("account_id", accountID),
				zap.String("event_id", ev.ID),
				zap.Error(err),
			)
		} else {
			resp.Evaluation = &report
		}
	}
	WriteJSON(w, http.StatusCreated, resp)
}
