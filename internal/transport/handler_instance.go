package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/steward/internal/workflow"
	"github.com/pitabwire/steward/model"
)

type stepActionRequest struct {
	Reason         string           `json:"reason"`
	ExpectedStatus model.StepStatus `json:"expected_status"`
	// Until and For are alternative ways to give a snooze wake time.
	Until     *time.Time       `json:"until"`
	For       string           `json:"for"`
	Condition *model.Predicate `json:"condition"`
}

type stepResponse struct {
	Instance model.WorkflowInstance `json:"instance"`
	Step     model.StepState        `json:"step"`
	Changed  bool                   `json:"changed"`
}

func (h *handlers) getInstance(w http.ResponseWriter, r *http.Request) {
	doc, err := h.engine.Document(r.Context(), chi.URLParam(r, "instanceId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, doc)
}

func (h *handlers) complete(w http.ResponseWriter, r *http.Request) {
	inst, err := h.engine.Complete(r.Context(), chi.URLParam(r, "instanceId"), model.ActorIDFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, inst)
}

func (h *handlers) stepAction(w http.ResponseWriter, r *http.Request) {
	idx, err := stepIndexParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var body stepActionRequest
	if err := decodeBody(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}

	ctx := r.Context()
	cmd := workflow.StepCommand{
		InstanceID:     chi.URLParam(r, "instanceId"),
		StepIndex:      idx,
		ActorID:        model.ActorIDFrom(ctx),
		Reason:         body.Reason,
		ExpectedStatus: body.ExpectedStatus,
	}

	var res workflow.TransitionResult
	switch action := chi.URLParam(r, "action"); model.ActionType(action) {
	case model.ActionAdvance:
		res, err = h.engine.Advance(ctx, cmd)
	case model.ActionSnooze:
		var until *time.Time
		until, err = h.snoozeUntil(body)
		if err == nil {
			res, err = h.engine.Snooze(ctx, cmd, until, body.Condition)
		}
	case model.ActionSkip:
		res, err = h.engine.Skip(ctx, cmd)
	case model.ActionEscalate:
		res, err = h.engine.Escalate(ctx, cmd)
	case model.ActionWake:
		res, err = h.engine.Wake(ctx, cmd)
	default:
		err = model.NewNotFoundError("unknown step action " + action)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, stepResponse{Instance: res.Instance, Step: res.Step, Changed: res.Changed})
}

// snoozeUntil resolves the absolute wake time from either until or a
// relative duration.
func (h *handlers) snoozeUntil(body stepActionRequest) (*time.Time, error) {
	if body.For == "" {
		return body.Until, nil
	}
	if body.Until != nil {
		return nil, model.NewValidationError([]model.FieldError{{
			Field: "for", Code: "CONFLICTING", Message: "give either until or for, not both",
		}})
	}
	d, err := time.ParseDuration(body.For)
	if err != nil || d <= 0 {
		return nil, model.NewValidationError([]model.FieldError{{
			Field: "for", Code: "INVALID", Message: "for must be a positive duration such as 48h",
		}})
	}
	until := h.clock().Add(d)
	return &until, nil
}

func (h *handlers) diagnose(w http.ResponseWriter, r *http.Request) {
	idx, err := stepIndexParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	diag, err := h.evaluator.Diagnose(r.Context(), chi.URLParam(r, "instanceId"), idx, h.clock())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, diag)
}
