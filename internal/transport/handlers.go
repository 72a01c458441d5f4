package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/steward/internal/evaluator"
	"github.com/pitabwire/steward/internal/observability"
	"github.com/pitabwire/steward/internal/portfolio"
	"github.com/pitabwire/steward/internal/scheduler"
	"github.com/pitabwire/steward/internal/workflow"
	"github.com/pitabwire/steward/model"
)

type handlers struct {
	engine    *workflow.Engine
	scheduler *scheduler.Scheduler
	evaluator *evaluator.Evaluator
	events    portfolio.EventSource
	logger    *zap.Logger
	clock     func() time.Time
}

// fail writes err, stamping the trace id on the envelope. Server-side
// failures are logged with their full cause.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	if StatusFor(err) >= http.StatusInternalServerError {
		observability.LoggerFrom(r.Context(), h.logger).Error("request failed", zap.Error(err))
	}
	var ee *model.ErrorEnvelope
	if traceID := observability.TraceIDFromContext(r.Context()); traceID != "" && errors.As(err, &ee) {
		stamped := *ee
		stamped.TraceID = traceID
		err = &stamped
	}
	WriteError(w, err)
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

func stepIndexParam(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "stepIndex")
	idx, err := strconv.Atoi(raw)
	if err != nil || idx < 0 {
		return 0, model.NewBadRequestError("step index must be a non-negative integer, got " + strconv.Quote(raw))
	}
	return idx, nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
