package transport

import (
	"net/http"

	"github.com/pitabwire/steward/internal/workflow"
)

// queue returns the globally ranked open work, optionally narrowed to one
// account or workflow definition. limit=0 returns everything.
func (h *handlers) queue(w http.ResponseWriter, r *http.Request) {
	filters := workflow.InstanceFilters{
		AccountID:            r.URL.Query().Get("account_id"),
		WorkflowDefinitionID: r.URL.Query().Get("workflow_definition_id"),
	}
	ranked, err := h.scheduler.Queue(r.Context(), filters)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	total := len(ranked)
	if limit := queryInt(r, "limit", 0); limit > 0 && limit < total {
		ranked = ranked[:limit]
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"data":        ranked,
		"total_count": total,
	})
}
