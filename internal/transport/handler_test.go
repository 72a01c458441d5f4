package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pitabwire/steward/internal/catalog"
	"github.com/pitabwire/steward/internal/config"
	"github.com/pitabwire/steward/internal/evaluator"
	"github.com/pitabwire/steward/internal/observability"
	"github.com/pitabwire/steward/internal/portfolio"
	"github.com/pitabwire/steward/internal/scheduler"
	"github.com/pitabwire/steward/internal/workflow"
	"github.com/pitabwire/steward/model"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// --- Test helpers ---

type harness struct {
	router    http.Handler
	engine    *workflow.Engine
	portfolio *portfolio.MemoryStore
}

func newHarness(t *testing.T, mutate ...func(*Dependencies)) *harness {
	t.Helper()
	store, err := workflow.NewMemoryStore()
	if err != nil {
		t.Fatalf("NewMemoryStore() error = %v", err)
	}
	clock := func() time.Time { return testNow }
	engine := workflow.NewEngine(store, workflow.WithClock(clock))
	pf := portfolio.NewMemoryStore()

	defs, err := catalog.NewLoader().LoadDefaults()
	if err != nil {
		t.Fatalf("LoadDefaults() error = %v", err)
	}
	reg := prometheus.NewRegistry()

	cfg := config.Defaults()
	cfg.Server.CORS.AllowedOrigins = []string{"https://app.example.com"}
	cfg.Server.HandlerTimeout = 5 * time.Second

	deps := Dependencies{
		Config:    cfg,
		Metrics:   observability.InitMetrics(reg),
		Engine:    engine,
		Scheduler: scheduler.New(pf, pf, engine, catalog.NewRegistry(defs)),
		Evaluator: evaluator.New(engine, pf, pf),
		Events:    pf,
		Readiness: observability.ReadinessChecks{
			CatalogLoaded: func() bool { return true },
			WorkflowStore: engine,
			SignalStore:   pf,
		},
		MetricsHandler: observability.HandlerFor(reg),
		Clock:          clock,
	}
	for _, m := range mutate {
		m(&deps)
	}
	return &harness{router: NewRouter(deps), engine: engine, portfolio: pf}
}

// seed creates a three-step instance for account.
func (h *harness) seed(t *testing.T, account string, arr float64) model.WorkflowInstance {
	t.Helper()
	seeds := make([]model.StepSeed, 3)
	for i := range seeds {
		seeds[i] = model.StepSeed{StepIndex: i, StageID: fmt.Sprintf("stage-%d", i), Title: "t", Content: "c"}
	}
	inst, err := h.engine.CreateInstance(context.Background(), workflow.NewInstance{
		AccountID: account,
		Trigger:   model.WorkflowTrigger{Kind: model.TriggerRisk, WorkflowDefinitionID: "risk-intervention"},
		Signals:   model.InstanceSignals{ARR: arr},
		Steps:     seeds,
	})
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	return inst
}

func (h *harness) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp.Error.Code
}

func decodeStep(t *testing.T, w *httptest.ResponseRecorder) stepResponse {
	t.Helper()
	var resp stepResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode step body: %v", err)
	}
	return resp
}

func stepPath(inst model.WorkflowInstance, idx int, action string) string {
	return fmt.Sprintf("/v1/instances/%s/steps/%d/%s", inst.ID, idx, action)
}

// --- Probes ---

func TestRouter_health(t *testing.T) {
	h := newHarness(t)
	w := h.do("GET", "/health", "")
	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestRouter_ready(t *testing.T) {
	h := newHarness(t)
	if w := h.do("GET", "/ready", ""); w.Code != 200 {
		t.Errorf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	h = newHarness(t, func(d *Dependencies) {
		d.Readiness.CatalogLoaded = func() bool { return false }
	})
	if w := h.do("GET", "/ready", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestRouter_metrics(t *testing.T) {
	h := newHarness(t)
	h.do("GET", "/v1/queue", "")

	w := h.do("GET", "/metrics", "")
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `steward_http_requests_total{method="GET",path_pattern="/v1/queue",status="200"} 1`) {
		t.Errorf("metrics missing request counter:\n%s", w.Body.String())
	}
}

func TestRouter_metricsDisabled(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) {
		d.Config.Observability.Metrics.Enabled = false
	})
	if w := h.do("GET", "/metrics", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestRouter_correlationIDEchoed(t *testing.T) {
	h := newHarness(t)
	w := h.do("GET", "/v1/queue", "", HeaderCorrelationID, "corr-42")
	if got := w.Header().Get(HeaderCorrelationID); got != "corr-42" {
		t.Errorf("correlation id = %q", got)
	}
}

// --- Queue ---

func TestHandleQueue(t *testing.T) {
	h := newHarness(t)
	small := h.seed(t, "acc-small", 10_000)
	big := h.seed(t, "acc-big", 900_000)

	w := h.do("GET", "/v1/queue", "")
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Data       []model.RankedInstance `json:"data"`
		TotalCount int                    `json:"total_count"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.TotalCount != 2 || len(resp.Data) != 2 {
		t.Fatalf("queue = %+v", resp)
	}
	if resp.Data[0].Instance.ID != big.ID || resp.Data[1].Instance.ID != small.ID {
		t.Errorf("order = %s, %s", resp.Data[0].Instance.ID, resp.Data[1].Instance.ID)
	}
	if resp.Data[0].Rank != 1 {
		t.Errorf("rank = %d, want 1", resp.Data[0].Rank)
	}
}

func TestHandleQueue_filtersAndLimit(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "acc-1", 10_000)
	h.seed(t, "acc-2", 20_000)

	var resp struct {
		Data       []model.RankedInstance `json:"data"`
		TotalCount int                    `json:"total_count"`
	}
	w := h.do("GET", "/v1/queue?limit=1", "")
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.TotalCount != 2 || len(resp.Data) != 1 {
		t.Errorf("limit: total=%d len=%d", resp.TotalCount, len(resp.Data))
	}

	w = h.do("GET", "/v1/queue?account_id=acc-1", "")
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.TotalCount != 1 || resp.Data[0].Instance.AccountID != "acc-1" {
		t.Errorf("account filter = %+v", resp)
	}
}

// --- Instances ---

func TestHandleGetInstance(t *testing.T) {
	h := newHarness(t)
	inst := h.seed(t, "acc-1", 0)

	w := h.do("GET", "/v1/instances/"+inst.ID, "")
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	var doc model.WorkflowDocument
	json.NewDecoder(w.Body).Decode(&doc)
	if doc.Instance.ID != inst.ID || len(doc.Steps) != 3 {
		t.Errorf("document = %+v", doc)
	}
}

func TestHandleGetInstance_notFound(t *testing.T) {
	h := newHarness(t)
	w := h.do("GET", "/v1/instances/nope", "")
	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if code := errorCode(t, w); code != model.ErrNotFound {
		t.Errorf("code = %s", code)
	}
}

// --- Step actions ---

func TestHandleStepAction_advance(t *testing.T) {
	h := newHarness(t)
	inst := h.seed(t, "acc-1", 0)

	w := h.do("POST", stepPath(inst, 0, "advance"), `{"reason":"call done"}`, HeaderActorID, "user-dana")
	if w.Code != 200 {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	resp := decodeStep(t, w)
	if resp.Step.Status != model.StepStatusCompleted || !resp.Changed {
		t.Errorf("step = %+v", resp.Step)
	}

	doc, _ := h.engine.Document(context.Background(), inst.ID)
	if doc.Steps[1].Status != model.StepStatusInProgress {
		t.Errorf("next step = %s, want in_progress", doc.Steps[1].Status)
	}
	last := doc.History[len(doc.History)-1]
	if last.ActorID != "user-dana" {
		t.Errorf("history actor = %q", last.ActorID)
	}
}

func TestHandleStepAction_snoozeFor(t *testing.T) {
	h := newHarness(t)
	inst := h.seed(t, "acc-1", 0)

	w := h.do("POST", stepPath(inst, 1, "snooze"), `{"for":"48h","reason":"waiting on finance"}`)
	if w.Code != 200 {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	resp := decodeStep(t, w)
	if resp.Step.Status != model.StepStatusSnoozed {
		t.Errorf("status = %s", resp.Step.Status)
	}
	want := testNow.Add(48 * time.Hour)
	if resp.Step.SnoozeUntil == nil || !resp.Step.SnoozeUntil.Equal(want) {
		t.Errorf("SnoozeUntil = %v, want %v", resp.Step.SnoozeUntil, want)
	}
	if !resp.Instance.HasSnoozedSteps {
		t.Error("HasSnoozedSteps = false")
	}
}

func TestHandleStepAction_errors(t *testing.T) {
	tests := []struct {
		name       string
		index      string
		action     string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"snooze without wake", "1", "snooze", `{}`, 422, model.ErrValidationError},
		{"snooze until and for", "1", "snooze", `{"for":"1h","until":"2026-04-01T00:00:00Z"}`, 422, model.ErrValidationError},
		{"snooze bad duration", "1", "snooze", `{"for":"soon"}`, 422, model.ErrValidationError},
		{"wake open step", "0", "wake", ``, 422, model.ErrInvalidTransition},
		{"stale expected status", "0", "advance", `{"expected_status":"pending"}`, 409, model.ErrConcurrentModification},
		{"bad index", "x", "advance", ``, 400, model.ErrBadRequest},
		{"negative index", "-1", "advance", ``, 400, model.ErrBadRequest},
		{"missing step", "9", "advance", ``, 404, model.ErrNotFound},
		{"unknown action", "0", "teleport", ``, 404, model.ErrNotFound},
		{"invalid json", "0", "advance", `{"reason":`, 400, model.ErrBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			inst := h.seed(t, "acc-1", 0)
			path := fmt.Sprintf("/v1/instances/%s/steps/%s/%s", inst.ID, tt.index, tt.action)

			w := h.do("POST", path, tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if code := errorCode(t, w); code != tt.wantCode {
				t.Errorf("code = %s, want %s", code, tt.wantCode)
			}
		})
	}
}

// --- Complete ---

func TestHandleComplete_blockedBySnoozedStep(t *testing.T) {
	h := newHarness(t)
	inst := h.seed(t, "acc-1", 0)

	h.do("POST", stepPath(inst, 0, "advance"), "")
	h.do("POST", stepPath(inst, 1, "snooze"), `{"for":"24h"}`)
	h.do("POST", stepPath(inst, 2, "advance"), "")

	w := h.do("POST", "/v1/instances/"+inst.ID+"/complete", "")
	if w.Code != 409 {
		t.Fatalf("status = %d, want 409: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != model.ErrStepsStillSnoozed {
		t.Errorf("code = %s", code)
	}

	h.do("POST", stepPath(inst, 1, "wake"), "")
	h.do("POST", stepPath(inst, 1, "advance"), "")

	w = h.do("POST", "/v1/instances/"+inst.ID+"/complete", "", HeaderActorID, "user-dana")
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var done model.WorkflowInstance
	json.NewDecoder(w.Body).Decode(&done)
	if done.Status != model.InstanceStatusCompleted {
		t.Errorf("instance status = %s", done.Status)
	}
}

func TestHandleComplete_openSteps(t *testing.T) {
	h := newHarness(t)
	inst := h.seed(t, "acc-1", 0)

	w := h.do("POST", "/v1/instances/"+inst.ID+"/complete", "")
	if w.Code != 422 {
		t.Errorf("status = %d, want 422", w.Code)
	}
}

// --- Diagnosis ---

func TestHandleDiagnose(t *testing.T) {
	h := newHarness(t)
	inst := h.seed(t, "acc-1", 0)
	h.do("POST", stepPath(inst, 1, "snooze"), `{"for":"24h","reason":"waiting on legal"}`, HeaderActorID, "user-dana")

	w := h.do("GET", fmt.Sprintf("/v1/instances/%s/steps/1/diagnosis", inst.ID), "")
	if w.Code != 200 {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var diag evaluator.Diagnosis
	json.NewDecoder(w.Body).Decode(&diag)
	if diag.WouldWake || diag.UntilReached {
		t.Errorf("diagnosis = %+v, want still waiting", diag)
	}
	if diag.SnoozedBy != "user-dana" || diag.SnoozeReason != "waiting on legal" {
		t.Errorf("snoozed by %q for %q", diag.SnoozedBy, diag.SnoozeReason)
	}
}

// --- Events ---

func TestHandleRecordEvent_wakesConditionStep(t *testing.T) {
	h := newHarness(t)
	inst := h.seed(t, "acc-1", 0)
	w := h.do("POST", stepPath(inst, 1, "snooze"), `{"condition":{"kind":"event","event":"contract_signed"}}`)
	if w.Code != 200 {
		t.Fatalf("snooze status = %d: %s", w.Code, w.Body.String())
	}

	w = h.do("POST", "/v1/accounts/acc-1/events", `{"name":"contract_signed","occurred_at":"2026-03-02T10:00:00Z"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	var resp eventResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Event.ID == "" || resp.Event.AccountID != "acc-1" {
		t.Errorf("event = %+v", resp.Event)
	}
	if resp.Evaluation == nil || len(resp.Evaluation.Woken) != 1 {
		t.Fatalf("evaluation = %+v", resp.Evaluation)
	}
	if resp.Evaluation.Woken[0].Reason != evaluator.ReasonCondition {
		t.Errorf("reason = %s", resp.Evaluation.Woken[0].Reason)
	}

	st, _ := h.engine.Step(context.Background(), inst.ID, 1)
	if st.Status != model.StepStatusPending {
		t.Errorf("step status = %s, want pending", st.Status)
	}
}

func TestHandleRecordEvent_validation(t *testing.T) {
	h := newHarness(t)
	w := h.do("POST", "/v1/accounts/acc-1/events", `{"data":{"k":"v"}}`)
	if w.Code != 422 {
		t.Errorf("status = %d, want 422", w.Code)
	}
	if code := errorCode(t, w); code != model.ErrValidationError {
		t.Errorf("code = %s", code)
	}
}

func TestHandleRecordEvent_duplicate(t *testing.T) {
	h := newHarness(t)
	body := `{"id":"ev-1","name":"qbr_held"}`
	if w := h.do("POST", "/v1/accounts/acc-1/events", body); w.Code != 201 {
		t.Fatalf("first status = %d", w.Code)
	}
	w := h.do("POST", "/v1/accounts/acc-1/events", body)
	if w.Code != 409 {
		t.Errorf("status = %d, want 409", w.Code)
	}
}
