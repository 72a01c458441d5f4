// Package integration provides a reusable test harness for end-to-end
// testing of the steward server. It starts a full HTTP server over the
// in-memory stores, the bundled catalog and a miniredis-backed step event
// stream, with a clock the test can move forward.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/steward/internal/catalog"
	"github.com/pitabwire/steward/internal/config"
	"github.com/pitabwire/steward/internal/evaluator"
	"github.com/pitabwire/steward/internal/notify"
	"github.com/pitabwire/steward/internal/observability"
	"github.com/pitabwire/steward/internal/portfolio"
	"github.com/pitabwire/steward/internal/scheduler"
	"github.com/pitabwire/steward/internal/transport"
	"github.com/pitabwire/steward/internal/workflow"
	"github.com/pitabwire/steward/model"
)

const eventStream = "steward:step-events"

// defaultStart is the harness clock's initial reading unless overridden.
var defaultStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// TestHarness encapsulates a fully wired steward instance.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	redis  *redis.Client

	// Internal components exposed for advanced test scenarios.
	Engine    *workflow.Engine
	Scheduler *scheduler.Scheduler
	Evaluator *evaluator.Evaluator
	Portfolio *portfolio.MemoryStore
	Registry  *prometheus.Registry

	mu  sync.Mutex
	now time.Time
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	snapshots []model.AccountSignalSnapshot
	start     time.Time
}

// WithSnapshots seeds the portfolio with account signal snapshots.
func WithSnapshots(snaps ...model.AccountSignalSnapshot) HarnessOption {
	return func(c *harnessConfig) {
		c.snapshots = append(c.snapshots, snaps...)
	}
}

// WithStartTime sets the harness clock's initial reading.
func WithStartTime(t time.Time) HarnessOption {
	return func(c *harnessConfig) {
		c.start = t
	}
}

// NewTestHarness creates and starts a fully wired steward server.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hcfg := &harnessConfig{start: defaultStart}
	for _, opt := range opts {
		opt(hcfg)
	}

	h := &TestHarness{t: t, now: hcfg.start}

	mr := miniredis.RunT(t)
	h.redis = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { h.redis.Close() })

	defs, err := catalog.NewLoader().LoadDefaults()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	registry := catalog.NewRegistry(defs)

	store, err := workflow.NewMemoryStore()
	if err != nil {
		t.Fatalf("create workflow store: %v", err)
	}

	h.Registry = prometheus.NewRegistry()
	metrics := observability.InitMetrics(h.Registry)
	notifier := notify.NewRedisNotifier(h.redis, eventStream, notify.WithRetry(1, time.Millisecond))

	h.Engine = workflow.NewEngine(store,
		workflow.WithClock(h.Now),
		workflow.WithMetrics(metrics),
		workflow.WithNotifier(notifier),
	)
	h.Portfolio = portfolio.NewMemoryStore(hcfg.snapshots...)
	h.Scheduler = scheduler.New(h.Portfolio, h.Portfolio, h.Engine, registry,
		scheduler.WithClock(h.Now),
		scheduler.WithMetrics(metrics),
	)
	h.Evaluator = evaluator.New(h.Engine, h.Portfolio, h.Portfolio,
		evaluator.WithClock(h.Now),
		evaluator.WithMetrics(metrics),
	)

	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = 5 * time.Second

	router := transport.NewRouter(transport.Dependencies{
		Config:    cfg,
		Metrics:   metrics,
		Engine:    h.Engine,
		Scheduler: h.Scheduler,
		Evaluator: h.Evaluator,
		Events:    h.Portfolio,
		Readiness: observability.ReadinessChecks{
			CatalogLoaded: func() bool {
				_, workflows := registry.Counts()
				return workflows > 0
			},
			WorkflowStore: h.Engine,
			SignalStore:   h.Portfolio,
			Notifier:      notifier,
		},
		MetricsHandler: observability.HandlerFor(h.Registry),
		Clock:          h.Now,
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Now is the harness clock shared by every component.
func (h *TestHarness) Now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

// Advance moves the harness clock forward by d.
func (h *TestHarness) Advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

// --- Batch helpers ---

// RunCycle runs one scheduling cycle as of the harness clock.
func (h *TestHarness) RunCycle() model.CycleReport {
	h.t.Helper()
	report, err := h.Scheduler.RunCycle(context.Background(), h.Now())
	if err != nil {
		h.t.Fatalf("RunCycle() error = %v", err)
	}
	return report
}

// EvaluateDue runs one wake evaluation pass as of the harness clock.
func (h *TestHarness) EvaluateDue() evaluator.Report {
	h.t.Helper()
	report, err := h.Evaluator.EvaluateDue(context.Background(), h.Now())
	if err != nil {
		h.t.Fatalf("EvaluateDue() error = %v", err)
	}
	return report
}

// StepEvents returns every step event published to the stream so far.
func (h *TestHarness) StepEvents() []map[string]any {
	h.t.Helper()
	msgs, err := h.redis.XRange(context.Background(), eventStream, "-", "+").Result()
	if err != nil {
		h.t.Fatalf("read step events: %v", err)
	}
	out := make([]map[string]any, len(msgs))
	for i, m := range msgs {
		out[i] = m.Values
	}
	return out
}

// --- HTTP client helpers ---

// GET performs a GET request as actor. An empty actor sends no header.
func (h *TestHarness) GET(path, actor string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, actor)
}

// POST performs a POST request with a JSON body as actor.
func (h *TestHarness) POST(path string, body any, actor string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, actor)
}

func (h *TestHarness) doRequest(method, path string, body any, actor string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if actor != "" {
		req.Header.Set(transport.HeaderActorID, actor)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and the error envelope code.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, expected int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, expected, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %s, want %s", body.Error.Code, code)
	}
}
