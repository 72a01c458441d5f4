package integration

import (
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestHarness_HealthEndpoints(t *testing.T) {
	h := NewTestHarness(t)

	t.Run("health", func(t *testing.T) {
		resp := h.GET("/health", "")
		var body map[string]string
		h.AssertJSON(t, resp, http.StatusOK, &body)
		if body["status"] != "ok" {
			t.Errorf("health status = %q, want ok", body["status"])
		}
	})

	t.Run("ready", func(t *testing.T) {
		resp := h.GET("/ready", "")
		h.AssertStatus(t, resp, http.StatusOK)
	})
}

func TestHarness_EmptyPortfolio(t *testing.T) {
	h := NewTestHarness(t)

	report := h.RunCycle()
	if report.AccountsProcessed != 0 || len(report.Queue) != 0 {
		t.Errorf("report = %+v, want empty", report)
	}

	var queue queueBody
	h.AssertJSON(t, h.GET("/v1/queue", ""), http.StatusOK, &queue)
	if queue.TotalCount != 0 {
		t.Errorf("total_count = %d, want 0", queue.TotalCount)
	}
}

func TestHarness_MetricsExposed(t *testing.T) {
	h := NewTestHarness(t, WithSnapshots(globex(defaultStart)))
	h.RunCycle()
	h.AssertStatus(t, h.GET("/v1/queue", ""), http.StatusOK)

	resp := h.GET("/metrics", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	body := string(data)
	for _, want := range []string{
		`steward_http_requests_total{method="GET",path_pattern="/v1/queue",status="200"} 1`,
		`steward_cycle_runs_total{result="success"} 1`,
		`steward_queue_depth 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}
