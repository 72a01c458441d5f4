package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/steward/internal/config"
	"github.com/pitabwire/steward/internal/evaluator"
	"github.com/pitabwire/steward/internal/observability"
	"github.com/pitabwire/steward/internal/portfolio"
	"github.com/pitabwire/steward/internal/scheduler"
	"github.com/pitabwire/steward/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Engine    *workflow.Engine
	Scheduler *scheduler.Scheduler
	Evaluator *evaluator.Evaluator
	Events    portfolio.EventSource
	Readiness observability.ReadinessChecks
	// MetricsHandler serves /metrics. Defaults to the global Prometheus
	// registry.
	MetricsHandler http.Handler
	// Clock is the time source for diagnostics and event-triggered
	// evaluation.
	Clock func() time.Time
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints skip the
// request logging and timeout layers.
func NewRouter(deps Dependencies) chi.Router {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Now().UTC() }
	}
	metricsHandler := deps.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = observability.Handler()
	}

	r := chi.NewRouter()
	r.Use(Recovery(deps.Logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(SecurityHeaders)

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, metricsHandler)
	}

	h := &handlers{
		engine:    deps.Engine,
		scheduler: deps.Scheduler,
		evaluator: deps.Evaluator,
		events:    deps.Events,
		logger:    deps.Logger,
		clock:     deps.Clock,
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}
		r.Use(Actor)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(deps.Logger))

		r.Get("/queue", h.queue)
		r.Get("/instances/{instanceId}", h.getInstance)
		r.Post("/instances/{instanceId}/complete", h.complete)
		r.Post("/instances/{instanceId}/steps/{stepIndex}/{action}", h.stepAction)
		r.Get("/instances/{instanceId}/steps/{stepIndex}/diagnosis", h.diagnose)
		r.Post("/accounts/{accountId}/events", h.recordEvent)
	})

	return r
}
