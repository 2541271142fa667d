package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/objectql/flowcore/internal/config"
	"github.com/objectql/flowcore/internal/task"
	"github.com/objectql/flowcore/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler
	Workflows    *workflow.Service
	Tasks        *task.Service

	// Health, Ready, and Metrics serve the unauthenticated operational
	// endpoints. Nil handlers fall back to minimal static responses.
	Health  http.HandlerFunc
	Ready   http.HandlerFunc
	Metrics http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	// Global middleware, applied to all routes including health.
	r.Use(Recovery(deps.Logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes bypass authentication.
	r.Get("/health", orStatic(deps.Health, "ok"))
	r.Get("/ready", orStatic(deps.Ready, "ready"))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, deps.Metrics)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(deps.Logger))

		r.Route("/api/instances", func(r chi.Router) {
			r.Post("/", handleInstanceCreate(deps.Workflows))
			r.Get("/", handleInstanceList(deps.Workflows))
			r.Get("/{instanceId}", handleInstanceGet(deps.Workflows))
			r.Post("/{instanceId}/start", handleInstanceStart(deps.Workflows))
			r.Post("/{instanceId}/transitions/{transition}", handleInstanceTransition(deps.Workflows))
			r.Post("/{instanceId}/abort", handleInstanceAbort(deps.Workflows))
			r.Get("/{instanceId}/tasks", handleInstanceTasks(deps.Tasks))
		})

		r.Post("/api/flows/{flowId}/execute", handleFlowExecute(deps.Workflows))

		r.Route("/api/tasks", func(r chi.Router) {
			r.Post("/", handleTaskCreate(deps.Tasks))
			r.Get("/{taskId}", handleTaskGet(deps.Tasks))
			r.Post("/{taskId}/complete", handleTaskComplete(deps.Tasks))
			r.Post("/{taskId}/reject", handleTaskReject(deps.Tasks))
			r.Post("/{taskId}/delegate", handleTaskDelegate(deps.Tasks))
			r.Post("/{taskId}/escalate", handleTaskEscalate(deps.Tasks))
		})

		r.Get("/api/definitions", handleDefinitionList(deps.Workflows))
		r.Get("/api/definitions/{definitionId}", handleDefinitionGet(deps.Workflows))
	})

	return r
}

func orStatic(h http.HandlerFunc, status string) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": status})
	}
}
