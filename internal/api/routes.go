package api

import (
	"net/http"

	"jobsengine/internal/health"
	"jobsengine/internal/notify"
	"jobsengine/internal/observability"
	"jobsengine/internal/orchestrator"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Service       *orchestrator.Service
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	Notifier      *notify.Notifier
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Service, cfg.Metrics, cfg.HealthChecker, cfg.Notifier)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Job endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/jobs", authMiddleware(http.HandlerFunc(handler.SubmitJob)))
	mux.Handle("GET /v1/jobs", authMiddleware(http.HandlerFunc(handler.ListJobs)))
	mux.Handle("GET /v1/jobs/{jobId}", authMiddleware(http.HandlerFunc(handler.GetJob)))
	mux.Handle("DELETE /v1/jobs/{jobId}", authMiddleware(http.HandlerFunc(handler.CancelJob)))
	mux.Handle("GET /v1/jobs/{jobId}/logs", authMiddleware(http.HandlerFunc(handler.GetLogs)))
	mux.Handle("GET /v1/jobs/{jobId}/stream", authMiddleware(http.HandlerFunc(handler.StreamLogs)))
	mux.Handle("GET /v1/jobs/{jobId}/pipeline", authMiddleware(http.HandlerFunc(handler.GetPipeline)))
	mux.Handle("GET /v1/stats/notifier", authMiddleware(http.HandlerFunc(handler.NotifierStats)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
