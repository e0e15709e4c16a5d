package api

import (
	"net/http"

	"scand/internal/health"
	"scand/internal/hub"
	"scand/internal/observability"
	"scand/internal/scan"
)

// RouterConfig holds the router's dependencies.
type RouterConfig struct {
	Registry      *scan.Registry
	Hub           *hub.Hub
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter wires all routes and the middleware chain.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Registry, cfg.Hub, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Probes, no auth.
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	auth := AuthMiddleware(cfg.APIKey)
	protected := func(h http.HandlerFunc) http.Handler {
		return auth(h)
	}

	mux.Handle("POST /api/scans", protected(handler.CreateScan))
	mux.Handle("GET /api/scans", protected(handler.ListScans))
	mux.Handle("GET /api/scans/{scanId}", protected(handler.GetScan))
	mux.Handle("POST /api/scans/{scanId}/start", protected(handler.StartScan))
	mux.Handle("POST /api/scans/{scanId}/stop", protected(handler.StopScan))
	mux.Handle("DELETE /api/scans/{scanId}", protected(handler.DeleteScan))

	mux.Handle("GET /api/scans/{scanId}/agents", protected(handler.ListAgents))
	mux.Handle("GET /api/scans/{scanId}/agents/{agentId}", protected(handler.GetAgent))
	mux.Handle("GET /api/scans/{scanId}/agents/{agentId}/messages", protected(handler.ListAgentMessages))
	mux.Handle("GET /api/scans/{scanId}/agents/{agentId}/tools", protected(handler.ListAgentTools))
	mux.Handle("POST /api/scans/{scanId}/agents/{agentId}/message", protected(handler.SendAgentMessage))
	mux.Handle("POST /api/scans/{scanId}/agents/{agentId}/stop", protected(handler.StopAgent))

	mux.Handle("GET /api/scans/{scanId}/vulnerabilities", protected(handler.ListVulnerabilities))
	mux.Handle("GET /api/scans/{scanId}/stats", protected(handler.GetStats))
	mux.Handle("GET /api/scans/{scanId}/containers", protected(handler.ListContainers))

	// Real-time channel. Browsers cannot set Authorization on
	// WebSocket requests, so the channel is read-only and unauthenticated.
	mux.HandleFunc("GET /ws", handler.ServeWS)

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
