// Package api provides the HTTP surface of the scan service: scan CRUD,
// per-scan read endpoints, agent operations, health probes, and the
// real-time WebSocket channel.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"scand/internal/apperrors"
	"scand/internal/health"
	"scand/internal/hub"
	"scand/internal/scan"
	"scand/internal/trace"
)

// Request bodies are capped at 1MB.
const maxRequestBodySize = 1 << 20

// Handler holds the API's dependencies.
type Handler struct {
	registry *scan.Registry
	hub      *hub.Hub
	health   *health.Checker
}

// NewHandler creates the handler set.
func NewHandler(registry *scan.Registry, h *hub.Hub, healthChecker *health.Checker) *Handler {
	return &Handler{registry: registry, hub: h, health: healthChecker}
}

type createScanRequest struct {
	scan.CreateRequest
	AutoStart *bool `json:"auto_start,omitempty"`
}

// CreateScan handles POST /api/scans. The scan starts immediately
// unless auto_start is false.
func (h *Handler) CreateScan(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req createScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	snap, err := h.registry.Create(r.Context(), req.CreateRequest)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	if req.AutoStart == nil || *req.AutoStart {
		if err := h.registry.Start(r.Context(), snap.ScanID); err != nil {
			h.handleError(w, r, err)
			return
		}
		snap, _ = h.registry.Get(snap.ScanID)
	}

	h.writeJSON(w, http.StatusCreated, snap)
}

// ListScans handles GET /api/scans.
func (h *Handler) ListScans(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"scans": h.registry.List()})
}

// GetScan handles GET /api/scans/{scanId}.
func (h *Handler) GetScan(w http.ResponseWriter, r *http.Request) {
	snap, err := h.registry.Get(r.PathValue("scanId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// StartScan handles POST /api/scans/{scanId}/start, used to restart a
// stopped scan.
func (h *Handler) StartScan(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("scanId")
	if err := h.registry.Start(r.Context(), scanID); err != nil {
		h.handleError(w, r, err)
		return
	}
	snap, _ := h.registry.Get(scanID)
	h.writeJSON(w, http.StatusOK, snap)
}

// StopScan handles POST /api/scans/{scanId}/stop. The response reports
// whether a cancellation was issued; termination is observed through
// scan_updated events.
func (h *Handler) StopScan(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("scanId")
	if _, err := h.registry.Get(scanID); err != nil {
		h.handleError(w, r, err)
		return
	}
	stopped := h.registry.Stop(r.Context(), scanID)
	h.writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

// DeleteScan handles DELETE /api/scans/{scanId}. The scan is always
// gone from the service after a successful call; a 500 with deleted=true
// means on-disk cleanup failed.
func (h *Handler) DeleteScan(w http.ResponseWriter, r *http.Request) {
	cleanupOK, err := h.registry.Delete(r.Context(), r.PathValue("scanId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if !cleanupOK {
		h.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"deleted": true,
			"error":   "scan removed but run directory cleanup failed",
		})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListAgents handles GET /api/scans/{scanId}/agents.
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	tr, err := h.registry.Trace(r.PathValue("scanId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"agents": tr.Agents()})
}

// agentTrace resolves the scan's trace and checks the agent exists.
func (h *Handler) agentTrace(r *http.Request) (*trace.Trace, string, error) {
	tr, err := h.registry.Trace(r.PathValue("scanId"))
	if err != nil {
		return nil, "", err
	}
	agentID := r.PathValue("agentId")
	if _, ok := tr.Agent(agentID); !ok {
		return nil, "", apperrors.NotFound("agent", agentID)
	}
	return tr, agentID, nil
}

// GetAgent handles GET /api/scans/{scanId}/agents/{agentId}.
func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	tr, agentID, err := h.agentTrace(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	agent, _ := tr.Agent(agentID)
	h.writeJSON(w, http.StatusOK, agent)
}

// ListAgentMessages handles GET /api/scans/{scanId}/agents/{agentId}/messages.
func (h *Handler) ListAgentMessages(w http.ResponseWriter, r *http.Request) {
	tr, agentID, err := h.agentTrace(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"messages": tr.MessagesFor(agentID)})
}

// ListAgentTools handles GET /api/scans/{scanId}/agents/{agentId}/tools.
func (h *Handler) ListAgentTools(w http.ResponseWriter, r *http.Request) {
	tr, agentID, err := h.agentTrace(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"tool_executions": tr.ToolsFor(agentID)})
}

type agentMessageRequest struct {
	Content string `json:"content"`
}

// SendAgentMessage handles POST /api/scans/{scanId}/agents/{agentId}/message.
func (h *Handler) SendAgentMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req agentMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Content == "" {
		h.writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	if err := h.registry.SendAgentMessage(r.Context(), r.PathValue("scanId"), r.PathValue("agentId"), req.Content); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// StopAgent handles POST /api/scans/{scanId}/agents/{agentId}/stop.
func (h *Handler) StopAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.StopAgent(r.Context(), r.PathValue("scanId"), r.PathValue("agentId")); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ListVulnerabilities handles GET /api/scans/{scanId}/vulnerabilities.
func (h *Handler) ListVulnerabilities(w http.ResponseWriter, r *http.Request) {
	tr, err := h.registry.Trace(r.PathValue("scanId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"vulnerabilities": tr.Vulnerabilities()})
}

// GetStats handles GET /api/scans/{scanId}/stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	tr, err := h.registry.Trace(r.PathValue("scanId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tr.Counts())
}

// ListContainers handles GET /api/scans/{scanId}/containers.
func (h *Handler) ListContainers(w http.ResponseWriter, r *http.Request) {
	infos, err := h.registry.Containers(r.Context(), r.PathValue("scanId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"containers": infos})
}

// Livez handles GET /livez.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz. 503 while dependencies are down or the
// service is draining.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	resp := h.health.Readiness(r.Context())
	status := http.StatusOK
	if !resp.IsHealthy() {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
