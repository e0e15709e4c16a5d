package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"scand/internal/hub"
)

// clientMessage is what observers send over the socket.
type clientMessage struct {
	Type   string `json:"type"`
	ScanID string `json:"scan_id,omitempty"`
}

// ServeWS handles GET /ws. A scan_id query parameter subscribes the
// connection to that scan and sends its current state as the first
// frame; without it the connection receives all scans' events and the
// current scan list as the first frame. The read loop accepts
// subscribe, unsubscribe, ping, and pong messages.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// CORS is already open on the REST surface.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("WebSocket accept failed", "error", err)
		return
	}

	conn := h.hub.Add(ws)
	defer h.hub.Remove(conn)

	ctx := r.Context()
	if scanID := r.URL.Query().Get("scan_id"); scanID != "" {
		conn.Subscribe(scanID)
		if err := h.sendInitialState(ctx, conn, scanID); err != nil {
			return
		}
	} else if err := h.sendScanList(ctx, conn); err != nil {
		return
	}

	for {
		var msg clientMessage
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			return
		}
		switch msg.Type {
		case "subscribe":
			conn.Subscribe(msg.ScanID)
			if msg.ScanID != "" {
				if err := h.sendInitialState(ctx, conn, msg.ScanID); err != nil {
					return
				}
			}
		case "unsubscribe":
			conn.Unsubscribe(msg.ScanID)
		case "ping":
			if err := conn.Send(ctx, map[string]string{"type": "pong"}); err != nil {
				return
			}
		case "pong":
			// Liveness reply, nothing to do.
		default:
			slog.Debug("Ignoring unknown WebSocket message", "type", msg.Type)
		}
	}
}

// sendScanList gives receive-all observers the current scan set as
// their first frame.
func (h *Handler) sendScanList(ctx context.Context, conn *hub.Conn) error {
	return conn.Send(ctx, map[string]any{
		"type":      "initial_state",
		"timestamp": time.Now().UTC(),
		"data": map[string]any{
			"scans": h.registry.List(),
		},
	})
}

// sendInitialState pushes a point-in-time view of one scan so a fresh
// observer does not start from a blank slate. Unknown scans are
// silently skipped; the subscription stays in place for when the scan
// appears.
func (h *Handler) sendInitialState(ctx context.Context, conn *hub.Conn, scanID string) error {
	snap, err := h.registry.Get(scanID)
	if err != nil {
		return nil
	}
	tr, err := h.registry.Trace(scanID)
	if err != nil {
		return nil
	}
	return conn.Send(ctx, map[string]any{
		"type":      "initial_state",
		"scan_id":   scanID,
		"timestamp": time.Now().UTC(),
		"data": map[string]any{
			"scan":            snap,
			"agents":          tr.Agents(),
			"vulnerabilities": tr.Vulnerabilities(),
			"stats":           tr.Counts(),
		},
	})
}
