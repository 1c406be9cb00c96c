package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	lspDomain "github.com/Strob0t/PyForge/internal/domain/lsp"
)

// Event type constants for WebSocket messages.
const (
	EventEngineStatus = "engine.status"
	EventDiagnostics  = "engine.diagnostics"
)

// EngineStatusEvent is broadcast on engine lifecycle transitions
// (ready, crashed, stopped, evicted, replaced).
type EngineStatusEvent struct {
	Workspace string `json:"workspace"`
	Status    string `json:"status"`
}

// DiagnosticsEvent is broadcast when an engine publishes diagnostics for a
// document. Broadcasts are debounced at the service layer, so bursts during
// indexing collapse into the latest state.
type DiagnosticsEvent struct {
	Workspace   string                 `json:"workspace"`
	URI         string                 `json:"uri"`
	Diagnostics []lspDomain.Diagnostic `json:"diagnostics"`
}

// BroadcastEvent marshals a typed event payload and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
