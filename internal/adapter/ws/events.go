package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Strob0t/AgentForge/internal/port/eventsink"
)

var _ eventsink.Sink = (*Hub)(nil)

// broadcastEvent marshals payload into a typed message for taskID's clients.
func (h *Hub) broadcastEvent(taskID, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.broadcast(taskID, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}

// PublishOutput pushes one agent output line to clients.
func (h *Hub) PublishOutput(_ context.Context, ev eventsink.OutputEvent) {
	h.broadcastEvent(ev.TaskID, eventsink.KindOutput, ev)
}

// PublishStatus pushes a task status change to clients.
func (h *Hub) PublishStatus(_ context.Context, ev eventsink.StatusEvent) {
	h.broadcastEvent(ev.TaskID, eventsink.KindStatus, ev)
}
