package hub

import (
	"log/slog"

	"github.com/shubhambandhovar/CanvasFlow-AI/domain"
)

// Broadcast sends event to every member of roomID except exclude and returns
// the number of members the frame was queued for. Sends happen outside the
// room lock. A member whose Send fails is closed in the background so that
// its own read loop performs the leave.
func (h *Hub) Broadcast(roomID, event string, payload any, exclude domain.Connection) int {
	r := h.lookup(roomID)
	if r == nil {
		return 0
	}

	data, err := domain.Encode(event, payload)
	if err != nil {
		slog.Warn("marshal error", "room", roomID, "event", event, "error", err)
		return 0
	}

	excludeID := ""
	if exclude != nil {
		excludeID = exclude.ID()
	}

	delivered := 0
	for _, conn := range r.recipients(excludeID) {
		if err := conn.Send(data); err != nil {
			slog.Warn("send failed, dropping client", "room", roomID, "clientId", conn.ID(), "event", event, "error", err)
			go func(c domain.Connection) {
				c.Close()
			}(conn)
			continue
		}
		delivered++
	}
	return delivered
}

func (h *Hub) SendTo(conn domain.Connection, event string, payload any) error {
	data, err := domain.Encode(event, payload)
	if err != nil {
		return err
	}
	return conn.Send(data)
}
