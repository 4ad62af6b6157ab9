package hub

import (
	"github.com/DoyleJ11/race-sync-backend/internal/engine"
	"github.com/DoyleJ11/race-sync-backend/pkg/types"
)

// relayTelemetry forwards the sender's latest values to the other
// participant, and back to the sender when echo is enabled. Frames are
// lossy: a full outbox skips this frame and the next one supersedes it.
func (h *Hub) relayTelemetry(s engine.Session, evt engine.Event) {
	p, ok := s.Participant(evt.ConnectionID)
	if !ok {
		return
	}
	frame := types.Telemetry{
		Type:      types.MsgTelemetry,
		SlotIndex: p.Slot,
		Position:  p.Position,
		Progress:  p.Progress,
		Score:     p.Score,
		Combo:     p.Combo,
	}
	for _, q := range s.Participants {
		if q.ConnectionID == p.ConnectionID && !h.cfg.EchoTelemetry {
			continue
		}
		h.send(q.ConnectionID, frame)
	}
}
