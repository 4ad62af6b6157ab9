package hub

import (
	"github.com/DoyleJ11/race-sync-backend/internal/engine"
	"github.com/DoyleJ11/race-sync-backend/internal/timers"
	"github.com/DoyleJ11/race-sync-backend/pkg/types"
	"go.uber.org/zap"
)

// startGrace keeps an emptied session alive for GracePeriod so both players
// can come back with the same code. Pending race timers die with it.
func (h *Hub) startGrace(code string) {
	h.timers.Cancel(timers.Key{Entity: code, Purpose: timers.Countdown})
	h.timers.Cancel(timers.Key{Entity: code, Purpose: timers.Rematch})
	h.timers.Schedule(timers.Key{Entity: code, Purpose: timers.Grace}, h.cfg.GracePeriod)
	h.log.Info("session empty, grace period started",
		zap.String("code", code),
		zap.Duration("grace", h.cfg.GracePeriod))
}

func (h *Hub) cancelGrace(code string) {
	if h.timers.Cancel(timers.Key{Entity: code, Purpose: timers.Grace}) {
		h.log.Info("session reclaimed within grace period", zap.String("code", code))
	}
}

// inspect is sessionView plus hub-side state, for the inspection entry points.
func (h *Hub) inspect(s engine.Session) types.Session {
	v := sessionView(s)
	if at, ok := h.timers.Deadline(timers.Key{Entity: s.Code, Purpose: timers.Grace}); ok {
		v.GraceDeadline = millis(at)
	}
	return v
}

func (h *Hub) onGraceExpired(code string) {
	s, err := h.sessions.Find(code)
	if err != nil {
		return
	}
	if !s.Empty() {
		h.log.Debug("grace expired on occupied session", zap.String("code", code))
		return
	}
	h.sessions.Remove(code)
	h.timers.CancelEntity(code)
	h.log.Info("session removed after grace period", zap.String("code", code))
}
