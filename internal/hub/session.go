package hub

import (
	"time"

	"github.com/DoyleJ11/race-sync-backend/internal/engine"
	"github.com/DoyleJ11/race-sync-backend/internal/events"
	"github.com/DoyleJ11/race-sync-backend/internal/registry"
	"github.com/DoyleJ11/race-sync-backend/internal/timers"
	"github.com/DoyleJ11/race-sync-backend/pkg/types"
	"go.uber.org/zap"
)

// apply runs cmd against the stored session and writes the result back. An
// abandoned session is removed instead.
func (h *Hub) apply(code string, cmd engine.Command) (engine.Session, []engine.Event, error) {
	s, err := h.sessions.Find(code)
	if err != nil {
		return engine.Session{}, nil, err
	}
	if cmd.At.IsZero() {
		cmd.At = h.clock.Now()
	}

	evts, next, err := engine.Apply(s, cmd)
	if err != nil {
		return s, nil, err
	}
	if engine.ContainsEvent(evts, engine.EvtSessionAbandoned) {
		h.sessions.Remove(code)
	} else if err := h.sessions.Put(next); err != nil {
		return s, nil, err
	}
	return next, evts, nil
}

// emit turns engine events into broadcasts and timers. Timers are armed
// before the matching broadcast goes out.
func (h *Hub) emit(s engine.Session, evts []engine.Event) {
	aborted := engine.ContainsEvent(evts, engine.EvtRaceAborted)

	for _, evt := range evts {
		switch evt.Type {
		case engine.EvtParticipantJoined, engine.EvtRosterUpdated:
			h.broadcast(s, types.RosterUpdated{Type: types.MsgRosterUpdated, Session: sessionView(s)})

		case engine.EvtParticipantLeft:
			h.broadcast(s, types.ParticipantLeft{Type: types.MsgParticipantLeft, SlotIndex: evt.Slot, Name: evt.Name})
			if !aborted && !s.Empty() {
				h.broadcast(s, types.RosterUpdated{Type: types.MsgRosterUpdated, Session: sessionView(s)})
			}

		case engine.EvtCountdownStarted:
			h.timers.Schedule(timers.Key{Entity: s.Code, Purpose: timers.Countdown}, s.Rules.Countdown)
			h.log.Info("countdown started", zap.String("code", s.Code), zap.Time("race_start", s.RaceStart))
			h.broadcast(s, types.CountdownStarted{
				Type:               types.MsgCountdownStarted,
				CountdownDeadline:  millis(s.CountdownDeadline),
				RaceStartTimestamp: millis(s.RaceStart),
				ServerTime:         millis(h.clock.Now()),
			})

		case engine.EvtRaceStarted:
			h.log.Info("race started", zap.String("code", s.Code))
			h.broadcast(s, types.RaceStarted{Type: types.MsgRaceStarted, RaceStartTimestamp: millis(s.RaceStart)})

		case engine.EvtTelemetry:
			h.relayTelemetry(s, evt)

		case engine.EvtRaceFinished:
			h.finishRace(s, evt)

		case engine.EvtRaceAborted:
			h.timers.Cancel(timers.Key{Entity: s.Code, Purpose: timers.Countdown})
			h.log.Info("race aborted", zap.String("code", s.Code))
			h.broadcast(s, types.SessionReset{Type: types.MsgSessionReset, Session: sessionView(s)})

		case engine.EvtSessionReset:
			h.broadcast(s, types.SessionReset{Type: types.MsgSessionReset, Session: sessionView(s)})

		case engine.EvtSessionEmptied:
			h.startGrace(s.Code)

		case engine.EvtSessionAbandoned:
			h.timers.CancelEntity(s.Code)
			h.log.Info("session abandoned", zap.String("code", s.Code))
		}
	}
}

// broadcast sends the same frame to every participant in slot order.
func (h *Hub) broadcast(s engine.Session, msg types.ServerMessage) {
	for _, p := range s.Participants {
		h.send(p.ConnectionID, msg)
	}
}

func (h *Hub) finishRace(s engine.Session, evt engine.Event) {
	h.timers.Cancel(timers.Key{Entity: s.Code, Purpose: timers.Countdown})
	h.timers.Schedule(timers.Key{Entity: s.Code, Purpose: timers.Rematch}, h.cfg.RematchDelay)

	winner, _ := s.Participant(evt.ConnectionID)
	h.log.Info("race finished",
		zap.String("code", s.Code),
		zap.String("winner", winner.ConnectionID),
		zap.Duration("elapsed", evt.Elapsed))
	h.broadcast(s, types.RaceFinished{
		Type:            types.MsgRaceFinished,
		WinnerSlotIndex: winner.Slot,
		WinnerName:      winner.Name,
		Score:           winner.Score,
		ElapsedMs:       evt.Elapsed.Milliseconds(),
	})

	if h.results == nil {
		return
	}
	result := events.RaceResult{
		SessionCode:      s.Code,
		SessionCreatedAt: s.CreatedAt,
		Cycle:            s.Cycle,
		Winner:           racer(winner),
		ElapsedMs:        evt.Elapsed.Milliseconds(),
		FinishedAt:       s.RaceEnd,
	}
	if others := s.Others(winner.ConnectionID); len(others) > 0 {
		loser := racer(others[0])
		result.Loser = &loser
	}
	h.results.Submit(result)
}

func (h *Hub) onCountdownElapsed(code string) {
	s, evts, err := h.apply(code, engine.Command{Type: engine.CmdStartRace})
	if err != nil {
		h.log.Debug("countdown elapsed for stale session", zap.String("code", code), zap.Error(err))
		return
	}
	h.emit(s, evts)
}

// onRematchElapsed is a no-op when the session is gone or already back in
// Waiting.
func (h *Hub) onRematchElapsed(code string) {
	s, evts, err := h.apply(code, engine.Command{Type: engine.CmdResetRace})
	if err != nil {
		h.log.Debug("rematch reset skipped", zap.String("code", code), zap.Error(err))
		return
	}
	h.log.Info("session reset for rematch", zap.String("code", code), zap.Int("cycle", s.Cycle))
	h.emit(s, evts)
}

func racer(p engine.Participant) events.Racer {
	return events.Racer{
		ConnectionID: p.ConnectionID,
		Name:         p.Name,
		SlotIndex:    p.Slot,
		Score:        p.Score,
		Progress:     p.Progress,
	}
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func sessionView(s engine.Session) types.Session {
	v := types.Session{
		Code:               s.Code,
		State:              string(s.State),
		HostConnectionID:   s.HostID,
		Participants:       make([]types.Participant, 0, len(s.Participants)),
		CreatedAt:          millis(s.CreatedAt),
		CountdownDeadline:  millis(s.CountdownDeadline),
		RaceStartTimestamp: millis(s.RaceStart),
		RaceEndTimestamp:   millis(s.RaceEnd),
		WinnerConnectionID: s.WinnerID,
		Cycle:              s.Cycle,
	}
	for _, p := range s.Participants {
		v.Participants = append(v.Participants, types.Participant{
			ConnectionID: p.ConnectionID,
			Name:         p.Name,
			SlotIndex:    p.Slot,
			Ready:        p.Ready,
			Position:     p.Position,
			Progress:     p.Progress,
			Score:        p.Score,
			Combo:        p.Combo,
		})
	}
	return v
}

func identityView(id registry.Identity) types.Identity {
	return types.Identity{ConnectionID: id.ConnectionID, Name: id.Name, SessionCode: id.SessionCode}
}
