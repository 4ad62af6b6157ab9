package hub

import (
	"github.com/DoyleJ11/race-sync-backend/internal/engine"
	"github.com/DoyleJ11/race-sync-backend/internal/timers"
	"github.com/DoyleJ11/race-sync-backend/pkg/types"
	"go.uber.org/zap"
)

func searchKey(connID string) timers.Key {
	return timers.Key{Entity: connID, Purpose: timers.Matchmaking}
}

// requestRandomMatch pairs the caller with the oldest live waiter, or queues
// the caller when there is none. Queued ids whose identity is gone or already
// seated are discarded on the way.
func (h *Hub) requestRandomMatch(connID string) error {
	id, err := h.identity(connID)
	if err != nil {
		return err
	}
	if id.SessionCode != "" {
		return engine.ErrAlreadyInSession
	}
	if h.queue.Contains(connID) {
		h.send(connID, types.Searching{Type: types.MsgSearching})
		return nil
	}

	opponent, stale, ok := h.queue.PopValid(func(other string) bool {
		o, registered := h.registry.Get(other)
		return registered && o.SessionCode == ""
	})
	for _, gone := range stale {
		h.timers.Cancel(searchKey(gone))
		h.log.Debug("discarded stale queue entry", zap.String("conn_id", gone))
	}
	if !ok {
		h.queue.Enqueue(connID)
		h.timers.Schedule(searchKey(connID), h.cfg.MatchTimeout)
		h.send(connID, types.Searching{Type: types.MsgSearching})
		return nil
	}
	h.timers.Cancel(searchKey(opponent))

	return h.pair(opponent, connID)
}

// pair seats first in slot 0 and second in slot 1 of a fresh session.
func (h *Hub) pair(first, second string) error {
	created, err := h.sessions.Create(h.cfg.rules(), h.clock.Now())
	if err != nil {
		return err
	}
	s := created
	for _, connID := range []string{first, second} {
		id, _ := h.registry.Get(connID)
		s, _, err = h.apply(created.Code, engine.Command{Type: engine.CmdJoin, ConnectionID: connID, Name: id.Name})
		if err != nil {
			h.sessions.Remove(created.Code)
			h.registry.SetSession(first, "")
			return err
		}
		h.registry.SetSession(connID, s.Code)
	}

	h.log.Info("match found", zap.String("code", s.Code), zap.String("first", first), zap.String("second", second))
	view := sessionView(s)
	for _, p := range s.Participants {
		h.send(p.ConnectionID, types.MatchFound{Type: types.MsgMatchFound, Code: s.Code, Session: view, SlotIndex: p.Slot})
	}
	return nil
}

func (h *Hub) leaveQueue(connID string) error {
	if _, err := h.identity(connID); err != nil {
		return err
	}
	h.dequeue(connID)
	return nil
}

func (h *Hub) dequeue(connID string) {
	if h.queue.Remove(connID) {
		h.timers.Cancel(searchKey(connID))
	}
}

func (h *Hub) onSearchExpired(connID string) {
	if !h.queue.Remove(connID) {
		return
	}
	h.log.Debug("matchmaking timed out", zap.String("conn_id", connID))
	h.send(connID, types.SearchTimedOut{Type: types.MsgSearchTimedOut})
}
