package hub

import (
	"errors"
	"fmt"

	"github.com/DoyleJ11/race-sync-backend/internal/engine"
	"github.com/DoyleJ11/race-sync-backend/internal/registry"
	"github.com/DoyleJ11/race-sync-backend/internal/store"
	"github.com/DoyleJ11/race-sync-backend/internal/timers"
	"github.com/DoyleJ11/race-sync-backend/pkg/types"
	"go.uber.org/zap"
)

var errHandlerPanic = errors.New("handler panic")

// handleClient runs one client message to completion. A panic is reported
// to the caller and does not stop the loop.
func (h *Hub) handleClient(connID string, m types.ClientMessage) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("recovered from handler panic",
				zap.String("conn_id", connID),
				zap.String("type", m.Type),
				zap.Any("panic", r),
				zap.Stack("stack"))
			h.reject(connID, errHandlerPanic)
		}
	}()

	if _, ok := h.clients[connID]; !ok {
		return
	}

	var err error
	switch m.Type {
	case types.MsgRegister:
		err = h.register(connID, m.Name)
	case types.MsgRename:
		err = h.rename(connID, m.Name)
	case types.MsgCreateSession:
		err = h.createSession(connID)
	case types.MsgJoinSession:
		err = h.joinSession(connID, m.Code)
	case types.MsgRequestRandomMatch:
		err = h.requestRandomMatch(connID)
	case types.MsgLeaveQueue:
		err = h.leaveQueue(connID)
	case types.MsgMarkReady:
		err = h.markReady(connID)
	case types.MsgLeaveSession:
		err = h.leaveSession(connID)
	case types.MsgSubmitTelemetry:
		err = h.submitTelemetry(connID, m)
	case types.MsgReportFinish:
		err = h.reportFinish(connID)
	default:
		err = fmt.Errorf("%w: %q", engine.ErrUnsupportedCommand, m.Type)
	}

	if err != nil {
		h.log.Debug("rejected client message",
			zap.String("conn_id", connID),
			zap.String("type", m.Type),
			zap.Error(err))
		h.reject(connID, err)
	}
}

func (h *Hub) register(connID, name string) error {
	id, err := h.registry.Register(connID, name)
	if err != nil {
		return err
	}
	h.send(connID, types.Registered{Type: types.MsgRegistered, ConnectionID: connID, Identity: identityView(id)})
	h.renameParticipant(id)
	h.broadcastOnline()
	return nil
}

func (h *Hub) rename(connID, name string) error {
	id, err := h.registry.Rename(connID, name)
	if err != nil {
		return err
	}
	h.renameParticipant(id)
	h.broadcastOnline()
	return nil
}

func (h *Hub) renameParticipant(id registry.Identity) {
	if id.SessionCode == "" {
		return
	}
	s, evts, err := h.apply(id.SessionCode, engine.Command{Type: engine.CmdRename, ConnectionID: id.ConnectionID, Name: id.Name})
	if err != nil {
		h.log.Warn("rename participant", zap.String("code", id.SessionCode), zap.Error(err))
		return
	}
	h.emit(s, evts)
}

func (h *Hub) identity(connID string) (registry.Identity, error) {
	id, ok := h.registry.Get(connID)
	if !ok {
		return registry.Identity{}, engine.ErrNotRegistered
	}
	return id, nil
}

func (h *Hub) createSession(connID string) error {
	id, err := h.identity(connID)
	if err != nil {
		return err
	}
	if id.SessionCode != "" {
		return engine.ErrAlreadyInSession
	}
	h.dequeue(connID)

	created, err := h.sessions.Create(h.cfg.rules(), h.clock.Now())
	if err != nil {
		return err
	}
	s, _, err := h.apply(created.Code, engine.Command{Type: engine.CmdJoin, ConnectionID: connID, Name: id.Name})
	if err != nil {
		h.sessions.Remove(created.Code)
		return err
	}
	h.registry.SetSession(connID, s.Code)

	h.log.Info("session created", zap.String("code", s.Code), zap.String("conn_id", connID))
	h.send(connID, types.SessionCreated{Type: types.MsgSessionCreated, Code: s.Code, Session: sessionView(s)})
	return nil
}

func (h *Hub) joinSession(connID, rawCode string) error {
	id, err := h.identity(connID)
	if err != nil {
		return err
	}
	code, ok := store.NormalizeCode(rawCode)
	if !ok {
		return engine.ErrInvalidCode
	}
	switch id.SessionCode {
	case "":
	case code:
		return engine.ErrAlreadyJoined
	default:
		return engine.ErrAlreadyInSession
	}

	s, evts, err := h.apply(code, engine.Command{Type: engine.CmdJoin, ConnectionID: connID, Name: id.Name})
	if err != nil {
		return err
	}
	h.cancelGrace(code)
	h.dequeue(connID)
	h.registry.SetSession(connID, code)

	joined, _ := engine.FindEvent(evts, engine.EvtParticipantJoined)
	h.log.Info("session joined", zap.String("code", code), zap.String("conn_id", connID), zap.Int("slot", joined.Slot))
	h.send(connID, types.SessionJoined{Type: types.MsgSessionJoined, Code: code, Session: sessionView(s), SlotIndex: joined.Slot})
	h.emit(s, evts)
	return nil
}

func (h *Hub) markReady(connID string) error {
	code, err := h.currentSession(connID)
	if err != nil {
		return err
	}
	s, evts, err := h.apply(code, engine.Command{Type: engine.CmdMarkReady, ConnectionID: connID})
	if err != nil {
		return err
	}
	h.emit(s, evts)
	return nil
}

func (h *Hub) leaveSession(connID string) error {
	code, err := h.currentSession(connID)
	if err != nil {
		return err
	}
	return h.leave(connID, code)
}

// leave detaches connID from its session. The identity side is cleared
// first, so both sides change inside the same handler.
func (h *Hub) leave(connID, code string) error {
	h.registry.SetSession(connID, "")
	s, evts, err := h.apply(code, engine.Command{Type: engine.CmdLeave, ConnectionID: connID})
	if err != nil {
		return err
	}
	h.log.Info("session left", zap.String("code", code), zap.String("conn_id", connID))
	h.emit(s, evts)
	return nil
}

func (h *Hub) submitTelemetry(connID string, m types.ClientMessage) error {
	code, err := h.currentSession(connID)
	if err != nil {
		return err
	}
	s, evts, err := h.apply(code, engine.Command{
		Type:         engine.CmdTelemetry,
		ConnectionID: connID,
		Position:     m.Position,
		Progress:     m.Progress,
		Score:        m.Score,
		Combo:        m.Combo,
	})
	switch {
	case errors.Is(err, engine.ErrNotRacing):
		return nil
	case err != nil:
		return err
	}
	h.emit(s, evts)
	return nil
}

func (h *Hub) reportFinish(connID string) error {
	code, err := h.currentSession(connID)
	if err != nil {
		return err
	}
	s, evts, err := h.apply(code, engine.Command{Type: engine.CmdFinish, ConnectionID: connID})
	switch {
	case errors.Is(err, engine.ErrAlreadyFinished):
		return nil
	case err != nil:
		return err
	}
	h.emit(s, evts)
	return nil
}

func (h *Hub) currentSession(connID string) (string, error) {
	id, err := h.identity(connID)
	if err != nil {
		return "", err
	}
	if id.SessionCode == "" {
		return "", engine.ErrNotInSession
	}
	return id.SessionCode, nil
}

// disconnect is idempotent: the transport's Disconnect and a drop by send
// may both arrive for the same connection.
func (h *Hub) disconnect(connID string) {
	if ch, ok := h.clients[connID]; ok {
		close(ch)
		delete(h.clients, connID)
	}
	h.dequeue(connID)

	id, ok := h.registry.Unregister(connID)
	if !ok {
		return
	}
	h.log.Debug("client disconnected", zap.String("conn_id", connID), zap.String("code", id.SessionCode))
	if id.SessionCode != "" {
		if err := h.leave(connID, id.SessionCode); err != nil {
			h.log.Warn("leave on disconnect", zap.String("code", id.SessionCode), zap.Error(err))
		}
	}
	if id.Registered {
		h.broadcastOnline()
	}
}

func (h *Hub) handleTimer(key timers.Key, gen uint64) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("recovered from timer panic",
				zap.String("entity", key.Entity),
				zap.String("purpose", string(key.Purpose)),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	if !h.timers.Claim(key, gen) {
		h.log.Debug("stale timer", zap.String("entity", key.Entity), zap.String("purpose", string(key.Purpose)))
		return
	}

	switch key.Purpose {
	case timers.Countdown:
		h.onCountdownElapsed(key.Entity)
	case timers.Rematch:
		h.onRematchElapsed(key.Entity)
	case timers.Grace:
		h.onGraceExpired(key.Entity)
	case timers.Matchmaking:
		h.onSearchExpired(key.Entity)
	}
}
