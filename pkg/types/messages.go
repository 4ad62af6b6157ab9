// Package types holds the JSON wire protocol spoken over /ws. Every frame is
// a JSON object with a "type" discriminator; timestamps are unix milliseconds.
package types

import (
	"encoding/json"
	"fmt"
)

// Client -> Server
const (
	MsgRegister           = "register"
	MsgRename             = "rename"
	MsgCreateSession      = "createSession"
	MsgJoinSession        = "joinSession"
	MsgRequestRandomMatch = "requestRandomMatch"
	MsgLeaveQueue         = "leaveQueue"
	MsgMarkReady          = "markReady"
	MsgLeaveSession       = "leaveSession"
	MsgSubmitTelemetry    = "submitTelemetry"
	MsgReportFinish       = "reportFinish"
)

// Server -> Client
const (
	MsgRegistered       = "registered"
	MsgOnlineCount      = "onlineCount"
	MsgSessionCreated   = "sessionCreated"
	MsgSessionJoined    = "sessionJoined"
	MsgSessionError     = "sessionError"
	MsgRosterUpdated    = "rosterUpdated"
	MsgMatchFound       = "matchFound"
	MsgSearching        = "searching"
	MsgSearchTimedOut   = "searchTimedOut"
	MsgCountdownStarted = "countdownStarted"
	MsgRaceStarted      = "raceStarted"
	MsgTelemetry        = "telemetry"
	MsgRaceFinished     = "raceFinished"
	MsgSessionReset     = "sessionReset"
	MsgParticipantLeft  = "participantLeft"
)

// ClientMessage is the union of every client frame; fields a type does not
// use are left zero.
type ClientMessage struct {
	Type string `json:"type"`

	// register, rename
	Name string `json:"name,omitempty"`
	// joinSession
	Code string `json:"code,omitempty"`

	// submitTelemetry
	Position float64 `json:"position,omitempty"`
	Progress float64 `json:"progress,omitempty"`
	Score    int     `json:"score,omitempty"`
	Combo    int     `json:"combo,omitempty"`
}

type ServerMessage interface {
	MessageType() string
}

type Registered struct {
	Type         string   `json:"type"`
	ConnectionID string   `json:"connectionId"`
	Identity     Identity `json:"identity"`
}

type OnlineCount struct {
	Type  string     `json:"type"`
	Count int        `json:"count"`
	List  []Identity `json:"list"`
}

type SessionCreated struct {
	Type    string  `json:"type"`
	Code    string  `json:"code"`
	Session Session `json:"session"`
}

type SessionJoined struct {
	Type      string  `json:"type"`
	Code      string  `json:"code"`
	Session   Session `json:"session"`
	SlotIndex int     `json:"slotIndex"`
}

type SessionError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

type RosterUpdated struct {
	Type    string  `json:"type"`
	Session Session `json:"session"`
}

type MatchFound struct {
	Type      string  `json:"type"`
	Code      string  `json:"code"`
	Session   Session `json:"session"`
	SlotIndex int     `json:"slotIndex"`
}

type Searching struct {
	Type string `json:"type"`
}

type SearchTimedOut struct {
	Type string `json:"type"`
}

type CountdownStarted struct {
	Type               string `json:"type"`
	CountdownDeadline  int64  `json:"countdownDeadline"`
	RaceStartTimestamp int64  `json:"raceStartTimestamp"`
	ServerTime         int64  `json:"serverTime"`
}

type RaceStarted struct {
	Type               string `json:"type"`
	RaceStartTimestamp int64  `json:"raceStartTimestamp"`
}

type Telemetry struct {
	Type      string  `json:"type"`
	SlotIndex int     `json:"slotIndex"`
	Position  float64 `json:"position"`
	Progress  float64 `json:"progress"`
	Score     int     `json:"score"`
	Combo     int     `json:"combo"`
}

type RaceFinished struct {
	Type            string `json:"type"`
	WinnerSlotIndex int    `json:"winnerSlotIndex"`
	WinnerName      string `json:"winnerName"`
	Score           int    `json:"score"`
	ElapsedMs       int64  `json:"elapsedMs"`
}

type SessionReset struct {
	Type    string  `json:"type"`
	Session Session `json:"session"`
}

type ParticipantLeft struct {
	Type      string `json:"type"`
	SlotIndex int    `json:"slotIndex"`
	Name      string `json:"name"`
}

func (Registered) MessageType() string       { return MsgRegistered }
func (OnlineCount) MessageType() string      { return MsgOnlineCount }
func (SessionCreated) MessageType() string   { return MsgSessionCreated }
func (SessionJoined) MessageType() string    { return MsgSessionJoined }
func (SessionError) MessageType() string     { return MsgSessionError }
func (RosterUpdated) MessageType() string    { return MsgRosterUpdated }
func (MatchFound) MessageType() string       { return MsgMatchFound }
func (Searching) MessageType() string        { return MsgSearching }
func (SearchTimedOut) MessageType() string   { return MsgSearchTimedOut }
func (CountdownStarted) MessageType() string { return MsgCountdownStarted }
func (RaceStarted) MessageType() string      { return MsgRaceStarted }
func (Telemetry) MessageType() string        { return MsgTelemetry }
func (RaceFinished) MessageType() string     { return MsgRaceFinished }
func (SessionReset) MessageType() string     { return MsgSessionReset }
func (ParticipantLeft) MessageType() string  { return MsgParticipantLeft }

// DecodeServerMessage parses a server frame into its concrete type. Clients
// and tests use it; the server never decodes its own frames.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	var msg ServerMessage
	switch head.Type {
	case MsgRegistered:
		msg = &Registered{}
	case MsgOnlineCount:
		msg = &OnlineCount{}
	case MsgSessionCreated:
		msg = &SessionCreated{}
	case MsgSessionJoined:
		msg = &SessionJoined{}
	case MsgSessionError:
		msg = &SessionError{}
	case MsgRosterUpdated:
		msg = &RosterUpdated{}
	case MsgMatchFound:
		msg = &MatchFound{}
	case MsgSearching:
		msg = &Searching{}
	case MsgSearchTimedOut:
		msg = &SearchTimedOut{}
	case MsgCountdownStarted:
		msg = &CountdownStarted{}
	case MsgRaceStarted:
		msg = &RaceStarted{}
	case MsgTelemetry:
		msg = &Telemetry{}
	case MsgRaceFinished:
		msg = &RaceFinished{}
	case MsgSessionReset:
		msg = &SessionReset{}
	case MsgParticipantLeft:
		msg = &ParticipantLeft{}
	default:
		return nil, fmt.Errorf("unknown server message type %q", head.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
