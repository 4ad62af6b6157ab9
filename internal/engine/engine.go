package engine

import (
	"math"
	"slices"
	"time"
)

type State string

const (
	StateWaiting   State = "waiting"
	StateCountdown State = "countdown"
	StateRacing    State = "racing"
	StateFinished  State = "finished"
)

// MaxParticipants is the seat count of every session.
const MaxParticipants = 2

type Participant struct {
	ConnectionID string
	Name         string
	Slot         int
	Ready        bool
	Position     float64
	Progress     float64
	Score        int
	Combo        int
}

type Rules struct {
	Countdown       time.Duration
	FinishThreshold float64
}

type Session struct {
	Code         string
	Participants []Participant // ordered by Slot
	State        State
	HostID       string
	CreatedAt    time.Time
	Rules        Rules

	// Per-race fields, cleared on every return to Waiting.
	CountdownDeadline time.Time
	RaceStart         time.Time
	RaceEnd           time.Time
	WinnerID          string

	// Cycle counts completed returns to Waiting.
	Cycle int
	// Paired is set once a second participant has ever been seated.
	Paired bool
}

type CommandType string

const (
	CmdJoin      CommandType = "Join"
	CmdLeave     CommandType = "Leave"
	CmdRename    CommandType = "Rename"
	CmdMarkReady CommandType = "MarkReady"
	CmdStartRace CommandType = "StartRace"
	CmdTelemetry CommandType = "Telemetry"
	CmdFinish    CommandType = "Finish"
	CmdResetRace CommandType = "ResetRace"
)

/*
	CmdJoin      -> EvtParticipantJoined
	CmdLeave     -> EvtParticipantLeft -> (EvtRaceAborted) -> (EvtSessionEmptied | EvtSessionAbandoned)
	CmdRename    -> EvtRosterUpdated
	CmdMarkReady -> EvtRosterUpdated -> (EvtCountdownStarted)
	CmdStartRace -> EvtRaceStarted                      (timer driven)
	CmdTelemetry -> EvtTelemetry -> (EvtRaceFinished)
	CmdFinish    -> EvtRaceFinished
	CmdResetRace -> EvtSessionReset                     (timer driven)
*/

type Command struct {
	Type         CommandType
	ConnectionID string
	Name         string
	At           time.Time

	Position float64
	Progress float64
	Score    int
	Combo    int
}

type EventType string

const (
	EvtParticipantJoined EventType = "ParticipantJoined"
	EvtParticipantLeft   EventType = "ParticipantLeft"
	EvtRosterUpdated     EventType = "RosterUpdated"
	EvtCountdownStarted  EventType = "CountdownStarted"
	EvtRaceStarted       EventType = "RaceStarted"
	EvtTelemetry         EventType = "Telemetry"
	EvtRaceFinished      EventType = "RaceFinished"
	EvtRaceAborted       EventType = "RaceAborted"
	EvtSessionReset      EventType = "SessionReset"
	EvtSessionEmptied    EventType = "SessionEmptied"
	EvtSessionAbandoned  EventType = "SessionAbandoned"
)

type Event struct {
	Type         EventType
	ConnectionID string
	Name         string
	Slot         int
	// Elapsed is set on EvtRaceFinished.
	Elapsed time.Duration
}

func Apply(s Session, cmd Command) ([]Event, Session, error) {
	next := s.clone()

	switch cmd.Type {
	case CmdJoin:
		if len(s.Participants) >= MaxParticipants {
			return nil, s, ErrSessionFull
		}
		if s.State != StateWaiting && s.State != StateFinished {
			return nil, s, ErrNotJoinable
		}
		if _, ok := s.Participant(cmd.ConnectionID); ok {
			return nil, s, ErrAlreadyJoined
		}

		p := Participant{ConnectionID: cmd.ConnectionID, Name: cmd.Name, Slot: s.freeSlot()}
		next.Participants = append(next.Participants, p)
		slices.SortFunc(next.Participants, func(a, b Participant) int { return a.Slot - b.Slot })
		if len(next.Participants) == MaxParticipants {
			next.Paired = true
		}
		if next.HostID == "" {
			next.HostID = cmd.ConnectionID
		}
		return []Event{{Type: EvtParticipantJoined, ConnectionID: p.ConnectionID, Name: p.Name, Slot: p.Slot}}, next, nil

	case CmdLeave:
		p, ok := s.Participant(cmd.ConnectionID)
		if !ok {
			return nil, s, ErrNotParticipant
		}
		next.Participants = slices.DeleteFunc(next.Participants, func(q Participant) bool {
			return q.ConnectionID == cmd.ConnectionID
		})
		events := []Event{{Type: EvtParticipantLeft, ConnectionID: p.ConnectionID, Name: p.Name, Slot: p.Slot}}

		if next.HostID == cmd.ConnectionID {
			next.HostID = ""
			if len(next.Participants) > 0 {
				next.HostID = next.Participants[0].ConnectionID
			}
		}

		if s.State == StateCountdown || s.State == StateRacing {
			next.resetRace()
			events = append(events, Event{Type: EvtRaceAborted})
		}

		if len(next.Participants) == 0 {
			if !s.Paired {
				events = append(events, Event{Type: EvtSessionAbandoned})
				return events, next, nil
			}
			if next.State != StateWaiting {
				next.resetRace()
			}
			events = append(events, Event{Type: EvtSessionEmptied})
		}
		return events, next, nil

	case CmdRename:
		i := s.index(cmd.ConnectionID)
		if i < 0 {
			return nil, s, ErrNotParticipant
		}
		next.Participants[i].Name = cmd.Name
		return []Event{{Type: EvtRosterUpdated}}, next, nil

	case CmdMarkReady:
		i := s.index(cmd.ConnectionID)
		if i < 0 {
			return nil, s, ErrNotParticipant
		}
		if s.Participants[i].Ready {
			// Repeat ready: nothing changes, and the countdown cannot fire twice.
			return nil, s, nil
		}
		if s.State != StateWaiting {
			return nil, s, ErrWrongState
		}

		next.Participants[i].Ready = true
		events := []Event{{Type: EvtRosterUpdated}}

		if next.allReady() {
			next.State = StateCountdown
			next.CountdownDeadline = cmd.At.Add(s.Rules.Countdown)
			next.RaceStart = next.CountdownDeadline
			events = append(events, Event{Type: EvtCountdownStarted})
		}
		return events, next, nil

	case CmdStartRace:
		if s.State != StateCountdown {
			return nil, s, ErrStaleTimer
		}
		next.State = StateRacing
		return []Event{{Type: EvtRaceStarted}}, next, nil

	case CmdTelemetry:
		i := s.index(cmd.ConnectionID)
		if i < 0 {
			return nil, s, ErrNotParticipant
		}
		if s.State != StateRacing {
			return nil, s, ErrNotRacing
		}
		if !finite(cmd.Position) || !finite(cmd.Progress) {
			return nil, s, ErrInvalidTelemetry
		}

		p := &next.Participants[i]
		p.Position = cmd.Position
		p.Progress = clampProgress(cmd.Progress)
		p.Score = cmd.Score
		p.Combo = cmd.Combo
		events := []Event{{Type: EvtTelemetry, ConnectionID: p.ConnectionID, Name: p.Name, Slot: p.Slot}}

		if p.Progress >= s.threshold() {
			events = append(events, next.finish(i, cmd.At))
		}
		return events, next, nil

	case CmdFinish:
		i := s.index(cmd.ConnectionID)
		if i < 0 {
			return nil, s, ErrNotParticipant
		}
		switch s.State {
		case StateFinished:
			return nil, s, ErrAlreadyFinished
		case StateRacing:
		default:
			return nil, s, ErrNotRacing
		}
		next.Participants[i].Progress = max(next.Participants[i].Progress, s.threshold())
		return []Event{next.finish(i, cmd.At)}, next, nil

	case CmdResetRace:
		if s.State != StateFinished {
			return nil, s, ErrStaleTimer
		}
		next.resetRace()
		return []Event{{Type: EvtSessionReset}}, next, nil

	default:
		return nil, s, ErrUnsupportedCommand
	}
}

// finish must only be called on a Racing session; it is the single place
// a winner is recorded, so later finish signals hit the Finished guard.
func (s *Session) finish(i int, at time.Time) Event {
	p := s.Participants[i]
	s.State = StateFinished
	s.WinnerID = p.ConnectionID
	s.RaceEnd = at
	return Event{
		Type:         EvtRaceFinished,
		ConnectionID: p.ConnectionID,
		Name:         p.Name,
		Slot:         p.Slot,
		Elapsed:      s.RaceEnd.Sub(s.RaceStart),
	}
}

func (s *Session) resetRace() {
	s.State = StateWaiting
	s.CountdownDeadline = time.Time{}
	s.RaceStart = time.Time{}
	s.RaceEnd = time.Time{}
	s.WinnerID = ""
	s.Cycle++
	for i := range s.Participants {
		p := &s.Participants[i]
		p.Ready = false
		p.Position = 0
		p.Progress = 0
		p.Score = 0
		p.Combo = 0
	}
}

func (s Session) clone() Session {
	s.Participants = slices.Clone(s.Participants)
	return s
}

func (s Session) allReady() bool {
	if len(s.Participants) != MaxParticipants {
		return false
	}
	for _, p := range s.Participants {
		if !p.Ready {
			return false
		}
	}
	return true
}

func (s Session) threshold() float64 {
	if s.Rules.FinishThreshold <= 0 {
		return DefaultFinishThreshold
	}
	return s.Rules.FinishThreshold
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func clampProgress(p float64) float64 {
	return min(max(p, 0), 100)
}
