package engine

import "time"

const (
	DefaultCountdown       = 4 * time.Second
	DefaultFinishThreshold = 100.0
)

func DefaultRules() Rules {
	return Rules{Countdown: DefaultCountdown, FinishThreshold: DefaultFinishThreshold}
}

// NewSession returns a Waiting session with no participants. Seat the host with CmdJoin.
func NewSession(code string, rules Rules, createdAt time.Time) Session {
	return Session{
		Code:         code,
		Participants: []Participant{},
		State:        StateWaiting,
		CreatedAt:    createdAt,
		Rules:        rules,
	}
}

func (s Session) Participant(connID string) (Participant, bool) {
	if i := s.index(connID); i >= 0 {
		return s.Participants[i], true
	}
	return Participant{}, false
}

// Others returns every participant except connID, in slot order.
func (s Session) Others(connID string) []Participant {
	out := make([]Participant, 0, len(s.Participants))
	for _, p := range s.Participants {
		if p.ConnectionID != connID {
			out = append(out, p)
		}
	}
	return out
}

func (s Session) Empty() bool { return len(s.Participants) == 0 }

func (s Session) index(connID string) int {
	for i, p := range s.Participants {
		if p.ConnectionID == connID {
			return i
		}
	}
	return -1
}

// freeSlot returns the lowest slot index not held by a participant.
func (s Session) freeSlot() int {
	taken := [MaxParticipants]bool{}
	for _, p := range s.Participants {
		taken[p.Slot] = true
	}
	for i, t := range taken {
		if !t {
			return i
		}
	}
	return -1
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

func FindEvent(events []Event, eventType EventType) (Event, bool) {
	for _, event := range events {
		if event.Type == eventType {
			return event, true
		}
	}
	return Event{}, false
}
