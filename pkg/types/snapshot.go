package types

type Identity struct {
	ConnectionID string `json:"connectionId"`
	Name         string `json:"name"`
	SessionCode  string `json:"sessionCode,omitempty"`
}

type Participant struct {
	ConnectionID string  `json:"connectionId"`
	Name         string  `json:"name"`
	SlotIndex    int     `json:"slotIndex"`
	Ready        bool    `json:"ready"`
	Position     float64 `json:"position"`
	Progress     float64 `json:"progress"`
	Score        int     `json:"score"`
	Combo        int     `json:"combo"`
}

// Session is the client view of a session. Optional timestamps are omitted
// while unset.
type Session struct {
	Code               string        `json:"code"`
	State              string        `json:"state"`
	HostConnectionID   string        `json:"hostConnectionId"`
	Participants       []Participant `json:"participants"`
	CreatedAt          int64         `json:"createdAt"`
	CountdownDeadline  int64         `json:"countdownDeadline,omitempty"`
	RaceStartTimestamp int64         `json:"raceStartTimestamp,omitempty"`
	RaceEndTimestamp   int64         `json:"raceEndTimestamp,omitempty"`
	WinnerConnectionID string        `json:"winnerConnectionId,omitempty"`
	Cycle              int           `json:"cycle"`
	// GraceDeadline is set while an emptied session waits to be reclaimed.
	GraceDeadline int64 `json:"graceDeadline,omitempty"`
}
