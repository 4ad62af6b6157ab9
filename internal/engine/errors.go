package engine

import "errors"

// Kind classifies a rejection for the requesting client.
type Kind string

const (
	KindValidation Kind = "validation"
	KindCapacity   Kind = "capacity"
	KindState      Kind = "state"
	KindNotFound   Kind = "not_found"
	KindInternal   Kind = "internal"
)

var (
	ErrNotRegistered    = errors.New("connection is not registered")
	ErrMalformedMessage = errors.New("malformed message")
	ErrInvalidCode      = errors.New("invalid session code")
	ErrInvalidTelemetry = errors.New("invalid telemetry values")
	ErrNotParticipant   = errors.New("not a participant of this session")
	ErrNotInSession     = errors.New("not in a session")
	ErrAlreadyInSession = errors.New("already in a session")
	ErrAlreadyJoined    = errors.New("already joined this session")

	ErrSessionFull = errors.New("session is full")

	ErrNotJoinable     = errors.New("session is not accepting players")
	ErrWrongState      = errors.New("action not allowed in the current session state")
	ErrNotRacing       = errors.New("race is not in progress")
	ErrAlreadyFinished = errors.New("race already finished")
	ErrStaleTimer      = errors.New("timer no longer applies")

	ErrSessionNotFound = errors.New("session not found")

	ErrUnsupportedCommand = errors.New("unsupported command")
)

var kinds = map[error]Kind{
	ErrNotRegistered:      KindValidation,
	ErrMalformedMessage:   KindValidation,
	ErrInvalidCode:        KindValidation,
	ErrInvalidTelemetry:   KindValidation,
	ErrNotParticipant:     KindValidation,
	ErrNotInSession:       KindValidation,
	ErrAlreadyInSession:   KindValidation,
	ErrAlreadyJoined:      KindValidation,
	ErrSessionFull:        KindCapacity,
	ErrNotJoinable:        KindState,
	ErrWrongState:         KindState,
	ErrNotRacing:          KindState,
	ErrAlreadyFinished:    KindState,
	ErrStaleTimer:         KindState,
	ErrSessionNotFound:    KindNotFound,
	ErrUnsupportedCommand: KindValidation,
}

// KindOf walks the wrap chain of err; anything unclassified is internal.
func KindOf(err error) Kind {
	for sentinel, kind := range kinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindInternal
}
