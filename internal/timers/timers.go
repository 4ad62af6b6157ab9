package timers

import (
	"time"

	"github.com/jonboulle/clockwork"
)

type Purpose string

const (
	Countdown   Purpose = "countdown"
	Rematch     Purpose = "rematch"
	Grace       Purpose = "grace"
	Matchmaking Purpose = "matchmaking"
)

// Key identifies one pending timer: the entity is a session code for
// countdown/rematch/grace and a connection id for matchmaking.
type Key struct {
	Entity  string
	Purpose Purpose
}

// FireFunc is called from the clock's goroutine when a timer expires. It
// must hand the key off to the owner instead of acting on it directly.
type FireFunc func(key Key, gen uint64)

type entry struct {
	gen      uint64
	deadline time.Time
	timer    clockwork.Timer
}

// Scheduler keeps at most one timer per Key. It is owned by a single
// goroutine; only the FireFunc runs elsewhere.
type Scheduler struct {
	clock  clockwork.Clock
	fire   FireFunc
	next   uint64
	active map[Key]entry
}

func NewScheduler(clock clockwork.Clock, fire FireFunc) *Scheduler {
	return &Scheduler{
		clock:  clock,
		fire:   fire,
		active: make(map[Key]entry),
	}
}

// Schedule arms a timer for key, replacing any timer already armed for it,
// and returns the generation the FireFunc will report.
func (s *Scheduler) Schedule(key Key, d time.Duration) uint64 {
	s.Cancel(key)

	s.next++
	gen := s.next
	fire := s.fire
	t := s.clock.AfterFunc(d, func() { fire(key, gen) })
	s.active[key] = entry{gen: gen, deadline: s.clock.Now().Add(d), timer: t}
	return gen
}

// Claim consumes a fired timer. It reports false when the timer was
// cancelled or replaced after it fired, in which case the firing is stale.
func (s *Scheduler) Claim(key Key, gen uint64) bool {
	e, ok := s.active[key]
	if !ok || e.gen != gen {
		return false
	}
	delete(s.active, key)
	return true
}

func (s *Scheduler) Cancel(key Key) bool {
	e, ok := s.active[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.active, key)
	return true
}

// CancelEntity cancels every purpose armed for entity.
func (s *Scheduler) CancelEntity(entity string) int {
	n := 0
	for key := range s.active {
		if key.Entity == entity && s.Cancel(key) {
			n++
		}
	}
	return n
}

// Deadline reports when the timer for key is due, and false when none is armed.
func (s *Scheduler) Deadline(key Key) (time.Time, bool) {
	e, ok := s.active[key]
	return e.deadline, ok
}

func (s *Scheduler) Len() int { return len(s.active) }

// Stop cancels everything.
func (s *Scheduler) Stop() {
	for key := range s.active {
		s.Cancel(key)
	}
}
