package matchmaking

import "slices"

// Queue is a FIFO of connection ids waiting for an opponent. An id is queued
// at most once.
type Queue struct {
	ids []string
}

func NewQueue() *Queue { return &Queue{} }

// Enqueue appends id and reports false if it was already waiting.
func (q *Queue) Enqueue(id string) bool {
	if q.Contains(id) {
		return false
	}
	q.ids = append(q.ids, id)
	return true
}

func (q *Queue) PopFront() (string, bool) {
	if len(q.ids) == 0 {
		return "", false
	}
	id := q.ids[0]
	q.ids[0] = ""
	q.ids = q.ids[1:]
	return id, true
}

// PopValid pops until valid accepts an id, discarding the rest. The
// discarded ids are returned so the caller can log them.
func (q *Queue) PopValid(valid func(id string) bool) (id string, discarded []string, ok bool) {
	for {
		head, ok := q.PopFront()
		if !ok {
			return "", discarded, false
		}
		if valid(head) {
			return head, discarded, true
		}
		discarded = append(discarded, head)
	}
}

func (q *Queue) Remove(id string) bool {
	i := slices.Index(q.ids, id)
	if i < 0 {
		return false
	}
	q.ids = slices.Delete(q.ids, i, i+1)
	return true
}

func (q *Queue) Contains(id string) bool { return slices.Contains(q.ids, id) }

func (q *Queue) Len() int { return len(q.ids) }

// Snapshot returns the waiting ids, head first.
func (q *Queue) Snapshot() []string { return slices.Clone(q.ids) }

func (q *Queue) Reset() { q.ids = nil }
