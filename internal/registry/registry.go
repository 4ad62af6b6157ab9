package registry

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/DoyleJ11/race-sync-backend/internal/engine"
)

const (
	DefaultName   = "Guest"
	MaxNameLength = 24
)

type Identity struct {
	ConnectionID string
	Name         string
	SessionCode  string // empty when not in a session
	Registered   bool
	ConnectedAt  time.Time
}

// Registry tracks every open connection. A connection is known from Connect
// on, but only counts as online once it has registered a name.
type Registry struct {
	ids map[string]*Identity
}

func New() *Registry {
	return &Registry{ids: make(map[string]*Identity)}
}

// SanitizeName trims whitespace, caps the name at MaxNameLength runes and
// falls back to DefaultName when nothing is left.
func SanitizeName(raw string) string {
	name := strings.TrimSpace(raw)
	if utf8.RuneCountInString(name) > MaxNameLength {
		name = strings.TrimSpace(string([]rune(name)[:MaxNameLength]))
	}
	if name == "" {
		return DefaultName
	}
	return name
}

func (r *Registry) Connect(connID string, at time.Time) {
	if _, ok := r.ids[connID]; ok {
		return
	}
	r.ids[connID] = &Identity{ConnectionID: connID, ConnectedAt: at}
}

// Register names a connection. Registering again only renames it.
func (r *Registry) Register(connID, name string) (Identity, error) {
	id, ok := r.ids[connID]
	if !ok {
		return Identity{}, engine.ErrNotRegistered
	}
	id.Name = SanitizeName(name)
	id.Registered = true
	return *id, nil
}

func (r *Registry) Rename(connID, name string) (Identity, error) {
	id, ok := r.ids[connID]
	if !ok || !id.Registered {
		return Identity{}, engine.ErrNotRegistered
	}
	id.Name = SanitizeName(name)
	return *id, nil
}

// Unregister forgets a connection and reports what it looked like. The
// second call for the same id returns false.
func (r *Registry) Unregister(connID string) (Identity, bool) {
	id, ok := r.ids[connID]
	if !ok {
		return Identity{}, false
	}
	delete(r.ids, connID)
	return *id, true
}

// Get returns registered identities only.
func (r *Registry) Get(connID string) (Identity, bool) {
	id, ok := r.ids[connID]
	if !ok || !id.Registered {
		return Identity{}, false
	}
	return *id, true
}

func (r *Registry) SetSession(connID, code string) {
	if id, ok := r.ids[connID]; ok {
		id.SessionCode = code
	}
}

// Count is the number of registered identities.
func (r *Registry) Count() int {
	n := 0
	for _, id := range r.ids {
		if id.Registered {
			n++
		}
	}
	return n
}

// List returns registered identities ordered by connect time.
func (r *Registry) List() []Identity {
	out := make([]Identity, 0, len(r.ids))
	for _, id := range r.ids {
		if id.Registered {
			out = append(out, *id)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectionID < out[j].ConnectionID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Connections returns every known connection id, registered or not.
func (r *Registry) Connections() []string {
	out := make([]string, 0, len(r.ids))
	for id := range r.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ClearSessions detaches every identity from its session.
func (r *Registry) ClearSessions() {
	for _, id := range r.ids {
		id.SessionCode = ""
	}
}
