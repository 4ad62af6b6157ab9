package store

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/DoyleJ11/race-sync-backend/internal/engine"
)

// CodeAlphabet leaves out 0/O and 1/I/L so codes survive being read aloud.
const (
	CodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	CodeLength   = 6
)

func GenerateCode() (string, error) {
	code := make([]byte, CodeLength)
	for i := range code {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(CodeAlphabet))))
		if err != nil {
			return "", err
		}
		code[i] = CodeAlphabet[num.Int64()]
	}
	return string(code), nil
}

// NormalizeCode upper-cases and trims user input; it reports false when the
// result cannot be a code this store generated.
func NormalizeCode(raw string) (string, bool) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if len(code) != CodeLength {
		return "", false
	}
	for _, c := range code {
		if !strings.ContainsRune(CodeAlphabet, c) {
			return "", false
		}
	}
	return code, true
}

// Store holds the live sessions by code. It is not safe for concurrent use;
// the hub goroutine is its only caller.
type Store struct {
	sessions map[string]engine.Session
	generate func() (string, error)
}

type Option func(*Store)

// WithGenerator replaces the random code source.
func WithGenerator(gen func() (string, error)) Option {
	return func(s *Store) { s.generate = gen }
}

func New(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]engine.Session),
		generate: GenerateCode,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create inserts a Waiting session with no participants under a fresh code.
// Colliding codes are regenerated silently.
func (s *Store) Create(rules engine.Rules, now time.Time) (engine.Session, error) {
	var code string
	for {
		c, err := s.generate()
		if err != nil {
			return engine.Session{}, fmt.Errorf("generate session code: %w", err)
		}
		if _, exists := s.sessions[c]; !exists {
			code = c
			break
		}
	}

	session := engine.NewSession(code, rules, now)
	s.sessions[code] = session
	return session, nil
}

func (s *Store) Find(code string) (engine.Session, error) {
	session, ok := s.sessions[code]
	if !ok {
		return engine.Session{}, engine.ErrSessionNotFound
	}
	return session, nil
}

// Put replaces a live session. Sessions removed in the meantime stay removed.
func (s *Store) Put(session engine.Session) error {
	if _, ok := s.sessions[session.Code]; !ok {
		return engine.ErrSessionNotFound
	}
	s.sessions[session.Code] = session
	return nil
}

func (s *Store) Remove(code string) bool {
	_, ok := s.sessions[code]
	delete(s.sessions, code)
	return ok
}

func (s *Store) Len() int { return len(s.sessions) }

// Codes returns the live codes in sorted order.
func (s *Store) Codes() []string {
	codes := make([]string, 0, len(s.sessions))
	for code := range s.sessions {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

func (s *Store) Reset() {
	clear(s.sessions)
}
