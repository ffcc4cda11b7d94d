package rewrite

import (
	"sync"
	"time"
)

// Turn is one conversation turn.
type Turn struct {
	Role    string    // "user" or "assistant"
	Content string
	TS      time.Time
}

// SessionStore keeps a bounded ring of recent turns per conversation. The
// ring is owned by the conversation; only the request handling it mutates
// its history.
type SessionStore struct {
	maxTurns int
	mu       sync.RWMutex
	sessions map[string][]Turn
}

// NewSessionStore bounds each conversation to maxTurns (capped at 10).
func NewSessionStore(maxTurns int) *SessionStore {
	if maxTurns <= 0 || maxTurns > 10 {
		maxTurns = 10
	}
	return &SessionStore{
		maxTurns: maxTurns,
		sessions: make(map[string][]Turn),
	}
}

// Append records a turn, evicting the oldest when the ring is full.
func (s *SessionStore) Append(conversationID string, turn Turn) {
	if turn.TS.IsZero() {
		turn.TS = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := append(s.sessions[conversationID], turn)
	if len(turns) > s.maxTurns {
		turns = turns[len(turns)-s.maxTurns:]
	}
	s.sessions[conversationID] = turns
}

// History returns a copy of the conversation's turns, oldest first.
func (s *SessionStore) History(conversationID string) []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := s.sessions[conversationID]
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// Drop removes a conversation's history.
func (s *SessionStore) Drop(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, conversationID)
}
