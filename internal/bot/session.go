package bot

import (
	"sync"
	"time"
)

// Pending is an edit awaiting its value: the chat picked a field and a card
// and the next free-text message becomes the new value.
type Pending struct {
	Field     string
	Label     string
	PublicID  string
	StartedAt time.Time
}

// Sessions tracks the per-chat edit state. A chat with no entry is idle;
// a chat with an entry is awaiting a value. State lives only in memory, so
// a restart drops every pending edit back to idle.
type Sessions struct {
	mu      sync.Mutex
	pending map[int64]Pending
}

func NewSessions() *Sessions {
	return &Sessions{pending: make(map[int64]Pending)}
}

// Begin puts the chat into the awaiting-value state. Starting a new edit
// while one is pending replaces it, so the chat is never stuck.
func (s *Sessions) Begin(chatID int64, field, label, publicID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[chatID] = Pending{
		Field:     field,
		Label:     label,
		PublicID:  publicID,
		StartedAt: time.Now(),
	}
}

// Get returns the chat's pending edit, if any.
func (s *Sessions) Get(chatID int64) (Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[chatID]
	return p, ok
}

// Clear returns the chat to idle and reports whether an edit was pending.
func (s *Sessions) Clear(chatID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[chatID]
	delete(s.pending, chatID)
	return ok
}
