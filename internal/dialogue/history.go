// Package dialogue holds the conversation history and the engine that turns
// caller turns into streamed responses and intents.
package dialogue

import (
	"sync"
	"time"
)

type Speaker string

const (
	Caller Speaker = "caller"
	Agent  Speaker = "agent"
)

// Turn is one finalized contribution to the conversation.
type Turn struct {
	ID        string
	Speaker   Speaker
	Text      string
	Intents   []Intent
	Timestamp time.Time
	// Interrupted marks an agent turn cut short by barge-in; Text is what was actually spoken.
	Interrupted bool
}

// History is an append-only, ordered conversation log. It is safe for concurrent use.
type History struct {
	mu    sync.RWMutex
	turns []Turn
	ids   map[string]struct{}
}

func NewHistory() *History {
	return &History{ids: make(map[string]struct{})}
}

// Append adds t unless a turn with the same ID was already appended. It
// reports whether t was added.
func (h *History) Append(t Turn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t.ID != "" {
		if _, dup := h.ids[t.ID]; dup {
			return false
		}
		h.ids[t.ID] = struct{}{}
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	t.Intents = append([]Intent(nil), t.Intents...)
	h.turns = append(h.turns, t)
	return true
}

// Snapshot returns a copy of the turns.
func (h *History) Snapshot() []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}
