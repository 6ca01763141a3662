package session

import (
	"sync"
	"time"

	"github.com/MrWong99/voxgate/pkg/memory"
	"github.com/MrWong99/voxgate/pkg/provider/llm"
)

// Entry is one line of the conversation.
type Entry struct {
	Speaker memory.Speaker
	Text    string
	At      time.Time
}

// History is the bounded, ordered conversation of a session. When full, the
// oldest entry is evicted first.
//
// All methods are safe for concurrent use.
type History struct {
	mu      sync.Mutex
	max     int
	entries []Entry
}

// NewHistory returns an empty history holding at most max entries.
// A non-positive max selects the default of 20.
func NewHistory(max int) *History {
	if max <= 0 {
		max = defaultMaxHistory
	}
	return &History{max: max}
}

// Append adds an entry at the end, evicting the oldest when full.
func (h *History) Append(e Entry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	if over := len(h.entries) - h.max; over > 0 {
		h.entries = append(h.entries[:0], h.entries[over:]...)
	}
}

// Entries returns a copy of the current entries, oldest first.
func (h *History) Entries() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Entry(nil), h.entries...)
}

// Len returns the number of entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Messages converts the history into LLM messages. Caller entries become
// user messages and assistant entries become assistant messages.
func (h *History) Messages() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]llm.Message, 0, len(h.entries))
	for _, e := range h.entries {
		out = append(out, toMessage(e))
	}
	return out
}

func toMessage(e Entry) llm.Message {
	if e.Speaker == memory.SpeakerAssistant {
		return llm.AssistantMessage(e.Text)
	}
	return llm.UserMessage(e.Text)
}
