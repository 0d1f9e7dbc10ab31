package session

import (
	"sync"

	"github.com/quailyquaily/wamux/llm"
)

// History holds the per-correspondent conversation of one session. The
// full sequence is retained for the session's lifetime; only the most
// recent pairs are handed to the generation call.
type History struct {
	mu      sync.Mutex
	entries map[string][]llm.Message
}

func NewHistory() *History {
	return &History{entries: make(map[string][]llm.Message)}
}

// Append records one (inbound, reply) pair for the correspondent.
func (h *History) Append(correspondent, inbound, reply string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[correspondent] = append(h.entries[correspondent],
		llm.Message{Role: "user", Content: inbound},
		llm.Message{Role: "assistant", Content: reply},
	)
}

// LastPairs returns up to n most recent (inbound, reply) pairs in order.
func (h *History) LastPairs(correspondent string, n int) []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	cur := h.entries[correspondent]
	max := n * 2
	if len(cur) > max {
		cur = cur[len(cur)-max:]
	}
	return append([]llm.Message(nil), cur...)
}

// Len reports the total number of stored entries for a correspondent.
func (h *History) Len(correspondent string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries[correspondent])
}
