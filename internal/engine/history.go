package engine

import "sync"

// DefaultHistorySize is the default bound on retained finished executions.
const DefaultHistorySize = 100

// History is a bounded most-recent-first list of finished executions.
// Insertion beyond capacity evicts the oldest entry.
type History struct {
	mu    sync.RWMutex
	cap   int
	items []*Execution
}

// NewHistory creates a History with the given capacity.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{cap: capacity}
}

// Add prepends a finished execution, evicting the oldest entry when full.
func (h *History) Add(e *Execution) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.items = append([]*Execution{e}, h.items...)
	if len(h.items) > h.cap {
		h.items = h.items[:h.cap]
	}
}

// List returns the retained executions, most-recent first.
func (h *History) List() []*Execution {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]*Execution(nil), h.items...)
}

// Get returns the retained execution with the given ID, if present.
func (h *History) Get(id string) (*Execution, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, e := range h.items {
		if e.ID == id {
			return e, true
		}
	}
	return nil, false
}

// Len returns the number of retained executions.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.items)
}

// Clear drops all retained executions.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = nil
}
