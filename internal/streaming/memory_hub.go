package streaming

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultChannelBuffer = 64

// subscriber is one registered consumer. types is the subscriber's event-type
// set, materialized once at subscribe time; nil means every type.
type subscriber struct {
	ch          chan StreamEvent
	executionID string
	workflowID  string
	types       map[string]struct{}
}

func (s *subscriber) wants(e StreamEvent) bool {
	if s.executionID != "" && s.executionID != e.ExecutionID {
		return false
	}
	if s.workflowID != "" && s.workflowID != e.WorkflowID {
		return false
	}
	if s.types != nil {
		if _, ok := s.types[e.EventType]; !ok {
			return false
		}
	}
	return true
}

// MemoryHub is an in-memory EventHub implementation using channels. Publish
// never blocks: a subscriber that falls more than a channel buffer behind
// loses events, and the loss is counted rather than silent.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs: make(map[uint64]*subscriber),
	}
}

// Publish delivers the event to every matching subscriber.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.wants(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe creates a new subscription filtered by the given EventFilter.
// Returns a receive-only channel and an idempotent cancel function.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sub := &subscriber{
		ch:          make(chan StreamEvent, defaultChannelBuffer),
		executionID: filter.ExecutionID,
		workflowID:  filter.WorkflowID,
	}
	if len(filter.EventTypes) > 0 {
		sub.types = make(map[string]struct{}, len(filter.EventTypes))
		for _, t := range filter.EventTypes {
			sub.types[t] = struct{}{}
		}
	}

	id := h.seq.Add(1)
	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}

	return sub.ch, cancel, nil
}

// Dropped reports how many events were lost to slow subscribers since the
// hub was created.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}
