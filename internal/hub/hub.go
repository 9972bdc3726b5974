// Package hub fans bridge signals out to SSE subscribers. A new subscriber
// first receives the merged latest value of every signal.
package hub

import "sync"

// Signals is a patch of named values.
type Signals map[string]any

// EventHub keeps the last value of each signal and a buffered channel per
// subscriber. Slow subscribers miss patches rather than block publishers.
type EventHub struct {
	mu   sync.Mutex
	subs map[int]chan Signals
	next int
	last Signals
}

func New() *EventHub {
	return &EventHub{subs: map[int]chan Signals{}, last: Signals{}}
}

// Subscribe registers a listener. cancel closes the channel and is safe to
// call more than once.
func (h *EventHub) Subscribe() (id int, ch <-chan Signals, cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id = h.next
	h.next++
	c := make(chan Signals, 16)
	if len(h.last) > 0 {
		c <- copySignals(h.last)
	}
	h.subs[id] = c
	cancel = func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			close(c)
			delete(h.subs, id)
		}
	}
	return id, c, cancel
}

// Broadcast merges sig into the latest state and offers it to everyone.
func (h *EventHub) Broadcast(sig Signals) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k, v := range sig {
		h.last[k] = v
	}
	for _, ch := range h.subs {
		select {
		case ch <- copySignals(sig):
		default:
		}
	}
}

// Last returns a copy of the merged state.
func (h *EventHub) Last() Signals {
	h.mu.Lock()
	defer h.mu.Unlock()
	return copySignals(h.last)
}

// Len returns the number of subscribers.
func (h *EventHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func copySignals(m Signals) Signals {
	out := make(Signals, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
