// Package stream fans audit entries out to live subscribers.
package stream

import (
	"context"
	"sync"

	"tenantgate.dev/internal/audit"
)

const subscriberBuffer = 16

type subscriber struct {
	ch     chan audit.Entry
	filter audit.Filter
}

// Hub fan-outs audit entries to all active subscribers (SSE clients).
type Hub struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

// New initialises an empty hub.
func New() *Hub {
	return &Hub{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber for entries matching filter and returns a
// channel which will receive them. The channel is closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, filter audit.Filter) <-chan audit.Entry {
	ch := make(chan audit.Entry, subscriberBuffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish delivers e to every matching subscriber. It never blocks.
func (h *Hub) Publish(e audit.Entry) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if !s.filter.Matches(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			// Drop for slow subscribers; the entry is still in the audit store.
		}
	}
}

// Subscribers reports the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
