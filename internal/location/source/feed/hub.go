// Package feed holds the pieces shared by the position sources: the fan-out
// hub that implements Watch and the JSON message published on brokers.
package feed

import (
	"context"
	"errors"
	"sync"

	"nuha.dev/livesync/internal/location"
)

var ErrClosed = errors.New("source closed")

// Hub fans readings out to every Watch subscriber and keeps the latest fix.
type Hub struct {
	mu     sync.Mutex
	buffer int
	subs   map[chan location.Reading]struct{}
	last   *location.Fix
	closed bool
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{buffer: buffer, subs: map[chan location.Reading]struct{}{}}
}

// Publish hands r to every subscriber without blocking. A full subscriber
// loses its oldest pending reading so the newest one always gets through.
// It reports how many readings were dropped that way.
func (h *Hub) Publish(r location.Reading) (dropped int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0
	}
	if r.Err == nil {
		f := r.Fix
		h.last = &f
	}
	for ch := range h.subs {
		select {
		case ch <- r:
			continue
		default:
		}
		select {
		case <-ch:
			dropped++
		default:
		}
		select {
		case ch <- r:
		default:
		}
	}
	return dropped
}

// Subscribe returns a channel that receives readings until ctx is done or
// the hub is closed; the channel is closed in both cases.
func (h *Hub) Subscribe(ctx context.Context) (<-chan location.Reading, error) {
	ch := make(chan location.Reading, h.buffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	go func() {
		<-ctx.Done()
		h.unsubscribe(ch)
	}()
	return ch, nil
}

func (h *Hub) unsubscribe(ch chan location.Reading) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

func (h *Hub) LastFix() (location.Fix, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last == nil {
		return location.Fix{}, false
	}
	return *h.last, true
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}
