package gateway

import (
	"context"
	"sync"
	"time"
)

// historyEntry tracks one command id from first sight until TTL expiry.
// The done channel closes when the command's response is available, so a
// duplicate arriving while the original is still in flight can wait for
// the same result instead of re-executing.
type historyEntry struct {
	done     chan struct{}
	response Response
	seenAt   time.Time
}

// commandHistory is the idempotency cache: command id -> cached response.
// Entries expire after a fixed TTL via a periodic sweep, bounding memory.
type commandHistory struct {
	mu      sync.Mutex
	entries map[string]*historyEntry
	ttl     time.Duration
}

func newCommandHistory(ttl time.Duration) *commandHistory {
	return &commandHistory{
		entries: make(map[string]*historyEntry),
		ttl:     ttl,
	}
}

// claim registers a command id. The second return is false when the id
// was already seen; the caller must then return the prior result (waiting
// on entry.done if the original is still executing) instead of executing
// again.
func (h *commandHistory) claim(id string) (*historyEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if e, ok := h.entries[id]; ok {
		return e, false
	}
	e := &historyEntry{
		done:   make(chan struct{}),
		seenAt: time.Now(),
	}
	h.entries[id] = e
	return e, true
}

// resolve records the response for a claimed id and releases any
// duplicate waiters.
func (h *commandHistory) resolve(e *historyEntry, resp Response) {
	h.mu.Lock()
	e.response = resp
	h.mu.Unlock()
	close(e.done)
}

// await blocks until the entry's response is available or the context
// expires. The bool is false on context expiry.
func (h *commandHistory) await(ctx context.Context, e *historyEntry) (Response, bool) {
	select {
	case <-e.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return e.response, true
	case <-ctx.Done():
		return Response{}, false
	}
}

// forget drops an id, used when a claimed command is rejected before it
// was ever enqueued (a retry should be re-validated, not served the NACK
// of a transient rejection like queue-full).
func (h *commandHistory) forget(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.entries, id)
}

// sweep removes expired entries; it runs until the context is cancelled.
func (h *commandHistory) sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-h.ttl)
			h.mu.Lock()
			for id, e := range h.entries {
				// Unresolved entries are still in flight; never reap those.
				select {
				case <-e.done:
					if e.seenAt.Before(cutoff) {
						delete(h.entries, id)
					}
				default:
				}
			}
			h.mu.Unlock()
		}
	}
}

// size returns the number of live entries.
func (h *commandHistory) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
