package gateway

import (
	"context"
	"sync"
	"time"
)

// Instruction is the outbound message a display client renders.
type Instruction struct {
	Type      string         `json:"type"` // always "instruction"
	Name      string         `json:"name"` // start, pause, resume, stop, set_volume, seek
	CommandID string         `json:"command_id,omitempty"`
	Tenant    string         `json:"tenant"`
	Track     map[string]any `json:"track,omitempty"`
	Level     *int           `json:"level,omitempty"`
	Position  *float64       `json:"position,omitempty"`
}

// DisplaySink is where instructions for one display connection go.
type DisplaySink interface {
	SendInstruction(Instruction) error
}

// displaySub pairs a sink with the tenant it renders.
type displaySub struct {
	sessionID string
	tenant    string
	sink      DisplaySink
}

// displayHub fans instructions out to connected display clients.
type displayHub struct {
	mu   sync.RWMutex
	subs map[string]*displaySub // session id -> subscription

	sendTimeout time.Duration
}

func newDisplayHub(sendTimeout time.Duration) *displayHub {
	return &displayHub{
		subs:        make(map[string]*displaySub),
		sendTimeout: sendTimeout,
	}
}

// subscribe attaches a display session's sink.
func (h *displayHub) subscribe(sessionID, tenant string, sink DisplaySink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[sessionID] = &displaySub{sessionID: sessionID, tenant: tenant, sink: sink}
}

// unsubscribe detaches a display session.
func (h *displayHub) unsubscribe(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sessionID)
}

// connected reports whether any display renders the tenant.
func (h *displayHub) connected(tenant string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if sub.tenant == tenant {
			return true
		}
	}
	return false
}

// broadcast sends the instruction to every display for its tenant. Each
// send runs in its own goroutine with a timeout so one slow display
// cannot stall the others; send errors are swallowed, the connection's
// own read loop notices a dead peer.
func (h *displayHub) broadcast(inst Instruction) {
	h.mu.RLock()
	targets := make([]*displaySub, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.tenant == inst.Tenant {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sub := range targets {
		wg.Add(1)
		go func(s *displaySub) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), h.sendTimeout)
			defer cancel()

			done := make(chan error, 1)
			go func() {
				done <- s.sink.SendInstruction(inst)
			}()

			select {
			case <-done:
			case <-ctx.Done():
			}
		}(sub)
	}
	wg.Wait()
}
