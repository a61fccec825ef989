package gateway

import (
	"sync"
	"time"
)

// pendingAcks is the explicit request/response table for display
// acknowledgments: one entry per dispatched instruction, keyed by
// command id, each with its own resolvable channel. Entries are removed
// deterministically by whoever stops waiting, so the table never grows
// beyond the set of in-flight instructions.
type pendingAcks struct {
	mu      sync.Mutex
	waiting map[string]chan map[string]any
}

func newPendingAcks() *pendingAcks {
	return &pendingAcks{
		waiting: make(map[string]chan map[string]any),
	}
}

// register creates a waiter for the command id and returns its channel.
func (p *pendingAcks) register(commandID string) chan map[string]any {
	ch := make(chan map[string]any, 1)
	p.mu.Lock()
	p.waiting[commandID] = ch
	p.mu.Unlock()
	return ch
}

// resolve delivers the display's applied state to the waiter, if any.
// A late or unknown ack is dropped silently: the instruction was
// fire-and-forget once dispatched.
func (p *pendingAcks) resolve(commandID string, state map[string]any) {
	p.mu.Lock()
	ch, ok := p.waiting[commandID]
	if ok {
		delete(p.waiting, commandID)
	}
	p.mu.Unlock()

	if ok {
		ch <- state
	}
}

// wait blocks for the display's acknowledgment up to the timeout.
// The bool is false on timeout; the entry is removed either way.
func (p *pendingAcks) wait(commandID string, ch chan map[string]any, timeout time.Duration) (map[string]any, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case state := <-ch:
		return state, true
	case <-timer.C:
		p.mu.Lock()
		delete(p.waiting, commandID)
		p.mu.Unlock()
		// Drain a resolve that raced the timeout.
		select {
		case state := <-ch:
			return state, true
		default:
		}
		return nil, false
	}
}
