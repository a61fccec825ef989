package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandHistory_ClaimAndResolve(t *testing.T) {
	h := newCommandHistory(time.Minute)

	e, fresh := h.claim("c1")
	require.True(t, fresh)

	dup, fresh := h.claim("c1")
	assert.False(t, fresh)
	assert.Same(t, e, dup)

	go h.resolve(e, ack("c1", map[string]any{"status": "applied"}))

	resp, ok := h.await(context.Background(), dup)
	require.True(t, ok)
	assert.Equal(t, "ack", resp.Type)
	assert.Equal(t, "c1", resp.CommandID)
}

func TestCommandHistory_AwaitHonorsContext(t *testing.T) {
	h := newCommandHistory(time.Minute)
	e, _ := h.claim("c1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, ok := h.await(ctx, e)
	assert.False(t, ok)
}

func TestCommandHistory_ForgetAllowsReclaim(t *testing.T) {
	h := newCommandHistory(time.Minute)

	_, fresh := h.claim("c1")
	require.True(t, fresh)
	h.forget("c1")

	_, fresh = h.claim("c1")
	assert.True(t, fresh)
}

func TestCommandHistory_SweepReapsOnlyResolvedExpiredEntries(t *testing.T) {
	h := newCommandHistory(20 * time.Millisecond)

	resolved, _ := h.claim("resolved")
	h.resolve(resolved, ack("resolved", nil))
	_, fresh := h.claim("inflight")
	require.True(t, fresh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.sweep(ctx, 5*time.Millisecond)

	assert.Eventually(t, func() bool { return h.size() == 1 }, time.Second, 5*time.Millisecond,
		"resolved entry expires, in-flight entry survives")

	h.mu.Lock()
	_, stillThere := h.entries["inflight"]
	h.mu.Unlock()
	assert.True(t, stillThere)
}

func TestPendingAcks_ResolveAndTimeout(t *testing.T) {
	p := newPendingAcks()

	ch := p.register("c1")
	go p.resolve("c1", map[string]any{"status": "rendered"})
	state, ok := p.wait("c1", ch, time.Second)
	require.True(t, ok)
	assert.Equal(t, "rendered", state["status"])

	ch = p.register("c2")
	_, ok = p.wait("c2", ch, 10*time.Millisecond)
	assert.False(t, ok)

	// A late ack for an already timed-out command is dropped silently.
	p.resolve("c2", map[string]any{"status": "late"})
}
