package gateway

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mitaka8/boombox/internal/app/advancer"
	"github.com/mitaka8/boombox/internal/app/playback"
	"github.com/mitaka8/boombox/internal/domain/track"
	"github.com/mitaka8/boombox/internal/infra/auth"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

// memQueue is an in-memory queuestore.Store with FIFO eligibility.
type memQueue struct {
	mu   sync.Mutex
	rows []*memRow
}

type memRow struct {
	track   track.Track
	tenant  string
	playing bool
	played  bool
	outcome track.PlayOutcome
}

func (q *memQueue) add(tenant, id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rows = append(q.rows, &memRow{
		track:  track.Track{ID: id, Title: "Track " + id, Duration: time.Minute},
		tenant: tenant,
	})
}

func (q *memQueue) FindNextEligible(_ context.Context, tenant string) (*track.Track, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range q.rows {
		if r.tenant == tenant && !r.playing && !r.played {
			t := r.track
			return &t, nil
		}
	}
	return nil, nil
}

func (q *memQueue) FindDurablyPlaying(_ context.Context, tenant string) (*track.Track, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range q.rows {
		if r.tenant == tenant && r.playing {
			t := r.track
			return &t, nil
		}
	}
	return nil, nil
}

func (q *memQueue) MarkPlaying(_ context.Context, trackID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range q.rows {
		if r.track.ID == trackID {
			r.playing = true
		}
	}
	return nil
}

func (q *memQueue) MarkPlayed(_ context.Context, trackID string, outcome track.PlayOutcome) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range q.rows {
		if r.track.ID == trackID {
			r.playing = false
			r.played = true
			r.outcome = outcome
		}
	}
	return nil
}

// captureSink records instructions and, when autoAck is set, confirms
// command-correlated ones the way a healthy display would.
type captureSink struct {
	mu        sync.Mutex
	insts     []Instruction
	gw        *Gateway
	sessionID string
	autoAck   bool
}

func (s *captureSink) SendInstruction(inst Instruction) error {
	s.mu.Lock()
	s.insts = append(s.insts, inst)
	autoAck := s.autoAck
	s.mu.Unlock()

	if autoAck && inst.CommandID != "" {
		go s.gw.HandleDisplayAck(s.sessionID, inst.CommandID, map[string]any{"status": "rendered"})
	}
	return nil
}

func (s *captureSink) byCommand(commandID string) []Instruction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Instruction
	for _, inst := range s.insts {
		if inst.CommandID == commandID {
			out = append(out, inst)
		}
	}
	return out
}

type fixture struct {
	gw       *Gateway
	pb       *playback.Store
	queue    *memQueue
	operator *Session
	display  *Session
	sink     *captureSink
	cancel   context.CancelFunc
}

type fixtureOpts struct {
	maxQueue   int
	ackTimeout time.Duration
	noWorker   bool
	noDisplay  bool
	noAutoAck  bool
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()

	if opts.maxQueue == 0 {
		opts.maxQueue = 16
	}
	if opts.ackTimeout == 0 {
		opts.ackTimeout = time.Second
	}

	pb := playback.NewStore()
	q := &memQueue{}
	adv := advancer.New(pb, q)
	gw := New(Config{
		Secret:            testSecret,
		AckTimeout:        opts.ackTimeout,
		MaxQueue:          opts.maxQueue,
		ClockSkew:         time.Minute,
		HistoryTTL:        time.Minute,
		HeartbeatInterval: time.Minute,
	}, pb, adv)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if !opts.noWorker {
		go gw.Run(ctx)
	}

	opToken, err := auth.Issue(testSecret, "test-op", auth.RoleOperator, "t1", time.Minute)
	require.NoError(t, err)
	operator, err := gw.Authenticate(opToken, auth.RoleOperator, "t1")
	require.NoError(t, err)

	f := &fixture{gw: gw, pb: pb, queue: q, operator: operator, cancel: cancel}

	if !opts.noDisplay {
		dispToken, err := auth.Issue(testSecret, "test-disp", auth.RoleDisplay, "t1", time.Minute)
		require.NoError(t, err)
		display, err := gw.Authenticate(dispToken, auth.RoleDisplay, "t1")
		require.NoError(t, err)

		sink := &captureSink{gw: gw, sessionID: display.ID, autoAck: !opts.noAutoAck}
		require.NoError(t, gw.AttachDisplay(display, sink))
		f.display = display
		f.sink = sink
	}

	return f
}

func cmd(id string, typ CommandType, params map[string]any) Envelope {
	return Envelope{ID: id, Type: typ, Params: params, Timestamp: time.Now()}
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t, fixtureOpts{noWorker: true, noDisplay: true})

	opToken, err := auth.Issue(testSecret, "op", auth.RoleOperator, "t1", time.Minute)
	require.NoError(t, err)

	t.Run("valid operator token", func(t *testing.T) {
		s, err := f.gw.Authenticate(opToken, auth.RoleOperator, "t1")
		require.NoError(t, err)
		assert.Equal(t, auth.RoleOperator, s.Role)
		assert.Equal(t, "t1", s.Tenant)
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := f.gw.Authenticate("not-a-token", auth.RoleOperator, "t1")
		assert.Error(t, err)
	})

	t.Run("wrong signing secret", func(t *testing.T) {
		forged, err := auth.Issue([]byte("another-secret-another-secret-xx"), "op", auth.RoleOperator, "t1", time.Minute)
		require.NoError(t, err)
		_, err = f.gw.Authenticate(forged, auth.RoleOperator, "t1")
		assert.Error(t, err)
	})

	t.Run("declared role must match token role", func(t *testing.T) {
		dispToken, err := auth.Issue(testSecret, "d", auth.RoleDisplay, "t1", time.Minute)
		require.NoError(t, err)
		_, err = f.gw.Authenticate(dispToken, auth.RoleOperator, "t1")
		assert.Error(t, err)
	})

	t.Run("token bound to another tenant", func(t *testing.T) {
		_, err := f.gw.Authenticate(opToken, auth.RoleOperator, "t2")
		assert.Error(t, err)
	})

	t.Run("expired token", func(t *testing.T) {
		stale, err := auth.Issue(testSecret, "op", auth.RoleOperator, "t1", -time.Minute)
		require.NoError(t, err)
		_, err = f.gw.Authenticate(stale, auth.RoleOperator, "t1")
		assert.Error(t, err)
	})
}

func TestSubmit_UnknownSessionIsAuthenticationError(t *testing.T) {
	f := newFixture(t, fixtureOpts{noWorker: true, noDisplay: true})

	resp := f.gw.Submit(context.Background(), "no-such-session", cmd("c1", CommandPause, nil))
	assert.Equal(t, "nack", resp.Type)
	assert.Equal(t, CodeAuthentication, resp.ErrorCode)
}

func TestSubmit_ValidationMatrix(t *testing.T) {
	f := newFixture(t, fixtureOpts{noWorker: true})

	tests := []struct {
		name string
		env  Envelope
		code Code
	}{
		{
			name: "missing id",
			env:  Envelope{Type: CommandPause, Timestamp: time.Now()},
			code: CodeValidation,
		},
		{
			name: "missing type",
			env:  Envelope{ID: "c1", Timestamp: time.Now()},
			code: CodeValidation,
		},
		{
			name: "missing timestamp",
			env:  Envelope{ID: "c2", Type: CommandPause},
			code: CodeValidation,
		},
		{
			name: "stale timestamp",
			env:  Envelope{ID: "c3", Type: CommandPause, Timestamp: time.Now().Add(-10 * time.Minute)},
			code: CodeValidation,
		},
		{
			name: "future timestamp",
			env:  Envelope{ID: "c4", Type: CommandPause, Timestamp: time.Now().Add(10 * time.Minute)},
			code: CodeValidation,
		},
		{
			name: "unknown command type",
			env:  cmd("c5", CommandType("self-destruct"), nil),
			code: CodeValidation,
		},
		{
			name: "seek with non-numeric position",
			env:  cmd("c6", CommandSeek, map[string]any{"position": "ninety"}),
			code: CodeValidation,
		},
		{
			name: "seek with missing position",
			env:  cmd("c7", CommandSeek, nil),
			code: CodeValidation,
		},
		{
			name: "set-volume above range",
			env:  cmd("c8", CommandSetVolume, map[string]any{"level": 150}),
			code: CodeValidation,
		},
		{
			name: "set-volume below range",
			env:  cmd("c9", CommandSetVolume, map[string]any{"level": -1}),
			code: CodeValidation,
		},
		{
			name: "set-volume with string level",
			env:  cmd("c10", CommandSetVolume, map[string]any{"level": "90"}),
			code: CodeValidation,
		},
		{
			name: "set-volume with fractional level",
			env:  cmd("c11", CommandSetVolume, map[string]any{"level": 70.5}),
			code: CodeValidation,
		},
	}

	before := f.pb.GetState("t1")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.gw.Submit(context.Background(), f.operator.ID, tt.env)
			assert.Equal(t, "nack", resp.Type)
			assert.Equal(t, tt.code, resp.ErrorCode)
		})
	}
	assert.Equal(t, before, f.pb.GetState("t1"), "rejected commands must not touch state")
}

func TestSubmit_WholeFloatLevelAccepted(t *testing.T) {
	// JSON transports every number as float64; a whole-valued level must
	// decode as the integer it is.
	f := newFixture(t, fixtureOpts{})

	resp := f.gw.Submit(context.Background(), f.operator.ID, cmd("c1", CommandSetVolume, map[string]any{"level": float64(55)}))
	require.Equal(t, "ack", resp.Type)
	assert.Equal(t, 55, f.pb.GetState("t1").Volume)
}

func TestSubmit_DisplayRoleCannotMutate(t *testing.T) {
	f := newFixture(t, fixtureOpts{noWorker: true})

	for _, typ := range []CommandType{CommandPlay, CommandPause, CommandStop, CommandSeek, CommandSetVolume, CommandMute, CommandUnmute, CommandNext} {
		resp := f.gw.Submit(context.Background(), f.display.ID, cmd("d-"+string(typ), typ, nil))
		assert.Equal(t, "nack", resp.Type, string(typ))
		assert.Equal(t, CodePermission, resp.ErrorCode, string(typ))
	}
}

func TestSubmit_DisplayRoleReadOnlyAllowed(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	resp := f.gw.Submit(context.Background(), f.display.ID, cmd("d1", CommandGetState, nil))
	assert.Equal(t, "ack", resp.Type)
	require.Contains(t, resp.Result, "state")

	resp = f.gw.Submit(context.Background(), f.display.ID, cmd("d2", CommandHeartbeat, nil))
	assert.Equal(t, "ack", resp.Type)
	assert.Equal(t, "alive", resp.Result["status"])
}

func TestSubmit_NoDisplayConnected(t *testing.T) {
	f := newFixture(t, fixtureOpts{noDisplay: true})

	resp := f.gw.Submit(context.Background(), f.operator.ID, cmd("c1", CommandPause, nil))
	assert.Equal(t, "nack", resp.Type)
	assert.Equal(t, CodeNoDisplay, resp.ErrorCode)

	// Read-only commands do not need a display.
	resp = f.gw.Submit(context.Background(), f.operator.ID, cmd("c2", CommandGetState, nil))
	assert.Equal(t, "ack", resp.Type)

	// The rejection is transient: the same id succeeds once a display
	// is attached, rather than being served the cached NACK.
	dispToken, err := auth.Issue(testSecret, "d", auth.RoleDisplay, "t1", time.Minute)
	require.NoError(t, err)
	display, err := f.gw.Authenticate(dispToken, auth.RoleDisplay, "t1")
	require.NoError(t, err)
	sink := &captureSink{gw: f.gw, sessionID: display.ID, autoAck: true}
	require.NoError(t, f.gw.AttachDisplay(display, sink))

	resp = f.gw.Submit(context.Background(), f.operator.ID, cmd("c1", CommandPause, nil))
	assert.Equal(t, "ack", resp.Type)
}

func TestSubmit_IdempotentReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	f.queue.add("t1", "x1")
	require.NoError(t, f.gw.advancer.Reconcile(ctx, "t1"))
	require.Equal(t, playback.StatusPlaying, f.pb.GetState("t1").Status)

	first := f.gw.Submit(ctx, f.operator.ID, cmd("c1", CommandPause, nil))
	require.Equal(t, "ack", first.Type)
	require.Equal(t, playback.StatusPaused, f.pb.GetState("t1").Status)

	// Retry after a dropped ACK: same id, cached response, no second
	// execution, state not toggled back.
	second := f.gw.Submit(ctx, f.operator.ID, cmd("c1", CommandPause, nil))
	assert.Equal(t, first, second)
	assert.Equal(t, playback.StatusPaused, f.pb.GetState("t1").Status)
	assert.Len(t, f.sink.byCommand("c1"), 1, "duplicate must not re-dispatch to displays")
}

func TestSubmit_ConcurrentDuplicatesShareOneExecution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})

	const dupes = 8
	responses := make([]Response, dupes)
	var wg sync.WaitGroup
	for i := 0; i < dupes; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i] = f.gw.Submit(ctx, f.operator.ID, cmd("c1", CommandSeek, map[string]any{"position": 30.0}))
		}(i)
	}
	wg.Wait()

	for _, resp := range responses {
		assert.Equal(t, responses[0], resp)
	}
	assert.Len(t, f.sink.byCommand("c1"), 1)
}

func TestSubmit_QueueFullRejectsOverflow(t *testing.T) {
	f := newFixture(t, fixtureOpts{maxQueue: 2, noWorker: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.gw.Submit(ctx, f.operator.ID, cmd(fmt.Sprintf("fill-%d", i), CommandPause, nil))
		}(i)
	}
	require.Eventually(t, func() bool { return len(f.gw.queue) == 2 }, time.Second, time.Millisecond)

	resp := f.gw.Submit(context.Background(), f.operator.ID, cmd("overflow", CommandPause, nil))
	assert.Equal(t, "nack", resp.Type)
	assert.Equal(t, CodeQueueFull, resp.ErrorCode)

	cancel()
	wg.Wait()

	// Queue-full is transient too: the overflow id is not poisoned.
	f.gw.history.mu.Lock()
	_, poisoned := f.gw.history.entries["overflow"]
	f.gw.history.mu.Unlock()
	assert.False(t, poisoned)
}

func TestWorker_AppliesInDequeueOrder(t *testing.T) {
	f := newFixture(t, fixtureOpts{noWorker: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stage four seeks in the FIFO before the worker starts, so the
	// observed effect order is exactly enqueue order.
	var wg sync.WaitGroup
	for i := 1; i <= 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.gw.Submit(ctx, f.operator.ID, cmd(fmt.Sprintf("s-%d", i), CommandSeek, map[string]any{"position": float64(i * 10)}))
		}()
		require.Eventually(t, func() bool { return len(f.gw.queue) == i }, time.Second, time.Millisecond)
	}

	go f.gw.Run(ctx)
	wg.Wait()

	var positions []float64
	f.sink.mu.Lock()
	for _, inst := range f.sink.insts {
		if inst.Name == "seek" {
			positions = append(positions, *inst.Position)
		}
	}
	f.sink.mu.Unlock()
	assert.Equal(t, []float64{10, 20, 30, 40}, positions)
	assert.Equal(t, float64(40), f.pb.GetState("t1").Position)
}

func TestExecute_DisplayAckTimeout(t *testing.T) {
	f := newFixture(t, fixtureOpts{ackTimeout: 50 * time.Millisecond, noAutoAck: true})

	resp := f.gw.Submit(context.Background(), f.operator.ID, cmd("c1", CommandSetVolume, map[string]any{"level": 70}))
	require.Equal(t, "ack", resp.Type)
	assert.Equal(t, "timeout", resp.Result["status"])
	assert.Equal(t, 70, f.pb.GetState("t1").Volume, "mutation is applied even when the display never confirms")
}

func TestExecute_PlaySemantics(t *testing.T) {
	ctx := context.Background()

	t.Run("stopped with eligible queue promotes", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		f.queue.add("t1", "a")

		resp := f.gw.Submit(ctx, f.operator.ID, cmd("c1", CommandPlay, nil))
		require.Equal(t, "ack", resp.Type)
		st := f.pb.GetState("t1")
		assert.Equal(t, playback.StatusPlaying, st.Status)
		assert.Equal(t, "a", st.Track.ID)

		insts := f.sink.byCommand("c1")
		require.Len(t, insts, 1)
		assert.Equal(t, "start", insts[0].Name)
	})

	t.Run("paused resumes without resetting position", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		f.queue.add("t1", "a")
		require.NoError(t, f.gw.advancer.Reconcile(ctx, "t1"))
		f.pb.Seek("t1", 42)
		f.pb.Pause("t1")

		resp := f.gw.Submit(ctx, f.operator.ID, cmd("c2", CommandPlay, nil))
		require.Equal(t, "ack", resp.Type)
		st := f.pb.GetState("t1")
		assert.Equal(t, playback.StatusPlaying, st.Status)
		assert.Equal(t, float64(42), st.Position)

		insts := f.sink.byCommand("c2")
		require.Len(t, insts, 1)
		assert.Equal(t, "resume", insts[0].Name)
	})

	t.Run("stopped with empty queue stays stopped", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})

		resp := f.gw.Submit(ctx, f.operator.ID, cmd("c3", CommandPlay, nil))
		require.Equal(t, "ack", resp.Type)
		assert.Equal(t, playback.StatusStopped, f.pb.GetState("t1").Status)
	})
}

func TestExecute_NextSkipsToFollowingTrack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	f.queue.add("t1", "a")
	f.queue.add("t1", "b")
	require.NoError(t, f.gw.advancer.Reconcile(ctx, "t1"))

	resp := f.gw.Submit(ctx, f.operator.ID, cmd("c1", CommandNext, nil))
	require.Equal(t, "ack", resp.Type)

	st := f.pb.GetState("t1")
	assert.Equal(t, "b", st.Track.ID)
	f.queue.mu.Lock()
	assert.Equal(t, track.OutcomeSkipped, f.queue.rows[0].outcome)
	f.queue.mu.Unlock()
}

func TestExecute_MuteRestoresPriorVolume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})

	resp := f.gw.Submit(ctx, f.operator.ID, cmd("c1", CommandSetVolume, map[string]any{"level": 70}))
	require.Equal(t, "ack", resp.Type)

	resp = f.gw.Submit(ctx, f.operator.ID, cmd("c2", CommandMute, nil))
	require.Equal(t, "ack", resp.Type)
	assert.Equal(t, 0, f.pb.GetState("t1").Volume)

	resp = f.gw.Submit(ctx, f.operator.ID, cmd("c3", CommandUnmute, nil))
	require.Equal(t, "ack", resp.Type)
	assert.Equal(t, 70, f.pb.GetState("t1").Volume)
}

func TestExecute_UnmuteWithoutPriorMuteDefaultsFull(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	resp := f.gw.Submit(context.Background(), f.operator.ID, cmd("c1", CommandUnmute, nil))
	require.Equal(t, "ack", resp.Type)
	assert.Equal(t, 100, f.pb.GetState("t1").Volume)
}

func TestHandleTrackEnded_PromotesAndResyncsDisplays(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	f.queue.add("t1", "a")
	f.queue.add("t1", "b")
	require.NoError(t, f.gw.advancer.Reconcile(ctx, "t1"))

	f.gw.HandleTrackEnded(ctx, f.display.ID)

	st := f.pb.GetState("t1")
	assert.Equal(t, "b", st.Track.ID)
	f.queue.mu.Lock()
	assert.Equal(t, track.OutcomeConcluded, f.queue.rows[0].outcome)
	f.queue.mu.Unlock()

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	require.NotEmpty(t, f.sink.insts)
	last := f.sink.insts[len(f.sink.insts)-1]
	assert.Equal(t, "start", last.Name)
	assert.Equal(t, "b", last.Track["id"])
}

func TestSyncDisplays_DeduplicatesUnchangedState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	f.queue.add("t1", "a")
	require.NoError(t, f.gw.advancer.Reconcile(ctx, "t1"))

	f.gw.SyncDisplays("t1")
	f.gw.SyncDisplays("t1")
	f.gw.SyncDisplays("t1")

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	starts := 0
	for _, inst := range f.sink.insts {
		if inst.Name == "start" {
			starts++
		}
	}
	assert.Equal(t, 1, starts, "unchanged state must be pushed once")
}

func TestSendCurrentState_BypassesDedup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	f.queue.add("t1", "a")
	require.NoError(t, f.gw.advancer.Reconcile(ctx, "t1"))
	f.gw.SyncDisplays("t1")

	late := &captureSink{}
	f.gw.SendCurrentState("t1", late)

	late.mu.Lock()
	defer late.mu.Unlock()
	require.Len(t, late.insts, 1)
	assert.Equal(t, "start", late.insts[0].Name)
}

func TestDisconnect_RemovesDisplayFromHub(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	f.gw.Disconnect(f.display.ID)
	resp := f.gw.Submit(context.Background(), f.operator.ID, cmd("c1", CommandPause, nil))
	assert.Equal(t, CodeNoDisplay, resp.ErrorCode)

	resp = f.gw.Submit(context.Background(), f.display.ID, cmd("c2", CommandGetState, nil))
	assert.Equal(t, CodeAuthentication, resp.ErrorCode, "disconnected session is gone")
}
