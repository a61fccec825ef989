// Package gateway is the remote-control plane: it terminates persistent
// operator and display connections and enforces authentication,
// validation, idempotency, ordering and backpressure before any command
// reaches the playback state machine.
package gateway

import (
	"context"
	"sync"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/mitaka8/boombox/internal/app/advancer"
	"github.com/mitaka8/boombox/internal/app/playback"
	"github.com/mitaka8/boombox/internal/domain/track"
	"github.com/mitaka8/boombox/internal/infra/auth"
	"github.com/mitaka8/boombox/internal/telemetry"
)

// Config carries the gateway tunables.
type Config struct {
	Secret            []byte        // HS256 signing secret for control tokens
	AckTimeout        time.Duration // Bounded wait for display acknowledgment
	MaxQueue          int           // Command FIFO capacity
	ClockSkew         time.Duration // Accepted envelope timestamp skew
	HistoryTTL        time.Duration // Idempotency cache retention
	HeartbeatInterval time.Duration // Expected client heartbeat cadence
}

// queuedCommand is one validated, claimed command waiting for the worker.
type queuedCommand struct {
	env     Envelope
	session *Session
	entry   *historyEntry
}

// Gateway is the single sanctioned path for operator-issued mutations.
// A lone worker goroutine drains one process-wide bounded FIFO, so the
// order effects hit the playback store is exactly dequeue order.
type Gateway struct {
	cfg      Config
	playback *playback.Store
	advancer *advancer.Advancer

	sessions *sessionRegistry
	history  *commandHistory
	pending  *pendingAcks
	displays *displayHub

	queue chan *queuedCommand

	muteMu     sync.Mutex
	muteLevels map[string]int // tenant -> volume before mute

	syncMu   sync.Mutex
	lastSync map[string]string // tenant -> last state fingerprint shown to displays

	closerMu sync.Mutex
	closers  map[string]func() // session id -> connection closer
}

// New creates a gateway. Run and RunSweeps must both be started.
func New(cfg Config, pb *playback.Store, adv *advancer.Advancer) *Gateway {
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 64
	}
	return &Gateway{
		cfg:        cfg,
		playback:   pb,
		advancer:   adv,
		sessions:   newSessionRegistry(),
		history:    newCommandHistory(cfg.HistoryTTL),
		pending:    newPendingAcks(),
		displays:   newDisplayHub(cfg.AckTimeout),
		queue:      make(chan *queuedCommand, cfg.MaxQueue),
		muteLevels: make(map[string]int),
		lastSync:   make(map[string]string),
		closers:    make(map[string]func()),
	}
}

// Authenticate validates a caller-supplied token and declared role and
// creates a session. The token's role claim must match the declared one.
func (g *Gateway) Authenticate(token string, declaredRole auth.Role, tenant string) (*Session, error) {
	if !declaredRole.Valid() {
		return nil, errAuthentication("unknown role")
	}

	claims, err := auth.Parse(g.cfg.Secret, token)
	if err != nil {
		return nil, errAuthentication("invalid token")
	}
	if claims.Role != declaredRole {
		return nil, errAuthentication("token role does not match declared role")
	}
	if tenant == "" {
		tenant = claims.Tenant
	}
	if tenant == "" {
		tenant = playback.DefaultTenant
	}
	if claims.Tenant != "" && claims.Tenant != tenant {
		return nil, errAuthentication("token not valid for tenant")
	}

	s := g.sessions.add(declaredRole, tenant)
	telemetry.ConnectedSessions.WithLabelValues(string(declaredRole)).Inc()
	zlog.Info().Str("session", s.ID).Str("role", string(declaredRole)).
		Str("tenant", tenant).Msg("gateway: session authenticated")
	return s, nil
}

// Disconnect tears the session down. Commands already mid-execution are
// not cancelled.
func (g *Gateway) Disconnect(sessionID string) {
	s, err := g.sessions.get(sessionID)
	if err != nil {
		return
	}
	g.sessions.remove(sessionID)
	g.displays.unsubscribe(sessionID)
	telemetry.ConnectedSessions.WithLabelValues(string(s.Role)).Dec()

	g.closerMu.Lock()
	delete(g.closers, sessionID)
	g.closerMu.Unlock()

	zlog.Info().Str("session", sessionID).Msg("gateway: session disconnected")
}

// SetCloser registers the function that force-closes the session's
// connection, used by the heartbeat sweep.
func (g *Gateway) SetCloser(sessionID string, closer func()) {
	g.closerMu.Lock()
	g.closers[sessionID] = closer
	g.closerMu.Unlock()
}

// AttachDisplay subscribes an authenticated display session's sink.
func (g *Gateway) AttachDisplay(s *Session, sink DisplaySink) error {
	if s.Role != auth.RoleDisplay {
		return errPermission("only display sessions can attach a display sink")
	}
	g.displays.subscribe(s.ID, s.Tenant, sink)
	return nil
}

// Submit runs the full validation pipeline and, for fresh command ids,
// enqueues the command and waits for the worker's response. Duplicate
// ids are never re-executed; the cached response comes back verbatim.
func (g *Gateway) Submit(ctx context.Context, sessionID string, env Envelope) Response {
	session, err := g.sessions.get(sessionID)
	if err != nil {
		telemetry.CommandRejections.WithLabelValues(string(CodeAuthentication)).Inc()
		return nack(env.ID, errAuthentication("session not authenticated"))
	}
	session.Touch()
	env.Issuer = session.ID
	if env.Tenant == "" {
		env.Tenant = session.Tenant
	}

	if cerr := g.validate(session, &env); cerr != nil {
		telemetry.CommandRejections.WithLabelValues(string(cerr.Code)).Inc()
		return nack(env.ID, cerr)
	}

	// Idempotency: second and later sightings of an id share the first
	// execution's response.
	entry, fresh := g.history.claim(env.ID)
	if !fresh {
		waitCtx, cancel := context.WithTimeout(ctx, g.cfg.AckTimeout*2)
		defer cancel()
		resp, ok := g.history.await(waitCtx, entry)
		if !ok {
			return nack(env.ID, &CommandError{Code: CodeExecution, Reason: "duplicate wait expired"})
		}
		zlog.Debug().Str("command", env.ID).Msg("gateway: duplicate command served from history")
		return resp
	}

	// No-display rejection is immediate and pre-queue; transient
	// rejections are forgotten so a retry is re-evaluated.
	if !env.Type.readOnly() && !g.displays.connected(env.Tenant) {
		g.history.forget(env.ID)
		telemetry.CommandRejections.WithLabelValues(string(CodeNoDisplay)).Inc()
		return nack(env.ID, errNoDisplay())
	}

	qc := &queuedCommand{env: env, session: session, entry: entry}
	select {
	case g.queue <- qc:
		telemetry.CommandQueueDepth.Set(float64(len(g.queue)))
	default:
		g.history.forget(env.ID)
		telemetry.CommandRejections.WithLabelValues(string(CodeQueueFull)).Inc()
		return nack(env.ID, errQueueFull())
	}

	resp, ok := g.history.await(ctx, entry)
	if !ok {
		// Caller went away; the command still executes and its response
		// stays cached for a retry.
		return nack(env.ID, &CommandError{Code: CodeExecution, Reason: "caller cancelled"})
	}
	return resp
}

// validate applies the §command checks in order, short-circuiting on the
// first failure. Rejected commands never reach the queue and never
// mutate state.
func (g *Gateway) validate(session *Session, env *Envelope) *CommandError {
	// Role permission precedes shape checks: a display probing mutating
	// commands learns nothing about their parameter schema.
	if session.Role == auth.RoleDisplay && !env.Type.readOnly() {
		return errPermission("display sessions may only issue read-only commands")
	}

	if env.ID == "" {
		return errValidation("id", "required")
	}
	if env.Type == "" {
		return errValidation("type", "required")
	}
	if env.Timestamp.IsZero() {
		return errValidation("timestamp", "required")
	}

	skew := time.Since(env.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > g.cfg.ClockSkew {
		return errValidation("timestamp", "outside acceptable clock skew window")
	}

	if !commandTypes[env.Type] {
		return errValidation("type", "unknown command type")
	}

	switch env.Type {
	case CommandSeek:
		var p seekParams
		if err := decodeParams(env.Params, &p); err != nil {
			return errValidation("params.position", "numeric position is required")
		}
	case CommandSetVolume:
		var p volumeParams
		if err := decodeParams(env.Params, &p); err != nil {
			return errValidation("params.level", "integer level 0-100 is required")
		}
	}

	return nil
}

// Run drains the command FIFO until the context is cancelled. It must
// run exactly once; it is the serialization point for every mutation.
func (g *Gateway) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case qc := <-g.queue:
			telemetry.CommandQueueDepth.Set(float64(len(g.queue)))
			resp := g.execute(ctx, qc)
			if resp.Type == "nack" {
				telemetry.CommandRejections.WithLabelValues(string(resp.ErrorCode)).Inc()
			} else {
				telemetry.CommandsProcessed.WithLabelValues(string(qc.env.Type)).Inc()
			}
			g.history.resolve(qc.entry, resp)
		}
	}
}

// execute applies one command and, for mutating commands, dispatches the
// matching instruction to the displays and waits for acknowledgment.
func (g *Gateway) execute(ctx context.Context, qc *queuedCommand) Response {
	env := qc.env
	tenant := env.Tenant

	switch env.Type {
	case CommandHeartbeat:
		qc.session.Touch()
		return ack(env.ID, map[string]any{"status": "alive"})
	case CommandGetState:
		return ack(env.ID, map[string]any{"state": statePayload(g.playback.GetState(tenant))})
	}

	// Re-check on execution: the display may have gone away while the
	// command sat in the queue. State must stay untouched on a NACK.
	if !g.displays.connected(tenant) {
		return nack(env.ID, errNoDisplay())
	}

	inst, cerr := g.apply(ctx, env)
	if cerr != nil {
		return nack(env.ID, cerr)
	}

	st := g.playback.GetState(tenant)
	g.markSynced(tenant, st)

	inst.Type = "instruction"
	inst.CommandID = env.ID
	inst.Tenant = tenant

	ackCh := g.pending.register(env.ID)
	g.displays.broadcast(*inst)

	if _, ok := g.pending.wait(env.ID, ackCh, g.cfg.AckTimeout); !ok {
		// Fire-and-forget once dispatched: the instruction is not
		// retracted, the operator just learns the display never
		// confirmed.
		telemetry.DisplayAckTimeouts.Inc()
		zlog.Warn().Str("command", env.ID).Str("tenant", tenant).
			Msg("gateway: display acknowledgment timed out")
		return ack(env.ID, map[string]any{"status": "timeout"})
	}

	return ack(env.ID, map[string]any{
		"status": "applied",
		"state":  statePayload(g.playback.GetState(tenant)),
	})
}

// apply performs the state mutation for a command and returns the
// display instruction describing it.
func (g *Gateway) apply(ctx context.Context, env Envelope) (*Instruction, *CommandError) {
	tenant := env.Tenant

	switch env.Type {
	case CommandPlay:
		st := g.playback.GetState(tenant)
		switch st.Status {
		case playback.StatusPaused:
			g.playback.Resume(tenant)
			return &Instruction{Name: "resume"}, nil
		case playback.StatusStopped:
			if err := g.advancer.Reconcile(ctx, tenant); err != nil {
				return nil, &CommandError{Code: CodeExecution, Reason: err.Error()}
			}
			return g.startInstruction(tenant), nil
		default:
			// Already playing; restate the start so a desynced display
			// can catch up.
			return g.startInstruction(tenant), nil
		}

	case CommandPause:
		g.playback.Pause(tenant)
		return &Instruction{Name: "pause"}, nil

	case CommandStop:
		g.playback.Stop(tenant)
		return &Instruction{Name: "stop"}, nil

	case CommandSeek:
		var p seekParams
		if err := decodeParams(env.Params, &p); err != nil {
			return nil, errValidation("params.position", "numeric position is required")
		}
		st := g.playback.Seek(tenant, *p.Position)
		return &Instruction{Name: "seek", Position: &st.Position}, nil

	case CommandSetVolume:
		var p volumeParams
		if err := decodeParams(env.Params, &p); err != nil {
			return nil, errValidation("params.level", "integer level 0-100 is required")
		}
		st := g.playback.SetVolume(tenant, *p.Level)
		return &Instruction{Name: "set_volume", Level: &st.Volume}, nil

	case CommandMute:
		st := g.playback.GetState(tenant)
		if st.Volume > 0 {
			g.muteMu.Lock()
			g.muteLevels[tenant] = st.Volume
			g.muteMu.Unlock()
		}
		muted := g.playback.SetVolume(tenant, 0)
		return &Instruction{Name: "set_volume", Level: &muted.Volume}, nil

	case CommandUnmute:
		g.muteMu.Lock()
		level, ok := g.muteLevels[tenant]
		g.muteMu.Unlock()
		if !ok || level <= 0 {
			level = 100
		}
		st := g.playback.SetVolume(tenant, level)
		return &Instruction{Name: "set_volume", Level: &st.Volume}, nil

	case CommandNext:
		if err := g.advancer.TrackEnded(ctx, tenant, track.OutcomeSkipped); err != nil {
			return nil, &CommandError{Code: CodeExecution, Reason: err.Error()}
		}
		return g.startInstruction(tenant), nil
	}

	return nil, errValidation("type", "unknown command type")
}

// startInstruction renders the current state as either a start (with
// track) or a stop, for commands whose outcome depends on the queue.
func (g *Gateway) startInstruction(tenant string) *Instruction {
	st := g.playback.GetState(tenant)
	if st.Status == playback.StatusStopped || st.Track == nil {
		return &Instruction{Name: "stop"}
	}
	inst := &Instruction{
		Name:     "start",
		Track:    trackPayload(*st.Track),
		Position: &st.Position,
		Level:    &st.Volume,
	}
	return inst
}

// HandleDisplayAck resolves a pending command wait with the display's
// applied state.
func (g *Gateway) HandleDisplayAck(sessionID, commandID string, state map[string]any) {
	if s, err := g.sessions.get(sessionID); err == nil {
		s.Touch()
	}
	g.pending.resolve(commandID, state)
}

// HandleTrackEnded processes a display's natural track-end notice: mark
// the track concluded, promote the next one, and resync displays.
func (g *Gateway) HandleTrackEnded(ctx context.Context, sessionID string) {
	s, err := g.sessions.get(sessionID)
	if err != nil {
		return
	}
	s.Touch()

	if err := g.advancer.TrackEnded(ctx, s.Tenant, track.OutcomeConcluded); err != nil {
		zlog.Error().Str("tenant", s.Tenant).Err(err).
			Msg("gateway: track-ended handling failed")
		return
	}
	g.SyncDisplays(s.Tenant)
}

// SyncDisplays pushes the current state to displays when it has drifted
// from what they were last shown. Used by the autonomous triggers
// (periodic reconcile, payment confirmations, recovery) whose state
// changes have no originating command.
func (g *Gateway) SyncDisplays(tenant string) {
	st := g.playback.GetState(tenant)
	fp := fingerprint(st)

	g.syncMu.Lock()
	if g.lastSync[tenant] == fp {
		g.syncMu.Unlock()
		return
	}
	g.lastSync[tenant] = fp
	g.syncMu.Unlock()

	inst := g.startInstruction(tenant)
	inst.Type = "instruction"
	inst.Tenant = tenant
	g.displays.broadcast(*inst)

	if st.Status == playback.StatusPaused {
		g.displays.broadcast(Instruction{Type: "instruction", Name: "pause", Tenant: tenant})
	}
}

// SendCurrentState pushes the current state to one newly attached sink,
// bypassing the drift check other displays rely on.
func (g *Gateway) SendCurrentState(tenant string, sink DisplaySink) {
	st := g.playback.GetState(tenant)
	inst := g.startInstruction(tenant)
	inst.Type = "instruction"
	inst.Tenant = tenant
	_ = sink.SendInstruction(*inst)
	if st.Status == playback.StatusPaused {
		_ = sink.SendInstruction(Instruction{Type: "instruction", Name: "pause", Tenant: tenant})
	}
}

func (g *Gateway) markSynced(tenant string, st playback.State) {
	g.syncMu.Lock()
	g.lastSync[tenant] = fingerprint(st)
	g.syncMu.Unlock()
}

// fingerprint identifies the display-relevant part of a state. Position
// is deliberately excluded: displays advance it themselves.
func fingerprint(st playback.State) string {
	id := ""
	if st.Track != nil {
		id = st.Track.ID
	}
	return st.Status.String() + "|" + id
}

// RunSweeps runs the heartbeat reaper and the idempotency-cache sweep
// until the context is cancelled.
func (g *Gateway) RunSweeps(ctx context.Context) {
	go g.history.sweep(ctx, g.cfg.HistoryTTL/2)

	ticker := time.NewTicker(g.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * g.cfg.HeartbeatInterval)
			for _, s := range g.sessions.expired(cutoff) {
				zlog.Info().Str("session", s.ID).Str("role", string(s.Role)).
					Msg("gateway: heartbeat timeout, dropping session")
				g.closerMu.Lock()
				closer := g.closers[s.ID]
				g.closerMu.Unlock()
				g.Disconnect(s.ID)
				if closer != nil {
					closer()
				}
			}
		}
	}
}
