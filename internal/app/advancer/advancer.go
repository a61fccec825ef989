// Package advancer guarantees forward progress through the confirmed
// request backlog: whenever nothing is playing for a tenant, the oldest
// eligible track is promoted automatically.
package advancer

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/mitaka8/boombox/internal/app/playback"
	"github.com/mitaka8/boombox/internal/domain/track"
	"github.com/mitaka8/boombox/internal/infra/queuestore"
	"github.com/mitaka8/boombox/internal/telemetry"
)

// Advancer reconciles in-memory playback state against the durable queue.
// Reconcile is idempotent and safe to invoke redundantly from any of its
// triggers (periodic timer, payment confirmation, track-ended notice,
// command drain).
type Advancer struct {
	playback *playback.Store
	queue    queuestore.Store

	// Per-tenant single-flight guard. Two overlapping reconciliations
	// must never both reach the promote step and double-start tracks.
	guards sync.Map // tenant -> *sync.Mutex
}

// New creates an advancer over the given state store and durable queue.
func New(pb *playback.Store, queue queuestore.Store) *Advancer {
	return &Advancer{
		playback: pb,
		queue:    queue,
	}
}

func (a *Advancer) guard(tenant string) *sync.Mutex {
	mu, _ := a.guards.LoadOrStore(tenant, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Reconcile resolves the gap between "durably marked playing" and
// "actually playing in memory", first match wins:
//
//  1. Something already playing in memory: nothing to do.
//  2. A track durably marked playing but absent from memory (crash
//     artifact): resume it without re-marking.
//  3. An eligible confirmed track waiting: mark it playing durably,
//     then start it in memory. Mark-before-start, so a crash between
//     the two steps is recovered by step 2 on the next run.
//  4. Empty queue: settle into stopped. Not an error.
//
// A second invocation that arrives while one is in flight for the same
// tenant waits its turn and then observes step 1.
func (a *Advancer) Reconcile(ctx context.Context, tenant string) error {
	mu := a.guard(tenant)
	mu.Lock()
	defer mu.Unlock()

	return a.reconcileLocked(ctx, tenant)
}

// reconcileLocked runs the 4-step algorithm. The tenant guard must be
// held.
func (a *Advancer) reconcileLocked(ctx context.Context, tenant string) error {
	// Step 1: already playing.
	st := a.playback.GetState(tenant)
	if st.Status == playback.StatusPlaying {
		telemetry.ReconcileRuns.WithLabelValues("noop").Inc()
		return nil
	}

	// Step 2: crash artifact, resume without re-marking. A track that is
	// durably marked playing and already loaded in memory (paused) is not
	// an artifact; leave it alone.
	resumed, err := a.queue.FindDurablyPlaying(ctx, tenant)
	if err != nil {
		return errors.Wrap(err, "query durably playing")
	}
	if resumed != nil {
		if st.Track != nil && st.Track.ID == resumed.ID {
			telemetry.ReconcileRuns.WithLabelValues("noop").Inc()
			return nil
		}
		if _, err := a.playback.Start(tenant, *resumed); err != nil {
			return errors.Wrap(err, "resume durably playing track")
		}
		telemetry.ReconcileRuns.WithLabelValues("resumed").Inc()
		zlog.Info().Str("tenant", tenant).Str("track", resumed.ID).
			Msg("advancer: resumed durably playing track")
		return nil
	}

	// Step 3: promote the oldest eligible track, mark-before-start.
	next, err := a.queue.FindNextEligible(ctx, tenant)
	if err != nil {
		return errors.Wrap(err, "query next eligible")
	}
	if next == nil {
		// Step 4: empty-queue steady state.
		telemetry.ReconcileRuns.WithLabelValues("empty").Inc()
		return nil
	}

	if err := a.queue.MarkPlaying(ctx, next.ID); err != nil {
		return errors.Wrap(err, "mark next track playing")
	}
	if _, err := a.playback.Start(tenant, *next); err != nil {
		return errors.Wrap(err, "start next track")
	}

	telemetry.ReconcileRuns.WithLabelValues("promoted").Inc()
	zlog.Info().Str("tenant", tenant).Str("track", next.ID).
		Str("title", next.Title).Msg("advancer: started next track")
	return nil
}

// TrackEnded records that the current track finished, either concluded
// (played to its natural end) or skipped (operator-forced), then re-runs
// reconciliation to promote the next track or settle into stopped.
func (a *Advancer) TrackEnded(ctx context.Context, tenant string, outcome track.PlayOutcome) error {
	// The mark-stop-reconcile sequence holds the tenant guard end to
	// end: a track-ended notice racing an operator skip must not land
	// its Stop after the other trigger already promoted the next track.
	mu := a.guard(tenant)
	mu.Lock()
	defer mu.Unlock()

	st := a.playback.GetState(tenant)
	if st.Track == nil {
		// Nothing playing; still reconcile in case the durable queue
		// holds a crash artifact or a fresh eligible track.
		return a.reconcileLocked(ctx, tenant)
	}

	if err := a.queue.MarkPlayed(ctx, st.Track.ID, outcome); err != nil {
		return errors.Wrap(err, "mark track played")
	}
	a.playback.Stop(tenant)

	zlog.Info().Str("tenant", tenant).Str("track", st.Track.ID).
		Str("outcome", string(outcome)).Msg("advancer: track ended")

	return a.reconcileLocked(ctx, tenant)
}

// RunPeriodic re-runs reconciliation for every tenant on a fixed
// interval until the context is cancelled. This is the safety net for
// missed events. The after hook, if non-nil, runs once per tenant per
// pass so downstream consumers (displays) can be brought up to date.
func (a *Advancer) RunPeriodic(ctx context.Context, interval time.Duration, tenants []string, after func(tenant string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tenant := range tenants {
				if err := a.Reconcile(ctx, tenant); err != nil {
					zlog.Warn().Str("tenant", tenant).Err(err).
						Msg("advancer: periodic reconcile failed")
					continue
				}
				if after != nil {
					after(tenant)
				}
			}
		}
	}
}
