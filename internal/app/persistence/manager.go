// Package persistence makes playback state survive process restarts.
package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/mitaka8/boombox/internal/app/playback"
	"github.com/mitaka8/boombox/internal/infra/queuestore"
	"github.com/mitaka8/boombox/internal/infra/snapshot"
	"github.com/mitaka8/boombox/internal/telemetry"
)

// Manager snapshots playback state on a fixed interval and reconstructs
// it at startup. Write failures are soft: logged and retried on the next
// tick, never surfaced to callers or allowed to block playback.
type Manager struct {
	playback  *playback.Store
	snapshots snapshot.Store
	queue     queuestore.Store
	interval  time.Duration

	mu      sync.Mutex
	lastErr map[string]bool // tenant -> last write failed (dedup log noise)
}

// NewManager creates a persistence manager.
func NewManager(pb *playback.Store, snaps snapshot.Store, queue queuestore.Store, interval time.Duration) *Manager {
	return &Manager{
		playback:  pb,
		snapshots: snaps,
		queue:     queue,
		interval:  interval,
		lastErr:   make(map[string]bool),
	}
}

// Recover rebuilds in-memory state from snapshots for the given tenants.
// A snapshot whose track the durable queue no longer confirms as playing
// is discarded and the tenant initialized stopped: resuming from an
// inconsistent record is worse than starting over.
func (m *Manager) Recover(ctx context.Context, tenants []string) {
	for _, tenant := range tenants {
		if err := m.recoverTenant(ctx, tenant); err != nil {
			zlog.Warn().Str("tenant", tenant).Err(err).
				Msg("persistence: recovery failed, starting stopped")
		}
	}
}

func (m *Manager) recoverTenant(ctx context.Context, tenant string) error {
	snap, err := m.snapshots.Read(ctx, tenant)
	if err != nil {
		return errors.Wrap(err, "read snapshot")
	}
	if snap == nil {
		return nil
	}

	status := playback.ParseStatus(snap.Status)
	if status == playback.StatusStopped || snap.TrackID == "" {
		// A stopped snapshot is logically deleted; clear the record.
		_ = m.snapshots.Delete(ctx, tenant)
		return nil
	}

	playing, err := m.queue.FindDurablyPlaying(ctx, tenant)
	if err != nil {
		return errors.Wrap(err, "verify snapshot against queue")
	}
	if playing == nil || playing.ID != snap.TrackID {
		zlog.Warn().Str("tenant", tenant).Str("track", snap.TrackID).
			Msg("persistence: snapshot track no longer playing in queue, discarding")
		_ = m.snapshots.Delete(ctx, tenant)
		return nil
	}

	if _, err := m.playback.Start(tenant, *playing); err != nil {
		return errors.Wrap(err, "restore track")
	}
	m.playback.Seek(tenant, snap.Position)
	m.playback.SetVolume(tenant, snap.Volume)
	if status == playback.StatusPaused {
		m.playback.Pause(tenant)
	}

	zlog.Info().Str("tenant", tenant).Str("track", snap.TrackID).
		Float64("position", snap.Position).Str("status", status.String()).
		Msg("persistence: restored playback state from snapshot")
	return nil
}

// Run writes snapshots for all tenants holding non-stopped state on the
// configured interval, until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tenant := range m.playback.Tenants() {
				m.Flush(ctx, tenant)
			}
		}
	}
}

// Flush writes the tenant's current state immediately. It is also wired
// as the playback store's mutation hook so operator-driven changes reach
// durable storage without waiting for the next tick.
func (m *Manager) Flush(ctx context.Context, tenant string) {
	st := m.playback.GetState(tenant)

	if st.Status == playback.StatusStopped {
		if err := m.snapshots.Delete(ctx, tenant); err != nil {
			m.reportWriteErr(tenant, err)
			return
		}
		m.clearWriteErr(tenant)
		return
	}

	snap := snapshot.Snapshot{
		Tenant:    tenant,
		TrackID:   st.Track.ID,
		Status:    st.Status.String(),
		Position:  st.Position,
		Volume:    st.Volume,
		UpdatedAt: st.UpdatedAt,
	}
	if err := m.snapshots.Write(ctx, tenant, snap); err != nil {
		telemetry.SnapshotWrites.WithLabelValues("error").Inc()
		m.reportWriteErr(tenant, err)
		return
	}
	telemetry.SnapshotWrites.WithLabelValues("ok").Inc()
	m.clearWriteErr(tenant)
}

func (m *Manager) reportWriteErr(tenant string, err error) {
	m.mu.Lock()
	already := m.lastErr[tenant]
	m.lastErr[tenant] = true
	m.mu.Unlock()

	if !already {
		zlog.Error().Str("tenant", tenant).Err(err).
			Msg("persistence: snapshot write failed, will retry on next tick")
	}
}

func (m *Manager) clearWriteErr(tenant string) {
	m.mu.Lock()
	if m.lastErr[tenant] {
		zlog.Info().Str("tenant", tenant).Msg("persistence: snapshot writes recovered")
	}
	m.lastErr[tenant] = false
	m.mu.Unlock()
}
