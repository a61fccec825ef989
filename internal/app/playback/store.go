package playback

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/mitaka8/boombox/internal/domain/track"
)

// Errors
var (
	ErrInvalidTrack = errors.New("track id and title are required")
)

// MutateHook observes every operator-visible state mutation. It runs
// synchronously after the transition commits, outside the store lock.
type MutateHook func(tenant string, state State)

// Store holds the per-tenant playback state machines.
//
// All operations are synchronous pure state transitions. Guarded
// transitions (pause while not playing, resume while not paused) are
// no-ops that return the unchanged state rather than errors.
type Store struct {
	mu      sync.RWMutex
	tenants map[string]*State

	hookMu sync.RWMutex
	hook   MutateHook
}

// NewStore creates an empty playback store.
func NewStore() *Store {
	return &Store{
		tenants: make(map[string]*State),
	}
}

// OnMutate registers the mutation observer. Only one hook is supported;
// fan-out belongs to the caller.
func (s *Store) OnMutate(h MutateHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hook = h
}

// stateLocked returns the state for tenant, creating a stopped default.
// Must be called with the write lock held.
func (s *Store) stateLocked(tenant string) *State {
	if tenant == "" {
		tenant = DefaultTenant
	}
	st, ok := s.tenants[tenant]
	if !ok {
		st = &State{Status: StatusStopped, Volume: 100}
		s.tenants[tenant] = st
	}
	return st
}

func (s *Store) notify(tenant string, st State) {
	s.hookMu.RLock()
	h := s.hook
	s.hookMu.RUnlock()
	if h != nil {
		h(tenant, st)
	}
}

// Start loads a fresh track and begins playing it from position zero.
// It overwrites any prior state for the tenant.
func (s *Store) Start(tenant string, t track.Track) (State, error) {
	if t.ID == "" || t.Title == "" {
		return State{}, ErrInvalidTrack
	}

	s.mu.Lock()
	st := s.stateLocked(tenant)
	st.Status = StatusPlaying
	tc := t
	st.Track = &tc
	st.Position = 0
	st.UpdatedAt = time.Now()
	out := st.clone()
	s.mu.Unlock()

	s.notify(tenant, out)
	return out, nil
}

// Pause freezes playback. Effective only while playing.
func (s *Store) Pause(tenant string) State {
	s.mu.Lock()
	st := s.stateLocked(tenant)
	if st.Status != StatusPlaying {
		out := st.clone()
		s.mu.Unlock()
		return out
	}
	st.Status = StatusPaused
	st.UpdatedAt = time.Now()
	out := st.clone()
	s.mu.Unlock()

	s.notify(tenant, out)
	return out
}

// Resume continues paused playback. Effective only while paused.
func (s *Store) Resume(tenant string) State {
	s.mu.Lock()
	st := s.stateLocked(tenant)
	if st.Status != StatusPaused {
		out := st.clone()
		s.mu.Unlock()
		return out
	}
	st.Status = StatusPlaying
	st.UpdatedAt = time.Now()
	out := st.clone()
	s.mu.Unlock()

	s.notify(tenant, out)
	return out
}

// Stop clears the current track from any state.
func (s *Store) Stop(tenant string) State {
	s.mu.Lock()
	st := s.stateLocked(tenant)
	st.Status = StatusStopped
	st.Track = nil
	st.Position = 0
	st.UpdatedAt = time.Now()
	out := st.clone()
	s.mu.Unlock()

	s.notify(tenant, out)
	return out
}

// SetVolume sets the volume, clamped to 0-100. Effective in any state.
func (s *Store) SetVolume(tenant string, level int) State {
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}

	s.mu.Lock()
	st := s.stateLocked(tenant)
	st.Volume = level
	st.UpdatedAt = time.Now()
	out := st.clone()
	s.mu.Unlock()

	s.notify(tenant, out)
	return out
}

// Seek moves the playback position. Effective in any state.
func (s *Store) Seek(tenant string, position float64) State {
	if position < 0 {
		position = 0
	}

	s.mu.Lock()
	st := s.stateLocked(tenant)
	st.Position = position
	st.UpdatedAt = time.Now()
	out := st.clone()
	s.mu.Unlock()

	s.notify(tenant, out)
	return out
}

// Tick advances the playback position by delta seconds while playing.
// It is driven by the periodic timer, never by operator commands, and
// does not fire the mutation hook (a tick is not an operator mutation).
func (s *Store) Tick(tenant string, delta float64) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stateLocked(tenant)
	if st.Status == StatusPlaying && delta > 0 {
		st.Position += delta
		st.UpdatedAt = time.Now()
	}
	return st.clone()
}

// GetState returns a snapshot copy of the tenant's state.
func (s *Store) GetState(tenant string) State {
	if tenant == "" {
		tenant = DefaultTenant
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.tenants[tenant]
	if !ok {
		return State{Status: StatusStopped, Volume: 100}
	}
	return st.clone()
}

// Tenants returns the tenant keys that currently hold state.
func (s *Store) Tenants() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.tenants))
	for k := range s.tenants {
		out = append(out, k)
	}
	return out
}
