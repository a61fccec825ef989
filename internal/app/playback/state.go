// Package playback provides the tenant-scoped playback state machine.
package playback

import (
	"time"

	"github.com/mitaka8/boombox/internal/domain/track"
)

// DefaultTenant is the tenant key used when no tenant is specified.
const DefaultTenant = "global"

// Status represents the playback status.
type Status int

const (
	StatusStopped Status = iota // No track loaded
	StatusPlaying               // Track is playing
	StatusPaused                // Track is paused
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// ParseStatus parses a status string as written by the snapshot store.
func ParseStatus(s string) Status {
	switch s {
	case "playing":
		return StatusPlaying
	case "paused":
		return StatusPaused
	default:
		return StatusStopped
	}
}

// State is the playback state for one tenant.
//
// Invariants: Track is nil exactly when Status is StatusStopped, and
// Position only advances while Status is StatusPlaying.
type State struct {
	Status    Status
	Track     *track.Track // Current track (nil when stopped)
	Position  float64      // Elapsed seconds into the current track
	Volume    int          // 0-100
	UpdatedAt time.Time    // Time of last mutation
}

// clone returns a deep copy so callers never hold a live reference.
func (s *State) clone() State {
	out := *s
	if s.Track != nil {
		t := *s.Track
		out.Track = &t
	}
	return out
}
