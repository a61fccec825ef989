// Package track provides the Track domain entity.
package track

import "time"

// Track represents a confirmed, playable media request.
type Track struct {
	ID         string        // Request ID (primary key in the queue store)
	Title      string        // Display title
	MediaID    string        // External media ID (the asset the display resolves)
	Duration   time.Duration // Track duration
	Requester  Requester     // Who requested it
	EnqueuedAt time.Time     // Time the request entered the queue (FIFO ordering key)
}

// Requester represents the person who requested the track.
type Requester struct {
	ID   string // Participant UUID
	Name string // Display name
}

// PlayOutcome describes how a track left the playing slot.
type PlayOutcome string

const (
	// OutcomeConcluded means the track played to its natural end,
	// as reported by the display.
	OutcomeConcluded PlayOutcome = "concluded"
	// OutcomeSkipped means an operator forced early termination.
	OutcomeSkipped PlayOutcome = "skipped"
)

// Valid reports whether the outcome is one of the known values.
func (o PlayOutcome) Valid() bool {
	return o == OutcomeConcluded || o == OutcomeSkipped
}
