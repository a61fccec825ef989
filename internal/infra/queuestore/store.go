// Package queuestore provides the durable track/request queue backing
// the autoplay reconciler.
package queuestore

import (
	"context"

	"github.com/mitaka8/boombox/internal/domain/track"
)

// Store is the durable queue consulted by the reconciler. Implementations
// must order eligible tracks by enqueue time (FIFO) and only return
// confirmed, not-yet-played tracks from FindNextEligible.
type Store interface {
	// FindNextEligible returns the earliest-enqueued confirmed track that
	// has not been played and is not currently marked playing, or nil.
	FindNextEligible(ctx context.Context, tenant string) (*track.Track, error)
	// FindDurablyPlaying returns the track durably marked as currently
	// playing for the tenant, or nil. A non-nil result after process start
	// is a crash artifact the reconciler resumes from.
	FindDurablyPlaying(ctx context.Context, tenant string) (*track.Track, error)
	// MarkPlaying durably flags the track as the one being played.
	MarkPlaying(ctx context.Context, trackID string) error
	// MarkPlayed clears the playing flag and records the outcome.
	MarkPlayed(ctx context.Context, trackID string, outcome track.PlayOutcome) error
}
