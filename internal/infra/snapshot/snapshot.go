// Package snapshot provides durable persistence of playback state,
// keyed by tenant.
package snapshot

import (
	"context"
	"time"
)

// Snapshot is the durable record of one tenant's playback state.
type Snapshot struct {
	Tenant    string    `json:"tenant"`
	TrackID   string    `json:"track_id"`
	Status    string    `json:"status"`
	Position  float64   `json:"position"`
	Volume    int       `json:"volume"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists snapshots. Read returns (nil, nil) when no snapshot
// exists for the tenant; corrupt records are treated as absent.
type Store interface {
	Write(ctx context.Context, tenant string, snap Snapshot) error
	Read(ctx context.Context, tenant string) (*Snapshot, error)
	Delete(ctx context.Context, tenant string) error
}
