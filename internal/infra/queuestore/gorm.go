package queuestore

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mitaka8/boombox/internal/domain/track"
)

// Request is the persisted form of a track request.
type Request struct {
	ID            string `gorm:"primaryKey"`
	Tenant        string `gorm:"index:idx_requests_tenant"`
	Title         string
	MediaID       string
	DurationSec   int
	RequesterID   string
	RequesterName string
	Confirmed     bool // Payment confirmed; only confirmed requests are eligible
	Playing       bool // Durably marked as the currently playing track
	PlayedAt      *time.Time
	Outcome       string // "concluded" or "skipped" once played
	CreatedAt     time.Time
}

// TableName keeps the historical table name.
func (Request) TableName() string { return "requests" }

func (r *Request) toTrack() *track.Track {
	return &track.Track{
		ID:       r.ID,
		Title:    r.Title,
		MediaID:  r.MediaID,
		Duration: time.Duration(r.DurationSec) * time.Second,
		Requester: track.Requester{
			ID:   r.RequesterID,
			Name: r.RequesterName,
		},
		EnqueuedAt: r.CreatedAt,
	}
}

// GormStore implements Store on a GORM-managed sqlite database.
type GormStore struct {
	db *gorm.DB
}

// Open opens (creating if needed) the sqlite queue database at path.
func Open(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open queue database")
	}
	if err := db.AutoMigrate(&Request{}); err != nil {
		return nil, errors.Wrap(err, "migrate queue database")
	}
	return &GormStore{db: db}, nil
}

// NewGormStore wraps an existing database handle.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&Request{}); err != nil {
		return nil, errors.Wrap(err, "migrate queue database")
	}
	return &GormStore{db: db}, nil
}

// Enqueue inserts a new request.
func (s *GormStore) Enqueue(ctx context.Context, req Request) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(&req).Error; err != nil {
		return errors.Wrap(err, "insert request")
	}
	return nil
}

// Confirm marks a request as confirmed for playback.
func (s *GormStore) Confirm(ctx context.Context, requestID string) error {
	res := s.db.WithContext(ctx).Model(&Request{}).
		Where("id = ?", requestID).
		Update("confirmed", true)
	if res.Error != nil {
		return errors.Wrap(res.Error, "confirm request")
	}
	if res.RowsAffected == 0 {
		return errors.Newf("confirm request: no request %q", requestID)
	}
	return nil
}

func (s *GormStore) FindNextEligible(ctx context.Context, tenant string) (*track.Track, error) {
	var req Request
	err := s.db.WithContext(ctx).
		Where("tenant = ?", tenant).
		Where("confirmed = ?", true).
		Where("playing = ?", false).
		Where("played_at IS NULL").
		Order("created_at ASC").
		First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "query next eligible")
	}
	return req.toTrack(), nil
}

func (s *GormStore) FindDurablyPlaying(ctx context.Context, tenant string) (*track.Track, error) {
	var req Request
	err := s.db.WithContext(ctx).
		Where("tenant = ?", tenant).
		Where("playing = ?", true).
		Where("played_at IS NULL").
		First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "query durably playing")
	}
	return req.toTrack(), nil
}

func (s *GormStore) MarkPlaying(ctx context.Context, trackID string) error {
	res := s.db.WithContext(ctx).Model(&Request{}).
		Where("id = ?", trackID).
		Update("playing", true)
	if res.Error != nil {
		return errors.Wrap(res.Error, "mark playing")
	}
	if res.RowsAffected == 0 {
		return errors.Newf("mark playing: no request %q", trackID)
	}
	return nil
}

func (s *GormStore) MarkPlayed(ctx context.Context, trackID string, outcome track.PlayOutcome) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&Request{}).
		Where("id = ?", trackID).
		Updates(map[string]any{
			"playing":   false,
			"played_at": &now,
			"outcome":   string(outcome),
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "mark played")
	}
	if res.RowsAffected == 0 {
		return errors.Newf("mark played: no request %q", trackID)
	}
	return nil
}
