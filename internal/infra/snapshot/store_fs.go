package snapshot

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

// FilesystemStore keeps one JSON file per tenant under a root directory.
// Suitable for single-host deployments.
type FilesystemStore struct {
	rootDir string
}

// NewFilesystemStore creates a filesystem-backed snapshot store.
func NewFilesystemStore(rootDir string) (*FilesystemStore, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create snapshot directory")
	}
	return &FilesystemStore{rootDir: rootDir}, nil
}

func (s *FilesystemStore) path(tenant string) string {
	return filepath.Join(s.rootDir, tenant+".json")
}

// Write persists the snapshot with a write-then-rename so readers never
// observe a partial file.
func (s *FilesystemStore) Write(_ context.Context, tenant string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}

	tmp := s.path(tenant) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "write snapshot temp file")
	}
	if err := os.Rename(tmp, s.path(tenant)); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "rename snapshot file")
	}
	return nil
}

// Read loads the tenant's snapshot. Missing or unreadable files are
// treated as absent.
func (s *FilesystemStore) Read(_ context.Context, tenant string) (*Snapshot, error) {
	data, err := os.ReadFile(s.path(tenant))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read snapshot file")
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		zlog.Warn().Str("tenant", tenant).Err(err).Msg("snapshot: corrupt record, treating as absent")
		return nil, nil
	}
	return &snap, nil
}

// Delete removes the tenant's snapshot. Deleting an absent snapshot is
// not an error.
func (s *FilesystemStore) Delete(_ context.Context, tenant string) error {
	if err := os.Remove(s.path(tenant)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove snapshot file")
	}
	return nil
}
