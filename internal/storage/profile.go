package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"framepick/internal/personalize"
)

// ProfileStore adapts the profiles table to personalize.Store.
type ProfileStore struct {
	s *Store
}

// Profiles returns the profile store backed by s.
func (s *Store) Profiles() *ProfileStore {
	return &ProfileStore{s: s}
}

// Load returns the saved profile, or personalize.ErrNoProfile when none was
// saved yet.
func (p *ProfileStore) Load(ctx context.Context) (personalize.Profile, error) {
	if p.s == nil {
		return personalize.Profile{}, ErrNotInitialized
	}
	var raw string
	err := p.s.DB.QueryRowContext(ctx, `SELECT profile_json FROM profiles WHERE id = 1;`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return personalize.Profile{}, personalize.ErrNoProfile
	}
	if err != nil {
		return personalize.Profile{}, err
	}
	var prof personalize.Profile
	if err := json.Unmarshal([]byte(raw), &prof); err != nil {
		return personalize.Profile{}, fmt.Errorf("unmarshal profile: %w", err)
	}
	return prof, nil
}

// Save replaces the stored profile.
func (p *ProfileStore) Save(ctx context.Context, prof personalize.Profile) error {
	if p.s == nil {
		return nil
	}
	raw, err := json.Marshal(prof)
	if err != nil {
		return err
	}
	_, err = p.s.DB.ExecContext(ctx, `INSERT INTO profiles (id, profile_json, total_ratings, updated_at)
        VALUES (1, ?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(id) DO UPDATE SET profile_json = excluded.profile_json,
            total_ratings = excluded.total_ratings, updated_at = excluded.updated_at;`,
		string(raw), prof.TotalRatings)
	return err
}

// FileStore keeps the profile in a JSON file. It is used when no database is
// configured.
type FileStore struct {
	Path string
}

// NewFileStore returns a FileStore writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

func (f *FileStore) Load(ctx context.Context) (personalize.Profile, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return personalize.Profile{}, personalize.ErrNoProfile
	}
	if err != nil {
		return personalize.Profile{}, err
	}
	var prof personalize.Profile
	if err := json.Unmarshal(data, &prof); err != nil {
		return personalize.Profile{}, fmt.Errorf("decode %s: %w", f.Path, err)
	}
	return prof, nil
}

// Save writes atomically via a temp file in the same directory.
func (f *FileStore) Save(ctx context.Context, prof personalize.Profile) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(prof, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.Path), ".profile-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.Path)
}
