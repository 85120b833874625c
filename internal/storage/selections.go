package storage

import (
	"context"
	"database/sql"
	"time"
)

// SelectionRecord is one entry of the selection history.
type SelectionRecord struct {
	ID            string        `json:"id"`
	SessionID     string        `json:"session_id"`
	SourceDir     string        `json:"source_dir,omitempty"`
	FrameCount    int           `json:"frame_count"`
	SelectedIndex int           `json:"selected_index"`
	SelectedPath  string        `json:"selected_path,omitempty"`
	Score         float64       `json:"score"`
	SceneType     string        `json:"scene_type,omitempty"`
	Duration      time.Duration `json:"duration"`
	Error         string        `json:"error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// RecordSelection stores a completed (or failed) selection.
func (s *Store) RecordSelection(ctx context.Context, rec SelectionRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.ExecContext(ctx, `INSERT OR REPLACE INTO selections (id, session_id, source_dir, frame_count, selected_index, selected_path, score, scene_type, duration_ms, error_message)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.SessionID, rec.SourceDir, rec.FrameCount, rec.SelectedIndex, rec.SelectedPath, rec.Score,
		rec.SceneType, rec.Duration.Milliseconds(), rec.Error)
	return err
}

// RecentSelections returns the latest selections up to limit.
func (s *Store) RecentSelections(ctx context.Context, limit int) ([]SelectionRecord, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, session_id, source_dir, frame_count, selected_index, selected_path, score, scene_type, duration_ms, error_message, created_at
        FROM selections ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []SelectionRecord
	for rows.Next() {
		var rec SelectionRecord
		var dir, path, scene, errMsg sql.NullString
		var durationMS sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.SessionID, &dir, &rec.FrameCount, &rec.SelectedIndex, &path, &rec.Score,
			&scene, &durationMS, &errMsg, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.SourceDir = dir.String
		rec.SelectedPath = path.String
		rec.SceneType = scene.String
		rec.Error = errMsg.String
		rec.Duration = time.Duration(durationMS.Int64) * time.Millisecond
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
