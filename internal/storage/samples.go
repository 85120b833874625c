package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"framepick/internal/export"
)

// Sample is a rated export record tied to the session it came from.
type Sample struct {
	ID        string
	SessionID string
	Record    export.Record
}

// RecordSample appends a rated sample to the log and returns its id.
func (s *Store) RecordSample(ctx context.Context, sessionID string, rec export.Record) (string, error) {
	if s == nil {
		return "", nil
	}
	id := uuid.NewString()
	var feedback sql.NullFloat64
	if rec.Feedback != nil {
		feedback = sql.NullFloat64{Float64: *rec.Feedback, Valid: true}
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO rated_samples (id, session_id, relative_path, quality_score, device_id, iso, shutter_ms, mean_luma, width, height, timestamp, reason, feedback)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		id, sessionID, rec.RelativePath, rec.QualityScore, rec.DeviceID, rec.ISO, rec.ShutterMS, rec.MeanLuma,
		rec.Width, rec.Height, rec.Timestamp.UTC().Format(time.RFC3339), rec.Reason, feedback)
	if err != nil {
		return "", err
	}
	return id, nil
}

// Samples returns logged samples in timestamp order. A limit <= 0 returns all.
func (s *Store) Samples(ctx context.Context, limit int) ([]Sample, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, session_id, relative_path, quality_score, device_id, iso, shutter_ms, mean_luma, width, height, timestamp, reason, feedback
        FROM rated_samples ORDER BY timestamp ASC, rowid ASC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var smp Sample
		var ts string
		var reason sql.NullString
		var feedback sql.NullFloat64
		r := &smp.Record
		if err := rows.Scan(&smp.ID, &smp.SessionID, &r.RelativePath, &r.QualityScore, &r.DeviceID, &r.ISO, &r.ShutterMS,
			&r.MeanLuma, &r.Width, &r.Height, &ts, &reason, &feedback); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			r.Timestamp = t
		}
		r.Reason = reason.String
		if feedback.Valid {
			v := feedback.Float64
			r.Feedback = &v
		}
		out = append(out, smp)
	}
	return out, rows.Err()
}
