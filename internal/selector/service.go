package selector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"framepick/internal/export"
	"framepick/internal/features"
	"framepick/internal/frame"
	"framepick/internal/logging"
	"framepick/internal/personalize"
)

// SampleLog receives rated samples for later export. *storage.Store
// satisfies it.
type SampleLog interface {
	RecordSample(ctx context.Context, sessionID string, rec export.Record) (string, error)
}

// Feedback is a user's verdict on one frame.
type Feedback struct {
	Signal float64 `json:"signal"` // 0 = reject, 1 = keep
	Reason string  `json:"reason,omitempty"`
	Note   string  `json:"note,omitempty"`
}

// Service is the entry point callers use: selection plus feedback learning.
type Service struct {
	selector  *Selector
	engine    *personalize.Engine
	extractor *features.Extractor
	samples   SampleLog
	deviceID  string
	now       func() time.Time
	log       *slog.Logger
}

// ServiceOptions wires a Service. Samples may be nil.
type ServiceOptions struct {
	Selector  *Selector
	Engine    *personalize.Engine
	Extractor *features.Extractor
	Samples   SampleLog
	DeviceID  string
	Logger    *slog.Logger
}

// NewService builds a Service.
func NewService(opts ServiceOptions) *Service {
	return &Service{
		selector:  opts.Selector,
		engine:    opts.Engine,
		extractor: opts.Extractor,
		samples:   opts.Samples,
		deviceID:  opts.DeviceID,
		now:       time.Now,
		log:       logging.OrDefault(opts.Logger),
	}
}

// ScoreAndSelect runs the selector and logs the outcome.
func (s *Service) ScoreAndSelect(ctx context.Context, b *frame.Bundle) (*Result, error) {
	res, err := s.selector.ScoreAndSelect(ctx, b)
	if err != nil {
		return nil, err
	}
	logging.LogSelection(s.log, b.Session().ID, b.Len(), res.Selected, res.Score, res.Duration)
	return res, nil
}

// RecordFeedback teaches the profile from a rating of frame index. The
// frame's stored quality score is the prediction the rating is compared to;
// a bundle that has not been scored yet is scored first.
func (s *Service) RecordFeedback(ctx context.Context, b *frame.Bundle, index int, fb Feedback) (personalize.Profile, error) {
	if b == nil || b.Len() == 0 {
		return personalize.Profile{}, frame.ErrEmptyBundle
	}
	if _, err := b.Item(index); err != nil {
		return personalize.Profile{}, err
	}
	if !b.Frozen() {
		if _, err := s.ScoreAndSelect(ctx, b); err != nil {
			return personalize.Profile{}, fmt.Errorf("score before feedback: %w", err)
		}
	}
	it, err := b.Item(index)
	if err != nil {
		return personalize.Profile{}, err
	}

	feats, err := s.extractor.Extract(it.Image)
	if err != nil {
		logging.LogDegraded(s.log, "features", err, map[string]any{"index": index})
	}
	hints, _ := b.Hints()
	d := s.selector.assessDepth(it)

	prof := s.engine.Update(personalize.Event{
		Features:   feats,
		Context:    ContextFor(it, hints, d.usable),
		Feedback:   fb.Signal,
		Prediction: it.QualityScore,
	})
	session := b.Session()
	logging.LogFeedback(s.log, session.ID, index, fb.Signal, it.QualityScore, prof.TotalRatings)
	if fb.Note != "" {
		s.log.Debug("feedback note", "session", session.ID, "index", index, "note", fb.Note)
	}

	if s.samples != nil {
		deviceID := session.DeviceID
		if deviceID == "" {
			deviceID = s.deviceID
		}
		rec := export.FromItem(it, deviceID, s.now()).WithFeedback(fb.Signal, fb.Reason)
		if _, err := s.samples.RecordSample(ctx, session.ID, rec); err != nil {
			return prof, fmt.Errorf("record sample: %w", err)
		}
	}
	return prof, nil
}

// Profile returns the current personalization profile.
func (s *Service) Profile() personalize.Profile {
	return s.engine.Snapshot()
}

// ResetProfile forgets everything learned.
func (s *Service) ResetProfile() personalize.Profile {
	return s.engine.Reset()
}

// SetPersonalization toggles whether learned preferences are applied.
func (s *Service) SetPersonalization(enabled bool) personalize.Profile {
	return s.engine.SetEnabled(enabled)
}

// Engine exposes the underlying engine for change subscriptions.
func (s *Service) Engine() *personalize.Engine {
	return s.engine
}
