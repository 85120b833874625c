// Package quality fuses an optional learned quality predictor with a
// deterministic feature-based fallback into a baseline score per frame.
package quality

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"framepick/internal/config"
	"framepick/internal/features"
	"framepick/internal/frame"
	"framepick/internal/logging"
)

// Predictor is an external learned quality model returning a score in [0,1].
type Predictor interface {
	Predict(ctx context.Context, img *frame.PixelBuffer) (float64, error)
}

// PredictorFunc adapts a function to Predictor.
type PredictorFunc func(ctx context.Context, img *frame.PixelBuffer) (float64, error)

func (f PredictorFunc) Predict(ctx context.Context, img *frame.PixelBuffer) (float64, error) {
	return f(ctx, img)
}

// Source names where a baseline came from.
type Source string

const (
	SourceModel     Source = "model"
	SourceHeuristic Source = "heuristic"
	SourceNeutral   Source = "neutral"
)

// NeutralBaseline is used when a frame's pixels cannot be read.
const NeutralBaseline = 0.5

// Score is the scorer's verdict on one frame.
type Score struct {
	Baseline     float64             `json:"baseline"`
	Features     frame.ImageFeatures `json:"features"`
	Source       Source              `json:"source"`
	PredictorErr error               `json:"-"` // why the model score was not used
}

// Weights are the normalized fallback weights.
type Weights struct {
	Sharpness float64
	Exposure  float64
	Noise     float64
}

// NormalizeWeights rescales w to sum to 1. A zero sum yields the canonical
// 0.4/0.4/0.2 split.
func NormalizeWeights(w config.FallbackWeights) Weights {
	sum := w.Sharpness + w.Exposure + w.Noise
	if sum <= 0 || math.IsNaN(sum) {
		return Weights{Sharpness: 0.4, Exposure: 0.4, Noise: 0.2}
	}
	return Weights{Sharpness: w.Sharpness / sum, Exposure: w.Exposure / sum, Noise: w.Noise / sum}
}

// Scorer computes baseline quality scores.
type Scorer struct {
	extractor *features.Extractor
	predictor Predictor
	weights   Weights
	timeout   time.Duration
	log       *slog.Logger
}

// NewScorer builds a Scorer. predictor may be nil.
func NewScorer(extractor *features.Extractor, predictor Predictor, cfg config.Scoring, logger *slog.Logger) *Scorer {
	return &Scorer{
		extractor: extractor,
		predictor: predictor,
		weights:   NormalizeWeights(cfg.Weights),
		timeout:   cfg.PredictorTimeout.Std(),
		log:       logging.OrDefault(logger),
	}
}

// Weights returns the normalized fallback weights in use.
func (s *Scorer) Weights() Weights { return s.weights }

// Score extracts features and computes the baseline for img. It never fails:
// an unreadable buffer scores NeutralBaseline and a failing predictor falls
// back to the heuristic.
func (s *Scorer) Score(ctx context.Context, img *frame.PixelBuffer) Score {
	feats, err := s.extractor.Extract(img)
	if err != nil {
		logging.LogDegraded(s.log, "features", err, nil)
		return Score{Baseline: NeutralBaseline, Features: feats, Source: SourceNeutral, PredictorErr: err}
	}

	v, perr := s.predict(ctx, img)
	if perr == nil {
		return Score{Baseline: v, Features: feats, Source: SourceModel}
	}
	return Score{Baseline: s.Fallback(feats), Features: feats, Source: SourceHeuristic, PredictorErr: perr}
}

func (s *Scorer) predict(ctx context.Context, img *frame.PixelBuffer) (float64, error) {
	if s.predictor == nil {
		return 0, frame.ErrPredictorUnavailable
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	v, err := s.predictor.Predict(ctx, img)
	if err != nil {
		s.log.Debug("predictor failed, using heuristic", "error", err)
		return 0, fmt.Errorf("%w: %w", frame.ErrPredictorUnavailable, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 1 {
		return 0, fmt.Errorf("%w: score %v outside [0,1]", frame.ErrPredictorUnavailable, v)
	}
	return v, nil
}

// Fallback is the deterministic heuristic baseline.
func (s *Scorer) Fallback(f frame.ImageFeatures) float64 {
	return frame.Clamp01(s.weights.Sharpness*f.Sharpness +
		s.weights.Exposure*ExposureQuality(f.Exposure) +
		s.weights.Noise*NoiseQuality(f.Noise))
}

// ExposureQuality rewards exposure near mid-gray and penalizes both clipped
// extremes equally.
func ExposureQuality(exposure float64) float64 {
	return frame.Clamp01(1 - 2*math.Abs(frame.Clamp01(exposure)-0.5))
}

// NoiseQuality is the inverse of the noise feature.
func NoiseQuality(noise float64) float64 {
	return 1 - frame.Clamp01(noise)
}

// HeuristicPredictor exposes the fallback heuristic as a Predictor, for
// serving it over the predictor boundary.
func (s *Scorer) HeuristicPredictor() Predictor {
	return PredictorFunc(func(ctx context.Context, img *frame.PixelBuffer) (float64, error) {
		f, err := s.extractor.Extract(img)
		if err != nil {
			return 0, err
		}
		return s.Fallback(f), nil
	})
}
