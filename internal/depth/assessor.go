// Package depth scores the usefulness of a frame's depth map.
package depth

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"framepick/internal/config"
	"framepick/internal/frame"
)

const (
	validWeight    = 0.6
	varianceWeight = 0.4
)

// Assessment is the outcome of scoring one depth map.
type Assessment struct {
	Quality            float64 `json:"quality"`
	ValidRatio         float64 `json:"valid_ratio"`
	NormalizedVariance float64 `json:"normalized_variance"`
	ValidSamples       int     `json:"valid_samples"`
	TotalSamples       int     `json:"total_samples"`
}

// Usable reports whether the map is good enough for depth-based hints.
func (a Assessment) Usable(minQuality float64) bool {
	return a.ValidSamples > 0 && a.Quality >= minQuality
}

// Assessor samples depth maps on a fixed stride.
type Assessor struct {
	cfg config.Depth
}

// New returns an Assessor tuned by cfg.
func New(cfg config.Depth) *Assessor {
	def := config.Default().Depth
	if cfg.Stride < 1 {
		cfg.Stride = def.Stride
	}
	if cfg.VarianceScale <= 0 {
		cfg.VarianceScale = def.VarianceScale
	}
	if cfg.MinQuality < 0 {
		cfg.MinQuality = def.MinQuality
	}
	return &Assessor{cfg: cfg}
}

// MinQuality is the threshold below which Assess reports ErrLowDepthQuality.
func (a *Assessor) MinQuality() float64 { return a.cfg.MinQuality }

// Assess scores buf. A missing map returns frame.ErrNoDepthData; a map whose
// quality falls below the threshold is returned together with
// frame.ErrLowDepthQuality. Both are recoverable.
func (a *Assessor) Assess(buf *frame.DepthBuffer) (Assessment, error) {
	var res Assessment
	err := buf.Read(func(v frame.DepthView) error {
		if v.Empty() {
			return frame.ErrNoDepthData
		}
		res = a.assess(v)
		return nil
	})
	if err != nil {
		return Assessment{}, err
	}
	if res.Quality < a.cfg.MinQuality {
		return res, fmt.Errorf("quality %.3f: %w", res.Quality, frame.ErrLowDepthQuality)
	}
	return res, nil
}

func (a *Assessor) assess(v frame.DepthView) Assessment {
	var valid []float64
	total := 0
	for y := 0; y < v.Height(); y += a.cfg.Stride {
		for x := 0; x < v.Width(); x += a.cfg.Stride {
			total++
			d := v.At(x, y)
			if frame.ValidDepth(d) {
				valid = append(valid, float64(d))
			}
		}
	}

	res := Assessment{ValidSamples: len(valid), TotalSamples: total}
	if len(valid) == 0 || total == 0 {
		return res
	}
	res.ValidRatio = float64(len(valid)) / float64(total)
	_, variance := stat.PopMeanVariance(valid, nil)
	res.NormalizedVariance = frame.Clamp01(math.Max(variance, 0) / a.cfg.VarianceScale)
	res.Quality = frame.Clamp01(validWeight*res.ValidRatio + varianceWeight*res.NormalizedVariance)
	return res
}

// Mask min-max scales every valid depth sample into [0,255] at full
// resolution. Invalid samples map to 0. A constant-depth map maps valid
// samples to 255.
func Mask(buf *frame.DepthBuffer) ([]uint8, error) {
	var mask []uint8
	err := buf.Read(func(v frame.DepthView) error {
		if v.Empty() {
			return frame.ErrNoDepthData
		}
		w, h := v.Width(), v.Height()
		lo, hi := math.Inf(1), math.Inf(-1)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				d := v.At(x, y)
				if !frame.ValidDepth(d) {
					continue
				}
				lo = math.Min(lo, float64(d))
				hi = math.Max(hi, float64(d))
			}
		}

		mask = make([]uint8, w*h)
		if math.IsInf(lo, 1) {
			return nil
		}
		span := hi - lo
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				d := v.At(x, y)
				if !frame.ValidDepth(d) {
					continue
				}
				if span == 0 {
					mask[y*w+x] = 255
					continue
				}
				mask[y*w+x] = uint8(math.Round((float64(d) - lo) / span * 255))
			}
		}
		return nil
	})
	return mask, err
}
