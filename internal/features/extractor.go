// Package features derives exposure, sharpness, contrast, saturation and
// noise statistics from a frame's pixels.
//
// Every statistic is computed over a regular sample grid whose size is bounded
// by Config.SampleBudget per axis, so cost is independent of sensor
// resolution.
package features

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"framepick/internal/config"
	"framepick/internal/frame"
)

// Extractor computes ImageFeatures. It is stateless and safe for concurrent
// use.
type Extractor struct {
	cfg config.Features
}

// New returns an Extractor tuned by cfg.
func New(cfg config.Features) *Extractor {
	def := config.Default().Features
	if cfg.SampleBudget < 1 {
		cfg.SampleBudget = def.SampleBudget
	}
	if cfg.ContrastNorm <= 0 {
		cfg.ContrastNorm = def.ContrastNorm
	}
	if cfg.SharpnessNorm <= 0 {
		cfg.SharpnessNorm = def.SharpnessNorm
	}
	if cfg.NoiseNorm <= 0 {
		cfg.NoiseNorm = def.NoiseNorm
	}
	if cfg.NoiseWindow < 3 || cfg.NoiseWindow%2 == 0 {
		cfg.NoiseWindow = def.NoiseWindow
	}
	return &Extractor{cfg: cfg}
}

// Extract computes the features of buf under a read lease. A buffer that
// cannot be read yields neutral features and frame.ErrInvalidImageBuffer.
func (e *Extractor) Extract(buf *frame.PixelBuffer) (frame.ImageFeatures, error) {
	out := frame.NeutralFeatures()
	err := buf.Read(func(v frame.PixelView) error {
		if !v.Valid() {
			return frame.ErrInvalidImageBuffer
		}
		out = e.extract(v)
		return nil
	})
	if err != nil {
		return frame.NeutralFeatures(), err
	}
	return out, nil
}

// SampleStep returns the pixel stride that keeps the sample grid within the
// per-axis budget.
func SampleStep(width, height, budget int) int {
	longest := width
	if height > longest {
		longest = height
	}
	if budget < 1 || longest <= budget {
		return 1
	}
	return (longest + budget - 1) / budget
}

func (e *Extractor) extract(v frame.PixelView) frame.ImageFeatures {
	w, h := v.Width(), v.Height()
	step := SampleStep(w, h, e.cfg.SampleBudget)

	var (
		lumas    []float64
		satSum   float64
		lapSum   float64
		lapCount int
	)
	for y := 0; y < h; y += step {
		for x := 0; x < w; x += step {
			r, g, b := v.RGB(x, y)
			lumas = append(lumas, frame.Luminance(r, g, b))
			satSum += saturation(r, g, b)

			if x > 0 && y > 0 && x < w-1 && y < h-1 {
				lap := 4*v.Luma(x, y) - v.Luma(x, y-1) - v.Luma(x, y+1) - v.Luma(x-1, y) - v.Luma(x+1, y)
				lapSum += math.Abs(lap)
				lapCount++
			}
		}
	}

	mean, variance := stat.PopMeanVariance(lumas, nil)
	variance = math.Max(variance, 0)
	f := frame.ImageFeatures{
		Exposure:   mean,
		Contrast:   math.Sqrt(variance) / e.cfg.ContrastNorm,
		Saturation: satSum / float64(len(lumas)),
		Sharpness:  0.5,
		Noise:      e.noise(v, step),
	}
	if lapCount > 0 {
		f.Sharpness = (lapSum / float64(lapCount)) / e.cfg.SharpnessNorm
	}
	return f.Clamped()
}

// noise is the mean local luminance variance over windows centred on the
// sample grid. Windows are clipped at the image border.
func (e *Extractor) noise(v frame.PixelView, step int) float64 {
	w, h := v.Width(), v.Height()
	half := e.cfg.NoiseWindow / 2
	window := make([]float64, 0, e.cfg.NoiseWindow*e.cfg.NoiseWindow)

	var sum float64
	var n int
	for cy := 0; cy < h; cy += step {
		for cx := 0; cx < w; cx += step {
			window = window[:0]
			for y := max(0, cy-half); y <= min(h-1, cy+half); y++ {
				for x := max(0, cx-half); x <= min(w-1, cx+half); x++ {
					window = append(window, v.Luma(x, y))
				}
			}
			if len(window) < 2 {
				continue
			}
			_, variance := stat.PopMeanVariance(window, nil)
			sum += math.Max(variance, 0)
			n++
		}
	}
	if n == 0 {
		return 0.5
	}
	return (sum / float64(n)) / e.cfg.NoiseNorm
}

func saturation(r, g, b uint8) float64 {
	hi := max(r, g, b)
	if hi == 0 {
		return 0
	}
	lo := min(r, g, b)
	return float64(hi-lo) / float64(hi)
}
