package features

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"framepick/internal/config"
	"framepick/internal/frame"
)

func fill(w, h int, fn func(x, y int) (uint8, uint8, uint8)) *frame.PixelBuffer {
	buf := frame.NewRGB(w, h)
	_ = buf.Write(func(v frame.PixelView) error {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r, g, b := fn(x, y)
				v.Set(x, y, r, g, b)
			}
		}
		return nil
	})
	return buf
}

func assertUnit(t *testing.T, f frame.ImageFeatures) {
	t.Helper()
	for name, v := range map[string]float64{
		"exposure":   f.Exposure,
		"sharpness":  f.Sharpness,
		"contrast":   f.Contrast,
		"saturation": f.Saturation,
		"noise":      f.Noise,
	} {
		assert.False(t, math.IsNaN(v), "%s is NaN", name)
		assert.GreaterOrEqual(t, v, 0.0, name)
		assert.LessOrEqual(t, v, 1.0, name)
	}
}

func TestExtractFeaturesStayInUnitRange(t *testing.T) {
	ex := New(config.Default().Features)
	rng := rand.New(rand.NewPCG(7, 11))
	sizes := [][2]int{{1, 1}, {2, 3}, {17, 5}, {64, 64}, {300, 120}}
	for _, sz := range sizes {
		for trial := 0; trial < 4; trial++ {
			buf := fill(sz[0], sz[1], func(x, y int) (uint8, uint8, uint8) {
				return uint8(rng.IntN(256)), uint8(rng.IntN(256)), uint8(rng.IntN(256))
			})
			f, err := ex.Extract(buf)
			require.NoError(t, err)
			assertUnit(t, f)
		}
	}
}

func TestExtractUniformGray(t *testing.T) {
	ex := New(config.Default().Features)
	buf := fill(40, 30, func(x, y int) (uint8, uint8, uint8) { return 128, 128, 128 })
	f, err := ex.Extract(buf)
	require.NoError(t, err)
	assert.InDelta(t, 128.0/255.0, f.Exposure, 1e-9)
	assert.InDelta(t, 0, f.Contrast, 1e-9)
	assert.InDelta(t, 0, f.Saturation, 1e-9)
	assert.InDelta(t, 0, f.Sharpness, 1e-9)
	assert.InDelta(t, 0, f.Noise, 1e-9)
}

func TestExtractSaturationOfPrimaries(t *testing.T) {
	ex := New(config.Default().Features)
	red := fill(8, 8, func(x, y int) (uint8, uint8, uint8) { return 255, 0, 0 })
	f, err := ex.Extract(red)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, f.Saturation, 1e-9)
	assert.InDelta(t, 0.2126, f.Exposure, 1e-9)

	black := fill(8, 8, func(x, y int) (uint8, uint8, uint8) { return 0, 0, 0 })
	f, err = ex.Extract(black)
	require.NoError(t, err)
	assert.Zero(t, f.Saturation)
	assert.Zero(t, f.Exposure)
}

func TestExtractSharpnessOrdersEdgesAboveFlat(t *testing.T) {
	ex := New(config.Default().Features)
	checker := fill(48, 48, func(x, y int) (uint8, uint8, uint8) {
		if (x+y)%2 == 0 {
			return 255, 255, 255
		}
		return 0, 0, 0
	})
	soft := fill(48, 48, func(x, y int) (uint8, uint8, uint8) {
		v := uint8(x * 5)
		return v, v, v
	})
	fc, err := ex.Extract(checker)
	require.NoError(t, err)
	fs, err := ex.Extract(soft)
	require.NoError(t, err)
	assert.Equal(t, 1.0, fc.Sharpness)
	assert.Less(t, fs.Sharpness, 0.05)
	assert.Greater(t, fc.Noise, fs.Noise)
}

func TestExtractTinyImageUsesNeutralForUndefinedFeatures(t *testing.T) {
	ex := New(config.Default().Features)
	f, err := ex.Extract(fill(1, 1, func(x, y int) (uint8, uint8, uint8) { return 10, 20, 30 }))
	require.NoError(t, err)
	assert.Equal(t, 0.5, f.Sharpness)
	assert.Equal(t, 0.5, f.Noise)
}

func TestExtractInvalidBuffers(t *testing.T) {
	ex := New(config.Default().Features)
	cases := map[string]*frame.PixelBuffer{
		"nil":         nil,
		"zero size":   frame.NewRGB(0, 0),
		"one channel": frame.NewPixelBuffer(4, 4, 1, 0, make([]byte, 16)),
		"truncated":   frame.NewPixelBuffer(10, 10, 3, 0, make([]byte, 20)),
	}
	for name, buf := range cases {
		t.Run(name, func(t *testing.T) {
			f, err := ex.Extract(buf)
			assert.ErrorIs(t, err, frame.ErrInvalidImageBuffer)
			assert.Equal(t, frame.NeutralFeatures(), f)
		})
	}
}

func TestSampleStepBoundsGrid(t *testing.T) {
	cases := []struct {
		w, h, budget, want int
	}{
		{64, 64, 64, 1},
		{65, 10, 64, 2},
		{4032, 3024, 64, 63},
		{10, 10, 0, 1},
	}
	for _, tc := range cases {
		got := SampleStep(tc.w, tc.h, tc.budget)
		assert.Equal(t, tc.want, got, "%dx%d", tc.w, tc.h)
		if tc.budget > 0 {
			assert.LessOrEqual(t, (tc.w+got-1)/got, tc.budget)
		}
	}
}

func TestNewFillsInvalidConfig(t *testing.T) {
	ex := New(config.Features{})
	assert.Equal(t, config.Default().Features, ex.cfg)
}
