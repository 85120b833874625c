package frame

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testItems(n int) []Item {
	items := make([]Item, n)
	for i := range items {
		items[i] = Item{Image: NewRGB(4, 4), Metadata: Metadata{MeanLuma: 0.5}, QualityScore: 0.9, Selected: true}
	}
	return items
}

func TestNewBundleResetsScoresAndSelection(t *testing.T) {
	b := NewBundle(SessionMetadata{ID: "s1"}, time.Second, testItems(3))
	require.Equal(t, 3, b.Len())
	for _, it := range b.Items() {
		assert.Zero(t, it.QualityScore)
		assert.False(t, it.Selected)
		assert.Equal(t, LensUnknown, it.Metadata.Lens)
	}
	_, ok := b.Selected()
	assert.False(t, ok)
}

func TestBundleSelectKeepsSingleWinner(t *testing.T) {
	b := NewBundle(SessionMetadata{}, 0, testItems(3))
	require.NoError(t, b.Select(0))
	require.NoError(t, b.Select(2))

	count := 0
	for _, it := range b.Items() {
		if it.Selected {
			count++
		}
	}
	assert.Equal(t, 1, count)
	idx, ok := b.Selected()
	assert.True(t, ok)
	assert.Equal(t, 2, idx)
}

func TestBundleRejectsOutOfRangeAndFrozen(t *testing.T) {
	b := NewBundle(SessionMetadata{}, 0, testItems(2))
	assert.True(t, errors.Is(b.SetQualityScore(5, 0.3), ErrIndexOutOfRange))
	assert.True(t, errors.Is(b.Select(-1), ErrIndexOutOfRange))
	_, err := b.Item(2)
	assert.True(t, errors.Is(err, ErrIndexOutOfRange))

	require.NoError(t, b.SetQualityScore(1, 1.7))
	it, err := b.Item(1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, it.QualityScore)

	b.Freeze()
	assert.True(t, b.Frozen())
	assert.ErrorIs(t, b.SetQualityScore(0, 0.2), ErrBundleFrozen)
	assert.ErrorIs(t, b.Select(0), ErrBundleFrozen)
	assert.ErrorIs(t, b.SetHints(SceneHints{}), ErrBundleFrozen)
}

func TestItemsReturnsCopies(t *testing.T) {
	b := NewBundle(SessionMetadata{}, 0, testItems(1))
	items := b.Items()
	items[0].QualityScore = 0.42
	it, _ := b.Item(0)
	assert.Zero(t, it.QualityScore)
}

func TestHintsSetOnce(t *testing.T) {
	b := NewBundle(SessionMetadata{}, 0, testItems(1))
	_, ok := b.Hints()
	assert.False(t, ok)
	require.NoError(t, b.SetHints(SceneHints{SceneType: SceneAction}))
	require.NoError(t, b.SetHints(SceneHints{SceneType: SceneGeneral}))
	h, ok := b.Hints()
	assert.True(t, ok)
	assert.Equal(t, SceneAction, h.SceneType)
}

func TestPixelViewValid(t *testing.T) {
	cases := []struct {
		name string
		buf  *PixelBuffer
		want bool
	}{
		{"rgb", NewRGB(2, 2), true},
		{"zero size", NewRGB(0, 0), false},
		{"gray", NewPixelBuffer(2, 2, 1, 0, make([]byte, 4)), false},
		{"short slice", NewPixelBuffer(4, 4, 3, 0, make([]byte, 10)), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got bool
			require.NoError(t, tc.buf.Read(func(v PixelView) error {
				got = v.Valid()
				return nil
			}))
			assert.Equal(t, tc.want, got)
		})
	}

	var nilBuf *PixelBuffer
	assert.ErrorIs(t, nilBuf.Read(func(PixelView) error { return nil }), ErrInvalidImageBuffer)
}

func TestWriteLeaseSetsPixels(t *testing.T) {
	buf := NewRGB(2, 1)
	require.NoError(t, buf.Write(func(v PixelView) error {
		v.Set(1, 0, 255, 255, 255)
		return nil
	}))
	require.NoError(t, buf.Read(func(v PixelView) error {
		assert.InDelta(t, 1.0, v.Luma(1, 0), 1e-9)
		assert.Zero(t, v.Luma(0, 0))
		return nil
	}))
}

func TestClampHandlesNaN(t *testing.T) {
	assert.Equal(t, 0.5, Clamp01(math.NaN()))
	assert.Equal(t, 0.0, Clamp01(-3))
	assert.Equal(t, 1.0, Clamp01(3))
	assert.Equal(t, 0.0, Clamp(math.NaN(), -1, 1))
}

func TestValidDepth(t *testing.T) {
	assert.True(t, ValidDepth(1.5))
	assert.False(t, ValidDepth(0))
	assert.False(t, ValidDepth(-1))
	assert.False(t, ValidDepth(float32(math.NaN())))
	assert.False(t, ValidDepth(float32(math.Inf(1))))
}

func TestParseLens(t *testing.T) {
	assert.Equal(t, LensTele, ParseLens("Telephoto"))
	assert.Equal(t, LensUltraWide, ParseLens("ultrawide"))
	assert.Equal(t, LensWide, ParseLens("main"))
	assert.Equal(t, LensUnknown, ParseLens("periscope-x"))
}
