package frame

import (
	"image"
	"image/draw"
	"math"
	"sync"
)

// PixelBuffer is a packed 8-bit RGB(A) image. Pixel data is only reachable
// through a lease: Read for shared access, Write for exclusive access. The
// lease ends when the callback returns.
type PixelBuffer struct {
	mu       sync.RWMutex
	width    int
	height   int
	stride   int
	channels int
	pix      []byte
}

// NewPixelBuffer wraps pix as a width x height buffer with the given channel
// count (3 for RGB, 4 for RGBA). stride 0 means tightly packed rows.
func NewPixelBuffer(width, height, channels, stride int, pix []byte) *PixelBuffer {
	if stride == 0 {
		stride = width * channels
	}
	return &PixelBuffer{width: width, height: height, stride: stride, channels: channels, pix: pix}
}

// NewRGB allocates a zeroed RGB buffer.
func NewRGB(width, height int) *PixelBuffer {
	if width < 0 || height < 0 {
		width, height = 0, 0
	}
	return NewPixelBuffer(width, height, 3, 0, make([]byte, width*height*3))
}

// FromImage copies img into a new RGBA-packed buffer.
func FromImage(img image.Image) *PixelBuffer {
	b := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok || rgba.Rect.Min != (image.Point{}) {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Rect, img, b.Min, draw.Src)
	}
	return NewPixelBuffer(b.Dx(), b.Dy(), 4, rgba.Stride, rgba.Pix)
}

// Width reports the buffer width in pixels.
func (b *PixelBuffer) Width() int {
	if b == nil {
		return 0
	}
	return b.width
}

// Height reports the buffer height in pixels.
func (b *PixelBuffer) Height() int {
	if b == nil {
		return 0
	}
	return b.height
}

// Read runs fn with a shared lease on the pixels.
func (b *PixelBuffer) Read(fn func(v PixelView) error) error {
	if b == nil {
		return ErrInvalidImageBuffer
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return fn(PixelView{b: b})
}

// Write runs fn with an exclusive lease; no reader observes a partial write.
func (b *PixelBuffer) Write(fn func(v PixelView) error) error {
	if b == nil {
		return ErrInvalidImageBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return fn(PixelView{b: b, writable: true})
}

// PixelView is the leased window onto a PixelBuffer. It must not escape the
// lease callback.
type PixelView struct {
	b        *PixelBuffer
	writable bool
}

func (v PixelView) Width() int    { return v.b.width }
func (v PixelView) Height() int   { return v.b.height }
func (v PixelView) Channels() int { return v.b.channels }

// Valid reports whether the buffer holds at least one full RGB pixel and
// enough bytes for its declared geometry.
func (v PixelView) Valid() bool {
	b := v.b
	if b.width <= 0 || b.height <= 0 || b.channels < 3 {
		return false
	}
	if b.stride < b.width*b.channels {
		return false
	}
	need := (b.height-1)*b.stride + b.width*b.channels
	return len(b.pix) >= need
}

// RGB returns the 8-bit color at (x, y). Callers check bounds.
func (v PixelView) RGB(x, y int) (r, g, bl uint8) {
	off := y*v.b.stride + x*v.b.channels
	p := v.b.pix[off : off+3 : off+3]
	return p[0], p[1], p[2]
}

// Luma returns BT.709 luminance in [0,1] at (x, y).
func (v PixelView) Luma(x, y int) float64 {
	r, g, b := v.RGB(x, y)
	return Luminance(r, g, b)
}

// Set writes an RGB triple. It panics outside a Write lease.
func (v PixelView) Set(x, y int, r, g, b uint8) {
	if !v.writable {
		panic("frame: Set called under a read lease")
	}
	off := y*v.b.stride + x*v.b.channels
	v.b.pix[off] = r
	v.b.pix[off+1] = g
	v.b.pix[off+2] = b
	if v.b.channels == 4 {
		v.b.pix[off+3] = 0xff
	}
}

// Image returns a copy of the leased pixels as an *image.RGBA.
func (v PixelView) Image() *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, v.b.width, v.b.height))
	for y := 0; y < v.b.height; y++ {
		for x := 0; x < v.b.width; x++ {
			r, g, b := v.RGB(x, y)
			i := out.PixOffset(x, y)
			out.Pix[i], out.Pix[i+1], out.Pix[i+2], out.Pix[i+3] = r, g, b, 0xff
		}
	}
	return out
}

// Luminance computes BT.709 luma for 8-bit RGB, scaled to [0,1].
func Luminance(r, g, b uint8) float64 {
	return (0.2126*float64(r) + 0.7152*float64(g) + 0.0722*float64(b)) / 255
}

// DepthBuffer holds per-pixel depth in meters. Non-finite or non-positive
// samples are invalid.
type DepthBuffer struct {
	mu     sync.RWMutex
	width  int
	height int
	data   []float32
}

// NewDepthBuffer wraps data as a width x height depth map.
func NewDepthBuffer(width, height int, data []float32) *DepthBuffer {
	return &DepthBuffer{width: width, height: height, data: data}
}

func (d *DepthBuffer) Width() int {
	if d == nil {
		return 0
	}
	return d.width
}

func (d *DepthBuffer) Height() int {
	if d == nil {
		return 0
	}
	return d.height
}

// Read runs fn with a shared lease on the depth samples.
func (d *DepthBuffer) Read(fn func(v DepthView) error) error {
	if d == nil {
		return ErrNoDepthData
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return fn(DepthView{d: d})
}

// DepthView is the leased window onto a DepthBuffer.
type DepthView struct {
	d *DepthBuffer
}

func (v DepthView) Width() int  { return v.d.width }
func (v DepthView) Height() int { return v.d.height }

// Empty reports whether the view has no addressable samples.
func (v DepthView) Empty() bool {
	return v.d.width <= 0 || v.d.height <= 0 || len(v.d.data) < v.d.width*v.d.height
}

// At returns the raw depth sample at (x, y).
func (v DepthView) At(x, y int) float32 {
	return v.d.data[y*v.d.width+x]
}

// ValidDepth reports whether a depth sample is usable.
func ValidDepth(d float32) bool {
	f := float64(d)
	return !math.IsNaN(f) && !math.IsInf(f, 0) && f > 0
}

// MatteBuffer is an 8-bit person segmentation matte. The core carries it but
// does not interpret it.
type MatteBuffer struct {
	Width  int
	Height int
	Data   []byte
}
