package fsutil

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"framepick/internal/frame"
)

// DecodeFrame decodes path into a pixel buffer, downscaling so that the
// longest edge is at most maxDim (0 keeps full resolution).
func DecodeFrame(path string, maxDim int) (*frame.PixelBuffer, error) {
	if IsRAWFile(path) {
		return decodeWithMagick(path, maxDim)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return frame.FromImage(Downscale(img, maxDim)), nil
}

// Downscale returns img resized so its longest edge is at most maxDim.
func Downscale(img image.Image, maxDim int) image.Image {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	nw, nh := fitWithin(w, h, maxDim)
	if nw == w && nh == h {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

func fitWithin(w, h, maxDim int) (int, int) {
	longest := max(w, h)
	if maxDim <= 0 || longest <= maxDim {
		return w, h
	}
	nw := max(1, w*maxDim/longest)
	nh := max(1, h*maxDim/longest)
	return nw, nh
}
