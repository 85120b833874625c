package fsutil

import (
	"fmt"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"

	"framepick/internal/frame"
)

var magickOnce sync.Once

// decodeWithMagick reads RAW and other exotic formats through ImageMagick.
func decodeWithMagick(path string, maxDim int) (*frame.PixelBuffer, error) {
	magickOnce.Do(imagick.Initialize)

	wand := imagick.NewMagickWand()
	defer wand.Destroy()

	if err := wand.ReadImage(path); err != nil {
		return nil, fmt.Errorf("failed to read image %s: %w", path, err)
	}
	w, h := int(wand.GetImageWidth()), int(wand.GetImageHeight())
	if nw, nh := fitWithin(w, h, maxDim); nw != w || nh != h {
		if err := wand.ResizeImage(uint(nw), uint(nh), imagick.FILTER_TRIANGLE); err != nil {
			return nil, fmt.Errorf("failed to resize %s: %w", path, err)
		}
		w, h = nw, nh
	}

	px, err := wand.ExportImagePixels(0, 0, uint(w), uint(h), "RGB", imagick.PIXEL_CHAR)
	if err != nil {
		return nil, fmt.Errorf("failed to export pixels of %s: %w", path, err)
	}
	pix, ok := px.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected pixel storage %T for %s", px, path)
	}
	return frame.NewPixelBuffer(w, h, 3, w*3, pix), nil
}
