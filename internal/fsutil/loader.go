package fsutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"framepick/internal/frame"
	"framepick/internal/logging"
)

// LoadOptions controls how a burst directory becomes a bundle.
type LoadOptions struct {
	MaxDimension int    // longest decoded edge; 0 keeps full resolution
	DeviceID     string // used when the manifest names none
	UseEXIF      bool   // read capture fields with exiftool for frames without manifest metadata
	Logger       *slog.Logger
}

// LoadBundle decodes every frame of the burst in dir. With a bundle.json the
// manifest defines frame order, metadata and depth maps; without one, frames
// are the directory's images in lexical order, metadata is derived from the
// pixels (and EXIF when enabled) and depth maps are picked up from sibling
// .depth files only if their dimensions match the frame. A frame that fails
// to decode is kept with an empty buffer; only a burst with no decodable
// frame is an error.
func LoadBundle(ctx context.Context, dir string, opts LoadOptions) (*frame.Bundle, error) {
	log := logging.OrDefault(opts.Logger)
	m, err := LoadManifest(dir)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m, err = deriveManifest(dir, opts.DeviceID)
		if err != nil {
			return nil, err
		}
	}
	if len(m.Frames) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, frame.ErrEmptyBundle)
	}

	base := filepath.Base(filepath.Clean(dir))
	items := make([]frame.Item, 0, len(m.Frames))
	var decodeErr error
	decoded := 0
	for _, mf := range m.Frames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(dir, mf.File)
		img, err := DecodeFrame(path, opts.MaxDimension)
		if err != nil {
			// The frame stays in the burst with an empty buffer and is
			// scored neutrally.
			logging.LogDegraded(log, "decode", err, map[string]any{"frame": mf.File})
			decodeErr = err
			img = frame.NewRGB(0, 0)
		} else {
			decoded++
		}

		meta := mf.Metadata
		if meta.Width == 0 || meta.Height == 0 {
			meta.Width, meta.Height = img.Width(), img.Height()
		}
		if meta.MeanLuma == 0 {
			meta.MeanLuma = MeanLuma(img)
		}
		if meta.CapturedAt.IsZero() {
			if st, err := os.Stat(path); err == nil {
				meta.CapturedAt = st.ModTime()
			}
		}
		if opts.UseEXIF {
			meta = ExtractEXIF(ctx, path, meta.Normalized())
		}

		it := frame.Item{Path: filepath.ToSlash(filepath.Join(base, mf.File)), Image: img, Metadata: meta}
		if mf.Depth != "" {
			dw, dh := mf.DepthWidth, mf.DepthHeight
			if dw == 0 || dh == 0 {
				dw, dh = img.Width(), img.Height()
			}
			d, err := ReadDepth(filepath.Join(dir, mf.Depth), dw, dh)
			if err != nil {
				log.Warn("depth map unreadable, scoring in 2D", "frame", mf.File, "error", err)
			} else {
				it.Depth = d
				it.Metadata.HasDepth = true
			}
		}
		items = append(items, it)
	}
	if decoded == 0 {
		return nil, fmt.Errorf("%s: no frame could be decoded: %w", dir, decodeErr)
	}

	session := m.Session
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.DeviceID == "" {
		session.DeviceID = opts.DeviceID
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = items[0].Metadata.CapturedAt
	}

	b := frame.NewBundle(session, m.CaptureDuration(), items)
	if m.Hints != nil {
		if err := b.SetHints(*m.Hints); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// deriveManifest builds a manifest from the directory listing.
func deriveManifest(dir, deviceID string) (*Manifest, error) {
	files, err := ListImages(dir)
	if err != nil {
		return nil, err
	}
	m := &Manifest{Session: frame.SessionMetadata{DeviceID: deviceID}}
	var first, last time.Time
	for _, f := range files {
		mf := ManifestFrame{File: filepath.Base(f)}
		if st, err := os.Stat(f); err == nil {
			t := st.ModTime()
			if first.IsZero() || t.Before(first) {
				first = t
			}
			if t.After(last) {
				last = t
			}
		}
		if st, err := os.Stat(DepthPathFor(f)); err == nil && st.Mode().IsRegular() {
			mf.Depth = filepath.Base(DepthPathFor(f))
		}
		m.Frames = append(m.Frames, mf)
	}
	m.Session.StartedAt = first
	m.CaptureDurationMS = last.Sub(first).Milliseconds()
	return m, nil
}

// MeanLuma averages BT.709 luminance over a coarse grid.
func MeanLuma(buf *frame.PixelBuffer) float64 {
	var mean float64
	_ = buf.Read(func(v frame.PixelView) error {
		if !v.Valid() {
			return frame.ErrInvalidImageBuffer
		}
		step := max(1, max(v.Width(), v.Height())/64)
		var sum float64
		var n int
		for y := 0; y < v.Height(); y += step {
			for x := 0; x < v.Width(); x += step {
				sum += v.Luma(x, y)
				n++
			}
		}
		mean = sum / float64(n)
		return nil
	})
	return mean
}
