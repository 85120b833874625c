package fsutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"framepick/internal/frame"
)

// Manifest is the optional bundle.json describing a burst.
type Manifest struct {
	Session           frame.SessionMetadata `json:"session"`
	CaptureDurationMS int64                 `json:"capture_duration_ms"`
	Hints             *frame.SceneHints     `json:"hints,omitempty"`
	Frames            []ManifestFrame       `json:"frames"`
}

// ManifestFrame lists one frame in capture order.
type ManifestFrame struct {
	File        string         `json:"file"`
	Depth       string         `json:"depth,omitempty"`
	DepthWidth  int            `json:"depth_width,omitempty"`
	DepthHeight int            `json:"depth_height,omitempty"`
	Metadata    frame.Metadata `json:"metadata"`
}

// CaptureDuration returns the manifest's capture duration.
func (m *Manifest) CaptureDuration() time.Duration {
	return time.Duration(m.CaptureDurationMS) * time.Millisecond
}

// LoadManifest reads dir/bundle.json. It returns (nil, nil) when there is
// none.
func LoadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestName)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	for i, f := range m.Frames {
		if f.File == "" {
			return nil, fmt.Errorf("%s: frame %d has no file", path, i)
		}
		if f.Depth != "" && (f.DepthWidth <= 0 || f.DepthHeight <= 0) {
			return nil, fmt.Errorf("%s: frame %d depth needs depth_width and depth_height", path, i)
		}
	}
	return &m, nil
}

// WriteManifest stores m as dir/bundle.json.
func WriteManifest(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ManifestName), data, 0o644)
}
