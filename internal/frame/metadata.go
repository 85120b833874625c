package frame

import (
	"fmt"
	"strings"
	"time"
)

// Lens identifies the physical camera module a frame came from.
type Lens string

const (
	LensWide      Lens = "wide"
	LensUltraWide Lens = "ultra-wide"
	LensTele      Lens = "tele"
	LensUnknown   Lens = "unknown"
)

// ParseLens maps free-form lens names onto a Lens class.
func ParseLens(s string) Lens {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "wide", "main", "standard":
		return LensWide
	case "ultra-wide", "ultrawide", "ultra_wide", "uw":
		return LensUltraWide
	case "tele", "telephoto", "zoom":
		return LensTele
	default:
		return LensUnknown
	}
}

// FlashMode is the flash setting used for a capture.
type FlashMode string

const (
	FlashOff  FlashMode = "off"
	FlashOn   FlashMode = "on"
	FlashAuto FlashMode = "auto"
)

// WhiteBalanceGains holds per-channel gains reported by the capture pipeline.
type WhiteBalanceGains struct {
	Red   float64 `json:"red"`
	Green float64 `json:"green"`
	Blue  float64 `json:"blue"`
}

// Metadata describes one captured frame. It is a value type and is never
// mutated once attached to an Item.
type Metadata struct {
	Lens          Lens               `json:"lens"`
	ExposureBias  float64            `json:"exposure_bias"` // EV
	ISO           float64            `json:"iso"`
	ShutterMS     float64            `json:"shutter_ms"`
	WhiteBalance  *WhiteBalanceGains `json:"white_balance,omitempty"`
	MeanLuma      float64            `json:"mean_luma"`    // [0,1]
	MotionScore   float64            `json:"motion_score"` // [0,1]
	HasDepth      bool               `json:"has_depth"`
	DepthQuality  float64            `json:"depth_quality"` // [0,1]
	CapturedAt    time.Time          `json:"captured_at"`
	Aperture      *float64           `json:"aperture,omitempty"`
	FocusDistance *float64           `json:"focus_distance,omitempty"`
	Orientation   int                `json:"orientation"`
	Flash         FlashMode          `json:"flash"`
	Width         int                `json:"width"`
	Height        int                `json:"height"`
}

// Validate reports the first normalized field outside [0,1].
func (m Metadata) Validate() error {
	checks := []struct {
		name string
		v    float64
	}{
		{"mean_luma", m.MeanLuma},
		{"motion_score", m.MotionScore},
		{"depth_quality", m.DepthQuality},
	}
	for _, c := range checks {
		if !inUnit(c.v) {
			return fmt.Errorf("metadata %s out of range: %v", c.name, c.v)
		}
	}
	if m.ISO < 0 || m.ShutterMS < 0 {
		return fmt.Errorf("metadata iso/shutter must be non-negative")
	}
	return nil
}

// Normalized returns a copy with every normalized field clamped to [0,1].
func (m Metadata) Normalized() Metadata {
	m.MeanLuma = Clamp01(m.MeanLuma)
	m.MotionScore = Clamp01(m.MotionScore)
	m.DepthQuality = Clamp01(m.DepthQuality)
	if m.Lens == "" {
		m.Lens = LensUnknown
	}
	if m.Flash == "" {
		m.Flash = FlashOff
	}
	return m
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}
