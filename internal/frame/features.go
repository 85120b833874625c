package frame

import "math"

// ImageFeatures are the per-frame pixel statistics used for scoring and
// personalization. Every field lies in [0,1].
type ImageFeatures struct {
	Exposure   float64 `json:"exposure"`
	Sharpness  float64 `json:"sharpness"`
	Contrast   float64 `json:"contrast"`
	Saturation float64 `json:"saturation"`
	Noise      float64 `json:"noise"`
}

// NeutralFeatures is the feature set used when a buffer cannot be read.
func NeutralFeatures() ImageFeatures {
	return ImageFeatures{Exposure: 0.5, Sharpness: 0.5, Contrast: 0.5, Saturation: 0.5, Noise: 0.5}
}

// Clamped returns f with every field forced into [0,1]. NaN becomes 0.5.
func (f ImageFeatures) Clamped() ImageFeatures {
	return ImageFeatures{
		Exposure:   Clamp01(f.Exposure),
		Sharpness:  Clamp01(f.Sharpness),
		Contrast:   Clamp01(f.Contrast),
		Saturation: Clamp01(f.Saturation),
		Noise:      Clamp01(f.Noise),
	}
}

// SceneType classifies a capture session.
type SceneType string

const (
	ScenePortrait  SceneType = "portrait"
	SceneLandscape SceneType = "landscape"
	SceneMacro     SceneType = "macro"
	SceneLowLight  SceneType = "lowLight"
	SceneAction    SceneType = "action"
	SceneGeneral   SceneType = "general"
)

// SceneHints summarize a session for downstream routing.
type SceneHints struct {
	LowLight      bool      `json:"low_light"`
	WantsPortrait bool      `json:"wants_portrait"`
	WantsHDR      bool      `json:"wants_hdr"`
	FacesDetected int       `json:"faces_detected"`
	SceneType     SceneType `json:"scene_type"`
	Confidence    float64   `json:"confidence"`
}

// Context is the capture context a personalization bias is evaluated in.
type Context struct {
	Portrait bool `json:"portrait"`
	HDR      bool `json:"hdr"`
	Lens     Lens `json:"lens"`
}

// Clamp01 clamps v into [0,1], mapping NaN to the neutral 0.5.
func Clamp01(v float64) float64 {
	return Clamp(v, 0, 1)
}

// Clamp clamps v into [lo,hi]. NaN maps to the midpoint.
func Clamp(v, lo, hi float64) float64 {
	switch {
	case math.IsNaN(v):
		return (lo + hi) / 2
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}
