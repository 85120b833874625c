// Package scene derives session-level hints from the frames of a burst.
package scene

import (
	"context"
	"log/slog"

	"framepick/internal/frame"
	"framepick/internal/logging"
)

const (
	lowLightLuma       = 0.3
	lowLightISO        = 1600
	portraitDepthFloor = 0.5
	hdrSpreadEV        = 0.5
	actionMotion       = 0.7

	defaultConfidence  = 0.8
	facePortraitConf   = 0.95
	faceOtherSceneConf = 0.85
)

// FaceCounter counts faces in a frame. Face detection lives outside this
// module; the analyzer works without one.
type FaceCounter interface {
	CountFaces(ctx context.Context, img *frame.PixelBuffer) (int, error)
}

// Analyzer aggregates frame metadata into SceneHints.
type Analyzer struct {
	faces FaceCounter
	log   *slog.Logger
}

// New returns an Analyzer. faces may be nil.
func New(faces FaceCounter, logger *slog.Logger) *Analyzer {
	return &Analyzer{faces: faces, log: logging.OrDefault(logger)}
}

// Analyze derives hints from items in capture order.
func (a *Analyzer) Analyze(ctx context.Context, items []frame.Item) frame.SceneHints {
	if len(items) == 0 {
		return frame.SceneHints{SceneType: frame.SceneGeneral}
	}

	var lumaSum, isoSum float64
	var anyDepth, anyGoodDepth, anyUltraWide, anyFastMotion bool
	minEV, maxEV := items[0].Metadata.ExposureBias, items[0].Metadata.ExposureBias
	for _, it := range items {
		m := it.Metadata
		lumaSum += m.MeanLuma
		isoSum += m.ISO
		minEV = min(minEV, m.ExposureBias)
		maxEV = max(maxEV, m.ExposureBias)
		anyDepth = anyDepth || m.HasDepth
		anyGoodDepth = anyGoodDepth || m.DepthQuality > portraitDepthFloor
		anyUltraWide = anyUltraWide || m.Lens == frame.LensUltraWide
		anyFastMotion = anyFastMotion || m.MotionScore > actionMotion
	}
	n := float64(len(items))

	h := frame.SceneHints{
		LowLight:      lumaSum/n < lowLightLuma || isoSum/n > lowLightISO,
		WantsPortrait: anyDepth && anyGoodDepth,
		WantsHDR:      maxEV-minEV > hdrSpreadEV,
		Confidence:    defaultConfidence,
	}

	switch {
	case h.LowLight:
		h.SceneType = frame.SceneLowLight
	case h.WantsPortrait:
		h.SceneType = frame.ScenePortrait
	case anyUltraWide:
		h.SceneType = frame.SceneLandscape
	case anyFastMotion:
		h.SceneType = frame.SceneAction
	default:
		h.SceneType = frame.SceneGeneral
	}

	if a.faces != nil && items[0].Image != nil {
		count, err := a.faces.CountFaces(ctx, items[0].Image)
		switch {
		case err != nil:
			a.log.Debug("face count unavailable", "error", err)
		case count > 0:
			h.FacesDetected = count
			if h.SceneType == frame.ScenePortrait {
				h.Confidence = facePortraitConf
			} else {
				h.Confidence = faceOtherSceneConf
			}
		}
	}
	return h
}
