package frame

import "errors"

// Recoverable failure modes. None of these abort a selection; callers degrade
// to a neutral or fallback path and keep going.
var (
	ErrNoDepthData           = errors.New("no depth data")
	ErrLowDepthQuality       = errors.New("depth quality below threshold")
	ErrPredictorUnavailable  = errors.New("quality predictor unavailable")
	ErrInvalidImageBuffer    = errors.New("invalid image buffer")
	ErrPersistenceLoadFailed = errors.New("personalization profile load failed")
)

// Bundle errors.
var (
	ErrEmptyBundle     = errors.New("bundle has no frames")
	ErrBundleFrozen    = errors.New("bundle is frozen")
	ErrIndexOutOfRange = errors.New("frame index out of range")
)
