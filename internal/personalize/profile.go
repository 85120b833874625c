// Package personalize learns per-user preferences from explicit feedback and
// turns them into a small, bounded bias on baseline quality scores.
package personalize

import (
	"context"
	"errors"
	"time"

	"framepick/internal/frame"
)

// Weights are per-feature preferences in [-1,1].
type Weights struct {
	Exposure   float64 `json:"exposure"`
	Sharpness  float64 `json:"sharpness"`
	Contrast   float64 `json:"contrast"`
	Saturation float64 `json:"saturation"`
}

// Affinities are per-context preferences in [-1,1].
type Affinities struct {
	Portrait  float64 `json:"portrait"`
	HDR       float64 `json:"hdr"`
	Telephoto float64 `json:"telephoto"`
	UltraWide float64 `json:"ultra_wide"`
}

// Profile is the learned state of one user.
type Profile struct {
	Weights      Weights    `json:"weights"`
	Affinities   Affinities `json:"affinities"`
	TotalRatings int        `json:"total_ratings"`
	LastUpdated  time.Time  `json:"last_updated"`
	Enabled      bool       `json:"enabled"`
}

// NeutralProfile has no learned preferences and is enabled.
func NeutralProfile() Profile {
	return Profile{Enabled: true}
}

// State is the coarse learning state of a profile.
type State string

const (
	StateNeutral  State = "neutral"
	StateLearning State = "learning"
)

// State reports whether the profile has seen any feedback.
func (p Profile) State() State {
	if p.TotalRatings == 0 {
		return StateNeutral
	}
	return StateLearning
}

// Event is one unit of feedback.
type Event struct {
	Features   frame.ImageFeatures
	Context    frame.Context
	Feedback   float64 // user's rating, clamped to [0,1]
	Prediction float64 // score shown to the user
}

// ErrNoProfile is returned by a Store that has never saved a profile.
var ErrNoProfile = errors.New("no saved profile")

// Store persists a profile.
type Store interface {
	Load(ctx context.Context) (Profile, error)
	Save(ctx context.Context, p Profile) error
}

// clamped forces every learned parameter into [-1,1].
func (p Profile) clamped() Profile {
	c := func(v float64) float64 { return frame.Clamp(v, -1, 1) }
	p.Weights = Weights{
		Exposure:   c(p.Weights.Exposure),
		Sharpness:  c(p.Weights.Sharpness),
		Contrast:   c(p.Weights.Contrast),
		Saturation: c(p.Weights.Saturation),
	}
	p.Affinities = Affinities{
		Portrait:  c(p.Affinities.Portrait),
		HDR:       c(p.Affinities.HDR),
		Telephoto: c(p.Affinities.Telephoto),
		UltraWide: c(p.Affinities.UltraWide),
	}
	if p.TotalRatings < 0 {
		p.TotalRatings = 0
	}
	return p
}

// active returns pointers to the affinities ctx switches on.
func (a *Affinities) active(ctx frame.Context) []*float64 {
	var out []*float64
	if ctx.Portrait {
		out = append(out, &a.Portrait)
	}
	if ctx.HDR {
		out = append(out, &a.HDR)
	}
	switch ctx.Lens {
	case frame.LensTele:
		out = append(out, &a.Telephoto)
	case frame.LensUltraWide:
		out = append(out, &a.UltraWide)
	}
	return out
}

// centered maps a [0,1] feature to [-1,1] around the neutral 0.5.
func centered(v float64) float64 {
	return (frame.Clamp01(v) - 0.5) * 2
}
