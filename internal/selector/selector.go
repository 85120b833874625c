// Package selector scores every frame of a burst, applies the user's learned
// preferences and picks a single winner.
package selector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"framepick/internal/depth"
	"framepick/internal/frame"
	"framepick/internal/logging"
	"framepick/internal/quality"
	"framepick/internal/scene"
)

// Personalizer adjusts a baseline score. *personalize.Engine satisfies it.
type Personalizer interface {
	ApplyBias(base float64, f frame.ImageFeatures, ctx frame.Context) float64
}

// Breakdown explains how one frame's score was produced.
type Breakdown struct {
	Index        int                 `json:"index"`
	Path         string              `json:"path,omitempty"`
	Features     frame.ImageFeatures `json:"features"`
	Baseline     float64             `json:"baseline"`
	Source       quality.Source      `json:"source"`
	Bias         float64             `json:"bias"`
	Final        float64             `json:"final"`
	DepthQuality float64             `json:"depth_quality"`
	DepthUsable  bool                `json:"depth_usable"`
	Context      frame.Context       `json:"context"`
	Degraded     []string            `json:"degraded,omitempty"`
}

// Result is the outcome of one selection.
type Result struct {
	Bundle    *frame.Bundle    `json:"-"`
	Selected  int              `json:"selected"`
	Score     float64          `json:"score"`
	Hints     frame.SceneHints `json:"hints"`
	Breakdown []Breakdown      `json:"breakdown"`
	Duration  time.Duration    `json:"duration"`
}

// Selector runs the scoring pipeline over a bundle.
type Selector struct {
	scorer      *quality.Scorer
	depth       *depth.Assessor
	scene       *scene.Analyzer
	personal    Personalizer
	concurrency int
	log         *slog.Logger
}

// Options configures a Selector. Scorer, Depth and Scene are required.
type Options struct {
	Scorer       *quality.Scorer
	Depth        *depth.Assessor
	Scene        *scene.Analyzer
	Personalizer Personalizer // optional
	Concurrency  int          // frames scored at once; <1 means 4
	Logger       *slog.Logger
}

// New builds a Selector.
func New(opts Options) *Selector {
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	return &Selector{
		scorer:      opts.Scorer,
		depth:       opts.Depth,
		scene:       opts.Scene,
		personal:    opts.Personalizer,
		concurrency: opts.Concurrency,
		log:         logging.OrDefault(opts.Logger),
	}
}

// ScoreAndSelect scores every frame, selects the best one and freezes the
// bundle. Ties go to the earliest frame. Per-frame failures degrade to
// fallbacks, so a non-empty bundle always yields a winner.
func (s *Selector) ScoreAndSelect(ctx context.Context, b *frame.Bundle) (*Result, error) {
	start := time.Now()
	if b == nil || b.Len() == 0 {
		return nil, frame.ErrEmptyBundle
	}
	if b.Frozen() {
		return nil, frame.ErrBundleFrozen
	}

	items := b.Items()
	depths := make([]depthResult, len(items))
	s.forEach(len(items), func(i int) {
		depths[i] = s.assessDepth(items[i])
	})

	hints, ok := b.Hints()
	if !ok {
		hints = s.scene.Analyze(ctx, withDepthQuality(items, depths))
		if err := b.SetHints(hints); err != nil {
			return nil, err
		}
	}

	breakdown := make([]Breakdown, len(items))
	s.forEach(len(items), func(i int) {
		breakdown[i] = s.scoreItem(ctx, i, items[i], hints, depths[i])
	})

	best := 0
	for i, bd := range breakdown {
		if err := b.SetQualityScore(i, bd.Final); err != nil {
			return nil, err
		}
		if bd.Final > breakdown[best].Final {
			best = i
		}
	}
	if err := b.Select(best); err != nil {
		return nil, err
	}
	b.Freeze()

	return &Result{
		Bundle:    b,
		Selected:  best,
		Score:     breakdown[best].Final,
		Hints:     hints,
		Breakdown: breakdown,
		Duration:  time.Since(start),
	}, nil
}

// forEach runs fn for every index with at most s.concurrency calls in flight.
func (s *Selector) forEach(n int, fn func(i int)) {
	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(i)
		}(i)
	}
	wg.Wait()
}

func (s *Selector) scoreItem(ctx context.Context, i int, it frame.Item, hints frame.SceneHints, d depthResult) Breakdown {
	bd := Breakdown{Index: i, Path: it.Path}

	sc := s.scorer.Score(ctx, it.Image)
	bd.Features = sc.Features
	bd.Baseline = sc.Baseline
	bd.Source = sc.Source
	if sc.Source == quality.SourceNeutral {
		bd.Degraded = append(bd.Degraded, "features")
	}

	bd.DepthQuality = d.assessment.Quality
	bd.DepthUsable = d.usable
	if d.err != nil && !errors.Is(d.err, frame.ErrNoDepthData) {
		bd.Degraded = append(bd.Degraded, "depth")
		s.log.Debug("depth unusable, scoring in 2D", "frame", i, "error", d.err)
	}

	bd.Context = ContextFor(it, hints, d.usable)
	bd.Final = bd.Baseline
	if s.personal != nil {
		bd.Final = s.personal.ApplyBias(bd.Baseline, bd.Features, bd.Context)
	}
	bd.Bias = bd.Final - bd.Baseline
	return bd
}

type depthResult struct {
	assessment depth.Assessment
	usable     bool
	err        error
}

// assessDepth scores the frame's depth map, if any.
func (s *Selector) assessDepth(it frame.Item) depthResult {
	if it.Depth == nil {
		return depthResult{err: frame.ErrNoDepthData}
	}
	a, err := s.depth.Assess(it.Depth)
	if err != nil {
		return depthResult{assessment: a, err: fmt.Errorf("frame %s: %w", it.Path, err)}
	}
	return depthResult{assessment: a, usable: a.Usable(s.depth.MinQuality())}
}

// withDepthQuality returns copies of items whose metadata carries the
// assessed depth quality wherever the capture source did not report one.
func withDepthQuality(items []frame.Item, depths []depthResult) []frame.Item {
	out := make([]frame.Item, len(items))
	copy(out, items)
	for i := range out {
		if out[i].Depth == nil || errors.Is(depths[i].err, frame.ErrNoDepthData) {
			continue
		}
		m := &out[i].Metadata
		m.HasDepth = true
		if m.DepthQuality == 0 {
			m.DepthQuality = depths[i].assessment.Quality
		}
	}
	return out
}

// ContextFor derives the personalization context of a frame. Portrait
// context needs both a portrait-leaning session and a usable depth map.
func ContextFor(it frame.Item, hints frame.SceneHints, depthUsable bool) frame.Context {
	return frame.Context{
		Portrait: hints.WantsPortrait && depthUsable,
		HDR:      hints.WantsHDR,
		Lens:     it.Metadata.Lens,
	}
}
