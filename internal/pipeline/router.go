package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"framepick/internal/frame"
	"framepick/internal/fsutil"
	"framepick/internal/logging"
	"framepick/internal/personalize"
	"framepick/internal/selector"
)

// selectionService is the part of *selector.Service the router drives.
type selectionService interface {
	ScoreAndSelect(ctx context.Context, b *frame.Bundle) (*selector.Result, error)
	RecordFeedback(ctx context.Context, b *frame.Bundle, index int, fb selector.Feedback) (personalize.Profile, error)
}

type loadFunc func(ctx context.Context, dir string) (*frame.Bundle, error)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log  *slog.Logger
	svc  selectionService
	load loadFunc
}

// NewRouter returns the Processor that loads bursts from disk and runs them
// through svc.
func NewRouter(svc *selector.Service, opts fsutil.LoadOptions, logger *slog.Logger) Processor {
	if opts.Logger == nil {
		opts.Logger = logger
	}
	return &router{
		log: logging.OrDefault(logger),
		svc: svc,
		load: func(ctx context.Context, dir string) (*frame.Bundle, error) {
			return fsutil.LoadBundle(ctx, dir, opts)
		},
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobSelect:
		return r.handleSelect(ctx, job)
	case JobFeedback:
		return r.handleFeedback(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleSelect(ctx context.Context, job Job) Result {
	b, err := r.load(ctx, job.Dir)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("load %s: %w", job.Dir, err)}
	}
	sel, err := r.svc.ScoreAndSelect(ctx, b)
	return Result{Job: job, Error: err, Selection: sel, Session: b.Session().ID}
}

// handleFeedback re-scores the burst so the rating is compared against the
// score the user was shown, then records it.
func (r *router) handleFeedback(ctx context.Context, job Job) Result {
	if job.Feedback == nil {
		return Result{Job: job, Error: fmt.Errorf("feedback job %s has no rating", job.ID)}
	}
	b, err := r.load(ctx, job.Dir)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("load %s: %w", job.Dir, err)}
	}
	sel, err := r.svc.ScoreAndSelect(ctx, b)
	if err != nil {
		return Result{Job: job, Error: err, Session: b.Session().ID}
	}
	prof, err := r.svc.RecordFeedback(ctx, b, job.Index, *job.Feedback)
	return Result{Job: job, Error: err, Selection: sel, Profile: &prof, Session: b.Session().ID}
}
