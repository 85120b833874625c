// Package pipeline runs burst selections on a bounded pool of workers so
// callers never block on scoring.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"framepick/internal/logging"
	"framepick/internal/personalize"
	"framepick/internal/selector"
	"framepick/internal/storage"
)

// ErrQueueFull is returned by Submit when every queue slot is taken.
var ErrQueueFull = errors.New("job queue is full")

// ErrStopped is returned after Stop.
var ErrStopped = errors.New("pipeline stopped")

// JobType enumerates supported job kinds.
type JobType string

const (
	JobSelect   JobType = "select"
	JobFeedback JobType = "feedback"
)

// Job is one unit of work: a burst directory to select from, or a rating of
// one of its frames.
type Job struct {
	ID       string             `json:"id"`
	Type     JobType            `json:"type"`
	Dir      string             `json:"dir"`
	Index    int                `json:"index,omitempty"`
	Feedback *selector.Feedback `json:"feedback,omitempty"`
}

// NewJob returns a job with a fresh id.
func NewJob(t JobType, dir string) Job {
	return Job{ID: uuid.NewString(), Type: t, Dir: dir}
}

// Result captures the outcome of a Job.
type Result struct {
	Job       Job                  `json:"job"`
	Error     error                `json:"-"`
	Selection *selector.Result     `json:"selection,omitempty"`
	Profile   *personalize.Profile `json:"profile,omitempty"`
	Session   string               `json:"session,omitempty"`
	Duration  time.Duration        `json:"duration"`
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	stopped   bool
	subs      map[int]chan Result
	nextSubID int
	waiters   map[string]chan Result
}

// New starts workers goroutines pulling from a queue of queueSize jobs.
// store may be nil.
func New(ctx context.Context, proc Processor, workers, queueSize int, logger *slog.Logger, store *storage.Store) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = workers * 2
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: proc,
		log:       logging.OrDefault(logger),
		jobs:      make(chan Job, queueSize),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Result),
		waiters:   make(map[string]chan Result),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	return p
}

// Submit adds a job to the processing queue without blocking.
func (p *Pipeline) Submit(job Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		p.log.Debug("job queued", "type", job.Type, "id", job.ID, "dir", job.Dir)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitAndWait queues job and blocks until its result arrives or ctx ends.
// The result is delivered on a channel of its own, so slow subscribers never
// cause it to be dropped.
func (p *Pipeline) SubmitAndWait(ctx context.Context, job Job) (Result, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	p.mu.Lock()
	if _, dup := p.waiters[job.ID]; dup {
		p.mu.Unlock()
		return Result{}, fmt.Errorf("job %s is already pending", job.ID)
	}
	done := make(chan Result, 1)
	p.waiters[job.ID] = done
	p.mu.Unlock()

	if err := p.Submit(job); err != nil {
		p.dropWaiter(job.ID)
		return Result{}, err
	}
	select {
	case <-ctx.Done():
		p.dropWaiter(job.ID)
		return Result{}, ctx.Err()
	case res, ok := <-done:
		if !ok {
			return Result{}, fmt.Errorf("%w before job %s completed", ErrStopped, job.ID)
		}
		return res, res.Error
	}
}

func (p *Pipeline) dropWaiter(id string) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()

		p.cancel()
		p.wg.Wait()

		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		for id, ch := range p.waiters {
			close(ch)
			delete(p.waiters, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			start := time.Now()
			res := p.processor.Process(ctx, job)
			res.Job = job
			res.Duration = time.Since(start)

			if res.Error != nil {
				p.log.Error("job failed", "type", job.Type, "id", job.ID, "dir", job.Dir, "worker", id,
					"duration_ms", res.Duration.Milliseconds(), "error", res.Error)
			} else {
				p.log.Debug("job completed", "type", job.Type, "id", job.ID, "worker", id,
					"duration_ms", res.Duration.Milliseconds())
			}
			p.record(ctx, res)
			p.broadcast(res)
		}
	}
}

// record appends select jobs to the selection history.
func (p *Pipeline) record(ctx context.Context, res Result) {
	if p.store == nil || res.Job.Type != JobSelect {
		return
	}
	rec := storage.SelectionRecord{
		ID:            res.Job.ID,
		SessionID:     res.Session,
		SourceDir:     res.Job.Dir,
		SelectedIndex: -1,
		Duration:      res.Duration,
		Error:         errString(res.Error),
	}
	if sel := res.Selection; sel != nil {
		rec.FrameCount = len(sel.Breakdown)
		rec.SelectedIndex = sel.Selected
		rec.SelectedPath = sel.Breakdown[sel.Selected].Path
		rec.Score = sel.Score
		rec.SceneType = string(sel.Hints.SceneType)
	}
	if err := p.store.RecordSelection(context.WithoutCancel(ctx), rec); err != nil {
		p.log.Warn("failed to record selection", "id", rec.ID, "error", err)
	}
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		ch := make(chan Result)
		close(ch)
		return ch, func() {}
	}
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.waiters[res.Job.ID]; ok {
		ch <- res
		delete(p.waiters, res.Job.ID)
	}
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
