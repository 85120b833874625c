package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"framepick/internal/selector"
	"framepick/internal/storage"
)

type funcProcessor func(ctx context.Context, job Job) Result

func (f funcProcessor) Process(ctx context.Context, job Job) Result { return f(ctx, job) }

func TestSubmitAndWaitReturnsMatchingResult(t *testing.T) {
	proc := funcProcessor(func(ctx context.Context, job Job) Result {
		return Result{Job: job, Session: "s-" + job.Dir, Selection: &selector.Result{Selected: 0, Score: 0.9, Breakdown: []selector.Breakdown{{Path: "b/0.png"}}}}
	})
	p := New(context.Background(), proc, 2, 4, nil, nil)
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := p.SubmitAndWait(ctx, NewJob(JobSelect, "b"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Session != "s-b" || res.Selection.Score != 0.9 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	started := make(chan struct{})
	proc := funcProcessor(func(ctx context.Context, job Job) Result {
		once.Do(func() { close(started) })
		<-release
		return Result{Job: job}
	})
	p := New(context.Background(), proc, 1, 1, nil, nil)
	defer p.Stop()
	defer close(release)

	if err := p.Submit(NewJob(JobSelect, "a")); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	<-started
	if err := p.Submit(NewJob(JobSelect, "b")); err != nil {
		t.Fatalf("second submit should fill the queue: %v", err)
	}
	if err := p.Submit(NewJob(JobSelect, "c")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestStopClosesSubscribersAndRejectsJobs(t *testing.T) {
	p := New(context.Background(), funcProcessor(func(ctx context.Context, job Job) Result { return Result{Job: job} }), 1, 1, nil, nil)
	ch, _ := p.Subscribe()
	p.Stop()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed subscriber channel")
	}
	if err := p.Submit(NewJob(JobSelect, "x")); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	p.Stop()
}

func TestSelectionHistoryRecorded(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "history.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	proc := funcProcessor(func(ctx context.Context, job Job) Result {
		if job.Dir == "bad" {
			return Result{Job: job, Error: errors.New("decode failed")}
		}
		return Result{Job: job, Session: "sess", Selection: &selector.Result{
			Selected:  1,
			Score:     0.8,
			Breakdown: []selector.Breakdown{{Path: "d/0.png"}, {Path: "d/1.png"}},
		}}
	})
	p := New(context.Background(), proc, 1, 4, nil, store)
	defer p.Stop()

	ctx := context.Background()
	if _, err := p.SubmitAndWait(ctx, NewJob(JobSelect, "d")); err != nil {
		t.Fatal(err)
	}
	if _, err := p.SubmitAndWait(ctx, NewJob(JobSelect, "bad")); err == nil {
		t.Fatal("expected failure to propagate")
	}

	recs, err := store.RecentSelections(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(recs))
	}
	var ok, failed bool
	for _, r := range recs {
		switch r.SourceDir {
		case "d":
			ok = r.SelectedIndex == 1 && r.SelectedPath == "d/1.png" && r.FrameCount == 2
		case "bad":
			failed = r.Error == "decode failed" && r.SelectedIndex == -1
		}
	}
	if !ok || !failed {
		t.Fatalf("unexpected history %+v", recs)
	}
}

func TestSubmitAndWaitSurvivesSaturatedSubscribers(t *testing.T) {
	p := New(context.Background(), funcProcessor(func(ctx context.Context, job Job) Result {
		return Result{Job: job, Session: job.Dir}
	}), 1, 32, nil, nil)
	defer p.Stop()

	// Never drained: fills after a handful of results.
	_, unsubscribe := p.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 20; i++ {
		if err := p.Submit(NewJob(JobSelect, "noise")); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	res, err := p.SubmitAndWait(ctx, NewJob(JobSelect, "mine"))
	if err != nil {
		t.Fatalf("expected own result, got %v", err)
	}
	if res.Session != "mine" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSubmitAndWaitEndsOnStop(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	p := New(context.Background(), funcProcessor(func(ctx context.Context, job Job) Result {
		once.Do(func() { close(started) })
		select {
		case <-release:
		case <-ctx.Done():
		}
		return Result{Job: job, Error: ctx.Err()}
	}), 1, 2, nil, nil)
	defer close(release)

	if err := p.Submit(NewJob(JobSelect, "busy")); err != nil {
		t.Fatal(err)
	}
	<-started
	errCh := make(chan error, 1)
	go func() {
		_, err := p.SubmitAndWait(context.Background(), NewJob(JobSelect, "queued"))
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	p.Stop()

	select {
	case err := <-errCh:
		// The queued job is either abandoned or run on a cancelled context.
		if !errors.Is(err, ErrStopped) && !errors.Is(err, context.Canceled) {
			t.Fatalf("expected stop or cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SubmitAndWait did not return after Stop")
	}
}
