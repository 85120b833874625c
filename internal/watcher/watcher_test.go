package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"framepick/internal/pipeline"
)

type recorder struct {
	mu    sync.Mutex
	fail  int
	jobs  chan pipeline.Job
	calls int
}

func newRecorder() *recorder { return &recorder{jobs: make(chan pipeline.Job, 16)} }

func (r *recorder) Submit(job pipeline.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail > 0 {
		r.fail--
		return pipeline.ErrQueueFull
	}
	r.jobs <- job
	return nil
}

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644))
	}
}

func start(t *testing.T, inbox string, sub Submitter, opts Options) {
	t.Helper()
	if opts.Quiet == 0 {
		opts.Quiet = 50 * time.Millisecond
	}
	w, err := New(inbox, sub, opts)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	// Let Run add the inbox watch before the test writes anything.
	time.Sleep(50 * time.Millisecond)
}

func waitJob(t *testing.T, r *recorder) pipeline.Job {
	t.Helper()
	select {
	case job := <-r.jobs:
		return job
	case <-time.After(5 * time.Second):
		t.Fatal("no job submitted")
		return pipeline.Job{}
	}
}

func TestNewBurstIsSubmittedOnce(t *testing.T) {
	inbox := t.TempDir()
	rec := newRecorder()
	start(t, inbox, rec, Options{})

	burst := filepath.Join(inbox, "burst-1")
	touch(t, burst, "a.jpg", "b.jpg", "c.jpg")

	job := waitJob(t, rec)
	assert.Equal(t, pipeline.JobSelect, job.Type)
	want, _ := filepath.Abs(burst)
	assert.Equal(t, want, job.Dir)

	touch(t, burst, "d.jpg")
	select {
	case extra := <-rec.jobs:
		t.Fatalf("burst submitted twice: %+v", extra)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDirectoryBelowMinFramesIsIgnored(t *testing.T) {
	inbox := t.TempDir()
	rec := newRecorder()
	start(t, inbox, rec, Options{MinFrames: 3})

	touch(t, filepath.Join(inbox, "short"), "a.jpg", "notes.txt")
	select {
	case job := <-rec.jobs:
		t.Fatalf("unexpected job %+v", job)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestManifestMakesBurst(t *testing.T) {
	inbox := t.TempDir()
	rec := newRecorder()
	start(t, inbox, rec, Options{MinFrames: 5})

	touch(t, filepath.Join(inbox, "manifested"), "bundle.json")
	job := waitJob(t, rec)
	assert.Equal(t, "manifested", filepath.Base(job.Dir))
}

func TestScanExistingSubmitsPresentBursts(t *testing.T) {
	inbox := t.TempDir()
	touch(t, filepath.Join(inbox, "old"), "1.png", "2.png")
	touch(t, filepath.Join(inbox, ".hidden"), "1.png", "2.png")

	rec := newRecorder()
	start(t, inbox, rec, Options{ScanExisting: true})
	job := waitJob(t, rec)
	assert.Equal(t, "old", filepath.Base(job.Dir))
}

func TestExistingBurstsSkippedWithoutScan(t *testing.T) {
	inbox := t.TempDir()
	touch(t, filepath.Join(inbox, "old"), "1.png", "2.png")

	rec := newRecorder()
	start(t, inbox, rec, Options{})
	touch(t, filepath.Join(inbox, "old"), "3.png")
	touch(t, filepath.Join(inbox, "new"), "1.png", "2.png")

	job := waitJob(t, rec)
	assert.Equal(t, "new", filepath.Base(job.Dir))
}

func TestQueueFullIsRetried(t *testing.T) {
	inbox := t.TempDir()
	rec := newRecorder()
	rec.fail = 2
	start(t, inbox, rec, Options{})

	touch(t, filepath.Join(inbox, "busy"), "a.jpg", "b.jpg")
	job := waitJob(t, rec)
	assert.Equal(t, "busy", filepath.Base(job.Dir))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.GreaterOrEqual(t, rec.calls, 3)
}
