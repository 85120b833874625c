// Package watcher submits burst directories to the selection pipeline as
// they land in an inbox.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"framepick/internal/fsutil"
	"framepick/internal/logging"
	"framepick/internal/pipeline"
)

// Submitter accepts jobs without blocking. *pipeline.Pipeline satisfies it.
type Submitter interface {
	Submit(job pipeline.Job) error
}

// Options tunes a Watcher.
type Options struct {
	MinFrames    int           // images a directory needs to count as a burst; <1 means 2
	Quiet        time.Duration // settle time after the last write; <=0 means 500ms
	ScanExisting bool          // submit bursts already in the inbox at start
	Logger       *slog.Logger
}

// Watcher monitors the immediate subdirectories of an inbox. A directory is
// submitted once, after it has been quiet for Options.Quiet.
type Watcher struct {
	inbox  string
	submit Submitter
	opts   Options
	log    *slog.Logger

	watcher *fsnotify.Watcher
	ready   chan string

	mu      sync.Mutex
	pending map[string]*time.Timer
	seen    map[string]bool
}

// New creates a Watcher for inbox. Call Run to start it.
func New(inbox string, submit Submitter, opts Options) (*Watcher, error) {
	if opts.MinFrames < 1 {
		opts.MinFrames = 2
	}
	if opts.Quiet <= 0 {
		opts.Quiet = 500 * time.Millisecond
	}
	abs, err := filepath.Abs(inbox)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &Watcher{
		inbox:   abs,
		submit:  submit,
		opts:    opts,
		log:     logging.OrDefault(opts.Logger).With("component", "watcher"),
		watcher: fw,
		ready:   make(chan string, 64),
		pending: make(map[string]*time.Timer),
		seen:    make(map[string]bool),
	}, nil
}

// Run watches until ctx ends. It closes the underlying watcher on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.close()

	if err := w.watcher.Add(w.inbox); err != nil {
		return fmt.Errorf("watch %s: %w", w.inbox, err)
	}
	w.log.Info("watching inbox", "dir", w.inbox, "min_frames", w.opts.MinFrames)

	entries, err := os.ReadDir(w.inbox)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dir := filepath.Join(w.inbox, e.Name())
		w.addDir(dir)
		if w.opts.ScanExisting {
			w.schedule(dir)
		} else {
			w.markSeen(dir)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filesystem watcher error", "error", err)

		case dir := <-w.ready:
			w.trySubmit(dir)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	name := filepath.Clean(event.Name)
	if strings.HasPrefix(filepath.Base(name), ".") {
		return
	}
	parent := filepath.Dir(name)

	if parent == w.inbox {
		info, err := os.Stat(name)
		if err != nil || !info.IsDir() {
			return
		}
		w.addDir(name)
		// Files written before the watch was added are found when the
		// directory is listed after the quiet period.
		w.schedule(name)
		return
	}
	if filepath.Dir(parent) != w.inbox {
		return
	}
	base := filepath.Base(name)
	if fsutil.IsImageFile(base) || base == fsutil.ManifestName || strings.HasSuffix(base, fsutil.DepthExt) {
		w.schedule(parent)
	}
}

func (w *Watcher) addDir(dir string) {
	if err := w.watcher.Add(dir); err != nil {
		w.log.Warn("failed to watch burst directory", "dir", dir, "error", err)
	}
}

// schedule (re)starts the quiet timer of dir.
func (w *Watcher) schedule(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seen[dir] {
		return
	}
	if t, ok := w.pending[dir]; ok {
		t.Reset(w.opts.Quiet)
		return
	}
	w.pending[dir] = time.AfterFunc(w.opts.Quiet, func() {
		select {
		case w.ready <- dir:
		default:
			w.log.Warn("ready queue full, dropping burst", "dir", dir)
		}
	})
}

func (w *Watcher) markSeen(dir string) {
	w.mu.Lock()
	w.seen[dir] = true
	w.mu.Unlock()
}

func (w *Watcher) trySubmit(dir string) {
	w.mu.Lock()
	delete(w.pending, dir)
	already := w.seen[dir]
	w.mu.Unlock()
	if already || !fsutil.IsBurstDir(dir, w.opts.MinFrames) {
		return
	}

	job := pipeline.NewJob(pipeline.JobSelect, dir)
	err := w.submit.Submit(job)
	switch {
	case err == nil:
		w.markSeen(dir)
		w.log.Info("burst submitted", "dir", dir, "job", job.ID)
	case errors.Is(err, pipeline.ErrQueueFull):
		w.log.Debug("queue full, retrying burst later", "dir", dir)
		w.schedule(dir)
	default:
		w.log.Error("failed to submit burst", "dir", dir, "error", err)
	}
}

func (w *Watcher) close() {
	w.mu.Lock()
	for dir, t := range w.pending {
		t.Stop()
		delete(w.pending, dir)
	}
	w.mu.Unlock()
	if err := w.watcher.Close(); err != nil {
		w.log.Debug("closing watcher", "error", err)
	}
}
