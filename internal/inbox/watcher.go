// Package inbox watches a drop directory for program sources and submits
// each one for a replace once it has stopped changing.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mattjoyce/plcgw/internal/build"
	"github.com/mattjoyce/plcgw/internal/lifecycle"
)

// Submitter is the part of the lifecycle controller the inbox drives.
type Submitter interface {
	RequestReplace(ctx context.Context, src build.Source) (*build.Run, error)
	Status() lifecycle.Status
}

// Config configures a Watcher.
type Config struct {
	// Dir is the drop directory.
	Dir string
	// UploadsDir receives a file just before it is submitted.
	UploadsDir string
	// Settle is how long a file must go without events before it is taken.
	Settle time.Duration
	Logger *slog.Logger
}

// Watcher moves settled .st files from the drop directory into the uploads
// directory and requests a replace for each, one at a time.
type Watcher struct {
	cfg    Config
	sub    Submitter
	logger *slog.Logger

	pending map[string]*time.Timer
	ready   chan string
}

// New creates a Watcher.
func New(cfg Config, sub Submitter) (*Watcher, error) {
	if cfg.Dir == "" || cfg.UploadsDir == "" {
		return nil, fmt.Errorf("inbox: dir and uploads dir are required")
	}
	if sub == nil {
		return nil, fmt.Errorf("inbox: submitter is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		cfg:     cfg,
		sub:     sub,
		logger:  logger.With("dir", cfg.Dir),
		pending: make(map[string]*time.Timer),
		ready:   make(chan string, 16),
	}, nil
}

// Run watches until ctx is done. Files already present are picked up first.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create inbox dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.cfg.Dir); err != nil {
		return fmt.Errorf("failed to watch inbox: %w", err)
	}

	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return fmt.Errorf("scan inbox: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() && eligible(e.Name()) {
			w.arm(ctx, e.Name(), w.cfg.Settle)
		}
	}
	w.logger.Info("inbox watcher started")

	defer w.disarmAll()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("inbox watcher stopped")
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return errors.New("inbox: event channel closed")
			}
			w.handleEvent(ctx, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return errors.New("inbox: error channel closed")
			}
			w.logger.Error("inbox watcher error", "error", err)
		case name := <-w.ready:
			delete(w.pending, name)
			w.submit(ctx, name)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if !eligible(name) {
		return
	}
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.disarm(name)
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		w.arm(ctx, name, w.cfg.Settle)
	}
}

// arm (re)starts the settle timer for name.
func (w *Watcher) arm(ctx context.Context, name string, after time.Duration) {
	w.disarm(name)
	w.pending[name] = time.AfterFunc(after, func() {
		select {
		case w.ready <- name:
		case <-ctx.Done():
		}
	})
}

func (w *Watcher) disarm(name string) {
	if t, ok := w.pending[name]; ok {
		t.Stop()
		delete(w.pending, name)
	}
}

func (w *Watcher) disarmAll() {
	for name := range w.pending {
		w.disarm(name)
	}
}

func (w *Watcher) retryDelay() time.Duration {
	return max(4*w.cfg.Settle, time.Second)
}

func (w *Watcher) submit(ctx context.Context, name string) {
	if ctx.Err() != nil {
		return
	}
	src := filepath.Join(w.cfg.Dir, name)
	if info, err := os.Stat(src); err != nil || !info.Mode().IsRegular() {
		return
	}
	if w.sub.Status().Building {
		w.logger.Debug("build in progress, deferring", "file", name)
		w.arm(ctx, name, w.retryDelay())
		return
	}

	// Each submission moves onto its own reserved path so a newer drop with
	// the same name cannot touch a source that is being built.
	reserved, err := build.CreateSource(w.cfg.UploadsDir, name)
	if err != nil {
		w.logger.Error("reserve program source", "file", name, "error", err)
		return
	}
	dst := reserved.Name()
	_ = reserved.Close()
	if err := os.Rename(src, dst); err != nil {
		_ = os.Remove(dst)
		w.logger.Error("move program out of inbox", "file", name, "error", err)
		return
	}

	logger := w.logger.With("file", name)
	logger.Info("submitting program", "path", dst)
	run, err := w.sub.RequestReplace(ctx, build.Source{Name: name, Path: dst})

	var busy *lifecycle.BusyError
	switch {
	case err != nil && run == nil:
		// Never started; hand it back to the inbox so the event re-arms it.
		if errors.As(err, &busy) {
			logger.Debug("lost a race with another build, returning to inbox")
		} else {
			logger.Warn("program from inbox not accepted", "error", err)
		}
		w.restore(logger, dst, src)
	case err != nil:
		logger.Warn("program from inbox failed", "error", err, "run_id", run.ID, "diagnostic", run.Diagnostic)
	default:
		logger.Info("program from inbox installed", "run_id", run.ID)
	}
}

// restore moves a rejected source back to the inbox. A newer drop with the
// same name wins and the rejected copy is discarded.
func (w *Watcher) restore(logger *slog.Logger, dst, src string) {
	if _, err := os.Lstat(src); err == nil {
		if rerr := os.Remove(dst); rerr != nil {
			logger.Error("discard rejected program", "error", rerr)
		}
		return
	}
	if rerr := os.Rename(dst, src); rerr != nil {
		logger.Error("return program to inbox", "error", rerr)
	}
}

// eligible matches the API's upload rule: a visible file with a .st
// extension in any case.
func eligible(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".st") && !strings.HasPrefix(name, ".") && len(name) > len(".st")
}
