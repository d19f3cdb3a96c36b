// Package watch ingests transcripts dropped into a directory. A file is
// submitted once it stops changing; successful files move to processed/ and
// rejected ones to failed/ so a restart never rescans them.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/veilworks/veil/internal/config"
	"github.com/veilworks/veil/internal/pii"
	"github.com/veilworks/veil/internal/service"
)

const (
	defaultSettleDelay = 2 * time.Second
	processedDir       = "processed"
	failedDir          = "failed"
)

type Watcher struct {
	svc    *service.Service
	cfg    config.WatchConfig
	log    *slog.Logger
	settle time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func New(svc *service.Service, cfg config.WatchConfig, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		svc:    svc,
		cfg:    cfg,
		log:    log,
		settle: defaultSettleDelay,
		timers: make(map[string]*time.Timer),
	}
}

// Run watches the configured directory until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	dir := w.cfg.Dir
	if dir == "" {
		return errors.New("watch: no directory configured")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch %s: not a directory", dir)
	}
	for _, sub := range []string{processedDir, failedDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return fmt.Errorf("create %s dir: %w", sub, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	w.log.Info("watch.started", "dir", dir, "mode", w.mode(), "auto_task", w.cfg.AutoTask)

	// Files already sitting in the drop dir are scheduled like fresh
	// arrivals, so a file mid-copy at startup still settles first.
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("scan %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !eligible(entry.Name()) {
			continue
		}
		w.schedule(ctx, filepath.Join(dir, entry.Name()))
	}

	for {
		select {
		case <-ctx.Done():
			w.stopTimers()
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !eligible(filepath.Base(event.Name)) {
				continue
			}
			w.schedule(ctx, event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch.error", "error", err)
		}
	}
}

// schedule rearms the settle timer for one path. A copy in flight fires a
// stream of writes; ingestion runs only after the file goes quiet.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.settle, func() {
		w.forget(path)
		w.ingest(ctx, path)
	})
}

func (w *Watcher) forget(path string) {
	w.mu.Lock()
	delete(w.timers, path)
	w.mu.Unlock()
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}

// ingest submits one settled file and moves it aside. A path that vanished
// while settling was moved or deleted by someone else and is skipped.
func (w *Watcher) ingest(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		w.log.Warn("watch.read_failed", "path", path, "error", err)
		return
	}

	name := filepath.Base(path)
	job, err := w.svc.SubmitProcessingJob(ctx, string(raw), w.mode(), service.SubmitOptions{Filename: name})
	if err != nil {
		w.log.Warn("watch.submit_failed", "path", path, "error", err)
		w.moveTo(path, failedDir)
		return
	}
	w.log.Info("watch.ingested", "file", name, "job_id", job.ID, "entities", job.TotalEntities)

	if task := w.cfg.AutoTask; task != "" {
		a, err := w.svc.StartAnalysis(ctx, job.ID, task, w.cfg.DetailLevel, "")
		if err != nil {
			w.log.Warn("watch.auto_analysis_failed", "job_id", job.ID, "task", task, "error", err)
		} else {
			w.log.Info("watch.auto_analysis_started", "job_id", job.ID, "analysis_id", a.ID, "task", task)
		}
	}

	w.moveTo(path, processedDir)
}

func (w *Watcher) moveTo(path, sub string) {
	dest := filepath.Join(filepath.Dir(path), sub, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		w.log.Warn("watch.move_failed", "path", path, "dest", dest, "error", err)
	}
}

func (w *Watcher) mode() string {
	if w.cfg.Mode != "" {
		return w.cfg.Mode
	}
	return string(pii.ModeTags)
}

// eligible accepts visible .txt files.
func eligible(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	return strings.EqualFold(filepath.Ext(name), ".txt")
}
