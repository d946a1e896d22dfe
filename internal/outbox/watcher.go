// Package outbox sends files dropped into a directory to the paired
// device. Sent files move to sent/, files the device could not take
// move to failed/.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	syncerr "github.com/alexjbarnes/device-sync/internal/errors"
	"github.com/fsnotify/fsnotify"
)

const (
	outboxDirPerm = fs.FileMode(0o755)

	SentDir   = "sent"
	FailedDir = "failed"

	// defaultDebounceInterval is how often pending files are checked.
	defaultDebounceInterval = 500 * time.Millisecond

	// defaultSettle is how long a file must go without writes before it
	// is sent, so half-copied files are not picked up.
	defaultSettle = 300 * time.Millisecond
)

// FileSender sends one local file to the device. *transfer.Sender
// satisfies it.
type FileSender interface {
	SendFile(ctx context.Context, path string) (string, error)
}

// Link reports whether the device is reachable. *engine.Controller
// satisfies it.
type Link interface {
	Connected() bool
}

// Watcher watches the outbox directory. Files that appear while the
// device is away wait until it reconnects.
type Watcher struct {
	dir    string
	sender FileSender
	link   Link
	logger *slog.Logger

	interval time.Duration
	settle   time.Duration

	// queued holds settled files waiting for a connection.
	queued map[string]struct{}
}

// NewWatcher creates a Watcher for dir.
func NewWatcher(dir string, sender FileSender, link Link, logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:      dir,
		sender:   sender,
		link:     link,
		logger:   logger,
		interval: defaultDebounceInterval,
		settle:   defaultSettle,
		queued:   make(map[string]struct{}),
	}
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Watch blocks until ctx is cancelled. Files already in the directory
// when it starts are sent too.
func (w *Watcher) Watch(ctx context.Context) error {
	for _, sub := range []string{w.dir, filepath.Join(w.dir, SentDir), filepath.Join(w.dir, FailedDir)} {
		if err := os.MkdirAll(sub, outboxDirPerm); err != nil {
			return fmt.Errorf("creating outbox dir %s: %w", sub, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching outbox dir: %w", err)
	}

	w.logger.Info("outbox watcher started", slog.String("dir", w.dir))

	pending := make(map[string]time.Time)

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("reading outbox dir: %w", err)
	}

	for _, e := range entries {
		if e.Type().IsRegular() && !w.shouldIgnore(e.Name()) {
			pending[filepath.Join(w.dir, e.Name())] = time.Time{}
		}
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if w.shouldIgnore(filepath.Base(event.Name)) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
				delete(w.queued, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < w.settle {
					continue
				}

				delete(pending, path)
				w.queued[path] = struct{}{}
			}

			w.drainQueue(ctx)
		}
	}
}

// drainQueue sends every queued file while the device is connected.
func (w *Watcher) drainQueue(ctx context.Context) {
	if len(w.queued) == 0 {
		return
	}

	if !w.link.Connected() {
		w.logger.Debug("outbox waiting for connection", slog.Int("queued", len(w.queued)))
		return
	}

	for path := range w.queued {
		if ctx.Err() != nil {
			return
		}

		if !w.handleFile(ctx, path) {
			// Connection went away mid-drain; keep the rest queued.
			return
		}

		delete(w.queued, path)
	}
}

// handleFile sends path and files it under sent/ or failed/. It
// returns false when the file should stay queued for another attempt.
func (w *Watcher) handleFile(ctx context.Context, path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("stat outbox file", slog.String("path", path), slog.String("error", err.Error()))
		}

		return true
	}

	if !info.Mode().IsRegular() {
		return true
	}

	id, err := w.sender.SendFile(ctx, path)
	if err != nil {
		if errors.Is(err, syncerr.ErrNotConnected) || errors.Is(err, syncerr.ErrWriteFailed) {
			w.logger.Info("outbox send interrupted, will retry", slog.String("path", path), slog.String("error", err.Error()))
			return false
		}

		w.logger.Warn("outbox send failed", slog.String("path", path), slog.String("error", err.Error()))
		w.move(path, FailedDir)

		return true
	}

	w.logger.Info("outbox file sent", slog.String("path", path), slog.String("transfer_id", id))
	w.move(path, SentDir)

	return true
}

func (w *Watcher) move(path, sub string) {
	dest, err := freeName(filepath.Join(w.dir, sub), filepath.Base(path))
	if err != nil {
		w.logger.Warn("finding outbox destination", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	if err := os.Rename(path, dest); err != nil {
		w.logger.Warn("moving outbox file", slog.String("path", path), slog.String("dest", dest), slog.String("error", err.Error()))
	}
}

// freeName returns dir/name, or dir/"stem (n).ext" when taken.
func freeName(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for i := range 1000 {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}

		p := filepath.Join(dir, candidate)
		if _, err := os.Lstat(p); os.IsNotExist(err) {
			return p, nil
		}
	}

	return "", fmt.Errorf("no free name for %s in %s", name, dir)
}

// shouldIgnore skips hidden files and editor temp files.
func (w *Watcher) shouldIgnore(name string) bool {
	if name == SentDir || name == FailedDir {
		return true
	}

	if strings.HasPrefix(name, ".") {
		return true
	}

	return strings.HasSuffix(name, "~") || strings.HasSuffix(name, ".swp") || strings.HasSuffix(name, ".part")
}
