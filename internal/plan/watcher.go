package plan

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/foremanlabs/foreman/internal/logging"
)

// Loader reads a plan from disk. The watcher reloads through it so storage
// format stays out of this package.
type Loader interface {
	LoadPlan(path string) (*Plan, error)
}

// Watcher monitors a plan file for external edits and republishes the last
// valid version. Invalid edits are logged and ignored; the previously loaded
// plan stays authoritative until the file parses and validates again.
type Watcher struct {
	path     string
	loader   Loader
	logger   *logging.Logger
	debounce time.Duration

	// Updates receives the latest valid plan after each accepted edit.
	Updates chan *Plan

	// Rejected receives the reason each unreadable or invalid edit was
	// ignored, so a consumer can tell the operator their edit did not take.
	Rejected chan error
}

// NewWatcher creates a watcher for the plan file at path.
func NewWatcher(path string, loader Loader, logger *logging.Logger) *Watcher {
	return &Watcher{
		path:     path,
		loader:   loader,
		logger:   logger,
		debounce: 250 * time.Millisecond,
		Updates:  make(chan *Plan, 1),
		Rejected: make(chan error, 1),
	}
}

// Watch blocks until ctx is canceled, publishing valid reloads on Updates.
// Editors replace files via rename, so the parent directory is watched and
// events are filtered to the plan path.
func (w *Watcher) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Coalesce bursts from editors that write in chunks.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("plan watcher error", "error", err)

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	p, err := w.loader.LoadPlan(w.path)
	if err != nil {
		w.logger.Warn("ignoring unreadable plan edit", "path", w.path, "error", err)
		w.reject(err)
		return
	}
	if result := Validate(p); !result.Valid {
		err := result.FirstError()
		w.logger.Warn("ignoring invalid plan edit", "path", w.path, "error", err)
		w.reject(err)
		return
	}

	// Keep only the newest plan if the consumer is slow.
	select {
	case <-w.Updates:
	default:
	}
	w.Updates <- p
	w.logger.Info("plan reloaded", "path", w.path, "sections", p.SectionCount())
}

// reject reports an ignored edit, keeping only the newest reason.
func (w *Watcher) reject(err error) {
	select {
	case <-w.Rejected:
	default:
	}
	w.Rejected <- err
}
