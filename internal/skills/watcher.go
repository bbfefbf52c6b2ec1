package skills

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce coalesces bursts of filesystem events into one reload.
const debounce = 200 * time.Millisecond

// Watch hot-reloads the skill set whenever files under the skills
// directory change. It blocks until the context is cancelled. A missing
// directory is not an error; the watcher simply has nothing to do until
// the service is restarted with an existing one.
func (s *Service) Watch(ctx context.Context, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := os.Stat(s.dir); os.IsNotExist(err) {
		logger.Info("skills directory missing, watcher idle", "dir", s.dir)
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the whole tree; fsnotify does not recurse on its own.
	addTree := func(root string) {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if err := watcher.Add(path); err != nil {
					logger.Warn("watch skills subdirectory failed", "dir", path, "error", err)
				}
			}
			return nil
		})
	}
	addTree(s.dir)

	if err := s.Reload(); err != nil {
		logger.Warn("initial skills load failed", "error", err)
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)
	schedule := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			select {
			case reload <- struct{}{}:
			default:
			}
		})
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-reload:
			if err := s.Reload(); err != nil {
				logger.Warn("skills reload failed", "error", err)
				continue
			}
			logger.Info("skills reloaded", "count", len(s.List()))

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// New subdirectories need their own watch.
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					addTree(event.Name)
				}
			}
			schedule()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("skills watcher error", "error", err)
		}
	}
}
