package fleet

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	sglog "github.com/sourcegraph/log"
)

// Watch reloads the inventory at path into s whenever the file changes,
// until ctx is done. A file that fails to parse is logged and the previous
// inventory is kept.
func Watch(ctx context.Context, logger sglog.Logger, path string, s *Static) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory so editors and config maps that replace the file
	// are noticed.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	var last time.Time
	if fi, err := os.Stat(path); err == nil {
		last = fi.ModTime()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-watcher.Events:
			fi, err := os.Stat(path)
			if err != nil || fi.ModTime() == last {
				continue
			}
			last = fi.ModTime()

			inv, err := ReadInventory(path)
			if err != nil {
				logger.Warn("failed to reload inventory", sglog.String("path", path), sglog.Error(err))
				continue
			}
			s.Store(inv)
			logger.Info("reloaded inventory",
				sglog.String("path", path),
				sglog.Int("nodes", len(inv.Nodes)),
				sglog.Int("replicas", len(inv.Replicas)))
		case err := <-watcher.Errors:
			if err != nil {
				logger.Warn("watcher error", sglog.Error(err))
			}
		}
	}
}
