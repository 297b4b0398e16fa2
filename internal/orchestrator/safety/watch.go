package safety

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/autopeer-io/robopeer/internal/pkg/metrics"
	"github.com/autopeer-io/robopeer/pkg/log"
)

// WatchRulesFile warns whenever the rules file at path changes on disk. The
// checker is never reloaded: rules are fixed for the lifetime of the process
// and an operator must restart to apply a change. Blocks until ctx is done.
func WatchRulesFile(ctx context.Context, path string, onChange func(fsnotify.Event)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file are still seen.
	dir, name := filepath.Split(filepath.Clean(path))
	if dir == "" {
		dir = "."
	}
	if err := watcher.Add(dir); err != nil {
		return err
	}

	logger := log.FromContext(ctx).WithValues("file", path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name || event.Op == fsnotify.Chmod {
				continue
			}
			metrics.RulesFileChangesTotal.Inc()
			logger.Warn("Safety rules file changed on disk, restart to apply", "op", event.Op.String())
			if onChange != nil {
				onChange(event)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error(err, "Rules file watcher error")
		}
	}
}
