package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const watchDebounce = 250 * time.Millisecond

// watchEpic re-renders the epic's reconstructed state whenever its artifacts
// or the repository's git directory change, until ctx is done.
func watchEpic(ctx context.Context, w io.Writer, a *app, epicID string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	for _, dir := range watchDirs(a, epicID) {
		if err := watcher.Add(dir); err != nil {
			a.logger.Warn(ctx, "cannot watch directory", zap.String("dir", dir), zap.Error(err))
		}
	}
	if len(watcher.WatchList()) == 0 {
		return fmt.Errorf("nothing to watch for epic %s", epicID)
	}

	render := func() error {
		res, err := a.engine.Reconstruct(ctx, epicID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "\n[%s]\n", time.Now().Format(time.TimeOnly))
		return printResume(w, res)
	}
	if err := render(); err != nil {
		return err
	}

	timer := time.NewTimer(watchDebounce)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			timer.Reset(watchDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logger.Warn(ctx, "watch error", zap.Error(err))
		case <-timer.C:
			if err := render(); err != nil {
				return err
			}
		}
	}
}

// watchDirs returns the epic's artifact directory, or the artifacts root
// while the epic has none yet, and the git directory.
func watchDirs(a *app, epicID string) []string {
	var dirs []string
	if dir, err := a.store.EpicDir(epicID); err == nil {
		if isDir(dir) {
			dirs = append(dirs, dir)
		} else if parent := filepath.Dir(dir); isDir(parent) {
			dirs = append(dirs, parent)
		}
	}
	if gitDir := filepath.Join(a.committer.Root(), ".git"); isDir(gitDir) {
		dirs = append(dirs, gitDir)
	}
	return dirs
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
