package workspace

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// dirWatcher wraps one fsnotify watcher and the goroutine that drains
// it. In recursive mode, directories created under the root are added
// to the watch on the fly.
type dirWatcher struct {
	w         *fsnotify.Watcher
	recursive bool
}

// newDirWatcher watches root and calls onEvent for every non-Chmod
// event. The goroutine exits when the watcher is closed.
func newDirWatcher(root string, recursive bool, onEvent func(fsnotify.Event)) (*dirWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("workspace: create watcher: %w", err)
	}
	d := &dirWatcher{w: w, recursive: recursive}

	if err := d.add(root); err != nil {
		w.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op == fsnotify.Chmod {
					continue
				}
				if recursive && ev.Op&fsnotify.Create != 0 {
					if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
						if err := w.Add(ev.Name); err != nil {
							slog.Warn("workspace: watch new dir failed", "dir", ev.Name, "error", err)
						}
					}
				}
				onEvent(ev)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("workspace: watcher error", "root", root, "error", err)
			}
		}
	}()
	return d, nil
}

// add registers root, and in recursive mode every directory below it.
func (d *dirWatcher) add(root string) error {
	if err := d.w.Add(root); err != nil {
		return fmt.Errorf("workspace: watch %s: %w", root, err)
	}
	if !d.recursive {
		return nil
	}
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || !entry.IsDir() || path == root {
			return nil
		}
		if err := d.w.Add(path); err != nil {
			slog.Warn("workspace: watch subdir failed", "dir", path, "error", err)
		}
		return nil
	})
}

func (d *dirWatcher) Close() error {
	return d.w.Close()
}
