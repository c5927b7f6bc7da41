// Package store persists each configuration collection as a single
// JSON document that is rewritten in full on every mutation. Reads
// tolerate missing and corrupt files, writes go through a temp file
// and rename, and a directory watcher reports external edits while
// suppressing the process's own writes.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// SelfWriteWindow is how long after MarkSelfWrite watcher events
	// for the file are treated as our own write.
	SelfWriteWindow = time.Second

	// DebounceDelay coalesces bursts of external watcher events
	// before the reload callback fires.
	DebounceDelay = 300 * time.Millisecond
)

// Collection manages one JSON document on disk.
type Collection struct {
	path           string
	backupFallback bool

	mu        sync.Mutex
	selfWrite atomic.Int64

	watcher    *fsnotify.Watcher
	debounceMu sync.Mutex
	debounce   *time.Timer
	done       chan struct{}
}

// Option configures a Collection.
type Option func(*Collection)

// WithBackupFallback makes Load consult <path>.bak when the primary
// file is missing or empty. Used for the agents collection.
func WithBackupFallback() Option {
	return func(c *Collection) { c.backupFallback = true }
}

// NewCollection returns a collection for the given file path.
func NewCollection(path string, opts ...Option) *Collection {
	c := &Collection{path: path, done: make(chan struct{})}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Path returns the primary file path.
func (c *Collection) Path() string { return c.path }

// Load decodes the document into v. Missing, empty, or corrupt
// content leaves v untouched (the caller's zero value is the empty
// state) and is never an error; corruption is logged at warning.
func (c *Collection) Load(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, ok := c.readUsable(c.path)
	if !ok && c.backupFallback {
		data, ok = c.readUsable(c.path + ".bak")
		if ok {
			slog.Warn("primary file unusable, loaded backup", "file", c.path)
		}
	}
	if !ok {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		slog.Warn("corrupt document, treating as empty", "file", c.path, "error", err)
	}
	return nil
}

// readUsable returns file content when it exists, is readable, and is
// not blank.
func (c *Collection) readUsable(path string) ([]byte, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("unreadable document, treating as empty", "file", path, "error", err)
		}
		return nil, false
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, false
	}
	return data, true
}

// Save rewrites the document in full. When an empty collection would
// overwrite a non-empty file, the current content is copied to
// <path>.bak first. The write is marked as a self-write so the
// watcher does not reload it.
func (c *Collection) Save(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(c.path), err)
	}

	if isEmptyDocument(data) {
		if current, ok := c.readUsable(c.path); ok && !isEmptyDocument(current) {
			if err := os.WriteFile(c.path+".bak", current, 0644); err != nil {
				slog.Warn("backup before empty overwrite failed", "file", c.path, "error", err)
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	c.MarkSelfWrite()
	tmp, err := os.CreateTemp(filepath.Dir(c.path), filepath.Base(c.path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	cleanup = false
	return nil
}

// MarkSelfWrite opens the suppression window. Save calls this itself;
// callers that write the file through other means call it just before.
func (c *Collection) MarkSelfWrite() {
	c.selfWrite.Store(time.Now().UnixNano())
}

func (c *Collection) inSelfWriteWindow() bool {
	mark := c.selfWrite.Load()
	return mark != 0 && time.Since(time.Unix(0, mark)) <= SelfWriteWindow
}

// Watch reports external edits of the document. The parent directory
// is watched so atomic replace (temp + rename) is caught; self-writes
// are suppressed and bursts are debounced before onChange runs.
func (c *Collection) Watch(onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		w.Close()
		return fmt.Errorf("create dir: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	c.watcher = w

	base := filepath.Base(c.path)
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base || ev.Op == fsnotify.Chmod {
					continue
				}
				if c.inSelfWriteWindow() {
					continue
				}
				c.scheduleReload(onChange)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("collection watcher error", "file", c.path, "error", err)
			case <-c.done:
				return
			}
		}
	}()
	return nil
}

func (c *Collection) scheduleReload(onChange func()) {
	c.debounceMu.Lock()
	defer c.debounceMu.Unlock()
	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.debounce = time.AfterFunc(DebounceDelay, onChange)
}

// Close stops the watcher and any pending debounce.
func (c *Collection) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	close(c.done)
	c.debounceMu.Lock()
	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.debounceMu.Unlock()
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

// isEmptyDocument reports whether data is an empty JSON collection.
func isEmptyDocument(data []byte) bool {
	s := string(bytes.TrimSpace(data))
	return s == "" || s == "[]" || s == "{}" || s == "null"
}
