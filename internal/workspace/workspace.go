// Package workspace watches developer checkouts: editor chat-session
// storage, .vscode settings, local git activity, and remote drift via
// a periodic fetch. Observations are ring-buffered per workspace and
// published on the event bus for automation rules to react to.
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentmgr/internal/bus"
	"github.com/nextlevelbuilder/agentmgr/internal/config"
	"github.com/nextlevelbuilder/agentmgr/internal/store"
	"github.com/nextlevelbuilder/agentmgr/pkg/protocol"
)

// Stop reasons recorded in the workspace history.
const (
	StopManual   = "manual"
	StopShutdown = "shutdown"
	StopError    = "error"
)

// monitorRecord is the persisted form of an active monitor.
type monitorRecord struct {
	Path      string    `json:"path"`
	StartedAt time.Time `json:"startedAt"`
}

// HistoryEntry is one completed monitoring span.
type HistoryEntry struct {
	Path       string    `json:"path"`
	StartedAt  time.Time `json:"startedAt"`
	StoppedAt  time.Time `json:"stoppedAt"`
	DurationMs int64     `json:"durationMs"`
	Reason     string    `json:"reason"`
}

// Manager owns the set of active workspace monitors. The set persists
// to monitors.json so monitoring resumes across restarts; completed
// spans append to workspace-history.json.
type Manager struct {
	mu       sync.Mutex
	monitors map[string]*Monitor

	col     *store.Collection
	history *store.Collection
	bus     *bus.Bus
	cfg     config.WorkspaceConfig
	git     *gitCLI
}

func NewManager(col, history *store.Collection, b *bus.Bus, cfg config.WorkspaceConfig) *Manager {
	return &Manager{
		monitors: make(map[string]*Monitor),
		col:      col,
		history:  history,
		bus:      b,
		cfg:      cfg,
		git:      newGitCLI(),
	}
}

// Start begins monitoring a workspace path and persists the monitor
// set.
func (mgr *Manager) Start(path string) (MonitorStatus, error) {
	abs, err := filepath.Abs(config.ExpandHome(path))
	if err != nil {
		return MonitorStatus{}, fmt.Errorf("workspace: resolve %s: %w", path, err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return MonitorStatus{}, fmt.Errorf("workspace: stat %s: %w", abs, err)
	}
	if !fi.IsDir() {
		return MonitorStatus{}, fmt.Errorf("workspace: %s is not a directory", abs)
	}

	mgr.mu.Lock()
	if _, exists := mgr.monitors[abs]; exists {
		mgr.mu.Unlock()
		return MonitorStatus{}, fmt.Errorf("workspace: %s is already monitored", abs)
	}

	m := newMonitor(abs, mgr.cfg, mgr.bus, mgr.git)
	if err := m.start(); err != nil {
		m.stop()
		mgr.mu.Unlock()
		return MonitorStatus{}, err
	}
	mgr.monitors[abs] = m
	mgr.persistLocked()
	mgr.mu.Unlock()

	slog.Info("workspace: monitoring", "path", abs, "watchers", len(m.watchers))
	mgr.bus.Publish(protocol.WorkspaceMonitoring{Path: abs})
	return m.status(), nil
}

// Stop ends one monitor, appends the history entry, and publishes the
// stop event. skipPersist leaves monitors.json untouched so the
// monitor set survives a process restart.
func (mgr *Manager) Stop(path, reason string, skipPersist bool) error {
	abs, err := filepath.Abs(config.ExpandHome(path))
	if err != nil {
		return fmt.Errorf("workspace: resolve %s: %w", path, err)
	}

	mgr.mu.Lock()
	m, ok := mgr.monitors[abs]
	if !ok {
		mgr.mu.Unlock()
		return fmt.Errorf("workspace: %s is not monitored", abs)
	}
	delete(mgr.monitors, abs)
	if !skipPersist {
		mgr.persistLocked()
	}
	mgr.mu.Unlock()

	m.stop()

	entry := HistoryEntry{
		Path:       abs,
		StartedAt:  m.startedAt,
		StoppedAt:  time.Now(),
		Reason:     reason,
		DurationMs: time.Since(m.startedAt).Milliseconds(),
	}
	mgr.appendHistory(entry)

	slog.Info("workspace: stopped", "path", abs, "reason", reason, "durationMs", entry.DurationMs)
	mgr.bus.Publish(protocol.WorkspaceStopped{Path: abs, Reason: reason, DurationMs: entry.DurationMs})
	return nil
}

// StopAll stops every monitor with the given reason; monitors.json is
// kept when the reason is shutdown so they restore on the next boot.
func (mgr *Manager) StopAll(reason string) {
	mgr.mu.Lock()
	paths := make([]string, 0, len(mgr.monitors))
	for p := range mgr.monitors {
		paths = append(paths, p)
	}
	mgr.mu.Unlock()

	skipPersist := reason == StopShutdown
	for _, p := range paths {
		if err := mgr.Stop(p, reason, skipPersist); err != nil {
			slog.Warn("workspace: stop failed", "path", p, "error", err)
		}
	}
}

// RestorePersisted starts every monitor listed in monitors.json.
// Paths that no longer exist are dropped from the persisted set.
func (mgr *Manager) RestorePersisted() error {
	var records []monitorRecord
	if err := mgr.col.Load(&records); err != nil {
		return fmt.Errorf("workspace: load monitors: %w", err)
	}
	for _, rec := range records {
		if _, err := mgr.Start(rec.Path); err != nil {
			slog.Warn("workspace: restore failed", "path", rec.Path, "error", err)
		}
	}
	return nil
}

// Status reports every active monitor sorted by path.
func (mgr *Manager) Status() []MonitorStatus {
	mgr.mu.Lock()
	monitors := make([]*Monitor, 0, len(mgr.monitors))
	for _, m := range mgr.monitors {
		monitors = append(monitors, m)
	}
	mgr.mu.Unlock()

	out := make([]MonitorStatus, 0, len(monitors))
	for _, m := range monitors {
		out = append(out, m.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Count reports the number of active monitors.
func (mgr *Manager) Count() int {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return len(mgr.monitors)
}

// History returns completed monitoring spans, newest first.
func (mgr *Manager) History(limit int) []HistoryEntry {
	var entries []HistoryEntry
	if err := mgr.history.Load(&entries); err != nil {
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].StoppedAt.After(entries[j].StoppedAt) })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// Close stops all monitors for shutdown and releases the collections.
func (mgr *Manager) Close() error {
	mgr.StopAll(StopShutdown)
	mgr.history.Close()
	return mgr.col.Close()
}

func (mgr *Manager) persistLocked() {
	records := make([]monitorRecord, 0, len(mgr.monitors))
	for _, m := range mgr.monitors {
		records = append(records, monitorRecord{Path: m.path, StartedAt: m.startedAt})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Path < records[j].Path })
	if err := mgr.col.Save(records); err != nil {
		slog.Warn("workspace: persist monitors failed", "error", err)
	}
}

func (mgr *Manager) appendHistory(entry HistoryEntry) {
	var entries []HistoryEntry
	if err := mgr.history.Load(&entries); err != nil {
		slog.Warn("workspace: load history failed", "error", err)
	}
	entries = append(entries, entry)
	if err := mgr.history.Save(entries); err != nil {
		slog.Warn("workspace: append history failed", "error", err)
	}
}
