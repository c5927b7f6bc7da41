package workspace

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/agentmgr/internal/bus"
	"github.com/nextlevelbuilder/agentmgr/internal/config"
	"github.com/nextlevelbuilder/agentmgr/pkg/protocol"
)

const jsonlDebounce = 5 * time.Second

// ChangeRecord is one observed file change, ring-bounded per monitor.
type ChangeRecord struct {
	File string    `json:"file"`
	Op   string    `json:"op"`
	At   time.Time `json:"at"`
}

// GitRecord is one observed git event, ring-bounded per monitor.
type GitRecord struct {
	Kind   string    `json:"kind"`
	Branch string    `json:"branch,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// MonitorStatus is the externally visible state of one monitor.
type MonitorStatus struct {
	Path          string         `json:"path"`
	StartedAt     time.Time      `json:"startedAt"`
	UptimeMs      int64          `json:"uptimeMs"`
	Watchers      int            `json:"watchers"`
	SessionDir    string         `json:"sessionDir,omitempty"`
	RecentChanges []ChangeRecord `json:"recentChanges,omitempty"`
	GitEvents     []GitRecord    `json:"gitEvents,omitempty"`
	Sessions      []SessionInfo  `json:"sessions,omitempty"`
}

// Monitor watches one workspace: its chat-session storage, its
// .vscode directory, and its git dir, plus the fetch and mining
// tickers.
type Monitor struct {
	path      string
	startedAt time.Time

	cfg config.WorkspaceConfig
	bus *bus.Bus
	git *gitCLI

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	watchers   []*dirWatcher
	sessionDir string
	gitDir     string

	mu            sync.Mutex
	recentChanges []ChangeRecord
	gitEvents     []GitRecord
	sessions      map[string]*SessionInfo
	minedSizes    map[string]int64
	debounces     map[string]*time.Timer
	lastBranch    string
}

func newMonitor(path string, cfg config.WorkspaceConfig, b *bus.Bus, git *gitCLI) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		path:       path,
		startedAt:  time.Now(),
		cfg:        cfg,
		bus:        b,
		git:        git,
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[string]*SessionInfo),
		minedSizes: make(map[string]int64),
		debounces:  make(map[string]*time.Timer),
	}
}

// start wires every watcher and ticker that applies to this
// workspace. Watchers for directories that do not exist are skipped,
// not errors; a workspace without a git dir is still monitorable.
func (m *Monitor) start() error {
	if dir, ok := m.discoverSessionDir(); ok {
		m.sessionDir = dir
		if err := m.watch(dir, true, m.onSessionEvent); err != nil {
			return err
		}
		m.wg.Add(1)
		go m.mineLoop()
	}

	if vscode := filepath.Join(m.path, ".vscode"); dirExists(vscode) {
		if err := m.watch(vscode, true, m.onVSCodeEvent); err != nil {
			return err
		}
	}

	if gitDir := filepath.Join(m.path, ".git"); dirExists(gitDir) {
		m.gitDir = gitDir
		m.lastBranch = currentBranch(gitDir)
		if err := m.watch(gitDir, false, m.onGitDirEvent); err != nil {
			return err
		}
		if heads := filepath.Join(gitDir, "refs", "heads"); dirExists(heads) {
			if err := m.watch(heads, true, m.onHeadsEvent); err != nil {
				return err
			}
		}
		m.wg.Add(1)
		go m.fetchLoop()
	}
	return nil
}

func (m *Monitor) watch(dir string, recursive bool, onEvent func(fsnotify.Event)) error {
	w, err := newDirWatcher(dir, recursive, onEvent)
	if err != nil {
		return err
	}
	m.watchers = append(m.watchers, w)
	return nil
}

// stop closes every watcher, cancels the tickers, and drains pending
// debounce timers.
func (m *Monitor) stop() {
	m.cancel()
	for _, w := range m.watchers {
		w.Close()
	}
	m.mu.Lock()
	for path, t := range m.debounces {
		t.Stop()
		delete(m.debounces, path)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) status() MonitorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := MonitorStatus{
		Path:          m.path,
		StartedAt:     m.startedAt,
		UptimeMs:      time.Since(m.startedAt).Milliseconds(),
		Watchers:      len(m.watchers),
		SessionDir:    m.sessionDir,
		RecentChanges: append([]ChangeRecord(nil), m.recentChanges...),
		GitEvents:     append([]GitRecord(nil), m.gitEvents...),
	}
	for _, s := range m.sessions {
		st.Sessions = append(st.Sessions, *s)
	}
	return st
}

// --- session storage ---

// discoverSessionDir locates the editor's per-workspace chat-session
// storage. An explicit config dir wins; otherwise workspaceStorage
// entries are scanned for a workspace.json pointing at this path.
func (m *Monitor) discoverSessionDir() (string, bool) {
	if m.cfg.SessionStorageDir != "" {
		dir := config.ExpandHome(m.cfg.SessionStorageDir)
		if dirExists(dir) {
			return dir, true
		}
		return "", false
	}

	root := defaultStorageRoot()
	if root == "" || !dirExists(root) {
		return "", false
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", false
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		wsFile := filepath.Join(root, entry.Name(), "workspace.json")
		data, err := os.ReadFile(wsFile)
		if err != nil {
			continue
		}
		var meta struct {
			Folder string `json:"folder"`
		}
		if json.Unmarshal(data, &meta) != nil {
			continue
		}
		if strings.TrimPrefix(meta.Folder, "file://") != m.path {
			continue
		}
		sessions := filepath.Join(root, entry.Name(), "chatSessions")
		if dirExists(sessions) {
			return sessions, true
		}
	}
	return "", false
}

func defaultStorageRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Code", "User", "workspaceStorage")
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "Code", "User", "workspaceStorage")
	default:
		return filepath.Join(home, ".config", "Code", "User", "workspaceStorage")
	}
}

// onSessionEvent classifies writes under the session storage dir.
// state.json writes publish session-updated; JSONL writes debounce a
// re-mine; everything is recorded as a file change.
func (m *Monitor) onSessionEvent(ev fsnotify.Event) {
	base := filepath.Base(ev.Name)
	switch {
	case base == "state.json":
		m.onStateWrite(ev.Name)
	case strings.HasSuffix(base, ".jsonl"):
		m.recordChange(ev)
		m.scheduleRemine(ev.Name)
	default:
		m.recordChange(ev)
	}
}

func (m *Monitor) onStateWrite(path string) {
	sessionID := filepath.Base(filepath.Dir(path))
	requests := 0
	if state, err := readState(path, m.cfg.StateFileMaxBytes); err == nil {
		requests = entryInt(state["requests"])
	} else {
		slog.Debug("workspace: state read rejected", "file", path, "error", err)
	}
	m.bus.Publish(protocol.WorkspaceSessionUpdated{
		Path:      m.path,
		SessionID: sessionID,
		Source:    "state",
		Requests:  requests,
	})
}

// scheduleRemine resets the per-file debounce; a quiet period of
// jsonlDebounce triggers the re-mine.
func (m *Monitor) scheduleRemine(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.debounces[path]; ok {
		t.Stop()
	}
	m.debounces[path] = time.AfterFunc(jsonlDebounce, func() {
		m.mu.Lock()
		delete(m.debounces, path)
		m.mu.Unlock()
		m.mineFile(path, true)
	})
}

func (m *Monitor) onVSCodeEvent(ev fsnotify.Event) {
	m.recordChange(ev)
}

// recordChange appends to the bounded ring and publishes.
func (m *Monitor) recordChange(ev fsnotify.Event) {
	rel, err := filepath.Rel(m.path, ev.Name)
	if err != nil {
		rel = ev.Name
	}
	rec := ChangeRecord{File: rel, Op: ev.Op.String(), At: time.Now()}

	m.mu.Lock()
	m.recentChanges = appendBounded(m.recentChanges, rec, m.cfg.MaxRecent)
	m.mu.Unlock()

	m.bus.Publish(protocol.WorkspaceFileChanged{Path: m.path, File: rel, Op: rec.Op})
}

// --- git events ---

// onGitDirEvent classifies writes to the top-level git dir files.
func (m *Monitor) onGitDirEvent(ev fsnotify.Event) {
	switch filepath.Base(ev.Name) {
	case "HEAD":
		branch := currentBranch(m.gitDir)
		m.mu.Lock()
		changed := branch != "" && branch != m.lastBranch
		if changed {
			m.lastBranch = branch
		}
		m.mu.Unlock()
		if changed {
			m.recordGitEvent(protocol.GitEventBranchSwitch, branch, "")
		}
	case "COMMIT_EDITMSG":
		m.recordGitEvent(protocol.GitEventCommitMessage, currentBranch(m.gitDir), commitSubject(m.gitDir))
	case "MERGE_HEAD":
		if ev.Op&fsnotify.Create != 0 {
			m.recordGitEvent(protocol.GitEventMerge, currentBranch(m.gitDir), "")
		}
	case "REBASE_HEAD":
		if ev.Op&fsnotify.Create != 0 {
			m.recordGitEvent(protocol.GitEventRebase, currentBranch(m.gitDir), "")
		}
	}
}

// onHeadsEvent reports branch tip movement as a commit event.
func (m *Monitor) onHeadsEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	heads := filepath.Join(m.gitDir, "refs", "heads")
	branch, err := filepath.Rel(heads, ev.Name)
	if err != nil {
		return
	}
	if fi, err := os.Stat(ev.Name); err != nil || fi.IsDir() {
		return
	}
	m.recordGitEvent(protocol.GitEventCommit, filepath.ToSlash(branch), refHash(ev.Name))
}

func (m *Monitor) recordGitEvent(kind, branch, detail string) {
	rec := GitRecord{Kind: kind, Branch: branch, Detail: detail, At: time.Now()}
	m.mu.Lock()
	m.gitEvents = appendBounded(m.gitEvents, rec, m.cfg.MaxRecent)
	m.mu.Unlock()

	m.bus.Publish(protocol.WorkspaceGitEvent{
		Path:   m.path,
		Kind:   kind,
		Branch: branch,
		Detail: detail,
	})
}

// --- tickers ---

func (m *Monitor) fetchLoop() {
	defer m.wg.Done()
	interval := time.Duration(m.cfg.GitFetchIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 300 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.fetchCycle()
		}
	}
}

// fetchCycle snapshots the remote refs, fetches, and emits one
// remote-update per ref that moved.
func (m *Monitor) fetchCycle() {
	ctx, cancel := context.WithTimeout(m.ctx, fetchTimeout)
	defer cancel()

	before, err := m.git.remoteRefs(ctx, m.path)
	if err != nil {
		m.fetchFailed(err)
		return
	}
	if err := m.git.fetchAll(ctx, m.path); err != nil {
		m.fetchFailed(err)
		return
	}
	after, err := m.git.remoteRefs(ctx, m.path)
	if err != nil {
		m.fetchFailed(err)
		return
	}

	for ref, newHash := range after {
		oldHash, existed := before[ref]
		switch {
		case !existed:
			m.publishRemoteUpdate(ref, "added", "", newHash)
		case oldHash != newHash:
			m.publishRemoteUpdate(ref, "updated", oldHash, newHash)
		}
	}
	for ref, oldHash := range before {
		if _, still := after[ref]; !still {
			m.publishRemoteUpdate(ref, "deleted", oldHash, "")
		}
	}
}

func (m *Monitor) fetchFailed(err error) {
	slog.Warn("workspace: remote fetch failed", "path", m.path, "error", err)
	m.recordGitEvent(protocol.GitEventFetchFailed, "", err.Error())
}

func (m *Monitor) publishRemoteUpdate(ref, change, oldHash, newHash string) {
	m.bus.Publish(protocol.WorkspaceRemoteUpdate{
		Path:    m.path,
		Ref:     ref,
		Change:  change,
		OldHash: oldHash,
		NewHash: newHash,
	})
}

func (m *Monitor) mineLoop() {
	defer m.wg.Done()
	interval := time.Duration(m.cfg.MineIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Minute
	}
	m.mineAll()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.mineAll()
		}
	}
}

// mineAll re-mines every JSONL whose size changed since the last pass.
func (m *Monitor) mineAll() {
	matches, err := filepath.Glob(filepath.Join(m.sessionDir, "*.jsonl"))
	if err != nil {
		return
	}
	for _, path := range matches {
		m.mineFile(path, false)
	}
}

// mineFile summarises one JSONL. force skips the size-unchanged check
// and is used by the debounced watcher path.
func (m *Monitor) mineFile(path string, force bool) {
	fi, err := os.Stat(path)
	if err != nil {
		return
	}
	m.mu.Lock()
	unchanged := !force && m.minedSizes[path] == fi.Size()
	m.mu.Unlock()
	if unchanged {
		return
	}

	info, err := mineSessionFile(path, m.cfg.MaxJSONLLines)
	if err != nil {
		slog.Warn("workspace: session mine failed", "file", path, "error", err)
		return
	}
	if err := enrichFromState(info, m.sessionDir, m.cfg.StateFileMaxBytes); err != nil && !os.IsNotExist(err) {
		slog.Debug("workspace: state enrichment skipped", "file", path, "error", err)
	}

	m.mu.Lock()
	m.minedSizes[path] = info.SizeBytes
	m.sessions[info.ID] = info
	m.mu.Unlock()

	m.bus.Publish(protocol.WorkspaceSessionUpdated{
		Path:      m.path,
		SessionID: info.ID,
		Source:    "mine",
		Requests:  info.Requests,
	})
}

// appendBounded keeps the newest limit entries.
func appendBounded[T any](list []T, item T, limit int) []T {
	list = append(list, item)
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
