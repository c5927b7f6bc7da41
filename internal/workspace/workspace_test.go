package workspace

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/agentmgr/internal/bus"
	"github.com/nextlevelbuilder/agentmgr/internal/config"
	"github.com/nextlevelbuilder/agentmgr/internal/store"
	"github.com/nextlevelbuilder/agentmgr/pkg/protocol"
)

// eventTrap collects published payloads for later inspection.
type eventTrap struct {
	mu     sync.Mutex
	events []protocol.Payload
}

func (tr *eventTrap) handle(p protocol.Payload) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.events = append(tr.events, p)
}

func (tr *eventTrap) named(event string) []protocol.Payload {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var out []protocol.Payload
	for _, p := range tr.events {
		if p.Event() == event {
			out = append(out, p)
		}
	}
	return out
}

type managerFixture struct {
	mgr  *Manager
	bus  *bus.Bus
	trap *eventTrap
	dir  string
}

func newManagerFixture(t *testing.T, cfg config.WorkspaceConfig) *managerFixture {
	t.Helper()
	dir := t.TempDir()
	if cfg.MaxRecent == 0 {
		cfg.MaxRecent = 50
	}
	// keep the tickers out of the test window
	if cfg.GitFetchIntervalMs == 0 {
		cfg.GitFetchIntervalMs = int(time.Hour / time.Millisecond)
	}
	if cfg.MineIntervalMs == 0 {
		cfg.MineIntervalMs = int(time.Hour / time.Millisecond)
	}
	if cfg.MaxJSONLLines == 0 {
		cfg.MaxJSONLLines = 5000
	}
	if cfg.StateFileMaxBytes == 0 {
		cfg.StateFileMaxBytes = 10 << 20
	}

	b := bus.New()
	trap := &eventTrap{}
	b.SubscribeAll(trap.handle)

	mgr := NewManager(
		store.NewCollection(filepath.Join(dir, "config", "monitors.json")),
		store.NewCollection(filepath.Join(dir, "config", "workspace-history.json")),
		b, cfg,
	)
	t.Cleanup(func() { mgr.Close() })
	return &managerFixture{mgr: mgr, bus: b, trap: trap, dir: dir}
}

func (f *managerFixture) newWorkspace(t *testing.T) string {
	t.Helper()
	ws := filepath.Join(f.dir, "ws-"+uuid.NewString()[:8])
	require.NoError(t, os.MkdirAll(ws, 0755))
	return ws
}

func TestStartStopLifecycle(t *testing.T) {
	f := newManagerFixture(t, config.WorkspaceConfig{})
	ws := f.newWorkspace(t)

	st, err := f.mgr.Start(ws)
	require.NoError(t, err)
	assert.Equal(t, ws, st.Path)
	require.Len(t, f.trap.named(protocol.EventWorkspaceMonitoring), 1)

	_, err = f.mgr.Start(ws)
	assert.ErrorContains(t, err, "already monitored")

	var records []monitorRecord
	require.NoError(t, store.NewCollection(filepath.Join(f.dir, "config", "monitors.json")).Load(&records))
	require.Len(t, records, 1)
	assert.Equal(t, ws, records[0].Path)

	require.NoError(t, f.mgr.Stop(ws, StopManual, false))
	assert.Equal(t, 0, f.mgr.Count())

	stopped := f.trap.named(protocol.EventWorkspaceStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, StopManual, stopped[0].(protocol.WorkspaceStopped).Reason)

	history := f.mgr.History(0)
	require.Len(t, history, 1)
	assert.Equal(t, ws, history[0].Path)
	assert.Equal(t, StopManual, history[0].Reason)

	assert.ErrorContains(t, f.mgr.Stop(ws, StopManual, false), "not monitored")
}

func TestStartRejectsMissingAndNonDirPaths(t *testing.T) {
	f := newManagerFixture(t, config.WorkspaceConfig{})

	_, err := f.mgr.Start(filepath.Join(f.dir, "missing"))
	assert.Error(t, err)

	file := filepath.Join(f.dir, "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	_, err = f.mgr.Start(file)
	assert.ErrorContains(t, err, "not a directory")
}

func TestShutdownKeepsMonitorSetForRestore(t *testing.T) {
	f := newManagerFixture(t, config.WorkspaceConfig{})
	ws := f.newWorkspace(t)

	_, err := f.mgr.Start(ws)
	require.NoError(t, err)

	f.mgr.StopAll(StopShutdown)
	assert.Equal(t, 0, f.mgr.Count())

	var records []monitorRecord
	require.NoError(t, store.NewCollection(filepath.Join(f.dir, "config", "monitors.json")).Load(&records))
	require.Len(t, records, 1, "shutdown keeps monitors.json for the next boot")

	require.NoError(t, f.mgr.RestorePersisted())
	assert.Equal(t, 1, f.mgr.Count())

	history := f.mgr.History(0)
	require.Len(t, history, 1)
	assert.Equal(t, StopShutdown, history[0].Reason)
}

func TestGitWatcherClassifiesEvents(t *testing.T) {
	f := newManagerFixture(t, config.WorkspaceConfig{})
	ws := f.newWorkspace(t)

	gitDir := filepath.Join(ws, ".git")
	heads := filepath.Join(gitDir, "refs", "heads")
	require.NoError(t, os.MkdirAll(heads, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(gitDir, "HEAD"), []byte("ref: refs/heads/main\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(heads, "main"), []byte("0123456789abcdef0123\n"), 0644))

	_, err := f.mgr.Start(ws)
	require.NoError(t, err)

	gitEvents := func(kind string) []protocol.WorkspaceGitEvent {
		var out []protocol.WorkspaceGitEvent
		for _, p := range f.trap.named(protocol.EventWorkspaceGitEvent) {
			ev := p.(protocol.WorkspaceGitEvent)
			if ev.Kind == kind {
				out = append(out, ev)
			}
		}
		return out
	}

	require.NoError(t, os.WriteFile(filepath.Join(gitDir, "HEAD"), []byte("ref: refs/heads/feature\n"), 0644))
	assert.Eventually(t, func() bool {
		evs := gitEvents(protocol.GitEventBranchSwitch)
		return len(evs) == 1 && evs[0].Branch == "feature"
	}, 3*time.Second, 20*time.Millisecond, "HEAD rewrite is a branch switch")

	require.NoError(t, os.WriteFile(filepath.Join(gitDir, "COMMIT_EDITMSG"), []byte("fix: flaky retry\n\nbody\n"), 0644))
	assert.Eventually(t, func() bool {
		evs := gitEvents(protocol.GitEventCommitMessage)
		return len(evs) >= 1 && evs[len(evs)-1].Detail == "fix: flaky retry"
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(heads, "feature"), []byte("fedcba9876543210fedc\n"), 0644))
	assert.Eventually(t, func() bool {
		for _, ev := range gitEvents(protocol.GitEventCommit) {
			if ev.Branch == "feature" && ev.Detail == "fedcba987654" {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond, "branch tip movement is a commit")

	require.NoError(t, os.WriteFile(filepath.Join(gitDir, "MERGE_HEAD"), []byte("0123\n"), 0644))
	assert.Eventually(t, func() bool {
		return len(gitEvents(protocol.GitEventMerge)) == 1
	}, 3*time.Second, 20*time.Millisecond)

	st := f.mgr.Status()
	require.Len(t, st, 1)
	assert.NotEmpty(t, st[0].GitEvents)
	assert.GreaterOrEqual(t, st[0].Watchers, 2)
}

func TestSessionStorageMonitoring(t *testing.T) {
	dir := t.TempDir()
	sessions := filepath.Join(dir, "chatSessions")
	require.NoError(t, os.MkdirAll(sessions, 0755))

	id := uuid.NewString()
	writeLines(t, filepath.Join(sessions, id+".jsonl"),
		`{"type":"title","title":"wire the cache"}`,
		`{"type":"request","requestId":"r1","model":"gpt-4o","promptTokens":10,"outputTokens":20}`,
	)

	f := newManagerFixture(t, config.WorkspaceConfig{SessionStorageDir: sessions})
	ws := f.newWorkspace(t)

	_, err := f.mgr.Start(ws)
	require.NoError(t, err)

	// the mining pass at startup picks the file up
	assert.Eventually(t, func() bool {
		for _, p := range f.trap.named(protocol.EventWorkspaceSessionUpdated) {
			ev := p.(protocol.WorkspaceSessionUpdated)
			if ev.SessionID == id && ev.Source == "mine" && ev.Requests == 1 {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	st := f.mgr.Status()
	require.Len(t, st, 1)
	require.Len(t, st[0].Sessions, 1)
	assert.Equal(t, "wire the cache", st[0].Sessions[0].Title)

	// a state.json write under the storage dir publishes source=state
	require.NoError(t, os.MkdirAll(filepath.Join(sessions, id), 0755))
	time.Sleep(50 * time.Millisecond) // let the watcher pick up the new dir
	writeLines(t, filepath.Join(sessions, id, "state.json"), `{"requests": 5}`)

	assert.Eventually(t, func() bool {
		for _, p := range f.trap.named(protocol.EventWorkspaceSessionUpdated) {
			ev := p.(protocol.WorkspaceSessionUpdated)
			if ev.SessionID == id && ev.Source == "state" && ev.Requests == 5 {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestVSCodeWatcherPublishesFileChanges(t *testing.T) {
	f := newManagerFixture(t, config.WorkspaceConfig{})
	ws := f.newWorkspace(t)
	vscode := filepath.Join(ws, ".vscode")
	require.NoError(t, os.MkdirAll(vscode, 0755))

	_, err := f.mgr.Start(ws)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(vscode, "settings.json"), []byte(`{}`), 0644))

	assert.Eventually(t, func() bool {
		for _, p := range f.trap.named(protocol.EventWorkspaceFileChanged) {
			ev := p.(protocol.WorkspaceFileChanged)
			if ev.File == filepath.Join(".vscode", "settings.json") {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	st := f.mgr.Status()
	require.Len(t, st, 1)
	assert.NotEmpty(t, st[0].RecentChanges)
}
