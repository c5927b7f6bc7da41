package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/agentmgr/internal/bus"
	"github.com/nextlevelbuilder/agentmgr/internal/store"
	"github.com/nextlevelbuilder/agentmgr/pkg/protocol"
)

func writeAgentsFile(t *testing.T, path string, configs []Config) {
	t.Helper()
	data, err := json.MarshalIndent(configs, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestReloadMergesExternalEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.json")
	b := bus.New()
	r := New(store.NewCollection(path), b)

	_, err := r.Register(testConfig("x"))
	require.NoError(t, err)
	yCfg := testConfig("y")
	yCfg.Name = "old-name"
	_, err = r.Register(yCfg)
	require.NoError(t, err)

	// y is mid-task; its runtime state must survive the reload
	require.NoError(t, r.RecordTaskStart("y"))
	require.NoError(t, r.RecordTaskComplete("y", Usage{Tokens: 42, Success: true}))
	require.NoError(t, r.RecordTaskStart("y"))

	events := 0
	b.SubscribeAll(func(protocol.Payload) { events++ })

	// external edit drops x, renames y, adds z
	yNew := testConfig("y")
	yNew.Name = "new-name"
	writeAgentsFile(t, path, []Config{yNew, testConfig("z")})
	r.ReloadFromDisk()

	_, ok := r.Get("x")
	assert.False(t, ok, "x had no active tasks and was absent from disk")

	y, ok := r.Get("y")
	require.True(t, ok)
	assert.Equal(t, "new-name", y.Name)
	assert.Equal(t, 1, y.ActiveTasks, "runtime counters survive a config reload")
	assert.Equal(t, int64(42), y.TotalTokens)
	assert.Equal(t, 1, y.TasksCompleted)

	z, ok := r.Get("z")
	require.True(t, ok)
	assert.Equal(t, StateIdle, z.State)
	assert.Equal(t, 0, z.ActiveTasks)

	assert.Equal(t, 0, events, "reconciliation must not publish lifecycle events")
}

func TestReloadKeepsAbsentAgentWithActiveTasks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.json")
	r := New(store.NewCollection(path), bus.New())

	_, err := r.Register(testConfig("busy"))
	require.NoError(t, err)
	require.NoError(t, r.RecordTaskStart("busy"))

	writeAgentsFile(t, path, []Config{testConfig("other")})
	r.ReloadFromDisk()

	_, ok := r.Get("busy")
	assert.True(t, ok, "an agent with in-flight tasks is never dropped")
	_, ok = r.Get("other")
	assert.True(t, ok)
}

func TestReloadRejectsWipeToEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.json")
	r := New(store.NewCollection(path), bus.New())

	_, err := r.Register(testConfig("a1"))
	require.NoError(t, err)

	writeAgentsFile(t, path, []Config{})
	r.ReloadFromDisk()

	assert.Equal(t, 1, r.Count(), "an empty file does not wipe a populated registry")
}

func TestReloadSkipsInvalidEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.json")
	r := New(store.NewCollection(path), bus.New())

	_, err := r.Register(testConfig("a1"))
	require.NoError(t, err)

	// one valid entry, one without a provider
	require.NoError(t, os.WriteFile(path, []byte(`[
  {"id": "a1", "provider": "openai", "model": "gpt-4o-mini"},
  {"id": "broken"}
]`), 0o644))
	r.ReloadFromDisk()

	assert.Equal(t, 1, r.Count())
	_, ok := r.Get("broken")
	assert.False(t, ok)
}

func TestWatchExternalTriggersReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.json")
	col := store.NewCollection(path)
	r := New(col, bus.New())
	t.Cleanup(func() { r.Close() })

	_, err := r.Register(testConfig("a1"))
	require.NoError(t, err)
	require.NoError(t, r.WatchExternal())

	// let the self-write suppression window for the Register persist expire
	time.Sleep(store.SelfWriteWindow + 50*time.Millisecond)

	writeAgentsFile(t, path, []Config{testConfig("a1"), testConfig("a2")})

	assert.Eventually(t, func() bool {
		_, ok := r.Get("a2")
		return ok
	}, 3*time.Second, 25*time.Millisecond)
}
