package registry

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/agentmgr/internal/bus"
	"github.com/nextlevelbuilder/agentmgr/internal/store"
	"github.com/nextlevelbuilder/agentmgr/pkg/protocol"
)

func newTestRegistry(t *testing.T) (*Registry, *bus.Bus) {
	t.Helper()
	col := store.NewCollection(filepath.Join(t.TempDir(), "agents.json"), store.WithBackupFallback())
	b := bus.New()
	return New(col, b), b
}

func testConfig(id string) Config {
	return Config{ID: id, Provider: "openai", Model: "gpt-4o-mini", MaxConcurrency: 2}
}

func TestRegisterAndGet(t *testing.T) {
	r, b := newTestRegistry(t)
	var events []protocol.Payload
	b.Subscribe(protocol.EventAgentRegistered, func(p protocol.Payload) { events = append(events, p) })

	a, err := r.Register(testConfig("a1"))
	require.NoError(t, err)
	assert.Equal(t, StateIdle, a.State)
	assert.Equal(t, 0, a.ActiveTasks)

	got, ok := r.Get("a1")
	require.True(t, ok)
	assert.Equal(t, "openai", got.Provider)
	require.Len(t, events, 1)
	assert.Equal(t, "a1", events[0].(protocol.AgentRegistered).AgentID)
}

func TestRegisterValidation(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Register(Config{Provider: "openai"})
	assert.ErrorContains(t, err, "id is required")

	_, err = r.Register(Config{ID: "a1"})
	assert.ErrorContains(t, err, "provider is required")

	_, err = r.Register(Config{ID: "a1", Provider: "openai", CostMultiplier: -1})
	assert.ErrorContains(t, err, "non-negative")
}

func TestRegisterDuplicateHasNoSideEffects(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Register(testConfig("a1"))
	require.NoError(t, err)

	_, err = r.Register(testConfig("a1"))
	assert.ErrorContains(t, err, "already registered")
	assert.Equal(t, 1, r.Count())
}

func TestMaxConcurrencyDefaultsToOne(t *testing.T) {
	r, _ := newTestRegistry(t)
	a, err := r.Register(Config{ID: "a1", Provider: "openai"})
	require.NoError(t, err)
	assert.Equal(t, 1, a.MaxConcurrency)
}

func TestUpdateKeepsIDImmutable(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Register(testConfig("a1"))
	require.NoError(t, err)

	a, err := r.Update("a1", func(c *Config) {
		c.ID = "hijacked"
		c.Name = "renamed"
	})
	require.NoError(t, err)
	assert.Equal(t, "a1", a.ID)
	assert.Equal(t, "renamed", a.Name)

	_, ok := r.Get("hijacked")
	assert.False(t, ok)
}

func TestStateMachineThroughTaskLifecycle(t *testing.T) {
	r, b := newTestRegistry(t)
	var transitions []string
	b.Subscribe(protocol.EventAgentStateChanged, func(p protocol.Payload) {
		sc := p.(protocol.AgentStateChanged)
		transitions = append(transitions, sc.From+">"+sc.To)
	})

	_, err := r.Register(testConfig("a1")) // maxConcurrency 2
	require.NoError(t, err)

	require.NoError(t, r.RecordTaskStart("a1")) // idle -> running
	require.NoError(t, r.RecordTaskStart("a1")) // running -> busy

	a, _ := r.Get("a1")
	assert.Equal(t, StateBusy, a.State)
	assert.Equal(t, 2, a.ActiveTasks)

	// at capacity: acquisition fails
	assert.ErrorContains(t, r.RecordTaskStart("a1"), "at capacity")

	require.NoError(t, r.RecordTaskComplete("a1", Usage{Tokens: 10, Success: true})) // busy -> running
	require.NoError(t, r.RecordTaskComplete("a1", Usage{Tokens: 5, Success: false})) // running -> idle

	a, _ = r.Get("a1")
	assert.Equal(t, StateIdle, a.State)
	assert.Equal(t, 0, a.ActiveTasks)
	assert.Equal(t, 1, a.TasksCompleted)
	assert.Equal(t, 1, a.TasksFailed)
	assert.Equal(t, int64(15), a.TotalTokens)

	assert.Equal(t, []string{"idle>running", "running>busy", "busy>running", "running>idle"}, transitions)
}

func TestActiveTasksNeverGoesNegative(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Register(testConfig("a1"))
	require.NoError(t, err)

	require.NoError(t, r.RecordTaskComplete("a1", Usage{Success: true}))
	a, _ := r.Get("a1")
	assert.Equal(t, 0, a.ActiveTasks)
}

func TestConcurrencyInvariantUnderLoad(t *testing.T) {
	r, _ := newTestRegistry(t)
	cfg := testConfig("a1")
	cfg.MaxConcurrency = 4
	_, err := r.Register(cfg)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.RecordTaskStart("a1") == nil {
				a, _ := r.Get("a1")
				assert.LessOrEqual(t, a.ActiveTasks, a.MaxConcurrency)
				assert.GreaterOrEqual(t, a.ActiveTasks, 0)
				r.RecordTaskComplete("a1", Usage{Tokens: 1, Success: true})
			}
		}()
	}
	wg.Wait()

	a, _ := r.Get("a1")
	assert.Equal(t, 0, a.ActiveTasks)
	assert.GreaterOrEqual(t, a.TasksCompleted, 1)
}

func TestRecordTaskCompletePreservesErrorState(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Register(testConfig("a1"))
	require.NoError(t, err)

	require.NoError(t, r.RecordTaskStart("a1"))
	require.NoError(t, r.SetState("a1", StateError, "boom"))
	require.NoError(t, r.RecordTaskComplete("a1", Usage{Success: false}))

	a, _ := r.Get("a1")
	assert.Equal(t, StateError, a.State)
	assert.Equal(t, "boom", a.LastError)
}

func TestStoppedAgentRejectsTaskStart(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Register(testConfig("a1"))
	require.NoError(t, err)
	require.NoError(t, r.SetState("a1", StateStopped, ""))

	assert.ErrorContains(t, r.RecordTaskStart("a1"), "stopped")
}

func TestFindAvailable(t *testing.T) {
	r, _ := newTestRegistry(t)

	fast := testConfig("fast")
	fast.Tags = []string{"code", "fast"}
	slow := testConfig("slow")
	slow.Tags = []string{"review"}
	down := testConfig("down")

	for _, cfg := range []Config{fast, slow, down} {
		_, err := r.Register(cfg)
		require.NoError(t, err)
	}
	require.NoError(t, r.SetState("down", StateError, "dead"))

	// tag filter is any-match
	got := r.FindAvailable("fast", "review")
	require.Len(t, got, 2)
	assert.Equal(t, "fast", got[0].ID)
	assert.Equal(t, "slow", got[1].ID)

	// capacity exhaustion removes an agent from the pool
	require.NoError(t, r.RecordTaskStart("fast"))
	require.NoError(t, r.RecordTaskStart("fast"))
	got = r.FindAvailable()
	require.Len(t, got, 1)
	assert.Equal(t, "slow", got[0].ID)

	assert.Equal(t, 1, r.AvailableCount())
	assert.Equal(t, 1, r.ActiveCount())
}

func TestFindByTagsAndProvider(t *testing.T) {
	r, _ := newTestRegistry(t)
	a := testConfig("a")
	a.Tags = []string{"code"}
	b := testConfig("b")
	b.Provider = "anthropic"
	for _, cfg := range []Config{a, b} {
		_, err := r.Register(cfg)
		require.NoError(t, err)
	}

	assert.Len(t, r.FindByTags([]string{"code"}), 1)
	assert.Len(t, r.FindByProvider("anthropic"), 1)
	assert.Len(t, r.FindByProvider("openai"), 1)
}

func TestUnregister(t *testing.T) {
	r, b := newTestRegistry(t)
	removed := 0
	b.Subscribe(protocol.EventAgentUnregistered, func(p protocol.Payload) { removed++ })

	_, err := r.Register(testConfig("a1"))
	require.NoError(t, err)
	require.NoError(t, r.Unregister("a1"))
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 1, removed)

	assert.ErrorContains(t, r.Unregister("a1"), "not found")
}

func TestPersistAndRestore(t *testing.T) {
	dir := t.TempDir()
	col := store.NewCollection(filepath.Join(dir, "agents.json"))
	b := bus.New()

	r := New(col, b)
	for i := 0; i < 3; i++ {
		_, err := r.Register(testConfig(fmt.Sprintf("a%d", i)))
		require.NoError(t, err)
	}

	restored := New(store.NewCollection(filepath.Join(dir, "agents.json")), bus.New())
	require.NoError(t, restored.LoadPersisted())
	assert.Equal(t, 3, restored.Count())
	a, ok := restored.Get("a1")
	require.True(t, ok)
	assert.Equal(t, StateIdle, a.State)
}

func TestHealth(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Register(testConfig("a1"))
	require.NoError(t, err)
	require.NoError(t, r.RecordTaskStart("a1"))

	h, err := r.Health("a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", h.AgentID)
	assert.Equal(t, 1, h.ActiveTasks)
	assert.Equal(t, StateRunning, h.State)

	all := r.HealthAll()
	require.Len(t, all, 1)

	_, err = r.Health("missing")
	assert.Error(t, err)
}
