// Package registry owns every agent instance: registration, the
// lifecycle state machine, concurrency slots, usage accounting, and
// crash-safe persistence with external-edit reconciliation. All agent
// mutation goes through the registry's methods; everything handed out
// is a copy.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentmgr/internal/bus"
	"github.com/nextlevelbuilder/agentmgr/internal/store"
	"github.com/nextlevelbuilder/agentmgr/pkg/protocol"
)

// Registry is the process-wide agent table.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	col    *store.Collection
	bus    *bus.Bus
}

// New returns a registry persisting through col and publishing on b.
func New(col *store.Collection, b *bus.Bus) *Registry {
	return &Registry{
		agents: make(map[string]*Agent),
		col:    col,
		bus:    b,
	}
}

// LoadPersisted restores agents from disk with default runtime state.
// Restoration emits no events.
func (r *Registry) LoadPersisted() error {
	var cfgs []Config
	if err := r.col.Load(&cfgs); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range cfgs {
		cfg := cfgs[i]
		if err := normalize(&cfg); err != nil {
			slog.Warn("skipping invalid persisted agent", "error", err)
			continue
		}
		r.agents[cfg.ID] = newAgent(cfg)
	}
	slog.Info("agents restored", "count", len(r.agents))
	return nil
}

// WatchExternal starts reconciling external edits of the agents file.
func (r *Registry) WatchExternal() error {
	return r.col.Watch(r.ReloadFromDisk)
}

// Close stops the file watcher.
func (r *Registry) Close() error {
	return r.col.Close()
}

func newAgent(cfg Config) *Agent {
	now := time.Now().UTC()
	return &Agent{
		Config:       cfg,
		State:        StateIdle,
		StartedAt:    now,
		LastActivity: now,
	}
}

// Register adds a new agent. Duplicate ids are a configuration error
// with no side effects.
func (r *Registry) Register(cfg Config) (Agent, error) {
	if err := normalize(&cfg); err != nil {
		return Agent{}, err
	}

	r.mu.Lock()
	if _, exists := r.agents[cfg.ID]; exists {
		r.mu.Unlock()
		return Agent{}, fmt.Errorf("agent %s already registered", cfg.ID)
	}
	a := newAgent(cfg)
	r.agents[cfg.ID] = a
	snapshot := *a
	r.persistLocked()
	r.mu.Unlock()

	r.bus.Publish(protocol.AgentRegistered{
		AgentID:  cfg.ID,
		Name:     cfg.Name,
		Provider: cfg.Provider,
		Model:    cfg.Model,
	})
	slog.Info("agent registered", "agent", cfg.ID, "provider", cfg.Provider, "maxConcurrency", cfg.MaxConcurrency)
	return snapshot, nil
}

// Update applies a partial config change. The id is immutable; mutate
// runs on a copy and any id change it makes is discarded.
func (r *Registry) Update(id string, mutate func(*Config)) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return Agent{}, fmt.Errorf("agent %s not found", id)
	}

	cfg := a.Config
	mutate(&cfg)
	cfg.ID = id
	if err := normalize(&cfg); err != nil {
		return Agent{}, err
	}
	a.Config = cfg
	r.persistLocked()
	return *a, nil
}

// Unregister removes an agent and persists the change.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("agent %s not found", id)
	}
	name := a.Name
	delete(r.agents, id)
	r.persistLocked()
	r.mu.Unlock()

	r.bus.Publish(protocol.AgentUnregistered{AgentID: id, Name: name})
	slog.Info("agent unregistered", "agent", id)
	return nil
}

// Get returns a snapshot of one agent.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// All returns snapshots of every agent, ordered by id.
func (r *Registry) All() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindByTags returns agents carrying at least one of the tags.
func (r *Registry) FindByTags(tags []string) []Agent {
	return r.filter(func(a *Agent) bool { return hasAnyTag(a.Tags, tags) })
}

// FindByProvider returns agents registered under the provider tag.
func (r *Registry) FindByProvider(provider string) []Agent {
	return r.filter(func(a *Agent) bool { return a.Provider == provider })
}

// FindAvailable returns agents that can accept a task right now:
// idle or running, below their concurrency limit, and matching at
// least one of the tags when any are given.
func (r *Registry) FindAvailable(tags ...string) []Agent {
	return r.filter(func(a *Agent) bool {
		if a.State != StateIdle && a.State != StateRunning {
			return false
		}
		if a.ActiveTasks >= a.MaxConcurrency {
			return false
		}
		return hasAnyTag(a.Tags, tags)
	})
}

func (r *Registry) filter(keep func(*Agent) bool) []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Agent
	for _, a := range r.agents {
		if keep(a) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetState forces a lifecycle state, recording errMsg for the error
// state. Used by providers (starting, error) and stop paths.
func (r *Registry) SetState(id string, s State, errMsg string) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("agent %s not found", id)
	}
	prev := a.State
	a.State = s
	a.LastActivity = time.Now().UTC()
	if s == StateError {
		a.LastError = errMsg
	}
	r.mu.Unlock()

	if prev != s {
		r.bus.Publish(protocol.AgentStateChanged{AgentID: id, From: string(prev), To: string(s), Error: errMsg})
	}
	return nil
}

// RecordTaskStart acquires a concurrency slot. It fails when the
// agent is unknown, stopped, or already at capacity; the caller must
// not dispatch without a slot.
func (r *Registry) RecordTaskStart(id string) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("agent %s not found", id)
	}
	if a.State == StateStopped {
		r.mu.Unlock()
		return fmt.Errorf("agent %s is stopped", id)
	}
	if a.ActiveTasks >= a.MaxConcurrency {
		r.mu.Unlock()
		return fmt.Errorf("agent %s at capacity (%d/%d)", id, a.ActiveTasks, a.MaxConcurrency)
	}

	a.ActiveTasks++
	a.LastActivity = time.Now().UTC()
	prev := a.State
	if a.ActiveTasks >= a.MaxConcurrency {
		a.State = StateBusy
	} else {
		a.State = StateRunning
	}
	next := a.State
	r.mu.Unlock()

	if prev != next {
		r.bus.Publish(protocol.AgentStateChanged{AgentID: id, From: string(prev), To: string(next)})
	}
	return nil
}

// RecordTaskComplete releases the slot and folds the dispatch usage
// into the accounting. ActiveTasks never goes below zero. Agents the
// operator moved to error or stopped keep that state; otherwise the
// state is recomputed from the remaining load.
func (r *Registry) RecordTaskComplete(id string, u Usage) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("agent %s not found", id)
	}

	if a.ActiveTasks > 0 {
		a.ActiveTasks--
	}
	a.TotalTokens += int64(u.Tokens)
	a.TotalCostUnits += u.CostUnits
	a.PremiumRequests += u.PremiumRequests
	if u.TokensEstimated {
		a.TokensEstimated = true
	}
	if u.Success {
		a.TasksCompleted++
	} else {
		a.TasksFailed++
	}
	a.LastActivity = time.Now().UTC()

	prev := a.State
	if prev == StateRunning || prev == StateBusy {
		switch {
		case a.ActiveTasks == 0:
			a.State = StateIdle
		case a.ActiveTasks < a.MaxConcurrency:
			a.State = StateRunning
		default:
			a.State = StateBusy
		}
	}
	next := a.State
	r.mu.Unlock()

	if prev != next {
		r.bus.Publish(protocol.AgentStateChanged{AgentID: id, From: string(prev), To: string(next)})
	}
	return nil
}

// Health returns the summary for one agent.
func (r *Registry) Health(id string) (Health, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return Health{}, fmt.Errorf("agent %s not found", id)
	}
	return healthOf(a), nil
}

// HealthAll returns summaries for every agent, ordered by id.
func (r *Registry) HealthAll() []Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Health, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, healthOf(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func healthOf(a *Agent) Health {
	return Health{
		AgentID:         a.ID,
		Name:            a.Name,
		State:           a.State,
		ActiveTasks:     a.ActiveTasks,
		MaxConcurrency:  a.MaxConcurrency,
		TasksCompleted:  a.TasksCompleted,
		TasksFailed:     a.TasksFailed,
		TotalTokens:     a.TotalTokens,
		TotalCostUnits:  a.TotalCostUnits,
		PremiumRequests: a.PremiumRequests,
		UptimeMs:        time.Since(a.StartedAt).Milliseconds(),
		LastActivity:    a.LastActivity,
		LastError:       a.LastError,
	}
}

// Count reports the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// ActiveCount reports how many agents have tasks in flight.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, a := range r.agents {
		if a.ActiveTasks > 0 {
			n++
		}
	}
	return n
}

// AvailableCount reports how many agents FindAvailable would return.
func (r *Registry) AvailableCount(tags ...string) int {
	return len(r.FindAvailable(tags...))
}

// persistLocked rewrites agents.json from the current configs.
// Callers hold the write lock. Runtime state is never persisted.
func (r *Registry) persistLocked() {
	cfgs := make([]Config, 0, len(r.agents))
	for _, a := range r.agents {
		cfgs = append(cfgs, a.Config)
	}
	sort.Slice(cfgs, func(i, j int) bool { return cfgs[i].ID < cfgs[j].ID })
	if err := r.col.Save(cfgs); err != nil {
		slog.Warn("persist agents failed", "error", err)
	}
}
