package registry

import (
	"log/slog"
)

// ReloadFromDisk merges an externally edited agents file into the
// in-memory table. The merge keeps runtime state per id:
//
//   - ids present in both: config replaced, runtime untouched
//   - ids only in the file: added with default runtime state
//   - ids only in memory: dropped, unless tasks are in flight
//
// A file that would wipe a non-empty registry to empty is rejected.
// The whole reload is non-emitting; external edits are observations,
// not operations.
func (r *Registry) ReloadFromDisk() {
	var cfgs []Config
	if err := r.col.Load(&cfgs); err != nil {
		slog.Warn("reload agents failed", "error", err)
		return
	}

	valid := make([]Config, 0, len(cfgs))
	for i := range cfgs {
		cfg := cfgs[i]
		if err := normalize(&cfg); err != nil {
			slog.Warn("ignoring invalid agent in external edit", "error", err)
			continue
		}
		valid = append(valid, cfg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(valid) == 0 && len(r.agents) > 0 {
		slog.Warn("rejecting external edit that would empty the registry", "agents", len(r.agents))
		return
	}

	inFile := make(map[string]bool, len(valid))
	added, updated := 0, 0
	for _, cfg := range valid {
		inFile[cfg.ID] = true
		if a, ok := r.agents[cfg.ID]; ok {
			a.Config = cfg
			updated++
		} else {
			r.agents[cfg.ID] = newAgent(cfg)
			added++
		}
	}

	dropped := 0
	for id, a := range r.agents {
		if inFile[id] {
			continue
		}
		if a.ActiveTasks > 0 {
			slog.Warn("keeping removed agent with tasks in flight", "agent", id, "activeTasks", a.ActiveTasks)
			continue
		}
		delete(r.agents, id)
		dropped++
	}

	slog.Info("agents reconciled from external edit",
		"added", added, "updated", updated, "dropped", dropped, "total", len(r.agents))
}
