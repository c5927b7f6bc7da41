// Package skills persists skill definitions and resolves them for the
// task router. A skill is a named prompt template plus a routing
// strategy and an agent-selection hint.
package skills

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentmgr/internal/bus"
	"github.com/nextlevelbuilder/agentmgr/internal/store"
	"github.com/nextlevelbuilder/agentmgr/pkg/protocol"
)

// Strategy selects how the router spreads a task across candidates.
type Strategy string

const (
	StrategySingle        Strategy = "single"
	StrategyRace          Strategy = "race"
	StrategyFanOut        Strategy = "fan-out"
	StrategyConsensus     Strategy = "consensus"
	StrategyFallback      Strategy = "fallback"
	StrategyCostOptimized Strategy = "cost-optimized"
	StrategyEvaluate      Strategy = "evaluate"
)

// Strategies lists every routing strategy the router understands.
func Strategies() []Strategy {
	return []Strategy{
		StrategySingle, StrategyRace, StrategyFanOut, StrategyConsensus,
		StrategyFallback, StrategyCostOptimized, StrategyEvaluate,
	}
}

func validStrategy(s Strategy) bool {
	for _, known := range Strategies() {
		if s == known {
			return true
		}
	}
	return false
}

// Skill is one persisted skill definition. The prompt template may
// contain {param} placeholders resolved at dispatch time.
type Skill struct {
	ID             string   `json:"id"`
	Name           string   `json:"name,omitempty"`
	Description    string   `json:"description,omitempty"`
	PromptTemplate string   `json:"promptTemplate"`
	Strategy       Strategy `json:"strategy,omitempty"`
	TargetAgents   []string `json:"targetAgents,omitempty"`
	TargetTags     []string `json:"targetTags,omitempty"`

	ModelPreferences []string `json:"modelPreferences,omitempty"`
	MaxTokens        int      `json:"maxTokens,omitempty"`
	TimeoutMs        int      `json:"timeoutMs,omitempty"`
	MergeResults     bool     `json:"mergeResults,omitempty"`
	Version          int      `json:"version,omitempty"`
	Categories       []string `json:"categories,omitempty"`

	// consensus only
	SynthesizerTags []string `json:"synthesizerTags,omitempty"`
	// cost-optimized only
	QualityThreshold float64 `json:"qualityThreshold,omitempty"`
	// dispatch a fallback candidate when the primary set resolves empty
	FallbackOnEmpty bool `json:"fallbackOnEmpty,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

func (s *Skill) normalize() error {
	s.ID = strings.TrimSpace(s.ID)
	if s.ID == "" {
		return fmt.Errorf("skill: id is required")
	}
	if strings.TrimSpace(s.PromptTemplate) == "" {
		return fmt.Errorf("skill %s: promptTemplate is required", s.ID)
	}
	if s.Strategy == "" {
		s.Strategy = StrategySingle
	}
	if !validStrategy(s.Strategy) {
		return fmt.Errorf("skill %s: unknown strategy %q", s.ID, s.Strategy)
	}
	if s.Name == "" {
		s.Name = s.ID
	}
	return nil
}

// Store holds skill definitions in memory and mirrors them to disk.
type Store struct {
	mu     sync.RWMutex
	skills map[string]*Skill
	col    *store.Collection
	bus    *bus.Bus
}

// New builds an empty store backed by col. Call LoadPersisted to
// restore previously saved skills.
func New(col *store.Collection, b *bus.Bus) *Store {
	return &Store{
		skills: make(map[string]*Skill),
		col:    col,
		bus:    b,
	}
}

// LoadPersisted restores skills from disk without publishing events.
func (s *Store) LoadPersisted() error {
	var persisted []Skill
	if err := s.col.Load(&persisted); err != nil {
		return fmt.Errorf("skills: load: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range persisted {
		sk := persisted[i]
		if err := sk.normalize(); err != nil {
			slog.Warn("skills: skipping invalid persisted skill", "error", err)
			continue
		}
		s.skills[sk.ID] = &sk
	}
	return nil
}

// WatchExternal reloads the store when skills.json changes on disk.
// Unlike the agent registry there is no runtime state to merge, so an
// external edit replaces the in-memory set wholesale.
func (s *Store) WatchExternal() error {
	return s.col.Watch(s.reloadFromDisk)
}

func (s *Store) reloadFromDisk() {
	var persisted []Skill
	if err := s.col.Load(&persisted); err != nil {
		slog.Warn("skills: external reload failed", "error", err)
		return
	}

	next := make(map[string]*Skill, len(persisted))
	for i := range persisted {
		sk := persisted[i]
		if err := sk.normalize(); err != nil {
			slog.Warn("skills: skipping invalid skill from disk", "error", err)
			continue
		}
		next[sk.ID] = &sk
	}

	s.mu.Lock()
	if len(next) == 0 && len(s.skills) > 0 {
		s.mu.Unlock()
		slog.Warn("skills: rejecting external reload that would empty the store", "current", s.Count())
		return
	}
	prev := len(s.skills)
	s.skills = next
	s.mu.Unlock()

	slog.Info("skills: reloaded from disk", "before", prev, "after", len(next))
}

// Close releases the external watcher.
func (s *Store) Close() error {
	return s.col.Close()
}

// Register adds a new skill and persists the set.
func (s *Store) Register(sk Skill) (*Skill, error) {
	if err := sk.normalize(); err != nil {
		return nil, err
	}
	sk.CreatedAt = time.Now()
	sk.UpdatedAt = sk.CreatedAt

	s.mu.Lock()
	if _, exists := s.skills[sk.ID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("skills: %s already registered", sk.ID)
	}
	s.skills[sk.ID] = &sk
	s.persistLocked()
	s.mu.Unlock()

	s.bus.Publish(protocol.SkillRegistered{SkillID: sk.ID, Name: sk.Name, Strategy: string(sk.Strategy)})
	out := sk
	return &out, nil
}

// Update mutates an existing skill through fn. The id is immutable.
func (s *Store) Update(id string, fn func(*Skill)) (*Skill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.skills[id]
	if !ok {
		return nil, fmt.Errorf("skills: %s not found", id)
	}
	updated := *current
	fn(&updated)
	updated.ID = id
	if err := updated.normalize(); err != nil {
		return nil, err
	}
	updated.UpdatedAt = time.Now()

	s.skills[id] = &updated
	s.persistLocked()
	out := updated
	return &out, nil
}

// Remove deletes a skill and persists the set.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	if _, ok := s.skills[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("skills: %s not found", id)
	}
	delete(s.skills, id)
	s.persistLocked()
	s.mu.Unlock()

	s.bus.Publish(protocol.SkillRemoved{SkillID: id})
	return nil
}

// Get returns a copy of the skill, if present.
func (s *Store) Get(id string) (Skill, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sk, ok := s.skills[id]
	if !ok {
		return Skill{}, false
	}
	return *sk, true
}

// All returns copies of every skill sorted by id.
func (s *Store) All() []Skill {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Skill, 0, len(s.skills))
	for _, sk := range s.skills {
		out = append(out, *sk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count reports the number of registered skills.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.skills)
}

func (s *Store) persistLocked() {
	out := make([]Skill, 0, len(s.skills))
	for _, sk := range s.skills {
		out = append(out, *sk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if err := s.col.Save(out); err != nil {
		slog.Warn("skills: persist failed", "error", err)
	}
}
