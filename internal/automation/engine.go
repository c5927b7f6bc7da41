package automation

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/agentmgr/internal/bus"
	"github.com/nextlevelbuilder/agentmgr/internal/registry"
	"github.com/nextlevelbuilder/agentmgr/internal/router"
	"github.com/nextlevelbuilder/agentmgr/internal/store"
	"github.com/nextlevelbuilder/agentmgr/pkg/protocol"
)

// Dispatcher is the router surface the engine needs.
type Dispatcher interface {
	Route(ctx context.Context, req router.Request) router.Result
}

// Engine owns the rules, the execution history, and the review queue.
type Engine struct {
	mu       sync.Mutex
	rules    map[string]*Rule
	ordinals map[string]int
	active   map[string]int

	col       *store.Collection
	bus       *bus.Bus
	router    Dispatcher
	agents    *registry.Registry
	hist      *history
	throttles *throttleTable

	enabled atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// overridable in tests; production uses retryDelay
	retryDelayFn func(attempt int) time.Duration
}

// New builds a stopped engine. Call LoadPersisted then Attach.
func New(col *store.Collection, b *bus.Bus, d Dispatcher, agents *registry.Registry, historyLimit, reviewLimit int) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		rules:        make(map[string]*Rule),
		ordinals:     make(map[string]int),
		active:       make(map[string]int),
		col:          col,
		bus:          b,
		router:       d,
		agents:       agents,
		hist:         newHistory(historyLimit, reviewLimit),
		throttles:    newThrottleTable(),
		ctx:          ctx,
		cancel:       cancel,
		retryDelayFn: retryDelay,
	}
	e.enabled.Store(true)
	return e
}

// retryDelay backs off exponentially from 1s with factor 2, up to 20%
// jitter either way, capped at 30s.
func retryDelay(attempt int) time.Duration {
	d := time.Second << attempt
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	jittered := time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
	if jittered > 30*time.Second {
		jittered = 30 * time.Second
	}
	return jittered
}

// LoadPersisted restores rules from disk.
func (e *Engine) LoadPersisted() error {
	var persisted []Rule
	if err := e.col.Load(&persisted); err != nil {
		return fmt.Errorf("automation: load rules: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range persisted {
		r := persisted[i]
		if err := r.normalize(); err != nil {
			slog.Warn("automation: skipping invalid persisted rule", "error", err)
			continue
		}
		e.rules[r.ID] = &r
	}
	return nil
}

// WatchExternal reloads rules.json on external edits, replacing the
// rule set. A reload that would wipe a non-empty set is rejected.
func (e *Engine) WatchExternal() error {
	return e.col.Watch(e.reloadFromDisk)
}

func (e *Engine) reloadFromDisk() {
	var persisted []Rule
	if err := e.col.Load(&persisted); err != nil {
		slog.Warn("automation: external reload failed", "error", err)
		return
	}
	next := make(map[string]*Rule, len(persisted))
	for i := range persisted {
		r := persisted[i]
		if err := r.normalize(); err != nil {
			slog.Warn("automation: skipping invalid rule from disk", "error", err)
			continue
		}
		next[r.ID] = &r
	}

	e.mu.Lock()
	if len(next) == 0 && len(e.rules) > 0 {
		e.mu.Unlock()
		slog.Warn("automation: rejecting external reload that would empty the rule set")
		return
	}
	before := len(e.rules)
	e.rules = next
	e.mu.Unlock()
	slog.Info("automation: rules reloaded from disk", "before", before, "after", len(next))
}

// Attach subscribes the engine to every known event name.
func (e *Engine) Attach() {
	for _, name := range protocol.Names() {
		e.bus.Subscribe(name, e.handleEvent)
	}
}

// Close disables the engine, cancels in-flight work, and waits for the
// execution goroutines to drain.
func (e *Engine) Close() error {
	e.enabled.Store(false)
	e.throttles.stop()
	e.cancel()
	e.wg.Wait()
	return e.col.Close()
}

// SetEnabled pauses or resumes rule evaluation engine-wide.
func (e *Engine) SetEnabled(enabled bool) {
	e.enabled.Store(enabled)
	slog.Info("automation: engine toggled", "enabled", enabled)
}

// handleEvent runs in the publisher's context: matching and gating are
// synchronous, dispatch itself goes to a goroutine.
func (e *Engine) handleEvent(p protocol.Payload) {
	if !e.enabled.Load() {
		return
	}
	event := p.Event()
	data := p.Fields()
	for _, rule := range e.matchingRules(event, data) {
		e.processRule(rule, event, data, false)
	}
}

// matchingRules snapshots the enabled rules matching this event,
// descending priority, id as the tie-break.
func (e *Engine) matchingRules(event string, data map[string]any) []*Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Rule
	for _, r := range e.rules {
		if r.IsEnabled() && r.matches(event, data) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// processRule gates one matched rule and, if it passes, launches the
// execution chain. The returned record reflects the initial outcome:
// throttled, skipped, or queued.
func (e *Engine) processRule(rule *Rule, event string, data map[string]any, bypassThrottle bool) *Execution {
	if !bypassThrottle {
		decision := e.throttles.check(rule, event, data, func(ev string, d map[string]any) {
			e.trailingFire(rule.ID, ev, d)
		})
		switch decision {
		case throttleDrop:
			return e.recordGated(rule, event, data, StatusThrottled, "throttled: interval not elapsed")
		case throttleScheduled:
			// the armed timer will run the pipeline with the freshest event
			return nil
		}
	}

	e.mu.Lock()
	if rule.MaxConcurrent > 0 && e.active[rule.ID] >= rule.MaxConcurrent {
		e.mu.Unlock()
		return e.recordGated(rule, event, data, StatusSkipped,
			fmt.Sprintf("skipped: %d executions already active", rule.MaxConcurrent))
	}
	e.mu.Unlock()

	if reason, ok := evaluateConditions(rule.Conditions, e.agents); !ok {
		return e.recordGated(rule, event, data, StatusSkipped, reason)
	}

	params := e.resolveParams(rule, data)

	if rule.DryRun {
		exec := e.newExecution(rule, event, data, params, 0)
		e.hist.finishExecution(exec, StatusSkipped, "", "",
			fmt.Sprintf("[DRY RUN] would dispatch skill %s", rule.SkillID))
		out := *exec
		return &out
	}

	exec := e.newExecution(rule, event, data, params, 0)

	e.mu.Lock()
	e.active[rule.ID]++
	e.mu.Unlock()

	snapshot := *rule
	e.wg.Add(1)
	go e.runExecutions(snapshot, exec, event, data, params)

	out := *exec
	return &out
}

// trailingFire is called by an armed trailing-throttle timer. The rule
// is re-resolved by id; it may have been disabled or deleted since.
func (e *Engine) trailingFire(ruleID, event string, data map[string]any) {
	if !e.enabled.Load() {
		return
	}
	e.mu.Lock()
	rule, ok := e.rules[ruleID]
	e.mu.Unlock()
	if !ok || !rule.IsEnabled() {
		return
	}
	e.processRule(rule, event, data, true)
}

func (e *Engine) recordGated(rule *Rule, event string, data map[string]any, status ExecutionStatus, reason string) *Execution {
	exec := e.newExecution(rule, event, data, nil, 0)
	e.hist.finishExecution(exec, status, "", "", reason)
	out := *exec
	return &out
}

// newExecution allocates the next ordinal for the rule and appends a
// queued record to the history.
func (e *Engine) newExecution(rule *Rule, event string, data, params map[string]any, attempt int) *Execution {
	e.mu.Lock()
	e.ordinals[rule.ID]++
	ordinal := e.ordinals[rule.ID]
	e.mu.Unlock()

	exec := &Execution{
		ID:           fmt.Sprintf("%s-%d", rule.ID, ordinal),
		RuleID:       rule.ID,
		SkillID:      rule.SkillID,
		TriggerEvent: event,
		TriggerData:  snapshotData(data),
		Params:       params,
		Status:       StatusQueued,
		RetryAttempt: attempt,
		StartedAt:    time.Now(),
	}
	e.hist.addExecution(exec)
	return exec
}

// resolveParams merges staticParams with templateParams expanded
// against the event data.
func (e *Engine) resolveParams(rule *Rule, data map[string]any) map[string]any {
	if len(rule.StaticParams) == 0 && len(rule.TemplateParams) == 0 {
		return nil
	}
	params := make(map[string]any, len(rule.StaticParams)+len(rule.TemplateParams))
	maps.Copy(params, rule.StaticParams)
	for key, tmpl := range rule.TemplateParams {
		params[key] = resolveEventTemplate(tmpl, data)
	}
	return params
}

// runExecutions drives the attempt chain for one triggering event.
// Each attempt gets its own execution record; the chain counts as one
// active execution against maxConcurrent.
func (e *Engine) runExecutions(rule Rule, exec *Execution, event string, data, params map[string]any) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		e.active[rule.ID]--
		e.mu.Unlock()
	}()

	for attempt := 0; ; attempt++ {
		if exec == nil {
			exec = e.newExecution(&rule, event, data, params, attempt)
		}
		e.hist.markRunning(exec)

		req := router.Request{
			TaskID:       "task-" + exec.ID,
			SkillID:      rule.SkillID,
			Params:       params,
			TargetAgents: rule.TargetAgents,
			TargetTags:   rule.TargetTags,
			Caller:       "automation:" + rule.ID,
			CreatedAt:    time.Now(),
		}
		res := e.router.Route(e.ctx, req)

		if res.Success {
			e.hist.finishExecution(exec, StatusCompleted, "", res.TaskID, res.Summary())
			e.maybeReview(&rule, exec, res)
			return
		}

		e.hist.finishExecution(exec, StatusFailed, res.Error, res.TaskID, res.Summary())
		if attempt >= rule.MaxRetries {
			e.maybeReview(&rule, exec, res)
			return
		}
		exec = nil

		select {
		case <-e.ctx.Done():
			return
		case <-time.After(e.retryDelayFn(attempt)):
		}
	}
}

func (e *Engine) maybeReview(rule *Rule, exec *Execution, res router.Result) {
	if !rule.RequireReview {
		return
	}
	agentID := ""
	if len(res.Responses) > 0 {
		agentID = res.Responses[0].AgentID
	}
	e.hist.addReview(exec, agentID)
}

// TriggerRule runs one rule through the normal pipeline with caller-
// supplied event data. The trigger event is recorded as "manual".
func (e *Engine) TriggerRule(id string, data map[string]any, dryRun bool) (*Execution, error) {
	return e.trigger(id, "manual", data, dryRun)
}

func (e *Engine) trigger(id, event string, data map[string]any, dryRun bool) (*Execution, error) {
	e.mu.Lock()
	rule, ok := e.rules[id]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("automation: rule %s not found", id)
	}

	if dryRun && !rule.DryRun {
		forced := *rule
		forced.DryRun = true
		rule = &forced
	}
	exec := e.processRule(rule, event, data, false)
	if exec == nil {
		return nil, fmt.Errorf("automation: rule %s trailing-throttled, run scheduled", id)
	}
	return exec, nil
}

// --- rule CRUD ---

// RegisterRule adds a rule and persists the set.
func (e *Engine) RegisterRule(r Rule) (*Rule, error) {
	if err := r.normalize(); err != nil {
		return nil, err
	}
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[r.ID]; exists {
		return nil, fmt.Errorf("automation: rule %s already registered", r.ID)
	}
	e.rules[r.ID] = &r
	e.persistLocked()
	out := r
	return &out, nil
}

// UpdateRule mutates a rule through fn. The id is immutable.
func (e *Engine) UpdateRule(id string, fn func(*Rule)) (*Rule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current, ok := e.rules[id]
	if !ok {
		return nil, fmt.Errorf("automation: rule %s not found", id)
	}
	updated := *current
	fn(&updated)
	updated.ID = id
	if err := updated.normalize(); err != nil {
		return nil, err
	}
	updated.UpdatedAt = time.Now()
	e.rules[id] = &updated
	e.persistLocked()
	out := updated
	return &out, nil
}

// RemoveRule deletes a rule and persists the set.
func (e *Engine) RemoveRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[id]; !ok {
		return fmt.Errorf("automation: rule %s not found", id)
	}
	delete(e.rules, id)
	e.persistLocked()
	return nil
}

// GetRule returns a copy of one rule.
func (e *Engine) GetRule(id string) (Rule, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[id]
	if !ok {
		return Rule{}, false
	}
	return *r, true
}

// ListRules returns copies sorted by priority descending, then id.
func (e *Engine) ListRules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (e *Engine) persistLocked() {
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if err := e.col.Save(out); err != nil {
		slog.Warn("automation: persist rules failed", "error", err)
	}
}

// --- introspection ---

// ListExecutions returns history records newest-first.
func (e *Engine) ListExecutions(q ExecutionQuery) []Execution {
	return e.hist.listExecutions(q)
}

// Stats summarises one rule's history.
func (e *Engine) Stats(ruleID string) RuleStats {
	st := e.hist.stats(ruleID)
	e.mu.Lock()
	st.Active = e.active[ruleID]
	e.mu.Unlock()
	return st
}

// ListReviews returns review items newest-first.
func (e *Engine) ListReviews(status ReviewStatus) []Review {
	return e.hist.listReviews(status)
}

// ResolveReview records the operator's verdict on a review item.
func (e *Engine) ResolveReview(id string, status ReviewStatus, notes string) (*Review, error) {
	return e.hist.resolveReview(id, status, notes)
}

// GetStatus reports the engine-wide summary.
func (e *Engine) GetStatus() Status {
	e.mu.Lock()
	enabled := 0
	for _, r := range e.rules {
		if r.IsEnabled() {
			enabled++
		}
	}
	total := len(e.rules)
	activeTotal := 0
	for _, n := range e.active {
		activeTotal += n
	}
	e.mu.Unlock()

	return Status{
		Enabled:          enabled,
		Total:            total,
		EngineEnabled:    e.enabled.Load(),
		ActiveExecutions: activeTotal,
		HistorySize:      e.hist.size(),
		PendingReviews:   e.hist.pendingReviews(),
	}
}
