package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentmgr/internal/bus"
	"github.com/nextlevelbuilder/agentmgr/internal/providers"
	"github.com/nextlevelbuilder/agentmgr/internal/registry"
	"github.com/nextlevelbuilder/agentmgr/internal/skills"
	"github.com/nextlevelbuilder/agentmgr/internal/telemetry"
	"github.com/nextlevelbuilder/agentmgr/pkg/protocol"
)

// Router turns task requests into accounted task results.
type Router struct {
	skills    *skills.Store
	agents    *registry.Registry
	providers *providers.Registry
	bus       *bus.Bus
	tel       *telemetry.Telemetry
}

// Option configures a Router.
type Option func(*Router)

// WithTelemetry attaches the span and metric instruments. A nil
// handle is accepted and leaves the router uninstrumented.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(r *Router) { r.tel = t }
}

func New(sk *skills.Store, agents *registry.Registry, prov *providers.Registry, b *bus.Bus, opts ...Option) *Router {
	r := &Router{skills: sk, agents: agents, providers: prov, bus: b}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Route executes one task: resolve the skill, substitute params,
// select candidates, run the strategy, aggregate. Failures before the
// first dispatch return a failed result without task events; once
// candidates are selected, task:started and task:completed bracket the
// strategy run.
func (r *Router) Route(ctx context.Context, req Request) Result {
	start := time.Now()
	if req.TaskID == "" {
		req.TaskID = "task-" + uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = start
	}

	result := Result{TaskID: req.TaskID, SkillID: req.SkillID}

	skill, ok := r.skills.Get(req.SkillID)
	if !ok {
		result.Error = fmt.Sprintf("skill %q not found", req.SkillID)
		return r.finish(result, start, false)
	}
	result.Strategy = skill.Strategy

	prompt := req.Prompt
	if prompt == "" {
		prompt = ResolvePrompt(skill.PromptTemplate, req.Params)
	}

	candidates := r.selectCandidates(skill, req)
	if len(candidates) == 0 {
		result.Error = "no available agents match the skill's targets"
		return r.finish(result, start, false)
	}

	r.bus.Publish(protocol.TaskStarted{
		TaskID:     req.TaskID,
		SkillID:    req.SkillID,
		Strategy:   string(skill.Strategy),
		AgentCount: len(candidates),
	})

	ctx, endTask := r.tel.TaskSpan(ctx, req.SkillID, string(skill.Strategy))

	responses, final := r.execute(ctx, skill, candidates, prompt)
	result.Responses = responses
	result.FinalContent = final

	succeeded := 0
	for _, resp := range responses {
		result.TotalTokens += resp.TokenCount
		result.TotalCostUnits += resp.CostUnits
		if resp.Success {
			succeeded++
		}
	}
	if skill.Strategy == skills.StrategySingle {
		result.Success = len(responses) > 0 && succeeded == len(responses)
	} else {
		result.Success = succeeded > 0
	}
	if !result.Success && result.Error == "" {
		result.Error = "no agent produced a successful response"
	}

	endTask(result.Success, result.TotalTokens, result.TotalCostUnits)
	result = r.finish(result, start, true)

	r.bus.Publish(protocol.TaskCompleted{
		TaskID:         result.TaskID,
		SkillID:        result.SkillID,
		Strategy:       string(result.Strategy),
		Success:        result.Success,
		TotalTokens:    result.TotalTokens,
		TotalCostUnits: result.TotalCostUnits,
		TotalLatencyMs: result.TotalLatencyMs,
	})
	return result
}

func (r *Router) finish(result Result, start time.Time, dispatched bool) Result {
	result.TotalLatencyMs = time.Since(start).Milliseconds()
	result.CompletedAt = time.Now()
	if !dispatched {
		slog.Warn("router: task failed before dispatch",
			"task", result.TaskID, "skill", result.SkillID, "error", result.Error)
	}
	return result
}

// selectCandidates resolves the task's targets: explicit ids union
// tag matches, intersected with availability. Request-level overrides
// win over the skill's targets.
func (r *Router) selectCandidates(skill skills.Skill, req Request) []registry.Agent {
	targetAgents := skill.TargetAgents
	targetTags := skill.TargetTags
	if len(req.TargetAgents) > 0 || len(req.TargetTags) > 0 {
		targetAgents = req.TargetAgents
		targetTags = req.TargetTags
	}

	available := r.agents.FindAvailable()
	if len(targetAgents) == 0 && len(targetTags) == 0 {
		return available
	}

	wantID := make(map[string]bool, len(targetAgents))
	for _, id := range targetAgents {
		wantID[id] = true
	}
	wantTag := make(map[string]bool, len(targetTags))
	for _, tag := range targetTags {
		wantTag[tag] = true
	}

	var out []registry.Agent
	for _, a := range available {
		if wantID[a.ID] {
			out = append(out, a)
			continue
		}
		for _, tag := range a.Tags {
			if wantTag[tag] {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

func (r *Router) execute(ctx context.Context, skill skills.Skill, candidates []registry.Agent, prompt string) ([]providers.Response, string) {
	switch skill.Strategy {
	case skills.StrategyRace:
		return r.race(ctx, skill, candidates, prompt)
	case skills.StrategyFanOut:
		return r.fanOut(ctx, skill, candidates, prompt)
	case skills.StrategyConsensus:
		return r.consensus(ctx, skill, candidates, prompt)
	case skills.StrategyFallback:
		return r.fallback(ctx, skill, candidates, prompt)
	case skills.StrategyCostOptimized:
		return r.costOptimized(ctx, skill, candidates, prompt)
	case skills.StrategyEvaluate:
		return r.evaluate(ctx, skill, candidates, prompt)
	default:
		return r.single(ctx, skill, candidates, prompt)
	}
}

// dispatchOne acquires the agent's concurrency slot, dispatches, and
// releases the slot on every path, cancellation included.
func (r *Router) dispatchOne(ctx context.Context, skill skills.Skill, agent registry.Agent, prompt string) providers.Response {
	ctx, endDispatch := r.tel.DispatchSpan(ctx, agent.ID, agent.Provider, agent.Model)
	start := time.Now()

	if err := r.agents.RecordTaskStart(agent.ID); err != nil {
		endDispatch(false, start)
		return providers.Response{
			AgentID:   agent.ID,
			Model:     agent.Model,
			Error:     err.Error(),
			Timestamp: time.Now(),
		}
	}

	resp := r.providers.Dispatch(ctx, agent.Config, prompt, skill.MaxTokens, skill.TimeoutMs)

	if err := r.agents.RecordTaskComplete(agent.ID, resp.Usage()); err != nil {
		slog.Warn("router: releasing agent slot failed", "agent", agent.ID, "error", err)
	}
	endDispatch(resp.Success, start)
	return resp
}

// cheapestFirst orders candidates by costMultiplier ascending, then
// maxConcurrency descending, then id.
func cheapestFirst(candidates []registry.Agent) []registry.Agent {
	out := make([]registry.Agent, len(candidates))
	copy(out, candidates)
	sort.Slice(out, func(i, j int) bool {
		if out[i].CostMultiplier != out[j].CostMultiplier {
			return out[i].CostMultiplier < out[j].CostMultiplier
		}
		if out[i].MaxConcurrency != out[j].MaxConcurrency {
			return out[i].MaxConcurrency > out[j].MaxConcurrency
		}
		return out[i].ID < out[j].ID
	})
	return out
}
