package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/agentmgr/internal/registry"
)

// EstimateTokens returns a rough token count for a prompt/content pair,
// ceil((len(prompt) + len(content)) / 4). Used whenever a provider does
// not report real counts.
func EstimateTokens(prompt, content string) int {
	return (len(prompt) + len(content) + 3) / 4
}

// Dispatch sends one prompt to one agent and returns the accounted
// response. It never returns an error: failures, including timeouts,
// come back as a Response with Success=false and Error set.
//
// Timeout resolution order is timeoutMs argument (the skill override),
// then the agent's own timeoutMs, then the registry default. The
// in-flight call is cancelled when the deadline passes.
func (r *Registry) Dispatch(ctx context.Context, agent registry.Config, prompt string, maxTokens, timeoutMs int) Response {
	start := time.Now()
	resp := Response{AgentID: agent.ID, Model: agent.Model, Timestamp: start}

	p, ok := r.Get(agent.Provider)
	if !ok {
		resp.Error = fmt.Sprintf("provider %q not registered", agent.Provider)
		resp.LatencyMs = time.Since(start).Milliseconds()
		return resp
	}

	if maxTokens <= 0 {
		maxTokens = r.defaultMaxTokens
	}
	if timeoutMs <= 0 {
		timeoutMs = agent.TimeoutMs
	}
	if timeoutMs <= 0 {
		timeoutMs = r.defaultTimeoutMs
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	comp, err := p.Complete(callCtx, agent, prompt, maxTokens)
	resp.LatencyMs = time.Since(start).Milliseconds()

	if err != nil {
		if ctxErr := callCtx.Err(); ctxErr != nil {
			resp.Error = fmt.Sprintf("cancelled after %dms: %v", resp.LatencyMs, ctxErr)
		} else {
			resp.Error = err.Error()
		}
		return resp
	}

	resp.Success = true
	resp.Content = comp.Content
	if comp.Model != "" {
		resp.Model = comp.Model
	}
	if comp.Tokens > 0 {
		resp.TokenCount = comp.Tokens
	} else {
		resp.TokenCount = EstimateTokens(prompt, comp.Content)
		resp.TokenCountEstimated = true
	}

	switch p.Capabilities().Billing {
	case BillingPremium:
		resp.PremiumRequests = 1
	case BillingFree:
	default:
		resp.CostUnits = agent.CostMultiplier * float64(resp.TokenCount) / 1e6
	}
	return resp
}

// Usage converts a response into the registry's accounting record.
func (resp Response) Usage() registry.Usage {
	return registry.Usage{
		Tokens:          resp.TokenCount,
		CostUnits:       resp.CostUnits,
		Success:         resp.Success,
		PremiumRequests: resp.PremiumRequests,
		TokensEstimated: resp.TokenCountEstimated,
	}
}
