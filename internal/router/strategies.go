package router

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/agentmgr/internal/providers"
	"github.com/nextlevelbuilder/agentmgr/internal/registry"
	"github.com/nextlevelbuilder/agentmgr/internal/skills"
)

const mergeSeparator = "\n\n---\n\n"

// single picks the cheapest candidate and dispatches once.
func (r *Router) single(ctx context.Context, skill skills.Skill, candidates []registry.Agent, prompt string) ([]providers.Response, string) {
	agent := cheapestFirst(candidates)[0]
	resp := r.dispatchOne(ctx, skill, agent, prompt)
	return []providers.Response{resp}, resp.Content
}

// race dispatches to every candidate; the first success wins and the
// rest are cancelled. Every response, cancelled ones included, is
// retained in the result.
func (r *Router) race(ctx context.Context, skill skills.Skill, candidates []registry.Agent, prompt string) ([]providers.Response, string) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type indexed struct {
		i    int
		resp providers.Response
	}
	results := make(chan indexed, len(candidates))
	for i, agent := range candidates {
		go func() {
			results <- indexed{i, r.dispatchOne(raceCtx, skill, agent, prompt)}
		}()
	}

	responses := make([]providers.Response, len(candidates))
	final := ""
	won := false
	for range candidates {
		res := <-results
		responses[res.i] = res.resp
		if res.resp.Success && !won {
			won = true
			final = res.resp.Content
			cancel()
		}
	}
	return responses, final
}

// fanOut dispatches to every candidate in parallel and aggregates.
func (r *Router) fanOut(ctx context.Context, skill skills.Skill, candidates []registry.Agent, prompt string) ([]providers.Response, string) {
	responses := r.parallel(ctx, skill, candidates, prompt)
	return responses, mergeContent(skill, responses)
}

// consensus fans out, then asks a synthesiser to combine the answers.
func (r *Router) consensus(ctx context.Context, skill skills.Skill, candidates []registry.Agent, prompt string) ([]providers.Response, string) {
	responses := r.parallel(ctx, skill, candidates, prompt)

	var labelled []string
	for _, resp := range responses {
		if resp.Success {
			labelled = append(labelled, fmt.Sprintf("--- %s ---\n%s", resp.AgentID, resp.Content))
		}
	}
	if len(labelled) == 0 {
		return responses, ""
	}

	synth := r.pickSynthesizer(skill, candidates)
	synthPrompt := prompt + "\n\nResponses:\n\n" + strings.Join(labelled, "\n\n")
	synthResp := r.dispatchOne(ctx, skill, synth, synthPrompt)

	// the synthesiser's usage counts toward the task totals
	responses = append(responses, synthResp)
	if synthResp.Success {
		return responses, synthResp.Content
	}
	return responses, firstSuccessContent(responses[:len(responses)-1])
}

func (r *Router) pickSynthesizer(skill skills.Skill, candidates []registry.Agent) registry.Agent {
	if len(skill.SynthesizerTags) > 0 {
		if matches := r.agents.FindAvailable(skill.SynthesizerTags...); len(matches) > 0 {
			return cheapestFirst(matches)[0]
		}
	}
	return cheapestFirst(candidates)[0]
}

// fallback tries candidates cheapest-first until one qualifies.
func (r *Router) fallback(ctx context.Context, skill skills.Skill, candidates []registry.Agent, prompt string) ([]providers.Response, string) {
	var responses []providers.Response
	for _, agent := range cheapestFirst(candidates) {
		resp := r.dispatchOne(ctx, skill, agent, prompt)
		responses = append(responses, resp)
		if resp.Success && (!skill.FallbackOnEmpty || resp.Content != "") {
			return responses, resp.Content
		}
	}
	return responses, firstSuccessContent(responses)
}

// costOptimized is fallback with a quality gate: stop at the first
// success whose content length clears the skill's threshold.
func (r *Router) costOptimized(ctx context.Context, skill skills.Skill, candidates []registry.Agent, prompt string) ([]providers.Response, string) {
	var responses []providers.Response
	bestContent := ""
	bestQuality := -1.0
	for _, agent := range cheapestFirst(candidates) {
		resp := r.dispatchOne(ctx, skill, agent, prompt)
		responses = append(responses, resp)
		if !resp.Success {
			continue
		}
		quality := float64(len(resp.Content))
		if quality > bestQuality {
			bestQuality = quality
			bestContent = resp.Content
		}
		if quality >= skill.QualityThreshold && (!skill.FallbackOnEmpty || resp.Content != "") {
			return responses, resp.Content
		}
	}
	return responses, bestContent
}

// evaluate fans out and returns the top-scoring response.
func (r *Router) evaluate(ctx context.Context, skill skills.Skill, candidates []registry.Agent, prompt string) ([]providers.Response, string) {
	responses := r.parallel(ctx, skill, candidates, prompt)

	final := ""
	best := -1
	for _, resp := range responses {
		if !resp.Success {
			continue
		}
		if score := scoreResponse(skill, resp); score > best {
			best = score
			final = resp.Content
		}
	}
	return responses, final
}

// scoreResponse favours longer answers that mention the skill's
// categories. Only the relative order matters.
func scoreResponse(skill skills.Skill, resp providers.Response) int {
	score := len(resp.Content)
	lower := strings.ToLower(resp.Content)
	for _, cat := range skill.Categories {
		if cat != "" && strings.Contains(lower, strings.ToLower(cat)) {
			score += 100
		}
	}
	return score
}

// parallel dispatches to all candidates concurrently, preserving
// candidate order in the returned slice.
func (r *Router) parallel(ctx context.Context, skill skills.Skill, candidates []registry.Agent, prompt string) []providers.Response {
	responses := make([]providers.Response, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	for i, agent := range candidates {
		g.Go(func() error {
			responses[i] = r.dispatchOne(gctx, skill, agent, prompt)
			return nil
		})
	}
	_ = g.Wait()
	return responses
}

func mergeContent(skill skills.Skill, responses []providers.Response) string {
	if !skill.MergeResults {
		return firstSuccessContent(responses)
	}
	var parts []string
	for _, resp := range responses {
		if resp.Success {
			parts = append(parts, resp.Content)
		}
	}
	return strings.Join(parts, mergeSeparator)
}

func firstSuccessContent(responses []providers.Response) string {
	for _, resp := range responses {
		if resp.Success {
			return resp.Content
		}
	}
	return ""
}
