package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/agentmgr/internal/router"
	"github.com/nextlevelbuilder/agentmgr/internal/skills"
)

func (s *Server) registerSkillTools() {
	s.mcp.AddTool(mcp.NewTool("mgr_create_skill",
		mcp.WithDescription("Define a reusable skill: a prompt template with {param} placeholders plus a routing strategy. Re-creating an existing id replaces it and bumps the version."),
		mcp.WithString("id", mcp.Required()),
		mcp.WithString("promptTemplate", mcp.Required(), mcp.Description("Template with {param} placeholders")),
		mcp.WithString("name"),
		mcp.WithString("description"),
		mcp.WithString("strategy", mcp.Description("How candidates are dispatched"),
			mcp.Enum("single", "race", "fan-out", "consensus", "fallback", "cost-optimized", "evaluate")),
		mcp.WithArray("targetAgents", mcp.Description("Explicit agent ids")),
		mcp.WithArray("targetTags", mcp.Description("Any-match capability tags")),
		mcp.WithArray("modelPreferences", mcp.Description("Preferred models, best first")),
		mcp.WithNumber("maxTokens"),
		mcp.WithNumber("timeoutMs"),
		mcp.WithBoolean("mergeResults", mcp.Description("Fan-out: concatenate all responses into finalContent")),
		mcp.WithArray("categories"),
		mcp.WithArray("synthesizerTags", mcp.Description("Consensus: tags selecting the synthesis agent")),
		mcp.WithNumber("qualityThreshold", mcp.Description("Cost-optimized: minimum acceptable quality score")),
		mcp.WithBoolean("fallbackOnEmpty", mcp.Description("Dispatch to any available agent when targeting resolves empty")),
	), s.handleCreateSkill)

	s.mcp.AddTool(mcp.NewTool("mgr_list_skills",
		mcp.WithDescription("List every defined skill."),
	), s.handleListSkills)

	s.mcp.AddTool(mcp.NewTool("mgr_remove_skill",
		mcp.WithDescription("Delete a skill definition."),
		mcp.WithString("id", mcp.Required()),
	), s.handleRemoveSkill)

	s.mcp.AddTool(mcp.NewTool("mgr_run_skill",
		mcp.WithDescription("Execute a skill: resolve its template with params, select agents per the strategy, dispatch, and return the aggregated result."),
		mcp.WithString("skillId", mcp.Required()),
		mcp.WithObject("params", mcp.Description("Template parameter values")),
		mcp.WithNumber("priority"),
		mcp.WithArray("targetAgents", mcp.Description("Override the skill's agent targeting")),
		mcp.WithArray("targetTags", mcp.Description("Override the skill's tag targeting")),
	), s.handleRunSkill)
}

func (s *Server) handleCreateSkill(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return errResult(err)
	}
	template, err := req.RequireString("promptTemplate")
	if err != nil {
		return errResult(err)
	}
	args := req.GetArguments()

	sk := skills.Skill{
		ID:               id,
		PromptTemplate:   template,
		Name:             req.GetString("name", ""),
		Description:      req.GetString("description", ""),
		Strategy:         skills.Strategy(req.GetString("strategy", "")),
		TargetAgents:     stringSlice(args, "targetAgents"),
		TargetTags:       stringSlice(args, "targetTags"),
		ModelPreferences: stringSlice(args, "modelPreferences"),
		MaxTokens:        req.GetInt("maxTokens", 0),
		TimeoutMs:        req.GetInt("timeoutMs", 0),
		MergeResults:     req.GetBool("mergeResults", false),
		Categories:       stringSlice(args, "categories"),
		SynthesizerTags:  stringSlice(args, "synthesizerTags"),
		QualityThreshold: req.GetFloat("qualityThreshold", 0),
		FallbackOnEmpty:  req.GetBool("fallbackOnEmpty", false),
	}
	created, err := s.deps.Skills.Register(sk)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(created)
}

func (s *Server) handleListSkills(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.deps.Skills.All())
}

func (s *Server) handleRemoveSkill(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return errResult(err)
	}
	if err := s.deps.Skills.Remove(id); err != nil {
		return errResult(err)
	}
	return jsonResult(map[string]string{"id": id, "status": "removed"})
}

func (s *Server) handleRunSkill(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	skillID, err := req.RequireString("skillId")
	if err != nil {
		return errResult(err)
	}
	args := req.GetArguments()

	r := router.NewRequest(skillID, anyMap(args, "params"))
	r.Priority = req.GetInt("priority", 0)
	r.TargetAgents = stringSlice(args, "targetAgents")
	r.TargetTags = stringSlice(args, "targetTags")
	r.Caller = "mcp"

	result := s.deps.Router.Route(ctx, r)
	return jsonResult(result)
}
