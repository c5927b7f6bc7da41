package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/agentmgr/internal/automation"
)

func (s *Server) registerAutomationTools() {
	s.mcp.AddTool(mcp.NewTool("mgr_create_rule",
		mcp.WithDescription("Create an automation rule: when a matching event fires (or a cron schedule is due), the rule's skill is executed with params resolved from the event. The rule object supports matcher{events,filters}, staticParams, templateParams ({event.field} paths), throttle{intervalMs,mode,groupBy}, maxConcurrent, maxRetries, conditions, dryRun, requireReview and schedule."),
		mcp.WithObject("rule", mcp.Required(), mcp.Description("Full rule document; id, skillId and matcher.events (or schedule) are required")),
	), s.handleCreateRule)

	s.mcp.AddTool(mcp.NewTool("mgr_update_rule",
		mcp.WithDescription("Patch an existing rule. Fields present in the patch replace the rule's; omitted fields keep their value."),
		mcp.WithString("id", mcp.Required()),
		mcp.WithObject("patch", mcp.Required(), mcp.Description("Partial rule document")),
	), s.handleUpdateRule)

	s.mcp.AddTool(mcp.NewTool("mgr_delete_rule",
		mcp.WithDescription("Delete an automation rule."),
		mcp.WithString("id", mcp.Required()),
	), s.handleDeleteRule)

	s.mcp.AddTool(mcp.NewTool("mgr_list_rules",
		mcp.WithDescription("List every automation rule."),
	), s.handleListRules)

	s.mcp.AddTool(mcp.NewTool("mgr_trigger_rule",
		mcp.WithDescription("Fire a rule immediately with synthetic event data, bypassing throttling. dryRun records what would run without dispatching."),
		mcp.WithString("id", mcp.Required()),
		mcp.WithObject("data", mcp.Description("Synthetic event payload for template resolution")),
		mcp.WithBoolean("dryRun"),
	), s.handleTriggerRule)

	s.mcp.AddTool(mcp.NewTool("mgr_list_executions",
		mcp.WithDescription("Execution history, newest first."),
		mcp.WithString("ruleId", mcp.Description("Only this rule")),
		mcp.WithString("status", mcp.Description("Only this status"),
			mcp.Enum("queued", "running", "completed", "failed", "skipped", "throttled")),
		mcp.WithNumber("limit", mcp.Description("Default 20")),
	), s.handleListExecutions)

	s.mcp.AddTool(mcp.NewTool("mgr_rule_stats",
		mcp.WithDescription("Aggregated execution counts and durations, optionally for one rule."),
		mcp.WithString("ruleId"),
	), s.handleRuleStats)

	s.mcp.AddTool(mcp.NewTool("mgr_automation_status",
		mcp.WithDescription("Engine-wide summary: rule counts, active executions, pending reviews."),
	), s.handleAutomationStatus)

	s.mcp.AddTool(mcp.NewTool("mgr_set_automation_enabled",
		mcp.WithDescription("Pause or resume the whole automation engine. Rules and history are kept; matching simply stops."),
		mcp.WithBoolean("enabled", mcp.Required()),
	), s.handleSetAutomationEnabled)

	s.mcp.AddTool(mcp.NewTool("mgr_list_reviews",
		mcp.WithDescription("Review queue entries for executions of requireReview rules."),
		mcp.WithString("status", mcp.Description("Only this status"),
			mcp.Enum("pending", "approved", "rejected", "flagged")),
	), s.handleListReviews)

	s.mcp.AddTool(mcp.NewTool("mgr_resolve_review",
		mcp.WithDescription("Resolve a pending review."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Review id")),
		mcp.WithString("status", mcp.Required(), mcp.Enum("approved", "rejected", "flagged")),
		mcp.WithString("notes"),
	), s.handleResolveReview)
}

// decodeRule round-trips a tool argument object through JSON into the
// rule struct, so the tool accepts exactly the rules.json document
// shape.
func decodeRule(raw map[string]any, into *automation.Rule) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode rule: %w", err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("decode rule: %w", err)
	}
	return nil
}

func (s *Server) handleCreateRule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := anyMap(req.GetArguments(), "rule")
	if raw == nil {
		return errResult(fmt.Errorf("rule object is required"))
	}
	var rule automation.Rule
	if err := decodeRule(raw, &rule); err != nil {
		return errResult(err)
	}
	created, err := s.deps.Engine.RegisterRule(rule)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(created)
}

func (s *Server) handleUpdateRule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return errResult(err)
	}
	raw := anyMap(req.GetArguments(), "patch")
	if raw == nil {
		return errResult(fmt.Errorf("patch object is required"))
	}

	// Decode against a copy so a malformed patch never leaves a
	// half-applied rule behind.
	current, ok := s.deps.Engine.GetRule(id)
	if !ok {
		return errResult(fmt.Errorf("automation: rule %s not found", id))
	}
	patched := current
	if err := decodeRule(raw, &patched); err != nil {
		return errResult(err)
	}

	updated, err := s.deps.Engine.UpdateRule(id, func(r *automation.Rule) { *r = patched })
	if err != nil {
		return errResult(err)
	}
	return jsonResult(updated)
}

func (s *Server) handleDeleteRule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return errResult(err)
	}
	if err := s.deps.Engine.RemoveRule(id); err != nil {
		return errResult(err)
	}
	return jsonResult(map[string]string{"id": id, "status": "removed"})
}

func (s *Server) handleListRules(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.deps.Engine.ListRules())
}

func (s *Server) handleTriggerRule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return errResult(err)
	}
	exec, err := s.deps.Engine.TriggerRule(id, anyMap(req.GetArguments(), "data"), req.GetBool("dryRun", false))
	if err != nil {
		return errResult(err)
	}
	return jsonResult(exec)
}

func (s *Server) handleListExecutions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q := automation.ExecutionQuery{
		RuleID: req.GetString("ruleId", ""),
		Status: automation.ExecutionStatus(req.GetString("status", "")),
		Limit:  req.GetInt("limit", 20),
	}
	return jsonResult(s.deps.Engine.ListExecutions(q))
}

func (s *Server) handleRuleStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.deps.Engine.Stats(req.GetString("ruleId", "")))
}

func (s *Server) handleAutomationStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.deps.Engine.GetStatus())
}

func (s *Server) handleSetAutomationEnabled(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	enabled, err := req.RequireBool("enabled")
	if err != nil {
		return errResult(err)
	}
	s.deps.Engine.SetEnabled(enabled)
	return jsonResult(s.deps.Engine.GetStatus())
}

func (s *Server) handleListReviews(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := automation.ReviewStatus(req.GetString("status", ""))
	return jsonResult(s.deps.Engine.ListReviews(status))
}

func (s *Server) handleResolveReview(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return errResult(err)
	}
	status, err := req.RequireString("status")
	if err != nil {
		return errResult(err)
	}
	review, err := s.deps.Engine.ResolveReview(id, automation.ReviewStatus(status), req.GetString("notes", ""))
	if err != nil {
		return errResult(err)
	}
	return jsonResult(review)
}
