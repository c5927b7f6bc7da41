package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/agentmgr/internal/workspace"
)

func (s *Server) registerWorkspaceTools() {
	s.mcp.AddTool(mcp.NewTool("mgr_watch_workspace",
		mcp.WithDescription("Start monitoring a workspace directory: chat-session storage, .vscode settings, git activity and remote updates all surface as events automation rules can react to. Monitors persist across restarts."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Absolute workspace path")),
	), s.handleWatchWorkspace)

	s.mcp.AddTool(mcp.NewTool("mgr_unwatch_workspace",
		mcp.WithDescription("Stop monitoring a workspace and drop it from the persisted monitor set."),
		mcp.WithString("path", mcp.Required()),
	), s.handleUnwatchWorkspace)

	s.mcp.AddTool(mcp.NewTool("mgr_workspace_status",
		mcp.WithDescription("Per-monitor status with recent file changes, git events and mined session summaries. includeHistory adds the start/stop audit trail."),
		mcp.WithBoolean("includeHistory"),
		mcp.WithNumber("historyLimit", mcp.Description("Default 20")),
	), s.handleWorkspaceStatus)
}

func (s *Server) handleWatchWorkspace(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return errResult(err)
	}
	status, err := s.deps.Workspaces.Start(path)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(status)
}

func (s *Server) handleUnwatchWorkspace(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return errResult(err)
	}
	if err := s.deps.Workspaces.Stop(path, workspace.StopManual, false); err != nil {
		return errResult(err)
	}
	return jsonResult(map[string]string{"path": path, "status": "stopped"})
}

func (s *Server) handleWorkspaceStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out := map[string]any{
		"monitors": s.deps.Workspaces.Status(),
		"count":    s.deps.Workspaces.Count(),
	}
	if req.GetBool("includeHistory", false) {
		out["history"] = s.deps.Workspaces.History(req.GetInt("historyLimit", 20))
	}
	return jsonResult(out)
}
