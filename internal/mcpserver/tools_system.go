package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/agentmgr/internal/eventlog"
	"github.com/nextlevelbuilder/agentmgr/internal/messaging"
)

func (s *Server) registerSystemTools() {
	s.mcp.AddTool(mcp.NewTool("mgr_recent_events",
		mcp.WithDescription("Recent bus events, newest first. Covers agent, task, skill, workspace, crossrepo and message activity."),
		mcp.WithNumber("limit", mcp.Description("Default 20")),
		mcp.WithString("event", mcp.Description("Only entries with this event name")),
	), s.handleRecentEvents)

	s.mcp.AddTool(mcp.NewTool("mgr_meta",
		mcp.WithDescription("Service metadata: version, uptime, data dir and collection counts."),
	), s.handleMeta)

	s.mcp.AddTool(mcp.NewTool("mgr_feedback",
		mcp.WithDescription("Record feedback about the service for later operator review."),
		mcp.WithString("message", mcp.Required()),
		mcp.WithString("category", mcp.Description("Default general")),
		mcp.WithString("context", mcp.Description("What was being attempted")),
	), s.handleFeedback)

	s.mcp.AddTool(mcp.NewTool("mgr_send_message",
		mcp.WithDescription("Append a message to the shared mailbox for another dashboard or daemon process on this machine."),
		mcp.WithString("to", mcp.Required(), mcp.Description("Recipient peer name")),
		mcp.WithString("body", mcp.Required()),
		mcp.WithString("from", mcp.Description("Defaults to this process's peer name")),
	), s.handleSendMessage)

	s.mcp.AddTool(mcp.NewTool("mgr_read_messages",
		mcp.WithDescription("Read mailbox messages for a recipient, newest first."),
		mcp.WithString("recipient", mcp.Description("Defaults to this process's peer name")),
		mcp.WithNumber("limit", mcp.Description("Default 20")),
		mcp.WithBoolean("markSeen", mcp.Description("Default true; seen messages are not returned again")),
	), s.handleReadMessages)

	s.mcp.AddTool(mcp.NewTool("mgr_list_peers",
		mcp.WithDescription("Other live dashboard/daemon processes on this machine, from their presence heartbeats."),
	), s.handleListPeers)

	s.mcp.AddTool(mcp.NewTool("mgr_backup",
		mcp.WithDescription("Snapshot agents, skills, rules and monitor configuration into a new backup directory."),
		mcp.WithString("note", mcp.Description("Free-form label stored in the manifest")),
	), s.handleBackup)

	s.mcp.AddTool(mcp.NewTool("mgr_list_backups",
		mcp.WithDescription("List backup manifests, newest first."),
	), s.handleListBackups)

	s.mcp.AddTool(mcp.NewTool("mgr_crossrepo_dispatch",
		mcp.WithDescription("Run a skill against another git repository on this machine. The repo path is validated and injected as the repo param."),
		mcp.WithString("repoPath", mcp.Required(), mcp.Description("Absolute path to a git work tree")),
		mcp.WithString("skillId", mcp.Required()),
		mcp.WithObject("params", mcp.Description("Extra template parameter values")),
	), s.handleCrossRepoDispatch)
}

func (s *Server) handleRecentEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)
	entries := s.deps.Events.Recent(limit)
	if name := req.GetString("event", ""); name != "" {
		filtered := make([]eventlog.Entry, 0, len(entries))
		for _, e := range entries {
			if e.Event == name {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	return jsonResult(entries)
}

func (s *Server) handleMeta(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.deps.Meta.Info())
}

func (s *Server) handleFeedback(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := req.RequireString("message")
	if err != nil {
		return errResult(err)
	}
	fb, err := s.deps.Meta.RecordFeedback(
		req.GetString("category", ""), message, req.GetString("context", ""))
	if err != nil {
		return errResult(err)
	}
	return jsonResult(fb)
}

func (s *Server) handleSendMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	to, err := req.RequireString("to")
	if err != nil {
		return errResult(err)
	}
	body, err := req.RequireString("body")
	if err != nil {
		return errResult(err)
	}
	msg, err := s.deps.Mailbox.Send(req.GetString("from", s.deps.PeerName), to, body)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(msg)
}

func (s *Server) handleReadMessages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	msgs, err := s.deps.Mailbox.Read(
		req.GetString("recipient", s.deps.PeerName),
		req.GetInt("limit", 20),
		req.GetBool("markSeen", true))
	if err != nil {
		return errResult(err)
	}
	return jsonResult(msgs)
}

func (s *Server) handleListPeers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(messaging.Peers(s.deps.StateDir))
}

func (s *Server) handleBackup(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	manifest, err := s.deps.Backups.Create(req.GetString("note", ""))
	if err != nil {
		return errResult(err)
	}
	return jsonResult(manifest)
}

func (s *Server) handleListBackups(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.deps.Backups.List()
	if err != nil {
		return errResult(err)
	}
	return jsonResult(list)
}

func (s *Server) handleCrossRepoDispatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repoPath, err := req.RequireString("repoPath")
	if err != nil {
		return errResult(err)
	}
	skillID, err := req.RequireString("skillId")
	if err != nil {
		return errResult(err)
	}
	result, err := s.deps.CrossRepo.Dispatch(ctx, repoPath, skillID,
		anyMap(req.GetArguments(), "params"), s.deps.PeerName)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(result)
}
