// Package mcpserver exposes the orchestrator over MCP stdio. Every
// tool is a thin adapter: parse arguments, call the owning component,
// JSON-encode the result. Failures become tool-level errors so the
// host model can read them; the Go error return stays nil.
package mcpserver

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nextlevelbuilder/agentmgr/internal/automation"
	"github.com/nextlevelbuilder/agentmgr/internal/backup"
	"github.com/nextlevelbuilder/agentmgr/internal/crossrepo"
	"github.com/nextlevelbuilder/agentmgr/internal/eventlog"
	"github.com/nextlevelbuilder/agentmgr/internal/messaging"
	"github.com/nextlevelbuilder/agentmgr/internal/meta"
	"github.com/nextlevelbuilder/agentmgr/internal/providers"
	"github.com/nextlevelbuilder/agentmgr/internal/registry"
	"github.com/nextlevelbuilder/agentmgr/internal/router"
	"github.com/nextlevelbuilder/agentmgr/internal/skills"
	"github.com/nextlevelbuilder/agentmgr/internal/workspace"
)

const instructions = `Multi-agent orchestration service. Register CLI or API agents
(mgr_spawn_agent), define reusable prompt skills (mgr_create_skill), route tasks
across agents with fan-out/consensus/cost strategies (mgr_run_skill), and wire
event-driven automation rules (mgr_create_rule). Workspace monitors surface file,
session and git activity as events that rules can react to.`

// Deps are the wired components the tools delegate to.
type Deps struct {
	Agents     *registry.Registry
	Skills     *skills.Store
	Providers  *providers.Registry
	Router     *router.Router
	Engine     *automation.Engine
	Workspaces *workspace.Manager
	Events     *eventlog.Log
	Mailbox    *messaging.Mailbox
	Backups    *backup.Store
	Meta       *meta.Service
	CrossRepo  *crossrepo.Service

	// StateDir holds peer snapshots; PeerName is this process's
	// mailbox identity.
	StateDir string
	PeerName string
}

// Server is the stdio MCP front end.
type Server struct {
	mcp  *server.MCPServer
	deps Deps
}

func New(version string, d Deps) *Server {
	s := &Server{
		mcp: server.NewMCPServer("agentmgr", version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
			server.WithInstructions(instructions),
		),
		deps: d,
	}
	s.registerAgentTools()
	s.registerSkillTools()
	s.registerAutomationTools()
	s.registerWorkspaceTools()
	s.registerSystemTools()
	return s
}

// Serve blocks on stdio until the host closes stdin or the process is
// signalled.
func (s *Server) Serve() error {
	slog.Info("mcp.serve", "transport", "stdio")
	return server.ServeStdio(s.mcp)
}

// jsonResult encodes v as indented JSON text content.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// errResult reports a component failure to the host without failing
// the MCP call itself.
func errResult(err error) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(err.Error()), nil
}

// stringSlice reads an optional array-of-strings argument. Non-string
// elements are stringified, matching how hosts tend to send mixed
// arrays.
func stringSlice(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		out = append(out, fmt.Sprint(v))
	}
	return out
}

// stringMap reads an optional object argument with string values.
func stringMap(args map[string]any, key string) map[string]string {
	raw, ok := args[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out
}

// anyMap reads an optional object argument as-is.
func anyMap(args map[string]any, key string) map[string]any {
	raw, ok := args[key].(map[string]any)
	if !ok {
		return nil
	}
	return raw
}
