package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/agentmgr/internal/registry"
)

func (s *Server) registerAgentTools() {
	s.mcp.AddTool(mcp.NewTool("mgr_spawn_agent",
		mcp.WithDescription("Register an agent instance so skills can be routed to it. The agent is a handle to an external CLI or API endpoint; nothing is launched until a task is dispatched."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Unique agent id, immutable after creation")),
		mcp.WithString("provider", mcp.Required(), mcp.Description("Provider tag, e.g. claude-cli, openai, anthropic, tcp")),
		mcp.WithString("name", mcp.Description("Display name, defaults to the id")),
		mcp.WithString("model", mcp.Description("Model identifier passed to the provider")),
		mcp.WithString("transport", mcp.Description("stdio, tcp or http"), mcp.Enum("stdio", "tcp", "http")),
		mcp.WithString("endpoint", mcp.Description("Command line (stdio), host:port (tcp) or base URL (http)")),
		mcp.WithNumber("maxConcurrency", mcp.Description("Parallel task cap, default 1")),
		mcp.WithNumber("costMultiplier", mcp.Description("Relative cost weight used by the cost-optimized strategy")),
		mcp.WithNumber("timeoutMs", mcp.Description("Per-dispatch timeout override")),
		mcp.WithArray("tags", mcp.Description("Capability tags for skill targeting")),
		mcp.WithBoolean("canMutate", mcp.Description("Whether the agent may modify files")),
		mcp.WithString("binaryPath", mcp.Description("CLI binary override")),
		mcp.WithString("workingDir", mcp.Description("Working directory for CLI dispatches")),
		mcp.WithObject("env", mcp.Description("Extra environment variables for CLI dispatches")),
		mcp.WithArray("extraArgs", mcp.Description("Extra CLI arguments appended after the prompt flag")),
	), s.handleSpawnAgent)

	s.mcp.AddTool(mcp.NewTool("mgr_list_agents",
		mcp.WithDescription("List registered agents with their runtime state and accounting."),
		mcp.WithString("provider", mcp.Description("Only agents of this provider")),
		mcp.WithArray("tags", mcp.Description("Only agents carrying at least one of these tags")),
	), s.handleListAgents)

	s.mcp.AddTool(mcp.NewTool("mgr_update_agent",
		mcp.WithDescription("Update a registered agent's configuration. Only provided fields change; the id is immutable."),
		mcp.WithString("id", mcp.Required()),
		mcp.WithString("name"),
		mcp.WithString("model"),
		mcp.WithString("endpoint"),
		mcp.WithNumber("maxConcurrency"),
		mcp.WithNumber("costMultiplier"),
		mcp.WithNumber("timeoutMs"),
		mcp.WithArray("tags", mcp.Description("Replaces the tag set")),
		mcp.WithBoolean("canMutate"),
	), s.handleUpdateAgent)

	s.mcp.AddTool(mcp.NewTool("mgr_stop_agent",
		mcp.WithDescription("Mark an agent stopped so no further tasks are routed to it. With remove=true the agent is also deleted from the registry."),
		mcp.WithString("id", mcp.Required()),
		mcp.WithBoolean("remove", mcp.Description("Also unregister and drop from agents.json")),
	), s.handleStopAgent)

	s.mcp.AddTool(mcp.NewTool("mgr_agent_health",
		mcp.WithDescription("Health summary for one agent, or every agent when id is omitted."),
		mcp.WithString("id", mcp.Description("Agent id")),
	), s.handleAgentHealth)

	s.mcp.AddTool(mcp.NewTool("mgr_send_prompt",
		mcp.WithDescription("Send a raw prompt to one specific agent, bypassing skill routing. The dispatch still counts against the agent's concurrency and usage accounting."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Target agent id")),
		mcp.WithString("prompt", mcp.Required()),
		mcp.WithNumber("maxTokens", mcp.Description("Response token cap")),
		mcp.WithNumber("timeoutMs", mcp.Description("Dispatch timeout")),
	), s.handleSendPrompt)
}

func (s *Server) handleSpawnAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return errResult(err)
	}
	provider, err := req.RequireString("provider")
	if err != nil {
		return errResult(err)
	}
	args := req.GetArguments()

	cfg := registry.Config{
		ID:             id,
		Provider:       provider,
		Name:           req.GetString("name", ""),
		Model:          req.GetString("model", ""),
		Transport:      req.GetString("transport", ""),
		Endpoint:       req.GetString("endpoint", ""),
		MaxConcurrency: req.GetInt("maxConcurrency", 0),
		CostMultiplier: req.GetFloat("costMultiplier", 0),
		TimeoutMs:      req.GetInt("timeoutMs", 0),
		Tags:           stringSlice(args, "tags"),
		CanMutate:      req.GetBool("canMutate", false),
		BinaryPath:     req.GetString("binaryPath", ""),
		WorkingDir:     req.GetString("workingDir", ""),
		Env:            stringMap(args, "env"),
		ExtraArgs:      stringSlice(args, "extraArgs"),
	}
	agent, err := s.deps.Agents.Register(cfg)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(agent)
}

func (s *Server) handleListAgents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	provider := req.GetString("provider", "")
	tags := stringSlice(args, "tags")

	var agents []registry.Agent
	switch {
	case provider != "":
		agents = s.deps.Agents.FindByProvider(provider)
	case len(tags) > 0:
		agents = s.deps.Agents.FindByTags(tags)
	default:
		agents = s.deps.Agents.All()
	}
	return jsonResult(agents)
}

func (s *Server) handleUpdateAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return errResult(err)
	}
	args := req.GetArguments()

	agent, err := s.deps.Agents.Update(id, func(cfg *registry.Config) {
		if v, ok := args["name"].(string); ok {
			cfg.Name = v
		}
		if v, ok := args["model"].(string); ok {
			cfg.Model = v
		}
		if v, ok := args["endpoint"].(string); ok {
			cfg.Endpoint = v
		}
		if v, ok := args["maxConcurrency"].(float64); ok {
			cfg.MaxConcurrency = int(v)
		}
		if v, ok := args["costMultiplier"].(float64); ok {
			cfg.CostMultiplier = v
		}
		if v, ok := args["timeoutMs"].(float64); ok {
			cfg.TimeoutMs = int(v)
		}
		if _, ok := args["tags"]; ok {
			cfg.Tags = stringSlice(args, "tags")
		}
		if v, ok := args["canMutate"].(bool); ok {
			cfg.CanMutate = v
		}
	})
	if err != nil {
		return errResult(err)
	}
	return jsonResult(agent)
}

func (s *Server) handleStopAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return errResult(err)
	}
	if err := s.deps.Agents.SetState(id, registry.StateStopped, ""); err != nil {
		return errResult(err)
	}
	if req.GetBool("remove", false) {
		if err := s.deps.Agents.Unregister(id); err != nil {
			return errResult(err)
		}
		return jsonResult(map[string]string{"id": id, "status": "removed"})
	}
	return jsonResult(map[string]string{"id": id, "status": "stopped"})
}

func (s *Server) handleAgentHealth(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if id := req.GetString("id", ""); id != "" {
		h, err := s.deps.Agents.Health(id)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(h)
	}
	return jsonResult(s.deps.Agents.HealthAll())
}

func (s *Server) handleSendPrompt(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return errResult(err)
	}
	prompt, err := req.RequireString("prompt")
	if err != nil {
		return errResult(err)
	}

	agent, ok := s.deps.Agents.Get(id)
	if !ok {
		return errResult(fmt.Errorf("agent %s not found", id))
	}
	if err := s.deps.Agents.RecordTaskStart(id); err != nil {
		return errResult(err)
	}
	resp := s.deps.Providers.Dispatch(ctx, agent.Config, prompt,
		req.GetInt("maxTokens", 0), req.GetInt("timeoutMs", 0))
	if err := s.deps.Agents.RecordTaskComplete(id, resp.Usage()); err != nil {
		return errResult(err)
	}
	return jsonResult(resp)
}
