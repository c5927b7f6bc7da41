package mcpserver

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/agentmgr/internal/automation"
	"github.com/nextlevelbuilder/agentmgr/internal/backup"
	"github.com/nextlevelbuilder/agentmgr/internal/bus"
	"github.com/nextlevelbuilder/agentmgr/internal/config"
	"github.com/nextlevelbuilder/agentmgr/internal/crossrepo"
	"github.com/nextlevelbuilder/agentmgr/internal/eventlog"
	"github.com/nextlevelbuilder/agentmgr/internal/messaging"
	"github.com/nextlevelbuilder/agentmgr/internal/meta"
	"github.com/nextlevelbuilder/agentmgr/internal/providers"
	"github.com/nextlevelbuilder/agentmgr/internal/registry"
	"github.com/nextlevelbuilder/agentmgr/internal/router"
	"github.com/nextlevelbuilder/agentmgr/internal/skills"
	"github.com/nextlevelbuilder/agentmgr/internal/store"
	"github.com/nextlevelbuilder/agentmgr/internal/workspace"
)

type stubProvider struct{}

func (stubProvider) Name() string { return "stub" }

func (stubProvider) Capabilities() providers.Capabilities {
	return providers.Capabilities{Billing: providers.BillingFree, ConcurrencySafe: true, Protocol: "stub"}
}

func (stubProvider) Complete(ctx context.Context, agent registry.Config, prompt string, maxTokens int) (*providers.Completion, error) {
	return &providers.Completion{Content: "echo: " + prompt, Tokens: 5, Model: agent.Model}, nil
}

type fixture struct {
	srv *Server
	dir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	b := bus.New()

	agents := registry.New(store.NewCollection(filepath.Join(dir, "agents.json")), b)
	sk := skills.New(store.NewCollection(filepath.Join(dir, "skills.json")), b)

	prov := providers.NewRegistry(4096, 30000)
	prov.Register(stubProvider{})
	rt := router.New(sk, agents, prov, b)

	engine := automation.New(store.NewCollection(filepath.Join(dir, "rules.json")), b, rt, agents, 50, 50)
	engine.Attach()
	t.Cleanup(func() { _ = engine.Close() })

	hour := int(time.Hour / time.Millisecond)
	ws := workspace.NewManager(
		store.NewCollection(filepath.Join(dir, "monitors.json")),
		store.NewCollection(filepath.Join(dir, "workspace-history.json")),
		b, config.WorkspaceConfig{MaxRecent: 10, GitFetchIntervalMs: hour, MineIntervalMs: hour})
	t.Cleanup(func() { _ = ws.Close() })

	events := eventlog.New(filepath.Join(dir, "events.jsonl"), 100)
	events.Attach(b)
	t.Cleanup(func() { _ = events.Close() })

	mbox := messaging.NewMailbox(filepath.Join(dir, "messages.jsonl"), "tester", b)
	t.Cleanup(mbox.Close)

	srv := New("test", Deps{
		Agents:     agents,
		Skills:     sk,
		Providers:  prov,
		Router:     rt,
		Engine:     engine,
		Workspaces: ws,
		Events:     events,
		Mailbox:    mbox,
		Backups:    backup.New(filepath.Join(dir, "backups"), filepath.Join(dir, "agents.json"), filepath.Join(dir, "skills.json")),
		Meta: meta.New("test", dir, filepath.Join(dir, "feedback.jsonl"), meta.Counters{
			Agents: agents.Count,
			Skills: sk.Count,
			Rules:  func() int { return engine.GetStatus().Total },
			Events: events.Count,
		}),
		CrossRepo: crossrepo.New(rt, b),
		StateDir:  dir,
		PeerName:  "tester",
	})
	return &fixture{srv: srv, dir: dir}
}

func reqWith(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	return tc.Text
}

func decodeInto(t *testing.T, res *mcp.CallToolResult, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), v))
}

func TestAgentToolLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.srv.handleSpawnAgent(ctx, reqWith(map[string]any{
		"id": "a1", "provider": "stub", "tags": []any{"code"}, "maxConcurrency": float64(2),
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, textOf(t, res))

	var agent registry.Agent
	decodeInto(t, res, &agent)
	assert.Equal(t, "a1", agent.ID)
	assert.Equal(t, registry.StateIdle, agent.State)
	assert.Equal(t, 2, agent.MaxConcurrency)

	// Duplicate id is a tool-level failure, not a protocol error.
	res, err = f.srv.handleSpawnAgent(ctx, reqWith(map[string]any{"id": "a1", "provider": "stub"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = f.srv.handleUpdateAgent(ctx, reqWith(map[string]any{"id": "a1", "model": "m2"}))
	require.NoError(t, err)
	decodeInto(t, res, &agent)
	assert.Equal(t, "m2", agent.Model)

	res, err = f.srv.handleListAgents(ctx, reqWith(map[string]any{"tags": []any{"code"}}))
	require.NoError(t, err)
	var list []registry.Agent
	decodeInto(t, res, &list)
	require.Len(t, list, 1)

	res, err = f.srv.handleAgentHealth(ctx, reqWith(map[string]any{"id": "a1"}))
	require.NoError(t, err)
	var health registry.Health
	decodeInto(t, res, &health)
	assert.Equal(t, "a1", health.AgentID)

	res, err = f.srv.handleStopAgent(ctx, reqWith(map[string]any{"id": "a1", "remove": true}))
	require.NoError(t, err)
	require.False(t, res.IsError, textOf(t, res))

	res, err = f.srv.handleListAgents(ctx, reqWith(nil))
	require.NoError(t, err)
	list = nil
	decodeInto(t, res, &list)
	assert.Empty(t, list)
}

func TestSpawnAgentRequiresID(t *testing.T) {
	f := newFixture(t)

	res, err := f.srv.handleSpawnAgent(context.Background(), reqWith(map[string]any{"provider": "stub"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestSendPromptAccountsUsage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.srv.handleSpawnAgent(ctx, reqWith(map[string]any{"id": "a1", "provider": "stub"}))
	require.NoError(t, err)

	res, err := f.srv.handleSendPrompt(ctx, reqWith(map[string]any{"id": "a1", "prompt": "hello"}))
	require.NoError(t, err)
	require.False(t, res.IsError, textOf(t, res))

	var resp providers.Response
	decodeInto(t, res, &resp)
	assert.Equal(t, "echo: hello", resp.Content)
	assert.True(t, resp.Success)

	res, err = f.srv.handleAgentHealth(ctx, reqWith(map[string]any{"id": "a1"}))
	require.NoError(t, err)
	var health registry.Health
	decodeInto(t, res, &health)
	assert.Equal(t, 1, health.TasksCompleted)
	assert.Equal(t, 0, health.ActiveTasks)
}

func TestSkillToolsAndRouting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.srv.handleSpawnAgent(ctx, reqWith(map[string]any{"id": "a1", "provider": "stub", "tags": []any{"review"}}))
	require.NoError(t, err)

	res, err := f.srv.handleCreateSkill(ctx, reqWith(map[string]any{
		"id":             "review-file",
		"promptTemplate": "review {file}",
		"targetTags":     []any{"review"},
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, textOf(t, res))

	res, err = f.srv.handleListSkills(ctx, reqWith(nil))
	require.NoError(t, err)
	var defs []skills.Skill
	decodeInto(t, res, &defs)
	require.Len(t, defs, 1)
	assert.Equal(t, skills.StrategySingle, defs[0].Strategy)

	res, err = f.srv.handleRunSkill(ctx, reqWith(map[string]any{
		"skillId": "review-file",
		"params":  map[string]any{"file": "main.go"},
	}))
	require.NoError(t, err)
	var result router.Result
	decodeInto(t, res, &result)
	assert.True(t, result.Success)
	assert.Equal(t, "echo: review main.go", result.FinalContent)

	// Unknown skill fails the task, not the tool call.
	res, err = f.srv.handleRunSkill(ctx, reqWith(map[string]any{"skillId": "nope"}))
	require.NoError(t, err)
	decodeInto(t, res, &result)
	assert.False(t, result.Success)

	res, err = f.srv.handleRemoveSkill(ctx, reqWith(map[string]any{"id": "review-file"}))
	require.NoError(t, err)
	require.False(t, res.IsError, textOf(t, res))
}

func TestRuleToolsLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.srv.handleCreateSkill(ctx, reqWith(map[string]any{
		"id": "notify", "promptTemplate": "say {msg}",
	}))
	require.NoError(t, err)

	res, err := f.srv.handleCreateRule(ctx, reqWith(map[string]any{
		"rule": map[string]any{
			"id":      "r1",
			"skillId": "notify",
			"matcher": map[string]any{"events": []any{"task:completed"}},
		},
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, textOf(t, res))

	res, err = f.srv.handleUpdateRule(ctx, reqWith(map[string]any{
		"id":    "r1",
		"patch": map[string]any{"priority": float64(5)},
	}))
	require.NoError(t, err)
	var rule automation.Rule
	decodeInto(t, res, &rule)
	assert.Equal(t, 5, rule.Priority)

	res, err = f.srv.handleTriggerRule(ctx, reqWith(map[string]any{
		"id": "r1", "dryRun": true, "data": map[string]any{"msg": "hi"},
	}))
	require.NoError(t, err)
	var exec automation.Execution
	decodeInto(t, res, &exec)
	assert.Equal(t, "manual", exec.TriggerEvent)

	res, err = f.srv.handleListExecutions(ctx, reqWith(map[string]any{"ruleId": "r1"}))
	require.NoError(t, err)
	var execs []automation.Execution
	decodeInto(t, res, &execs)
	require.NotEmpty(t, execs)

	res, err = f.srv.handleAutomationStatus(ctx, reqWith(nil))
	require.NoError(t, err)
	var status automation.Status
	decodeInto(t, res, &status)
	assert.Equal(t, 1, status.Total)

	res, err = f.srv.handleDeleteRule(ctx, reqWith(map[string]any{"id": "r1"}))
	require.NoError(t, err)
	require.False(t, res.IsError, textOf(t, res))
}

func TestWorkspaceTools(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dir := t.TempDir()

	res, err := f.srv.handleWatchWorkspace(ctx, reqWith(map[string]any{"path": dir}))
	require.NoError(t, err)
	require.False(t, res.IsError, textOf(t, res))

	res, err = f.srv.handleWorkspaceStatus(ctx, reqWith(map[string]any{"includeHistory": true}))
	require.NoError(t, err)
	var status struct {
		Monitors []workspace.MonitorStatus `json:"monitors"`
		Count    int                       `json:"count"`
	}
	decodeInto(t, res, &status)
	assert.Equal(t, 1, status.Count)
	require.Len(t, status.Monitors, 1)
	assert.Equal(t, dir, status.Monitors[0].Path)

	res, err = f.srv.handleUnwatchWorkspace(ctx, reqWith(map[string]any{"path": dir}))
	require.NoError(t, err)
	require.False(t, res.IsError, textOf(t, res))
}

func TestSystemTools(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Meta reflects the fixture version.
	res, err := f.srv.handleMeta(ctx, reqWith(nil))
	require.NoError(t, err)
	var info meta.Info
	decodeInto(t, res, &info)
	assert.Equal(t, "test", info.Version)

	res, err = f.srv.handleFeedback(ctx, reqWith(map[string]any{"message": "works", "category": "praise"}))
	require.NoError(t, err)
	var fb meta.Feedback
	decodeInto(t, res, &fb)
	assert.Equal(t, "praise", fb.Category)

	// Mailbox roundtrip; from defaults to the fixture peer name.
	res, err = f.srv.handleSendMessage(ctx, reqWith(map[string]any{"to": "tester", "body": "ping"}))
	require.NoError(t, err)
	require.False(t, res.IsError, textOf(t, res))

	res, err = f.srv.handleReadMessages(ctx, reqWith(map[string]any{"markSeen": false}))
	require.NoError(t, err)
	var msgs []messaging.Message
	decodeInto(t, res, &msgs)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ping", msgs[0].Body)

	// Agent registration persisted agents.json, so the backup has a file.
	_, err = f.srv.handleSpawnAgent(ctx, reqWith(map[string]any{"id": "a1", "provider": "stub"}))
	require.NoError(t, err)

	res, err = f.srv.handleBackup(ctx, reqWith(map[string]any{"note": "test"}))
	require.NoError(t, err)
	var manifest backup.Manifest
	decodeInto(t, res, &manifest)
	assert.NotEmpty(t, manifest.Files)

	res, err = f.srv.handleListBackups(ctx, reqWith(nil))
	require.NoError(t, err)
	var manifests []backup.Manifest
	decodeInto(t, res, &manifests)
	require.Len(t, manifests, 1)

	// The spawn above went through the bus into the event log.
	res, err = f.srv.handleRecentEvents(ctx, reqWith(map[string]any{"event": "agent:registered"}))
	require.NoError(t, err)
	var entries []eventlog.Entry
	decodeInto(t, res, &entries)
	require.NotEmpty(t, entries)
}
