package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentmgr/internal/automation"
	"github.com/nextlevelbuilder/agentmgr/internal/backup"
	"github.com/nextlevelbuilder/agentmgr/internal/bus"
	"github.com/nextlevelbuilder/agentmgr/internal/config"
	"github.com/nextlevelbuilder/agentmgr/internal/crossrepo"
	"github.com/nextlevelbuilder/agentmgr/internal/eventlog"
	"github.com/nextlevelbuilder/agentmgr/internal/mcpserver"
	"github.com/nextlevelbuilder/agentmgr/internal/messaging"
	"github.com/nextlevelbuilder/agentmgr/internal/meta"
	"github.com/nextlevelbuilder/agentmgr/internal/providers"
	"github.com/nextlevelbuilder/agentmgr/internal/registry"
	"github.com/nextlevelbuilder/agentmgr/internal/router"
	"github.com/nextlevelbuilder/agentmgr/internal/skills"
	"github.com/nextlevelbuilder/agentmgr/internal/store"
	"github.com/nextlevelbuilder/agentmgr/internal/telemetry"
	"github.com/nextlevelbuilder/agentmgr/internal/workspace"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration daemon (MCP over stdio)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	// stdout carries the MCP wire; all logging goes to stderr.
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if !verbose && strings.EqualFold(cfg.LogLevel, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	paths := cfg.ResolvePaths()
	if err := paths.EnsureDirs(); err != nil {
		slog.Error("failed to prepare data dirs", "error", err)
		os.Exit(1)
	}

	msgBus := bus.New()

	// Event log first so every registration below is captured.
	events := eventlog.New(paths.EventLogFile(), cfg.EventLog.RingSize)
	events.Attach(msgBus)
	defer events.Close()

	agents := registry.New(store.NewCollection(paths.AgentsFile(), store.WithBackupFallback()), msgBus)
	if err := agents.LoadPersisted(); err != nil {
		slog.Warn("agent restore failed", "error", err)
	}
	if err := agents.WatchExternal(); err != nil {
		slog.Warn("agents.json watcher unavailable", "error", err)
	}
	defer agents.Close()

	skillStore := skills.New(store.NewCollection(paths.SkillsFile()), msgBus)
	if err := skillStore.LoadPersisted(); err != nil {
		slog.Warn("skill restore failed", "error", err)
	}
	if err := skillStore.WatchExternal(); err != nil {
		slog.Warn("skills.json watcher unavailable", "error", err)
	}
	defer skillStore.Close()

	prov := providers.NewRegistry(cfg.Defaults.MaxTokens, cfg.Defaults.TimeoutMs)
	registerProviders(prov, cfg)
	defer prov.Close()

	tel, err := telemetry.Init(context.Background(), cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
	}
	if tel != nil {
		slog.Info("telemetry enabled", "endpoint", cfg.Telemetry.Endpoint)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(ctx); err != nil {
				slog.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	taskRouter := router.New(skillStore, agents, prov, msgBus, router.WithTelemetry(tel))

	engine := automation.New(store.NewCollection(paths.RulesFile()), msgBus, taskRouter, agents,
		cfg.Automation.HistoryLimit, cfg.Automation.ReviewLimit)
	if err := engine.LoadPersisted(); err != nil {
		slog.Warn("rule restore failed", "error", err)
	}
	if err := engine.WatchExternal(); err != nil {
		slog.Warn("rules.json watcher unavailable", "error", err)
	}
	engine.Attach()
	defer engine.Close()

	scheduler := automation.NewScheduler(engine)
	scheduler.Start()
	defer scheduler.Stop()

	workspaces := workspace.NewManager(
		store.NewCollection(paths.MonitorsFile()),
		store.NewCollection(paths.HistoryFile()),
		msgBus, cfg.Workspace)
	if err := workspaces.RestorePersisted(); err != nil {
		slog.Warn("monitor restore failed", "error", err)
	}
	defer workspaces.Close()

	const peerName = "agentmgr"
	mailbox := messaging.NewMailbox(paths.MessagesFile(), peerName, msgBus)
	mailbox.Start()
	defer mailbox.Close()

	presence := messaging.NewPresence(paths.DashboardFile(os.Getpid()), peerName, func() map[string]int {
		return map[string]int{
			"agents":   agents.Count(),
			"skills":   skillStore.Count(),
			"monitors": workspaces.Count(),
		}
	})
	presence.Start()
	defer presence.Stop()

	srv := mcpserver.New(Version, mcpserver.Deps{
		Agents:     agents,
		Skills:     skillStore,
		Providers:  prov,
		Router:     taskRouter,
		Engine:     engine,
		Workspaces: workspaces,
		Events:     events,
		Mailbox:    mailbox,
		Backups: backup.New(paths.Backups,
			paths.AgentsFile(), paths.SkillsFile(), paths.RulesFile(),
			paths.MonitorsFile(), paths.HistoryFile()),
		Meta: meta.New(Version, paths.Base, paths.FeedbackFile(), meta.Counters{
			Agents:   agents.Count,
			Skills:   skillStore.Count,
			Rules:    func() int { return engine.GetStatus().Total },
			Monitors: workspaces.Count,
			Events:   events.Count,
		}),
		CrossRepo: crossrepo.New(taskRouter, msgBus),
		StateDir:  paths.State,
		PeerName:  peerName,
	})

	slog.Info("agentmgr serving",
		"version", Version,
		"dataDir", paths.Base,
		"agents", agents.Count(),
		"skills", skillStore.Count(),
		"rules", engine.GetStatus().Total,
		"monitors", workspaces.Count(),
		"providers", prov.Names(),
		"keepAlive", cfg.KeepAlive,
	)

	if err := srv.Serve(); err != nil {
		slog.Error("mcp server terminated", "error", err)
	}

	// The host closed stdin. With keep-alive the background planes
	// (monitors, automation, schedule) stay up until signalled.
	if cfg.KeepAlive {
		slog.Info("stdin closed, staying alive until signalled")
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
	} else {
		slog.Info("graceful shutdown initiated", "reason", "stdin closed")
	}
}

// registerProviders wires every provider tag the dispatcher knows.
// Subscription CLIs share one implementation parameterised by tag;
// the HTTP providers read credentials from config (already overlaid
// with OPENAI_API_KEY / ANTHROPIC_API_KEY).
func registerProviders(reg *providers.Registry, cfg *config.Config) {
	for _, tag := range []string{"claude-cli", "gemini-cli", "codex-cli"} {
		reg.Register(providers.NewCLIProvider(tag))
	}
	reg.Register(providers.NewSubprocessProvider())
	reg.Register(providers.NewTCPProvider())
	reg.Register(providers.NewOpenAIProvider("openai",
		cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase))
	reg.Register(providers.NewAnthropicProvider(cfg.Providers.Anthropic.APIKey,
		providers.WithAnthropicBaseURL(cfg.Providers.Anthropic.APIBase)))
}
