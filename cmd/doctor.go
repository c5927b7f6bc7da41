package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentmgr/internal/config"
	"github.com/nextlevelbuilder/agentmgr/internal/messaging"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment, configuration, and data health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("agentmgr doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, defaults apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	paths := cfg.ResolvePaths()
	fmt.Printf("  Data dir: %s", paths.Base)
	if err := paths.EnsureDirs(); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
	} else if probe, err := os.CreateTemp(paths.Base, ".doctor-*"); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
	} else {
		probe.Close()
		os.Remove(probe.Name())
		fmt.Println(" (writable)")
	}

	fmt.Println()
	fmt.Println("  State:")
	checkCollection("agents", paths.AgentsFile())
	checkCollection("skills", paths.SkillsFile())
	checkCollection("rules", paths.RulesFile())
	checkCollection("monitors", paths.MonitorsFile())

	fmt.Println()
	fmt.Println("  Providers:")
	checkProvider("OpenAI", cfg.Providers.OpenAI.APIKey)
	checkProvider("Anthropic", cfg.Providers.Anthropic.APIKey)
	if cfg.Telemetry.Enabled {
		fmt.Printf("    %-12s %s\n", "Telemetry:", cfg.Telemetry.Endpoint)
	} else {
		fmt.Printf("    %-12s disabled\n", "Telemetry:")
	}

	// CLI agents only work when their binaries are installed; git
	// backs the workspace remote polling.
	fmt.Println()
	fmt.Println("  External Tools:")
	checkBinary("git")
	checkBinary("claude")
	checkBinary("gemini")
	checkBinary("codex")

	fmt.Println()
	fmt.Println("  Peers:")
	peers := messaging.Peers(paths.State)
	if len(peers) == 0 {
		fmt.Println("    (no live peers)")
	}
	for _, peer := range peers {
		fmt.Printf("    %-12s pid %d, up %s\n", peer.Name+":", peer.PID,
			time.Since(peer.StartedAt).Truncate(time.Second))
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

// checkCollection reports the entry count of one persisted collection
// file. Collections are JSON arrays; a missing file means the daemon
// has not persisted that collection yet.
func checkCollection(name, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("    %-12s (not created yet)\n", name+":")
		return
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		fmt.Printf("    %-12s CORRUPT (%s)\n", name+":", err)
		return
	}
	fmt.Printf("    %-12s %d entries\n", name+":", len(entries))
}

func checkProvider(name, apiKey string) {
	switch {
	case apiKey == "":
		fmt.Printf("    %-12s (not configured)\n", name+":")
	case len(apiKey) < 8:
		fmt.Printf("    %-12s (set)\n", name+":")
	default:
		masked := apiKey[:4] + strings.Repeat("*", len(apiKey)-8) + apiKey[len(apiKey)-4:]
		fmt.Printf("    %-12s %s\n", name+":", masked)
	}
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
