package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths resolves every file the daemon persists. Each collection dir
// defaults to a subdirectory of the base data dir and can be redirected
// individually through its env var.
type Paths struct {
	Base       string
	Agents     string
	Skills     string
	Automation string
	Config     string
	EventLog   string
	State      string
	Backups    string
	Meta       string
}

// ResolvePaths derives the data layout from the config and the
// per-collection env overrides.
func (c *Config) ResolvePaths() Paths {
	base := ExpandHome(c.DataDir)
	dir := func(env, sub string) string {
		if v := os.Getenv(env); v != "" {
			return ExpandHome(v)
		}
		return filepath.Join(base, sub)
	}
	return Paths{
		Base:       base,
		Agents:     dir("AGENTS_DIR", "agents"),
		Skills:     dir("SKILLS_DIR", "skills"),
		Automation: dir("AUTOMATION_RULES_DIR", "automation"),
		Config:     dir("CONFIG_DIR", "config"),
		EventLog:   dir("EVENT_LOG_DIR", "logs"),
		State:      dir("STATE_DIR", "state"),
		Backups:    dir("BACKUP_DIR", "backups"),
		Meta:       dir("META_DIR", "meta"),
	}
}

// EnsureDirs creates every data directory.
func (p Paths) EnsureDirs() error {
	for _, d := range []string{p.Base, p.Agents, p.Skills, p.Automation, p.Config, p.EventLog, p.State, p.Backups, p.Meta} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

func (p Paths) AgentsFile() string     { return filepath.Join(p.Agents, "agents.json") }
func (p Paths) SkillsFile() string     { return filepath.Join(p.Skills, "skills.json") }
func (p Paths) RulesFile() string      { return filepath.Join(p.Automation, "rules.json") }
func (p Paths) MonitorsFile() string   { return filepath.Join(p.Config, "monitors.json") }
func (p Paths) HistoryFile() string    { return filepath.Join(p.Config, "workspace-history.json") }
func (p Paths) EventLogFile() string   { return filepath.Join(p.EventLog, "events.jsonl") }
func (p Paths) MessagesFile() string   { return filepath.Join(p.State, "messages.jsonl") }
func (p Paths) FeedbackFile() string   { return filepath.Join(p.Meta, "feedback.jsonl") }

// DashboardFile is the per-process peer snapshot.
func (p Paths) DashboardFile(pid int) string {
	return filepath.Join(p.State, fmt.Sprintf("dashboard-%d.json", pid))
}

// BackupDir is the directory for one backup id.
func (p Paths) BackupDir(id string) string {
	return filepath.Join(p.Backups, id)
}
