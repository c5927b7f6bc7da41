package registry

import (
	"fmt"
	"strings"
	"time"
)

// State is an agent's lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateBusy     State = "busy"
	StateError    State = "error"
	StateStopped  State = "stopped"
)

// Config is the persisted description of an agent. ID is immutable
// after creation. JSON tags match the on-disk agents.json document,
// which operators edit by hand.
type Config struct {
	ID             string            `json:"id"`
	Name           string            `json:"name,omitempty"`
	Provider       string            `json:"provider"`
	Model          string            `json:"model,omitempty"`
	Transport      string            `json:"transport,omitempty"`
	Endpoint       string            `json:"endpoint,omitempty"`
	Args           []string          `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	MaxConcurrency int               `json:"maxConcurrency,omitempty"`
	CostMultiplier float64           `json:"costMultiplier,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
	CanMutate      bool              `json:"canMutate,omitempty"`
	TimeoutMs      int               `json:"timeoutMs,omitempty"`
	BinaryPath     string            `json:"binaryPath,omitempty"`
	ExtraArgs      []string          `json:"extraArgs,omitempty"`
	WorkingDir     string            `json:"workingDir,omitempty"`
}

// Transport kinds. Endpoint interpretation depends on the transport:
// a command line for stdio, host:port for tcp, a base URL for http.
const (
	TransportStdio = "stdio"
	TransportTCP   = "tcp"
	TransportHTTP  = "http"
)

// Agent is a registered instance: the persisted config plus runtime
// state the registry owns. Runtime fields are never persisted.
type Agent struct {
	Config
	State           State     `json:"state"`
	TasksCompleted  int       `json:"tasksCompleted"`
	TasksFailed     int       `json:"tasksFailed"`
	ActiveTasks     int       `json:"activeTasks"`
	TotalTokens     int64     `json:"totalTokens"`
	TotalCostUnits  float64   `json:"totalCostUnits"`
	PremiumRequests int       `json:"premiumRequests"`
	TokensEstimated bool      `json:"tokensEstimated"`
	StartedAt       time.Time `json:"startedAt"`
	LastActivity    time.Time `json:"lastActivity"`
	LastError       string    `json:"lastError,omitempty"`
}

// Usage is what one completed dispatch contributes to the accounting.
type Usage struct {
	Tokens          int
	CostUnits       float64
	Success         bool
	PremiumRequests int
	TokensEstimated bool
}

// Health is the per-agent summary returned by the health operations.
type Health struct {
	AgentID         string    `json:"agentId"`
	Name            string    `json:"name,omitempty"`
	State           State     `json:"state"`
	ActiveTasks     int       `json:"activeTasks"`
	MaxConcurrency  int       `json:"maxConcurrency"`
	TasksCompleted  int       `json:"tasksCompleted"`
	TasksFailed     int       `json:"tasksFailed"`
	TotalTokens     int64     `json:"totalTokens"`
	TotalCostUnits  float64   `json:"totalCostUnits"`
	PremiumRequests int       `json:"premiumRequests"`
	UptimeMs        int64     `json:"uptimeMs"`
	LastActivity    time.Time `json:"lastActivity"`
	LastError       string    `json:"lastError,omitempty"`
}

// normalize fills defaults and validates the parts that must hold for
// the concurrency accounting to work.
func normalize(cfg *Config) error {
	cfg.ID = strings.TrimSpace(cfg.ID)
	if cfg.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	if strings.TrimSpace(cfg.Provider) == "" {
		return fmt.Errorf("agent %s: provider is required", cfg.ID)
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.CostMultiplier < 0 {
		return fmt.Errorf("agent %s: costMultiplier must be non-negative", cfg.ID)
	}
	return nil
}

// hasAnyTag reports whether the agent carries at least one of the
// query tags. An empty query matches every agent.
func hasAnyTag(agentTags, query []string) bool {
	if len(query) == 0 {
		return true
	}
	for _, q := range query {
		for _, t := range agentTags {
			if t == q {
				return true
			}
		}
	}
	return false
}
