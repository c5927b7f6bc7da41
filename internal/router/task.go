// Package router resolves task requests against skills and available
// agents, executes the skill's routing strategy, and aggregates usage
// into a task result. Routing never returns an error: every failure,
// provider errors included, lands in the result with success=false.
package router

import (
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentmgr/internal/providers"
	"github.com/nextlevelbuilder/agentmgr/internal/skills"
)

// Request is one invocation of a skill. TargetAgents and TargetTags,
// when set, override the skill's own targets (automation rules use
// this for per-rule agent selection).
type Request struct {
	TaskID       string         `json:"taskId"`
	SkillID      string         `json:"skillId"`
	Params       map[string]any `json:"params,omitempty"`
	Prompt       string         `json:"prompt,omitempty"`
	Priority     int            `json:"priority,omitempty"`
	TargetAgents []string       `json:"targetAgents,omitempty"`
	TargetTags   []string       `json:"targetTags,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	Caller       string         `json:"caller,omitempty"`
}

// NewRequest builds a request with a fresh task id.
func NewRequest(skillID string, params map[string]any) Request {
	return Request{
		TaskID:    "task-" + uuid.NewString(),
		SkillID:   skillID,
		Params:    params,
		CreatedAt: time.Now(),
	}
}

// Result aggregates every per-agent response of one routed task.
type Result struct {
	TaskID         string               `json:"taskId"`
	SkillID        string               `json:"skillId"`
	Strategy       skills.Strategy      `json:"strategy,omitempty"`
	Responses      []providers.Response `json:"responses,omitempty"`
	FinalContent   string               `json:"finalContent"`
	TotalTokens    int                  `json:"totalTokens"`
	TotalCostUnits float64              `json:"totalCostUnits"`
	TotalLatencyMs int64                `json:"totalLatencyMs"`
	Success        bool                 `json:"success"`
	Error          string               `json:"error,omitempty"`
	CompletedAt    time.Time            `json:"completedAt"`
}

// Summary is a short human-readable digest for execution records.
func (r Result) Summary() string {
	if !r.Success {
		if r.Error != "" {
			return "failed: " + r.Error
		}
		return "failed"
	}
	return truncate(r.FinalContent, 120)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
