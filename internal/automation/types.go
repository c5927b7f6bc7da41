// Package automation turns events into tasks. Rules match events by
// name and payload filters, gate on throttles and conditions, resolve
// prompt parameters from the event, and dispatch through the router
// with retry. Every evaluation leaves an execution record in a bounded
// history.
package automation

import (
	"fmt"
	"strings"
	"time"
)

// Matcher selects the events a rule reacts to. Filters compare
// string-cast payload fields for equality; all filters must match.
type Matcher struct {
	Events  []string          `json:"events"`
	Filters map[string]string `json:"filters,omitempty"`
}

// Throttle modes.
const (
	ThrottleLeading  = "leading"
	ThrottleTrailing = "trailing"
)

// Throttle bounds how often a rule may run. Buckets are keyed by rule
// id, plus the event's groupBy field when set.
type Throttle struct {
	IntervalMs int    `json:"intervalMs"`
	Mode       string `json:"mode"`
	GroupBy    string `json:"groupBy,omitempty"`
}

// Condition gates dispatch. Unknown types fail closed.
type Condition struct {
	Type  string `json:"type"`
	Value any    `json:"value,omitempty"`
}

// Rule is one persisted automation specification.
type Rule struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	// nil means enabled; operators editing rules.json rarely write it
	Enabled  *bool   `json:"enabled,omitempty"`
	Priority int     `json:"priority,omitempty"`
	Matcher  Matcher `json:"matcher"`
	SkillID  string  `json:"skillId"`

	StaticParams   map[string]any    `json:"staticParams,omitempty"`
	TemplateParams map[string]string `json:"templateParams,omitempty"`

	Tags         []string `json:"tags,omitempty"`
	TargetAgents []string `json:"targetAgents,omitempty"`
	TargetTags   []string `json:"targetTags,omitempty"`

	Throttle      *Throttle   `json:"throttle,omitempty"`
	MaxConcurrent int         `json:"maxConcurrent,omitempty"`
	MaxRetries    int         `json:"maxRetries,omitempty"`
	Conditions    []Condition `json:"conditions,omitempty"`
	DryRun        bool        `json:"dryRun,omitempty"`
	RequireReview bool        `json:"requireReview,omitempty"`

	// cron expression for time-based triggering, minute granularity
	Schedule string `json:"schedule,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// IsEnabled treats a missing enabled field as true.
func (r *Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

func (r *Rule) normalize() error {
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		return fmt.Errorf("rule: id is required")
	}
	if r.SkillID == "" {
		return fmt.Errorf("rule %s: skillId is required", r.ID)
	}
	if len(r.Matcher.Events) == 0 && r.Schedule == "" {
		return fmt.Errorf("rule %s: matcher.events or schedule is required", r.ID)
	}
	if r.Throttle != nil {
		if r.Throttle.IntervalMs <= 0 {
			return fmt.Errorf("rule %s: throttle.intervalMs must be positive", r.ID)
		}
		switch r.Throttle.Mode {
		case ThrottleLeading, ThrottleTrailing:
		case "":
			r.Throttle.Mode = ThrottleLeading
		default:
			return fmt.Errorf("rule %s: unknown throttle mode %q", r.ID, r.Throttle.Mode)
		}
	}
	if r.Name == "" {
		r.Name = r.ID
	}
	return nil
}

// matches reports whether the rule reacts to this event.
func (r *Rule) matches(event string, data map[string]any) bool {
	found := false
	for _, e := range r.Matcher.Events {
		if e == event {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	for key, want := range r.Matcher.Filters {
		got, ok := data[key]
		if !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}

// ExecutionStatus is the lifecycle of one rule evaluation.
type ExecutionStatus string

const (
	StatusQueued    ExecutionStatus = "queued"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusSkipped   ExecutionStatus = "skipped"
	StatusThrottled ExecutionStatus = "throttled"
)

// Execution records one evaluation of a rule against an event. Retried
// attempts get their own records with an increasing RetryAttempt.
type Execution struct {
	ID           string          `json:"id"`
	RuleID       string          `json:"ruleId"`
	SkillID      string          `json:"skillId"`
	TriggerEvent string          `json:"triggerEvent"`
	TriggerData  map[string]any  `json:"triggerData,omitempty"`
	Params       map[string]any  `json:"params,omitempty"`
	Status       ExecutionStatus `json:"status"`
	RetryAttempt int             `json:"retryAttempt"`
	DurationMs   int64           `json:"durationMs"`
	StartedAt    time.Time       `json:"startedAt"`
	CompletedAt  time.Time       `json:"completedAt,omitempty"`
	Error        string          `json:"error,omitempty"`
	TaskID       string          `json:"taskId,omitempty"`
	Summary      string          `json:"summary,omitempty"`
}

// ReviewStatus is the operator's verdict on an execution.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
	ReviewFlagged  ReviewStatus = "flagged"
)

// Review is one queued review item.
type Review struct {
	ID              string          `json:"id"`
	ExecutionID     string          `json:"executionId"`
	AgentID         string          `json:"agentId,omitempty"`
	ExecutionStatus ExecutionStatus `json:"executionStatus"`
	Status          ReviewStatus    `json:"status"`
	DurationMs      int64           `json:"durationMs"`
	Notes           string          `json:"notes,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	ReviewedAt      time.Time       `json:"reviewedAt,omitempty"`
}

// RuleStats summarises a rule's execution history.
type RuleStats struct {
	RuleID        string    `json:"ruleId"`
	Total         int       `json:"total"`
	Completed     int       `json:"completed"`
	Failed        int       `json:"failed"`
	Skipped       int       `json:"skipped"`
	Throttled     int       `json:"throttled"`
	Active        int       `json:"active"`
	AvgDurationMs int64     `json:"avgDurationMs"`
	LastRun       time.Time `json:"lastRun,omitempty"`
}

// Status is the engine-wide summary.
type Status struct {
	Enabled          int  `json:"enabledRules"`
	Total            int  `json:"totalRules"`
	EngineEnabled    bool `json:"engineEnabled"`
	ActiveExecutions int  `json:"activeExecutions"`
	HistorySize      int  `json:"historySize"`
	PendingReviews   int  `json:"pendingReviews"`
}
