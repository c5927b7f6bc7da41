package automation

import (
	"fmt"
	"strconv"

	"github.com/nextlevelbuilder/agentmgr/internal/registry"
)

// Condition types.
const (
	ConditionMinAgents      = "min-agents"
	ConditionAgentAvailable = "agent-available"
)

// evaluateConditions returns a reason string when any condition fails.
// Unknown condition types fail closed.
func evaluateConditions(conditions []Condition, agents *registry.Registry) (string, bool) {
	for _, c := range conditions {
		switch c.Type {
		case ConditionMinAgents:
			min := asInt(c.Value)
			if got := agents.AvailableCount(); got < min {
				return fmt.Sprintf("condition min-agents: %d available, need %d", got, min), false
			}
		case ConditionAgentAvailable:
			id := fmt.Sprint(c.Value)
			a, ok := agents.Get(id)
			if !ok {
				return fmt.Sprintf("condition agent-available: %s not registered", id), false
			}
			if (a.State != registry.StateIdle && a.State != registry.StateRunning) || a.ActiveTasks >= a.MaxConcurrency {
				return fmt.Sprintf("condition agent-available: %s is %s", id, a.State), false
			}
		default:
			return fmt.Sprintf("unknown condition type %q", c.Type), false
		}
	}
	return "", true
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		// JSON numbers decode as float64
		return int(n)
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return 0
}
