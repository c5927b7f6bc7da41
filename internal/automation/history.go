package automation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-runewidth"
)

const maxSnapshotWidth = 200

// history owns the bounded execution records and the review queue.
// Records are stored oldest-first and the oldest drop off at the cap.
type history struct {
	mu         sync.Mutex
	executions []*Execution
	reviews    []*Review
	execLimit  int
	revLimit   int
}

func newHistory(execLimit, revLimit int) *history {
	if execLimit <= 0 {
		execLimit = 200
	}
	if revLimit <= 0 {
		revLimit = 200
	}
	return &history{execLimit: execLimit, revLimit: revLimit}
}

func (h *history) addExecution(e *Execution) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.executions = append(h.executions, e)
	if len(h.executions) > h.execLimit {
		h.executions = h.executions[len(h.executions)-h.execLimit:]
	}
}

func (h *history) markRunning(e *Execution) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e.Status = StatusRunning
}

// finishExecution mutates the stored record in place; the pointer in
// the slice and the caller's pointer are the same object.
func (h *history) finishExecution(e *Execution, status ExecutionStatus, errMsg, taskID, summary string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e.Status = status
	e.Error = errMsg
	e.TaskID = taskID
	e.Summary = summary
	e.CompletedAt = time.Now()
	e.DurationMs = e.CompletedAt.Sub(e.StartedAt).Milliseconds()
}

// ExecutionQuery filters listExecutions. Zero values match everything.
type ExecutionQuery struct {
	RuleID string
	Status ExecutionStatus
	Limit  int
}

// listExecutions returns matching records newest-first.
func (h *history) listExecutions(q ExecutionQuery) []Execution {
	h.mu.Lock()
	defer h.mu.Unlock()

	limit := q.Limit
	if limit <= 0 {
		limit = h.execLimit
	}

	out := make([]Execution, 0, limit)
	for i := len(h.executions) - 1; i >= 0 && len(out) < limit; i-- {
		e := h.executions[i]
		if q.RuleID != "" && e.RuleID != q.RuleID {
			continue
		}
		if q.Status != "" && e.Status != q.Status {
			continue
		}
		out = append(out, *e)
	}
	return out
}

func (h *history) stats(ruleID string) RuleStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := RuleStats{RuleID: ruleID}
	var totalDur int64
	var finished int64
	for _, e := range h.executions {
		if e.RuleID != ruleID {
			continue
		}
		st.Total++
		switch e.Status {
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		case StatusSkipped:
			st.Skipped++
		case StatusThrottled:
			st.Throttled++
		case StatusRunning, StatusQueued:
			st.Active++
		}
		if !e.CompletedAt.IsZero() {
			totalDur += e.DurationMs
			finished++
		}
		if e.StartedAt.After(st.LastRun) {
			st.LastRun = e.StartedAt
		}
	}
	if finished > 0 {
		st.AvgDurationMs = totalDur / finished
	}
	return st
}

func (h *history) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.executions)
}

func (h *history) addReview(execution *Execution, agentID string) *Review {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := &Review{
		ID:              "review-" + uuid.NewString(),
		ExecutionID:     execution.ID,
		AgentID:         agentID,
		ExecutionStatus: execution.Status,
		Status:          ReviewPending,
		DurationMs:      execution.DurationMs,
		CreatedAt:       time.Now(),
	}
	h.reviews = append(h.reviews, r)
	if len(h.reviews) > h.revLimit {
		h.reviews = h.reviews[len(h.reviews)-h.revLimit:]
	}
	return r
}

// listReviews returns reviews newest-first, optionally by status.
func (h *history) listReviews(status ReviewStatus) []Review {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Review, 0, len(h.reviews))
	for i := len(h.reviews) - 1; i >= 0; i-- {
		r := h.reviews[i]
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, *r)
	}
	return out
}

func (h *history) resolveReview(id string, status ReviewStatus, notes string) (*Review, error) {
	switch status {
	case ReviewApproved, ReviewRejected, ReviewFlagged:
	default:
		return nil, fmt.Errorf("automation: invalid review status %q", status)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.reviews {
		if r.ID == id {
			r.Status = status
			r.Notes = notes
			r.ReviewedAt = time.Now()
			out := *r
			return &out, nil
		}
	}
	return nil, fmt.Errorf("automation: review %s not found", id)
}

func (h *history) pendingReviews() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.reviews {
		if r.Status == ReviewPending {
			n++
		}
	}
	return n
}

// snapshotData copies event data for an execution record, truncating
// long string values so one giant payload cannot bloat the history.
func snapshotData(data map[string]any) map[string]any {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]any, len(data))
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s, ok := data[k].(string); ok && runewidth.StringWidth(s) > maxSnapshotWidth {
			out[k] = runewidth.Truncate(s, maxSnapshotWidth, "...")
			continue
		}
		out[k] = data[k]
	}
	return out
}
