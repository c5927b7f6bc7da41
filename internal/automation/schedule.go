package automation

import (
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Scheduler fires rules that carry a cron schedule. Expressions are
// evaluated at minute granularity against the local clock.
type Scheduler struct {
	engine *Engine
	gron   *gronx.Gronx
	done   chan struct{}
}

func NewScheduler(e *Engine) *Scheduler {
	return &Scheduler{engine: e, gron: gronx.New(), done: make(chan struct{})}
}

// Start ticks once per minute. Each due rule goes through the normal
// trigger pipeline with a scheduledAt field as event data.
func (s *Scheduler) Start() {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case now := <-ticker.C:
				s.tick(now)
			}
		}
	}()
}

func (s *Scheduler) tick(now time.Time) {
	if !s.engine.enabled.Load() {
		return
	}
	for _, rule := range s.engine.ListRules() {
		if rule.Schedule == "" || !rule.IsEnabled() {
			continue
		}
		due, err := s.gron.IsDue(rule.Schedule, now)
		if err != nil {
			slog.Warn("automation: bad schedule expression", "rule", rule.ID, "schedule", rule.Schedule, "error", err)
			continue
		}
		if !due {
			continue
		}
		if _, err := s.engine.trigger(rule.ID, "schedule", map[string]any{
			"scheduledAt": now.Format(time.RFC3339),
		}, false); err != nil {
			slog.Warn("automation: scheduled trigger failed", "rule", rule.ID, "error", err)
		}
	}
}

// Stop halts the ticker. Safe to call once.
func (s *Scheduler) Stop() {
	close(s.done)
}
