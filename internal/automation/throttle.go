package automation

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// throttleDecision is what the table tells the engine to do with one
// matched event.
type throttleDecision int

const (
	throttleRun       throttleDecision = iota // dispatch now
	throttleDrop                              // record a throttled execution
	throttleScheduled                         // trailing timer armed, record throttled
)

type trailingBucket struct {
	timer *time.Timer
	// latest coalesced event; the trailing run uses the freshest data
	event string
	data  map[string]any
}

// throttleTable holds per-bucket state. Buckets key on rule id plus
// the event's groupBy value so unrelated paths throttle independently.
type throttleTable struct {
	mu       sync.Mutex
	leading  map[string]*rate.Limiter
	trailing map[string]*trailingBucket
}

func newThrottleTable() *throttleTable {
	return &throttleTable{
		leading:  make(map[string]*rate.Limiter),
		trailing: make(map[string]*trailingBucket),
	}
}

func bucketKey(rule *Rule, data map[string]any) string {
	if rule.Throttle == nil || rule.Throttle.GroupBy == "" {
		return rule.ID
	}
	return fmt.Sprintf("%s|%v", rule.ID, data[rule.Throttle.GroupBy])
}

// check applies the rule's throttle to one event. For trailing mode,
// fire runs at the end of the interval with the latest coalesced event.
func (t *throttleTable) check(rule *Rule, event string, data map[string]any, fire func(event string, data map[string]any)) throttleDecision {
	if rule.Throttle == nil {
		return throttleRun
	}
	key := bucketKey(rule, data)
	interval := time.Duration(rule.Throttle.IntervalMs) * time.Millisecond

	t.mu.Lock()
	defer t.mu.Unlock()

	if rule.Throttle.Mode == ThrottleTrailing {
		if b, ok := t.trailing[key]; ok {
			b.event = event
			b.data = data
			return throttleDrop
		}
		b := &trailingBucket{event: event, data: data}
		b.timer = time.AfterFunc(interval, func() {
			t.mu.Lock()
			ev, d := b.event, b.data
			delete(t.trailing, key)
			t.mu.Unlock()
			fire(ev, d)
		})
		t.trailing[key] = b
		return throttleScheduled
	}

	lim, ok := t.leading[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(interval), 1)
		t.leading[key] = lim
	}
	if lim.Allow() {
		return throttleRun
	}
	return throttleDrop
}

// stop cancels all armed trailing timers. Scheduled work is dropped;
// used only at shutdown.
func (t *throttleTable) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, b := range t.trailing {
		b.timer.Stop()
		delete(t.trailing, key)
	}
}
