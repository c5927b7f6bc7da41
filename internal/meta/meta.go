// Package meta exposes service self-description and a feedback log.
// Feedback entries are appended to meta/feedback.jsonl so operators
// can review tool-host complaints offline.
package meta

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Feedback is one logged feedback entry.
type Feedback struct {
	TS       time.Time `json:"ts"`
	Category string    `json:"category"`
	Message  string    `json:"message"`
	Context  string    `json:"context,omitempty"`
}

// Info is the service metadata snapshot returned by the meta tool.
type Info struct {
	Version   string    `json:"version"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
	Uptime    string    `json:"uptime"`
	DataDir   string    `json:"dataDir"`
	Agents    int       `json:"agents"`
	Skills    int       `json:"skills"`
	Rules     int       `json:"rules"`
	Monitors  int       `json:"monitors"`
	Events    int       `json:"events"`
}

// Counters supplies live collection sizes. Nil funcs read as zero so
// callers wire only what they have.
type Counters struct {
	Agents   func() int
	Skills   func() int
	Rules    func() int
	Monitors func() int
	Events   func() int
}

// Service answers meta queries and records feedback.
type Service struct {
	version      string
	dataDir      string
	feedbackPath string
	started      time.Time
	counts       Counters

	mu sync.Mutex
}

func New(version, dataDir, feedbackPath string, counts Counters) *Service {
	return &Service{
		version:      version,
		dataDir:      dataDir,
		feedbackPath: feedbackPath,
		started:      time.Now(),
		counts:       counts,
	}
}

// Info snapshots the current service state.
func (s *Service) Info() Info {
	return Info{
		Version:   s.version,
		PID:       os.Getpid(),
		StartedAt: s.started,
		Uptime:    time.Since(s.started).Truncate(time.Second).String(),
		DataDir:   s.dataDir,
		Agents:    count(s.counts.Agents),
		Skills:    count(s.counts.Skills),
		Rules:     count(s.counts.Rules),
		Monitors:  count(s.counts.Monitors),
		Events:    count(s.counts.Events),
	}
}

// RecordFeedback appends one entry to the feedback log.
func (s *Service) RecordFeedback(category, message, context string) (Feedback, error) {
	if strings.TrimSpace(message) == "" {
		return Feedback{}, fmt.Errorf("meta: feedback message is required")
	}
	if category == "" {
		category = "general"
	}
	fb := Feedback{TS: time.Now(), Category: category, Message: message, Context: context}

	data, err := json.Marshal(fb)
	if err != nil {
		return Feedback{}, fmt.Errorf("meta: marshal feedback: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.feedbackPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return Feedback{}, fmt.Errorf("meta: open feedback log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return Feedback{}, fmt.Errorf("meta: append feedback: %w", err)
	}
	return fb, nil
}

func count(fn func() int) int {
	if fn == nil {
		return 0
	}
	return fn()
}
