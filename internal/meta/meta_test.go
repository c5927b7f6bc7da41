package meta

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfoReportsCounts(t *testing.T) {
	s := New("1.2.3", "/data", filepath.Join(t.TempDir(), "feedback.jsonl"), Counters{
		Agents: func() int { return 3 },
		Rules:  func() int { return 7 },
	})

	info := s.Info()
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Equal(t, "/data", info.DataDir)
	assert.Equal(t, 3, info.Agents)
	assert.Equal(t, 7, info.Rules)
	// Counters left nil read as zero.
	assert.Equal(t, 0, info.Skills)
	assert.NotEmpty(t, info.Uptime)
}

func TestRecordFeedbackAppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedback.jsonl")
	s := New("dev", "/data", path, Counters{})

	first, err := s.RecordFeedback("bug", "throttle fired twice", "rule r1")
	require.NoError(t, err)
	assert.Equal(t, "bug", first.Category)

	_, err = s.RecordFeedback("", "works great", "")
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []Feedback
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var fb Feedback
		require.NoError(t, json.Unmarshal(sc.Bytes(), &fb))
		entries = append(entries, fb)
	}
	require.Len(t, entries, 2)
	assert.Equal(t, "throttle fired twice", entries[0].Message)
	assert.Equal(t, "rule r1", entries[0].Context)
	assert.Equal(t, "general", entries[1].Category)
}

func TestRecordFeedbackRequiresMessage(t *testing.T) {
	s := New("dev", "/data", filepath.Join(t.TempDir(), "feedback.jsonl"), Counters{})

	_, err := s.RecordFeedback("bug", "   ", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "message is required")
}
