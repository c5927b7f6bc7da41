package workspace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionInfo is the mined summary of one chat-session JSONL file.
type SessionInfo struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	Models       []string  `json:"models,omitempty"`
	Requests     int       `json:"requests"`
	PromptTokens int       `json:"promptTokens"`
	OutputTokens int       `json:"outputTokens"`
	Errors       int       `json:"errors"`
	FirstRequest time.Time `json:"firstRequest,omitempty"`
	LastRequest  time.Time `json:"lastRequest,omitempty"`
	SizeBytes    int64     `json:"sizeBytes"`
	MinedAt      time.Time `json:"minedAt"`
	Truncated    bool      `json:"truncated,omitempty"`
}

// mineSessionFile streams one JSONL file and aggregates the summary.
// Reading stops after maxLines; the summary is marked truncated so the
// counts are understood as lower bounds.
func mineSessionFile(path string, maxLines int) (*SessionInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("workspace: open session file: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("workspace: stat session file: %w", err)
	}

	info := &SessionInfo{
		ID:        strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		SizeBytes: fi.Size(),
		MinedAt:   time.Now(),
	}
	models := make(map[string]struct{})

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lines := 0
	for sc.Scan() {
		if maxLines > 0 && lines >= maxLines {
			info.Truncated = true
			break
		}
		lines++

		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			// a torn tail line from an in-flight write is expected
			continue
		}
		mineEntry(entry, info, models)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("workspace: read session file: %w", err)
	}

	for m := range models {
		info.Models = append(info.Models, m)
	}
	sort.Strings(info.Models)
	return info, nil
}

// mineEntry folds one JSONL record into the running summary.
func mineEntry(entry map[string]any, info *SessionInfo, models map[string]struct{}) {
	if title, ok := entry["title"].(string); ok && title != "" {
		info.Title = title
	}
	if model, ok := entry["model"].(string); ok && model != "" {
		models[model] = struct{}{}
	}

	kind, _ := entry["type"].(string)
	if kind == "request" || entry["requestId"] != nil {
		info.Requests++
		if ts, ok := entryTime(entry["timestamp"]); ok {
			if info.FirstRequest.IsZero() || ts.Before(info.FirstRequest) {
				info.FirstRequest = ts
			}
			if ts.After(info.LastRequest) {
				info.LastRequest = ts
			}
		}
	}
	if kind == "error" || entry["error"] != nil {
		info.Errors++
	}
	info.PromptTokens += entryInt(entry["promptTokens"])
	info.OutputTokens += entryInt(entry["outputTokens"])
}

// entryTime accepts RFC3339 strings and epoch-millisecond numbers.
func entryTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts, true
		}
	case float64:
		if t > 0 {
			return time.UnixMilli(int64(t)), true
		}
	}
	return time.Time{}, false
}

func entryInt(v any) int {
	if f, ok := v.(float64); ok {
		return int(f)
	}
	return 0
}

// enrichFromState overlays the companion state.json onto a mined
// summary. The session id must be a UUID; the file passes readState's
// guards before any field is trusted.
func enrichFromState(info *SessionInfo, stateDir string, maxBytes int64) error {
	if _, err := uuid.Parse(info.ID); err != nil {
		return fmt.Errorf("workspace: session id %q is not a uuid", info.ID)
	}
	state, err := readState(filepath.Join(stateDir, info.ID, "state.json"), maxBytes)
	if err != nil {
		return err
	}
	if title, ok := state["title"].(string); ok && title != "" {
		info.Title = title
	}
	if n := entryInt(state["requests"]); n > info.Requests {
		info.Requests = n
	}
	return nil
}

// readState decodes a state.json under guard: the file may not exceed
// maxBytes, and no object key anywhere in the tree may be one of the
// prototype-pollution names.
func readState(path string, maxBytes int64) (map[string]any, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if maxBytes > 0 && fi.Size() > maxBytes {
		return nil, fmt.Errorf("workspace: state file %s exceeds %d bytes", filepath.Base(path), maxBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state map[string]any
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("workspace: parse state file: %w", err)
	}
	if err := rejectUnsafeKeys(state); err != nil {
		return nil, err
	}
	return state, nil
}

// rejectUnsafeKeys walks the decoded tree and fails on keys that would
// be prototype-pollution vectors for downstream JSON consumers.
func rejectUnsafeKeys(v any) error {
	switch node := v.(type) {
	case map[string]any:
		for key, child := range node {
			switch key {
			case "__proto__", "constructor", "prototype":
				return fmt.Errorf("workspace: state file contains unsafe key %q", key)
			}
			if err := rejectUnsafeKeys(child); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range node {
			if err := rejectUnsafeKeys(child); err != nil {
				return err
			}
		}
	}
	return nil
}
