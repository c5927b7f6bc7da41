// Package eventlog keeps the append-only record of every published
// event: a bounded in-memory ring for fast reads and a JSONL tail on
// disk that survives restarts.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentmgr/internal/bus"
	"github.com/nextlevelbuilder/agentmgr/pkg/protocol"
)

// DefaultRingSize bounds the in-memory ring when no override is given.
const DefaultRingSize = 200

// Entry is one logged event. Data keys sit next to ts and event in the
// JSONL representation.
type Entry struct {
	TS    time.Time
	Event string
	Data  map[string]any
}

// MarshalJSON flattens Data beside ts and event.
func (e Entry) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(e.Data)+2)
	for k, v := range e.Data {
		if k == "ts" || k == "event" {
			continue
		}
		obj[k] = v
	}
	obj["ts"] = e.TS.UTC().Format(time.RFC3339Nano)
	obj["event"] = e.Event
	return json.Marshal(obj)
}

// UnmarshalJSON splits ts and event back out of the flat object.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	rawTS, _ := obj["ts"].(string)
	ts, err := time.Parse(time.RFC3339Nano, rawTS)
	if err != nil {
		return fmt.Errorf("parse ts: %w", err)
	}
	event, _ := obj["event"].(string)
	if event == "" {
		return fmt.Errorf("missing event name")
	}
	delete(obj, "ts")
	delete(obj, "event")
	e.TS = ts
	e.Event = event
	e.Data = obj
	return nil
}

// Log is the ring + JSONL tail. The writer is serialised by the
// mutex, so concurrent publishes are safe.
type Log struct {
	mu     sync.Mutex
	path   string
	size   int
	ring   []Entry
	seeded bool
	file   *os.File
}

// New returns a log backed by the given JSONL path. Nothing is read
// until the first append or read seeds the ring from the tail.
func New(path string, ringSize int) *Log {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	return &Log{path: path, size: ringSize}
}

// Attach subscribes the log to every known event name on the bus.
func (l *Log) Attach(b *bus.Bus) {
	for _, name := range protocol.Names() {
		b.Subscribe(name, func(p protocol.Payload) {
			l.Append(p.Event(), p.Fields())
		})
	}
}

// Append records an event now. Disk errors are swallowed after the
// ring update; the in-memory view stays authoritative.
func (l *Log) Append(event string, data map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seedLocked()

	e := Entry{TS: time.Now().UTC(), Event: event, Data: data}
	l.pushLocked(e)

	line, err := json.Marshal(e)
	if err != nil {
		return
	}
	if l.file == nil {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return
		}
		l.file = f
	}
	l.file.Write(append(line, '\n'))
}

// Recent returns up to limit entries, newest first. The first read
// after startup seeds the ring from the tail of the JSONL file.
func (l *Log) Recent(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seedLocked()

	if limit <= 0 || limit > len(l.ring) {
		limit = len(l.ring)
	}
	out := make([]Entry, limit)
	for i := 0; i < limit; i++ {
		out[i] = l.ring[len(l.ring)-1-i]
	}
	return out
}

// Count reports the number of entries currently in the ring.
func (l *Log) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seedLocked()
	return len(l.ring)
}

// Close releases the tail file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// seedLocked loads the last ringSize valid lines from disk once.
// Corrupt lines are skipped silently.
func (l *Log) seedLocked() {
	if l.seeded {
		return
	}
	l.seeded = true

	f, err := os.Open(l.path)
	if err != nil {
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		l.pushLocked(e)
	}
}

func (l *Log) pushLocked(e Entry) {
	l.ring = append(l.ring, e)
	if len(l.ring) > l.size {
		l.ring = l.ring[len(l.ring)-l.size:]
	}
}
