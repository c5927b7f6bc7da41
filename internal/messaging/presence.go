package messaging

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	// HeartbeatInterval is how often the dashboard snapshot rewrites.
	HeartbeatInterval = 15 * time.Second

	// StaleAfter is how old a snapshot may be and still count as live.
	StaleAfter = 60 * time.Second
)

// PeerSnapshot is one process's dashboard file.
type PeerSnapshot struct {
	PID       int            `json:"pid"`
	Name      string         `json:"name"`
	StartedAt time.Time      `json:"startedAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Counts    map[string]int `json:"counts,omitempty"`
}

// Presence maintains this process's dashboard snapshot. Writes are
// observability-only: nothing reads them back for state, so failures
// log and move on.
type Presence struct {
	file      string
	name      string
	pid       int
	startedAt time.Time
	counts    func() map[string]int

	done chan struct{}
	wg   sync.WaitGroup
}

// NewPresence prepares a snapshot writer. counts supplies the live
// numbers shown to peers and may be nil.
func NewPresence(file, name string, counts func() map[string]int) *Presence {
	return &Presence{
		file:      file,
		name:      name,
		pid:       os.Getpid(),
		startedAt: time.Now(),
		counts:    counts,
		done:      make(chan struct{}),
	}
}

// Start writes the first snapshot and begins the heartbeat.
func (p *Presence) Start() {
	p.write()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.done:
				return
			case <-ticker.C:
				p.write()
			}
		}
	}()
}

// Stop halts the heartbeat and removes the snapshot so peers do not
// wait out the staleness window.
func (p *Presence) Stop() {
	select {
	case <-p.done:
		return
	default:
	}
	close(p.done)
	p.wg.Wait()
	if err := os.Remove(p.file); err != nil && !os.IsNotExist(err) {
		slog.Warn("messaging: remove dashboard snapshot failed", "file", p.file, "error", err)
	}
}

func (p *Presence) write() {
	snap := PeerSnapshot{
		PID:       p.pid,
		Name:      p.name,
		StartedAt: p.startedAt,
		UpdatedAt: time.Now(),
	}
	if p.counts != nil {
		snap.Counts = p.counts()
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(p.file, data, 0644); err != nil {
		slog.Warn("messaging: dashboard snapshot write failed", "file", p.file, "error", err)
	}
}

// Peers lists live snapshots in stateDir, skipping entries older than
// StaleAfter, sorted by pid.
func Peers(stateDir string) []PeerSnapshot {
	matches, err := filepath.Glob(filepath.Join(stateDir, "dashboard-*.json"))
	if err != nil {
		return nil
	}
	cutoff := time.Now().Add(-StaleAfter)
	var peers []PeerSnapshot
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var snap PeerSnapshot
		if json.Unmarshal(data, &snap) != nil {
			continue
		}
		if snap.UpdatedAt.Before(cutoff) {
			continue
		}
		peers = append(peers, snap)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].PID < peers[j].PID })
	return peers
}
