// Package backup snapshots the persisted configuration collections
// into timestamped directories. A backup is a plain file copy plus a
// manifest; restoring is intentionally manual (copy the files back),
// keeping the format transparent to operators.
package backup

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// FileEntry records one copied file in a manifest.
type FileEntry struct {
	Name  string `json:"name"`
	Bytes int64  `json:"bytes"`
}

// Manifest describes one backup directory.
type Manifest struct {
	ID        string      `json:"id"`
	CreatedAt time.Time   `json:"createdAt"`
	Note      string      `json:"note,omitempty"`
	Files     []FileEntry `json:"files"`
}

// Store creates and lists backups under dir. sources are the absolute
// paths of the files worth snapshotting; missing sources are skipped,
// a collection that never persisted has nothing to back up.
type Store struct {
	dir     string
	sources []string
}

func New(dir string, sources ...string) *Store {
	return &Store{dir: dir, sources: sources}
}

// Create copies every existing source into a fresh backup directory
// and writes its manifest.
func (s *Store) Create(note string) (Manifest, error) {
	m := Manifest{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		Note:      note,
	}
	dest := filepath.Join(s.dir, m.ID)
	if err := os.MkdirAll(dest, 0755); err != nil {
		return Manifest{}, fmt.Errorf("backup: create dir: %w", err)
	}

	for _, src := range s.sources {
		n, err := copyFile(src, filepath.Join(dest, filepath.Base(src)))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return Manifest{}, fmt.Errorf("backup: copy %s: %w", filepath.Base(src), err)
		}
		m.Files = append(m.Files, FileEntry{Name: filepath.Base(src), Bytes: n})
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return Manifest{}, fmt.Errorf("backup: marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dest, "manifest.json"), data, 0644); err != nil {
		return Manifest{}, fmt.Errorf("backup: write manifest: %w", err)
	}
	return m, nil
}

// List reads every manifest under the backup dir, newest first.
func (s *Store) List() ([]Manifest, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*", "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("backup: scan %s: %w", s.dir, err)
	}
	out := make([]Manifest, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var m Manifest
		if json.Unmarshal(data, &m) != nil {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func copyFile(src, dest string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return 0, err
	}
	return n, out.Close()
}
