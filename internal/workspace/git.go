package workspace

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const fetchTimeout = 30 * time.Second

// gitCLI shells out to the git binary. All operations take the
// repository path; none of them require the binary at construction
// time, missing git surfaces as a run error.
type gitCLI struct {
	bin string
}

func newGitCLI() *gitCLI {
	bin := "git"
	if p, err := exec.LookPath("git"); err == nil {
		bin = p
	}
	return &gitCLI{bin: bin}
}

func (g *gitCLI) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, g.bin, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// isWorkTree reports whether dir is inside a git working tree.
func (g *gitCLI) isWorkTree(ctx context.Context, dir string) bool {
	out, err := g.run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// IsGitWorkTree reports whether dir is inside a git working tree.
func IsGitWorkTree(ctx context.Context, dir string) bool {
	return newGitCLI().isWorkTree(ctx, dir)
}

// remoteRefs snapshots refs/remotes as ref name to object hash.
func (g *gitCLI) remoteRefs(ctx context.Context, dir string) (map[string]string, error) {
	out, err := g.run(ctx, dir, "for-each-ref", "--format=%(refname) %(objectname)", "refs/remotes")
	if err != nil {
		return nil, err
	}
	refs := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		name, hash, ok := strings.Cut(strings.TrimSpace(sc.Text()), " ")
		if ok && name != "" {
			refs[name] = hash
		}
	}
	return refs, nil
}

// fetchAll updates all remotes, pruning deleted refs.
func (g *gitCLI) fetchAll(ctx context.Context, dir string) error {
	_, err := g.run(ctx, dir, "fetch", "--all", "--prune", "--quiet")
	return err
}

// currentBranch parses .git/HEAD. Detached heads return the empty
// string.
func currentBranch(gitDir string) string {
	data, err := os.ReadFile(filepath.Join(gitDir, "HEAD"))
	if err != nil {
		return ""
	}
	s := strings.TrimSpace(string(data))
	if branch, ok := strings.CutPrefix(s, "ref: refs/heads/"); ok {
		return branch
	}
	return ""
}

// commitSubject returns the first line of COMMIT_EDITMSG.
func commitSubject(gitDir string) string {
	data, err := os.ReadFile(filepath.Join(gitDir, "COMMIT_EDITMSG"))
	if err != nil {
		return ""
	}
	line, _, _ := strings.Cut(string(data), "\n")
	return strings.TrimSpace(line)
}

// refHash reads the object hash a loose ref file points at.
func refHash(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	hash := strings.TrimSpace(string(data))
	if len(hash) > 12 {
		hash = hash[:12]
	}
	return hash
}
