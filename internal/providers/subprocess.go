package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/agentmgr/internal/registry"
)

// stopGrace is how long a terminating agent process gets between
// SIGTERM and SIGKILL.
const stopGrace = 5 * time.Second

// SubprocessProvider keeps one long-running line-JSON model process
// alive per agent and multiplexes dispatches over its stdin/stdout.
// The codec matches the tcp provider: one request line out, one
// response line back. A timeout kills the process group; the next
// dispatch respawns it.
type SubprocessProvider struct {
	mu      sync.Mutex
	procs   map[string]*subprocess
	maxLine int
}

func NewSubprocessProvider() *SubprocessProvider {
	return &SubprocessProvider{
		procs:   make(map[string]*subprocess),
		maxLine: 8 << 20,
	}
}

func (p *SubprocessProvider) Name() string { return "subprocess" }

func (p *SubprocessProvider) Capabilities() Capabilities {
	return Capabilities{
		TokenCounting:   false,
		Streaming:       false,
		Billing:         BillingPremium,
		ConcurrencySafe: true,
		Protocol:        "line-json-stdio",
	}
}

// subprocess is one live agent process. requests are strictly
// sequential on the pipe, serialised by mu; dead marks the process
// unusable so acquire respawns.
type subprocess struct {
	agentID string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	stderr  *tailBuffer
	waited  chan error

	mu   sync.Mutex
	dead atomic.Bool
}

func (p *SubprocessProvider) Complete(ctx context.Context, agent registry.Config, prompt string, maxTokens int) (*Completion, error) {
	proc, err := p.acquire(agent)
	if err != nil {
		return nil, err
	}

	proc.mu.Lock()
	defer proc.mu.Unlock()
	if proc.dead.Load() {
		// Died between acquire and lock; one respawn attempt.
		if proc, err = p.acquire(agent); err != nil {
			return nil, err
		}
		proc.mu.Lock()
		defer proc.mu.Unlock()
	}

	line, err := json.Marshal(lineRequest{Prompt: prompt, Model: agent.Model, MaxTokens: maxTokens})
	if err != nil {
		return nil, fmt.Errorf("subprocess: marshal request: %w", err)
	}
	if _, err := proc.stdin.Write(append(line, '\n')); err != nil {
		proc.hardKill()
		return nil, fmt.Errorf("subprocess: write to %s: %w (stderr: %s)", agent.ID, err, proc.stderr.String())
	}

	type readResult struct {
		line []byte
		err  error
	}
	ch := make(chan readResult, 1)
	go func() {
		l, rerr := readBoundedLine(proc.stdout, p.maxLine)
		ch <- readResult{l, rerr}
	}()

	select {
	case <-ctx.Done():
		// Kill now, respawn on the next dispatch. A stuck model
		// process never answers the current protocol exchange again.
		proc.hardKill()
		return nil, fmt.Errorf("subprocess: %s: %w", agent.ID, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			proc.hardKill()
			return nil, fmt.Errorf("subprocess: read from %s: %w (stderr: %s)", agent.ID, res.err, proc.stderr.String())
		}
		var resp lineResponse
		if err := json.Unmarshal(res.line, &resp); err != nil {
			return nil, fmt.Errorf("subprocess: decode response from %s: %w", agent.ID, err)
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("subprocess: %s replied: %s", agent.ID, resp.Error)
		}
		return &Completion{Content: resp.Content, Tokens: resp.Tokens, Model: agent.Model}, nil
	}
}

// acquire returns the live process for the agent, spawning one when
// none exists or the previous one died.
func (p *SubprocessProvider) acquire(agent registry.Config) (*subprocess, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if proc, ok := p.procs[agent.ID]; ok && !proc.dead.Load() {
		return proc, nil
	}
	proc, err := spawnAgentProcess(agent)
	if err != nil {
		return nil, err
	}
	p.procs[agent.ID] = proc
	return proc, nil
}

// Close terminates every live agent process: SIGTERM first, SIGKILL
// for stragglers after the grace period.
func (p *SubprocessProvider) Close() {
	p.mu.Lock()
	procs := make([]*subprocess, 0, len(p.procs))
	for _, proc := range p.procs {
		procs = append(procs, proc)
	}
	p.procs = make(map[string]*subprocess)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, proc := range procs {
		wg.Add(1)
		go func(s *subprocess) {
			defer wg.Done()
			s.terminate()
		}(proc)
	}
	wg.Wait()
}

func spawnAgentProcess(agent registry.Config) (*subprocess, error) {
	argv := agentCommandLine(agent)
	if len(argv) == 0 {
		return nil, fmt.Errorf("subprocess: agent %s has no command (set endpoint or binaryPath)", agent.ID)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if agent.WorkingDir != "" {
		cmd.Dir = agent.WorkingDir
	}
	if len(agent.Env) > 0 {
		env := append([]string{}, os.Environ()...)
		for k, v := range agent.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	// own process group so kill reaches descendants too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stderr := newTailBuffer(4 << 10)
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("subprocess: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("subprocess: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("subprocess: start %s: %w", argv[0], err)
	}

	proc := &subprocess{
		agentID: agent.ID,
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReaderSize(stdout, 64<<10),
		stderr:  stderr,
		waited:  make(chan error, 1),
	}
	go func() {
		err := cmd.Wait()
		proc.dead.Store(true)
		proc.waited <- err
	}()
	return proc, nil
}

// agentCommandLine resolves the argv: binaryPath when set, otherwise
// the endpoint split on whitespace (no shell quoting), plus the
// agent's args and extraArgs in config order.
func agentCommandLine(agent registry.Config) []string {
	var argv []string
	if agent.BinaryPath != "" {
		argv = []string{agent.BinaryPath}
	} else {
		argv = strings.Fields(agent.Endpoint)
	}
	if len(argv) == 0 {
		return nil
	}
	argv = append(argv, agent.Args...)
	return append(argv, agent.ExtraArgs...)
}

// hardKill kills the process group immediately. Used on timeout and
// pipe failure, where the protocol exchange is unrecoverable.
func (s *subprocess) hardKill() {
	if s.dead.Swap(true) {
		return
	}
	if s.cmd.Process != nil {
		_ = syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL)
	}
}

// terminate asks the process to exit and escalates after stopGrace.
func (s *subprocess) terminate() {
	if s.cmd.Process == nil || s.dead.Load() {
		return
	}
	_ = syscall.Kill(-s.cmd.Process.Pid, syscall.SIGTERM)
	select {
	case <-s.waited:
	case <-time.After(stopGrace):
		_ = syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL)
		<-s.waited
	}
}
