package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/agentmgr/internal/registry"
)

// CLIProvider runs subscription-billed coding CLIs as one subprocess
// per dispatch. The prompt goes to stdin, stdout becomes the response
// content. Billing is premium-request: one unit per call, no cost.
type CLIProvider struct {
	name string
	// caps stdout so a runaway process cannot exhaust memory
	maxOutputBytes int64
}

func NewCLIProvider(name string) *CLIProvider {
	return &CLIProvider{name: name, maxOutputBytes: 4 << 20}
}

func (p *CLIProvider) Name() string { return p.name }

func (p *CLIProvider) Capabilities() Capabilities {
	return Capabilities{
		TokenCounting:   false,
		Streaming:       false,
		Billing:         BillingPremium,
		ConcurrencySafe: true,
		Protocol:        "cli-stdio",
	}
}

func (p *CLIProvider) Complete(ctx context.Context, agent registry.Config, prompt string, maxTokens int) (*Completion, error) {
	binary := agent.BinaryPath
	if binary == "" {
		return nil, fmt.Errorf("%s: agent %s has no binaryPath", p.name, agent.ID)
	}

	args := append([]string{}, agent.Args...)
	args = append(args, agent.ExtraArgs...)

	cmd := exec.Command(binary, args...)
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
	// own process group so cancellation can kill descendants too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	cmd.Stdin = strings.NewReader(prompt)
	var stdout bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, remaining: p.maxOutputBytes}
	stderr := newTailBuffer(4 << 10)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%s: start %s: %w", p.name, binary, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("%s: %s exited: %w (stderr: %s)", p.name, binary, err, stderr.String())
		}
	case <-ctx.Done():
		killProcessGroup(cmd, done)
		return nil, fmt.Errorf("%s: %s: %w", p.name, binary, ctx.Err())
	}

	return &Completion{Content: strings.TrimRight(stdout.String(), "\n"), Model: agent.Model}, nil
}

// killProcessGroup sends SIGTERM to the process group and escalates to
// SIGKILL when the process ignores it for 5 seconds.
func killProcessGroup(cmd *exec.Cmd, done <-chan error) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		pgid = cmd.Process.Pid
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		<-done
	}
}

type limitedWriter struct {
	w         io.Writer
	remaining int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		// report success so the process keeps draining without growing the buffer
		return len(p), nil
	}
	n := int64(len(p))
	if n > lw.remaining {
		n = lw.remaining
	}
	written, err := lw.w.Write(p[:n])
	lw.remaining -= int64(written)
	if err != nil {
		return written, err
	}
	return len(p), nil
}

// tailBuffer keeps the last cap bytes written, for error diagnostics.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	cap int
}

func newTailBuffer(capBytes int) *tailBuffer {
	return &tailBuffer{cap: capBytes}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.cap {
		t.buf = t.buf[len(t.buf)-t.cap:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
