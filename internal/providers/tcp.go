package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/nextlevelbuilder/agentmgr/internal/registry"
)

// TCPProvider talks line-delimited JSON to a local model daemon. One
// request line out, one response line back, connection per dispatch.
type TCPProvider struct {
	dialer net.Dialer
	// maxLine bounds the response line; local daemons can be chatty
	maxLine int
}

func NewTCPProvider() *TCPProvider {
	return &TCPProvider{
		dialer:  net.Dialer{Timeout: 10 * time.Second},
		maxLine: 8 << 20,
	}
}

func (p *TCPProvider) Name() string { return "tcp" }

func (p *TCPProvider) Capabilities() Capabilities {
	return Capabilities{
		TokenCounting:   false,
		Streaming:       false,
		Billing:         BillingFree,
		ConcurrencySafe: true,
		Protocol:        "line-json",
	}
}

// lineRequest/lineResponse form the line-JSON codec shared by the tcp
// and subprocess providers.
type lineRequest struct {
	Prompt    string `json:"prompt"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"maxTokens,omitempty"`
}

type lineResponse struct {
	Content string `json:"content"`
	Tokens  int    `json:"tokens,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (p *TCPProvider) Complete(ctx context.Context, agent registry.Config, prompt string, maxTokens int) (*Completion, error) {
	if agent.Endpoint == "" {
		return nil, fmt.Errorf("tcp: agent %s has no endpoint", agent.ID)
	}

	conn, err := p.dialer.DialContext(ctx, "tcp", agent.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("tcp: dial %s: %w", agent.Endpoint, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// unblock the read when the caller cancels mid-flight
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	line, err := json.Marshal(lineRequest{Prompt: prompt, Model: agent.Model, MaxTokens: maxTokens})
	if err != nil {
		return nil, fmt.Errorf("tcp: marshal request: %w", err)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("tcp: write to %s: %w", agent.Endpoint, err)
	}

	reader := bufio.NewReaderSize(conn, 64<<10)
	respLine, err := readBoundedLine(reader, p.maxLine)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("tcp: read from %s: %w", agent.Endpoint, ctx.Err())
		}
		return nil, fmt.Errorf("tcp: read from %s: %w", agent.Endpoint, err)
	}

	var resp lineResponse
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return nil, fmt.Errorf("tcp: decode response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("tcp: %s replied: %s", agent.Endpoint, resp.Error)
	}

	return &Completion{Content: resp.Content, Tokens: resp.Tokens, Model: agent.Model}, nil
}

func readBoundedLine(r *bufio.Reader, max int) ([]byte, error) {
	var out []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		if len(out) > max {
			return nil, fmt.Errorf("response line exceeds %d bytes", max)
		}
		if !isPrefix {
			return out, nil
		}
	}
}
