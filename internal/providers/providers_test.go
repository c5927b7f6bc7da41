package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/agentmgr/internal/registry"
)

func testAgent(provider string) registry.Config {
	return registry.Config{ID: "a1", Provider: provider, Model: "test-model", CostMultiplier: 2, MaxConcurrency: 1}
}

// stubProvider lets dispatch tests control the completion outcome.
type stubProvider struct {
	name    string
	caps    Capabilities
	comp    *Completion
	err     error
	delay   time.Duration
	gotCtx  context.Context
	gotMax  int
	timeout bool
}

func (s *stubProvider) Name() string               { return s.name }
func (s *stubProvider) Capabilities() Capabilities { return s.caps }

func (s *stubProvider) Complete(ctx context.Context, agent registry.Config, prompt string, maxTokens int) (*Completion, error) {
	s.gotCtx = ctx
	s.gotMax = maxTokens
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			s.timeout = true
			return nil, ctx.Err()
		}
	}
	return s.comp, s.err
}

func TestEstimateTokensRoundsUp(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens("", ""))
	assert.Equal(t, 1, EstimateTokens("a", ""))
	assert.Equal(t, 1, EstimateTokens("ab", "cd"))
	assert.Equal(t, 2, EstimateTokens("abcd", "e"))
	assert.Equal(t, 5, EstimateTokens("hello", "world puzzle")) // 17 chars -> ceil 4.25
}

func TestDispatchAccountsEstimatedTokensAndCost(t *testing.T) {
	r := NewRegistry(8192, 120000)
	r.Register(&stubProvider{
		name: "stub",
		caps: Capabilities{Billing: BillingPerToken},
		comp: &Completion{Content: "12345678"}, // no provider token count
	})

	resp := r.Dispatch(context.Background(), testAgent("stub"), "1234", 0, 0)
	require.True(t, resp.Success)
	assert.Equal(t, 3, resp.TokenCount) // (4+8)/4
	assert.True(t, resp.TokenCountEstimated)
	assert.InDelta(t, 2*3.0/1e6, resp.CostUnits, 1e-12)
	assert.GreaterOrEqual(t, resp.LatencyMs, int64(0))
	assert.False(t, resp.Timestamp.IsZero())
}

func TestDispatchUsesRealTokenCounts(t *testing.T) {
	r := NewRegistry(8192, 120000)
	r.Register(&stubProvider{
		name: "stub",
		caps: Capabilities{TokenCounting: true, Billing: BillingPerToken},
		comp: &Completion{Content: "hi", Tokens: 100, Model: "resolved-model"},
	})

	resp := r.Dispatch(context.Background(), testAgent("stub"), "x", 0, 0)
	require.True(t, resp.Success)
	assert.Equal(t, 100, resp.TokenCount)
	assert.False(t, resp.TokenCountEstimated)
	assert.Equal(t, "resolved-model", resp.Model)
	assert.InDelta(t, 2*100.0/1e6, resp.CostUnits, 1e-12)
}

func TestDispatchPremiumBilling(t *testing.T) {
	r := NewRegistry(8192, 120000)
	r.Register(&stubProvider{
		name: "subscription",
		caps: Capabilities{Billing: BillingPremium},
		comp: &Completion{Content: "done"},
	})

	resp := r.Dispatch(context.Background(), testAgent("subscription"), "p", 0, 0)
	require.True(t, resp.Success)
	assert.Zero(t, resp.CostUnits)
	assert.Equal(t, 1, resp.PremiumRequests)
	assert.Greater(t, resp.TokenCount, 0, "premium responses still estimate tokens")
}

func TestDispatchUnknownProviderFailsSoft(t *testing.T) {
	r := NewRegistry(8192, 120000)
	resp := r.Dispatch(context.Background(), testAgent("nope"), "p", 0, 0)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "not registered")
}

func TestDispatchTimeoutCancelsInFlightWork(t *testing.T) {
	stub := &stubProvider{
		name:  "slow",
		caps:  Capabilities{Billing: BillingPerToken},
		comp:  &Completion{Content: "never"},
		delay: 2 * time.Second,
	}
	r := NewRegistry(8192, 120000)
	r.Register(stub)

	start := time.Now()
	resp := r.Dispatch(context.Background(), testAgent("slow"), "p", 0, 50)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "cancelled")
	assert.True(t, stub.timeout, "provider saw the cancellation")
	assert.Less(t, time.Since(start), time.Second, "dispatch returned at the deadline, not after the work")
}

func TestDispatchTimeoutFallbackOrder(t *testing.T) {
	stub := &stubProvider{name: "stub", caps: Capabilities{Billing: BillingFree}, comp: &Completion{Content: "ok"}}
	r := NewRegistry(4096, 99000)
	r.Register(stub)

	agent := testAgent("stub")
	agent.TimeoutMs = 55000

	r.Dispatch(context.Background(), agent, "p", 0, 0)
	deadline, ok := stub.gotCtx.Deadline()
	require.True(t, ok)
	assert.InDelta(t, 55.0, time.Until(deadline).Seconds(), 2.0, "agent timeout wins over the default")
	assert.Equal(t, 4096, stub.gotMax, "maxTokens falls back to the registry default")

	r.Dispatch(context.Background(), agent, "p", 128, 10000)
	deadline, ok = stub.gotCtx.Deadline()
	require.True(t, ok)
	assert.InDelta(t, 10.0, time.Until(deadline).Seconds(), 2.0, "explicit timeout wins over the agent's")
	assert.Equal(t, 128, stub.gotMax)
}

func TestOpenAIProviderParsesCompletion(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Equal(t, "say hi", req.Messages[0].Content)

		fmt.Fprint(w, `{"model":"test-model-0125","choices":[{"message":{"content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "sk-test", srv.URL)
	comp, err := p.Complete(context.Background(), testAgent("openai"), "say hi", 64)
	require.NoError(t, err)
	assert.Equal(t, "hi", comp.Content)
	assert.Equal(t, 5, comp.Tokens)
	assert.Equal(t, "test-model-0125", comp.Model)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "/chat/completions", gotPath)
}

func TestOpenAIProviderRetriesServerErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			http.Error(w, "upstream exploded", http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"recovered"}}]}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "sk-test", srv.URL)
	p.retryConfig = RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

	comp, err := p.Complete(context.Background(), testAgent("openai"), "p", 64)
	require.NoError(t, err)
	assert.Equal(t, "recovered", comp.Content)
	assert.Equal(t, 2, attempts)
}

func TestOpenAIProviderDoesNotRetryClientErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "bad api key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "sk-bad", srv.URL)
	p.retryConfig = RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

	_, err := p.Complete(context.Background(), testAgent("openai"), "p", 64)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Status)
}

func TestAnthropicProviderParsesCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key-123", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))
		assert.Equal(t, "/messages", r.URL.Path)

		fmt.Fprint(w, `{"model":"test-model","content":[{"type":"text","text":"part one "},{"type":"text","text":"part two"}],"usage":{"input_tokens":10,"output_tokens":7}}`)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("key-123", WithAnthropicBaseURL(srv.URL))
	comp, err := p.Complete(context.Background(), testAgent("anthropic"), "p", 64)
	require.NoError(t, err)
	assert.Equal(t, "part one part two", comp.Content)
	assert.Equal(t, 17, comp.Tokens)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 7*time.Second, ParseRetryAfter("7"))
	assert.Equal(t, time.Duration(0), ParseRetryAfter(""))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("soon"))

	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	d := ParseRetryAfter(future)
	assert.Greater(t, d, 25*time.Second)
	assert.LessOrEqual(t, d, 30*time.Second)
}

func TestTCPProviderRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadBytes('\n')
		var req lineRequest
		if json.Unmarshal(line, &req) != nil {
			return
		}
		out, _ := json.Marshal(lineResponse{Content: "echo: " + req.Prompt, Tokens: 9})
		conn.Write(append(out, '\n'))
	}()

	agent := testAgent("tcp")
	agent.Endpoint = ln.Addr().String()

	p := NewTCPProvider()
	comp, err := p.Complete(context.Background(), agent, "ping", 64)
	require.NoError(t, err)
	assert.Equal(t, "echo: ping", comp.Content)
	assert.Equal(t, 9, comp.Tokens)
}

func TestTCPProviderDaemonError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		bufio.NewReader(conn).ReadBytes('\n')
		conn.Write([]byte(`{"error":"model not loaded"}` + "\n"))
	}()

	agent := testAgent("tcp")
	agent.Endpoint = ln.Addr().String()

	_, err = NewTCPProvider().Complete(context.Background(), agent, "ping", 64)
	assert.ErrorContains(t, err, "model not loaded")
}

func TestCLIProviderRunsBinary(t *testing.T) {
	agent := testAgent("cli")
	agent.BinaryPath = "/bin/cat"

	p := NewCLIProvider("cli")
	comp, err := p.Complete(context.Background(), agent, "prompt through stdin", 64)
	require.NoError(t, err)
	assert.Equal(t, "prompt through stdin", comp.Content)
}

func TestCLIProviderCancellationKillsProcess(t *testing.T) {
	agent := testAgent("cli")
	agent.BinaryPath = "/bin/sh"
	agent.Args = []string{"-c", "sleep 30"}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	p := NewCLIProvider("cli")
	start := time.Now()
	_, err := p.Complete(ctx, agent, "ignored", 64)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second, "kill escalation returned long before sleep finished")
}

func TestCLIProviderMissingBinaryPath(t *testing.T) {
	p := NewCLIProvider("cli")
	_, err := p.Complete(context.Background(), testAgent("cli"), "p", 64)
	assert.ErrorContains(t, err, "binaryPath")
}

func TestTailBufferKeepsTail(t *testing.T) {
	tb := newTailBuffer(8)
	tb.Write([]byte("0123456789abcdef"))
	assert.Equal(t, "89abcdef", tb.String())
}

// pidEchoAgent answers every request line with its shell PID, which
// lets tests tell whether two dispatches hit the same process.
func pidEchoAgent(id string) registry.Config {
	agent := testAgent("subprocess")
	agent.ID = id
	agent.BinaryPath = "/bin/sh"
	agent.Args = []string{"-c", `while read line; do echo "{\"content\":\"pid:$$\",\"tokens\":1}"; done`}
	return agent
}

func TestSubprocessProviderReusesProcess(t *testing.T) {
	p := NewSubprocessProvider()
	defer p.Close()
	agent := pidEchoAgent("sub-1")

	first, err := p.Complete(context.Background(), agent, "one", 64)
	require.NoError(t, err)
	second, err := p.Complete(context.Background(), agent, "two", 64)
	require.NoError(t, err)

	assert.Equal(t, first.Content, second.Content, "both dispatches served by the same process")
	assert.Len(t, p.procs, 1)
}

func TestSubprocessProviderRespawnsAfterDeath(t *testing.T) {
	p := NewSubprocessProvider()
	defer p.Close()
	agent := pidEchoAgent("sub-2")

	first, err := p.Complete(context.Background(), agent, "one", 64)
	require.NoError(t, err)

	p.procs[agent.ID].hardKill()

	second, err := p.Complete(context.Background(), agent, "two", 64)
	require.NoError(t, err)
	assert.NotEqual(t, first.Content, second.Content, "respawn yields a new PID")
}

func TestSubprocessProviderTimeoutKillsProcess(t *testing.T) {
	p := NewSubprocessProvider()
	defer p.Close()

	agent := testAgent("subprocess")
	agent.ID = "sub-3"
	agent.BinaryPath = "/bin/sh"
	agent.Args = []string{"-c", "while read line; do sleep 30; done"}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.Complete(ctx, agent, "ignored", 64)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.True(t, p.procs[agent.ID].dead.Load(), "timed-out process is dead and will be respawned")
}

func TestSubprocessProviderAgentError(t *testing.T) {
	p := NewSubprocessProvider()
	defer p.Close()

	agent := testAgent("subprocess")
	agent.ID = "sub-4"
	agent.BinaryPath = "/bin/sh"
	agent.Args = []string{"-c", `while read line; do echo '{"error":"model not loaded"}'; done`}

	_, err := p.Complete(context.Background(), agent, "ping", 64)
	assert.ErrorContains(t, err, "model not loaded")
}

func TestSubprocessProviderMissingCommand(t *testing.T) {
	p := NewSubprocessProvider()
	agent := testAgent("subprocess")
	agent.ID = "sub-5"

	_, err := p.Complete(context.Background(), agent, "ping", 64)
	assert.ErrorContains(t, err, "no command")
}

func TestSubprocessProviderCloseTerminates(t *testing.T) {
	p := NewSubprocessProvider()
	agent := pidEchoAgent("sub-6")

	_, err := p.Complete(context.Background(), agent, "one", 64)
	require.NoError(t, err)
	proc := p.procs[agent.ID]

	p.Close()
	assert.True(t, proc.dead.Load())
	assert.Empty(t, p.procs)
}
