// Package providers dispatches prompts to model backends. Each backend
// registers under a provider tag; agents reference the tag in their
// config and the dispatcher wraps every call in the usage-accounting
// contract the router depends on (latency, token counts, cost units).
package providers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentmgr/internal/registry"
)

// Billing declares how a provider charges for completions.
type Billing string

const (
	// BillingPerToken providers report a dollar-like costUnits of
	// costMultiplier * tokens / 1e6.
	BillingPerToken Billing = "per-token"
	// BillingPremium providers charge per request (subscription CLIs);
	// costUnits stays 0 and premiumRequests counts the calls.
	BillingPremium Billing = "premium-request"
	// BillingFree providers report neither cost nor premium requests.
	BillingFree Billing = "free"
)

// Capabilities describes what a provider can do. Informational for the
// router and the system tools; nothing gates on these values.
type Capabilities struct {
	TokenCounting   bool    `json:"tokenCounting"`
	Streaming       bool    `json:"streaming"`
	Billing         Billing `json:"billing"`
	ConcurrencySafe bool    `json:"concurrencySafe"`
	Protocol        string  `json:"protocol"`
}

// Completion is a provider's raw answer before usage accounting.
// Tokens is the provider-reported count; zero means unknown and the
// dispatcher falls back to a length estimate.
type Completion struct {
	Content string
	Tokens  int
	Model   string
}

// Provider produces a completion for a single agent. Implementations
// must honour ctx cancellation by aborting in-flight work.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	Complete(ctx context.Context, agent registry.Config, prompt string, maxTokens int) (*Completion, error)
}

// Response is the accounted, per-agent outcome of one dispatch.
type Response struct {
	AgentID             string    `json:"agentId"`
	Model               string    `json:"model,omitempty"`
	Content             string    `json:"content"`
	TokenCount          int       `json:"tokenCount"`
	TokenCountEstimated bool      `json:"tokenCountEstimated"`
	LatencyMs           int64     `json:"latencyMs"`
	CostUnits           float64   `json:"costUnits"`
	PremiumRequests     int       `json:"premiumRequests,omitempty"`
	Success             bool      `json:"success"`
	Error               string    `json:"error,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
}

// Registry maps provider tags to implementations.
type Registry struct {
	mu               sync.RWMutex
	byTag            map[string]Provider
	defaultMaxTokens int
	defaultTimeoutMs int
}

// NewRegistry builds an empty provider registry. The defaults apply
// when neither the skill nor the agent sets a limit.
func NewRegistry(defaultMaxTokens, defaultTimeoutMs int) *Registry {
	return &Registry{
		byTag:            make(map[string]Provider),
		defaultMaxTokens: defaultMaxTokens,
		defaultTimeoutMs: defaultTimeoutMs,
	}
}

// Register adds or replaces the provider under its tag.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTag[p.Name()] = p
}

// Get returns the provider registered under tag.
func (r *Registry) Get(tag string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byTag[tag]
	return p, ok
}

// Names returns the registered provider tags, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byTag))
	for tag := range r.byTag {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// CapabilitiesByTag snapshots the declared capabilities of every
// registered provider.
func (r *Registry) CapabilitiesByTag() map[string]Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Capabilities, len(r.byTag))
	for tag, p := range r.byTag {
		out[tag] = p.Capabilities()
	}
	return out
}

// Close shuts down providers that hold external resources, such as
// the subprocess provider's live agent processes.
func (r *Registry) Close() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.byTag {
		if c, ok := p.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
