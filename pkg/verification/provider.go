package verification

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Provider is the capability contract every verification backend implements.
// Backends are selected by name at call time; all of them honor the same
// status enum and terminal-state immutability.
type Provider interface {
	// Name returns the provider's registration name (e.g., "mock", "kyc-webhook").
	Name() string

	// Verify performs one identity check for the subject. It must honor ctx
	// cancellation: a stalled backend is cut off by the caller's deadline.
	// Async backends return a Pending outcome and complete later.
	Verify(ctx context.Context, subjectRef string, evidence map[string]any) (Outcome, error)
}

// Registry holds verification providers keyed by name. It is constructed
// explicitly and passed to the service; registration happens at process
// startup, lookups at call time.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider. Registering the same name twice is an error:
// silently replacing a verification backend is not a supported operation.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.Name()]; exists {
		return fmt.Errorf("provider %q already registered", p.Name())
	}
	r.providers[p.Name()] = p
	return nil
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MockProvider returns a fixed outcome after an optional delay. Used in
// tests and development deployments.
type MockProvider struct {
	ProviderName string
	Outcome      Status
	Latency      time.Duration
	Metadata     map[string]any
}

// Name returns the provider name, defaulting to "mock".
func (p *MockProvider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Verify waits out the configured latency (respecting ctx) and returns the
// configured outcome.
func (p *MockProvider) Verify(ctx context.Context, subjectRef string, evidence map[string]any) (Outcome, error) {
	if p.Latency > 0 {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-time.After(p.Latency):
		}
	}
	status := p.Outcome
	if status == "" {
		status = StatusApproved
	}
	return Outcome{Status: status, Metadata: p.Metadata}, nil
}

// ScriptedProvider returns per-subject scripted outcomes with a default for
// unscripted subjects. Used in tests that need mixed results.
type ScriptedProvider struct {
	ProviderName string
	Outcomes     map[string]Status
	Default      Status
}

// Name returns the provider name, defaulting to "scripted".
func (p *ScriptedProvider) Name() string {
	if p.ProviderName == "" {
		return "scripted"
	}
	return p.ProviderName
}

// Verify returns the scripted outcome for the subject.
func (p *ScriptedProvider) Verify(_ context.Context, subjectRef string, _ map[string]any) (Outcome, error) {
	if status, ok := p.Outcomes[subjectRef]; ok {
		return Outcome{Status: status}, nil
	}
	status := p.Default
	if status == "" {
		status = StatusRejected
	}
	return Outcome{Status: status}, nil
}

// CallbackProvider models an asynchronous backend: every verify call returns
// Pending, and the real decision arrives later through Service.Complete when
// the external system calls back.
type CallbackProvider struct {
	ProviderName string
}

// Name returns the provider name, defaulting to "callback".
func (p *CallbackProvider) Name() string {
	if p.ProviderName == "" {
		return "callback"
	}
	return p.ProviderName
}

// Verify acknowledges the request without deciding it.
func (p *CallbackProvider) Verify(_ context.Context, _ string, _ map[string]any) (Outcome, error) {
	return Outcome{Status: StatusPending}, nil
}
