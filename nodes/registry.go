package nodes

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	nodeflow "nodeflow"
	"nodeflow/status"
)

// Definition describes a node type for discovery endpoints.
type Definition struct {
	Type        nodeflow.NodeType `json:"type"`
	Description string            `json:"description"`
	Channel     string            `json:"channel"`
}

var (
	catalogMu sync.RWMutex
	catalog   = make(map[nodeflow.NodeType]Definition)
)

// Describe makes a node type discoverable through Catalog.
func Describe(def Definition) {
	if def.Type == "" {
		return
	}
	if def.Channel == "" {
		def.Channel = status.ChannelFor(def.Type)
	}
	catalogMu.Lock()
	catalog[def.Type] = def
	catalogMu.Unlock()
}

// Catalog returns the described node types sorted by type.
func Catalog() []Definition {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	out := make([]Definition, 0, len(catalog))
	for _, def := range catalog {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

var (
	// ErrDuplicateExecutor is returned when a type is registered twice.
	ErrDuplicateExecutor = errors.New("executor already registered")
	// ErrUnknownExecutor is returned by Lookup for unregistered types.
	ErrUnknownExecutor = errors.New("no executor registered for node type")
)

// Registry maps node types to executors. It is filled at startup and read
// concurrently afterwards.
type Registry struct {
	mu        sync.RWMutex
	executors map[nodeflow.NodeType]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[nodeflow.NodeType]Executor)}
}

func (r *Registry) Register(t nodeflow.NodeType, exec Executor) error {
	if exec == nil {
		return fmt.Errorf("register %s: nil executor", t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.executors[t]; ok {
		return fmt.Errorf("register %s: %w", t, ErrDuplicateExecutor)
	}
	r.executors[t] = exec
	return nil
}

// MustRegister is Register that panics. Intended for startup wiring.
func (r *Registry) MustRegister(t nodeflow.NodeType, exec Executor) {
	if err := r.Register(t, exec); err != nil {
		panic(err)
	}
}

// Lookup returns the executor for t. An unknown type is a permanent error.
func (r *Registry) Lookup(t nodeflow.NodeType) (Executor, error) {
	r.mu.RLock()
	exec, ok := r.executors[t]
	r.mu.RUnlock()
	if !ok {
		return nil, nodeflow.NonRetriable(fmt.Errorf("%w: %s", ErrUnknownExecutor, t))
	}
	return exec, nil
}

// Types lists registered node types in sorted order.
func (r *Registry) Types() []nodeflow.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]nodeflow.NodeType, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Options configures the built-in executors.
type Options struct {
	HTTP      HTTPRequestConfig
	Webhooks  WebhookConfig
	Providers map[nodeflow.NodeType]ProviderConfig
}

// DefaultOptions returns settings for every built-in executor.
func DefaultOptions() Options {
	return Options{
		HTTP:      DefaultHTTPRequestConfig(),
		Webhooks:  DefaultWebhookConfig(),
		Providers: DefaultProviders(),
	}
}

// NewBuiltinRegistry registers an executor for every built-in node type.
func NewBuiltinRegistry(opts Options) (*Registry, error) {
	r := NewRegistry()
	trigger := TriggerExecutor{}
	for _, t := range []nodeflow.NodeType{
		nodeflow.NodeTypeInitial,
		nodeflow.NodeTypeManualTrigger,
		nodeflow.NodeTypeFormTrigger,
		nodeflow.NodeTypePaymentTrigger,
	} {
		if err := r.Register(t, trigger); err != nil {
			return nil, err
		}
	}
	if err := r.Register(nodeflow.NodeTypeHTTPRequest, NewHTTPRequestExecutor(opts.HTTP)); err != nil {
		return nil, err
	}

	providers := DefaultProviders()
	for t, p := range opts.Providers {
		providers[t] = p
	}
	for _, t := range []nodeflow.NodeType{nodeflow.NodeTypeOpenAI, nodeflow.NodeTypeAnthropic, nodeflow.NodeTypeGemini} {
		p := providers[t]
		if p.HTTPClient == nil {
			p.HTTPClient = opts.HTTP.Client
		}
		if err := r.Register(t, NewTextGenerationExecutor(p)); err != nil {
			return nil, err
		}
	}

	if err := r.Register(nodeflow.NodeTypeDiscord, NewDiscordExecutor(opts.Webhooks)); err != nil {
		return nil, err
	}
	if err := r.Register(nodeflow.NodeTypeSlack, NewSlackExecutor(opts.Webhooks)); err != nil {
		return nil, err
	}
	return r, nil
}
