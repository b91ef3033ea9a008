// Package routing resolves which backend and model serve a request.
package routing

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/parleyhq/parley/internal/provider"
)

// Selection is a resolved backend/model pair.
type Selection struct {
	Backend provider.Backend
	Model   string
}

// Capability names something a resolved model must be able to do.
type Capability string

const (
	CapChat      Capability = "chat"
	CapStreaming Capability = "streaming"
	CapToolUse   Capability = "tool_use"
)

// Router holds the registered backends and the daemon-level defaults.
// Resolution order for both provider and model: explicit request value,
// conversation default, daemon default.
type Router struct {
	mu              sync.RWMutex
	backends        map[string]provider.Backend
	defaultProvider string
	logger          *slog.Logger
}

// NewRouter creates a router with no backends registered.
func NewRouter(defaultProvider string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		backends:        make(map[string]provider.Backend),
		defaultProvider: defaultProvider,
		logger:          logger.With("component", "routing"),
	}
}

// Register adds a backend under its Name(). The first registered backend
// becomes the daemon default when none was configured.
func (r *Router) Register(b provider.Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Name()] = b
	if r.defaultProvider == "" {
		r.defaultProvider = b.Name()
	}
}

// Get returns a backend by id.
func (r *Router) Get(id string) (provider.Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[id]
	return b, ok
}

// Providers lists registered backend ids, sorted.
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.backends))
	for id := range r.backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve picks the backend and model for one request. providerID and model
// are the explicit request values; convProvider and convModel are the
// conversation defaults. Empty strings fall through to the next tier. Any
// required capabilities constrain the resolved model.
//
// A specifically requested model the backend does not serve, or one missing
// a required capability, falls back to the backend's default model rather
// than failing the request. A default model that still cannot cover the
// capabilities fails resolution.
func (r *Router) Resolve(providerID, model, convProvider, convModel string, caps ...Capability) (Selection, error) {
	id := first(providerID, convProvider, r.defaultProviderID())
	if id == "" {
		return Selection{}, fmt.Errorf("no provider configured")
	}

	backend, ok := r.Get(id)
	if !ok {
		return Selection{}, fmt.Errorf("provider not configured: %s", id)
	}

	m := first(model, convModel, backend.DefaultModel())
	if m != backend.DefaultModel() && !provider.HasModel(backend, m) {
		r.logger.Warn("requested model unavailable, using provider default",
			"provider", id, "requested", m, "fallback", backend.DefaultModel())
		m = backend.DefaultModel()
	}
	if missing := unsupported(backend, m, caps); missing != "" {
		if m == backend.DefaultModel() {
			return Selection{}, fmt.Errorf("provider %s model %s does not support %s", id, m, missing)
		}
		fallback := backend.DefaultModel()
		if again := unsupported(backend, fallback, caps); again != "" {
			return Selection{}, fmt.Errorf("provider %s model %s does not support %s", id, fallback, again)
		}
		r.logger.Warn("requested model lacks a required capability, using provider default",
			"provider", id, "requested", m, "missing", missing, "fallback", fallback)
		m = fallback
	}

	return Selection{Backend: backend, Model: m}, nil
}

// unsupported returns the first required capability the model cannot serve,
// or the empty string when all are covered. Chat and streaming come with
// every registered backend; tool use depends on both the backend and the
// model.
func unsupported(b provider.Backend, model string, caps []Capability) Capability {
	for _, c := range caps {
		switch c {
		case CapChat, CapStreaming:
			// Every backend speaks the streaming chat interface.
		case CapToolUse:
			if !b.SupportsTools() || !provider.ModelSupportsTools(b, model) {
				return c
			}
		default:
			return c
		}
	}
	return ""
}

func (r *Router) defaultProviderID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultProvider
}

func first(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
