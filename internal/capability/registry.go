package capability

import (
	"sort"

	"github.com/haasonsaas/nexus-node/internal/policy"
)

// Registry maps capability names to handlers. It is immutable: WithHandler
// returns a new Registry and leaves the receiver untouched, so a Registry
// can be shared by concurrent readers without locking.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// WithHandler returns a registry containing h under its case-folded name,
// replacing any handler already registered under that name.
func (r *Registry) WithHandler(h Handler) *Registry {
	next := make(map[string]Handler, r.Len()+1)
	if r != nil {
		for k, v := range r.handlers {
			next[k] = v
		}
	}
	next[policy.NormalizeName(h.Name())] = h
	return &Registry{handlers: next}
}

// Handler looks up a handler case-insensitively.
func (r *Registry) Handler(name string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	h, ok := r.handlers[policy.NormalizeName(name)]
	return h, ok
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.handlers)
}

// Capabilities describes every registered handler, sorted by name.
func (r *Registry) Capabilities() []Descriptor {
	if r == nil {
		return nil
	}
	out := make([]Descriptor, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, Describe(h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EnabledCapabilities filters Capabilities to those enabled by cfg.
func (r *Registry) EnabledCapabilities(cfg policy.Config) []Descriptor {
	all := r.Capabilities()
	out := all[:0:0]
	for _, d := range all {
		if cfg.CapabilityEnabled(d.Name) {
			out = append(out, d)
		}
	}
	return out
}
