// Package registry is the statically-typed replacement for dynamic class
// loading: job bodies are registered by name at program init and built from
// configuration, rather than imported by dotted path at runtime.
package registry

import (
	"fmt"
	"sync"

	"github.com/riverfield/crontabber/internal/descriptor"
)

// Factory builds a JobInvoker from a job's free-form configuration block
// (the decoded `config:` section of its entry in the jobs table).
type Factory func(config map[string]any) (descriptor.JobInvoker, error)

// Registry is the compile-time name -> Factory map. The zero value is not
// usable; construct one with New.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds factory under name. It panics on a duplicate name, since
// that can only happen from a programming error at init time.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("registry: %q already registered", name))
	}
	r.factories[name] = factory
}

// Build constructs the JobInvoker named by classIdentity using config.
func (r *Registry) Build(classIdentity string, config map[string]any) (descriptor.JobInvoker, error) {
	r.mu.RLock()
	factory, ok := r.factories[classIdentity]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: no job class registered as %q", classIdentity)
	}
	return factory(config)
}

// Names returns the registered class identities, in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	return out
}
