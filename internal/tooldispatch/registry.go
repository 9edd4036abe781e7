// Package tooldispatch correlates streamed tool-call argument fragments,
// guarantees at-most-once execution per call id, invokes registered local
// capabilities, and returns serialized results to the remote session.
package tooldispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tobwen/voxloop/internal/wire"
)

// Handler executes a capability with already-parsed arguments and returns
// the serialized result payload. Errors are reported back to the remote
// session as failed tool results, never surfaced as session failures.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Capability pairs a tool schema (advertised to the agent during session
// configuration) with the local handler that executes it.
type Capability struct {
	Schema  wire.ToolSchema
	Handler Handler
}

// Registry is a concurrent-safe catalogue of local capabilities, keyed by
// tool name.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register adds or replaces a capability. The schema name is the lookup key.
func (r *Registry) Register(c Capability) error {
	if c.Schema.Name == "" {
		return fmt.Errorf("tooldispatch: capability must have a non-empty name")
	}
	if c.Handler == nil {
		return fmt.Errorf("tooldispatch: capability %q must have a handler", c.Schema.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[c.Schema.Name] = c
	return nil
}

// Lookup returns the capability registered under name.
func (r *Registry) Lookup(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	return c, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caps))
	for n := range r.caps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Schemas returns the schemas of all registered capabilities, sorted by
// name, for inclusion in session.configure.
func (r *Registry) Schemas() []wire.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make([]wire.ToolSchema, 0, len(r.caps))
	for _, c := range r.caps {
		schemas = append(schemas, c.Schema)
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}
