// Package tools resolves node tool sources into callables and dispatches
// model-directed tool calls.
package tools

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds the package tools available to flows, keyed by qualified name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*FuncTool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*FuncTool)}
}

// Register adds tools to the registry. Names must be unique.
func (r *Registry) Register(tools ...*FuncTool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		if t == nil || t.Name() == "" {
			return fmt.Errorf("tool must have a name")
		}
		if _, exists := r.tools[t.Name()]; exists {
			return fmt.Errorf("tool with name '%s' already exists", t.Name())
		}
		r.tools[t.Name()] = t
	}
	return nil
}

// MustRegister is Register that panics on duplicates.
func (r *Registry) MustRegister(tools ...*FuncTool) {
	if err := r.Register(tools...); err != nil {
		panic(err)
	}
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (*FuncTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists every registered tool.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func shortName(qualified string) string {
	if i := strings.LastIndex(qualified, "."); i >= 0 {
		return qualified[i+1:]
	}
	return qualified
}
