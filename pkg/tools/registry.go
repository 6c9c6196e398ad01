package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/harunnryd/beacon/pkg/llm"
)

// Handler executes a tool with validated arguments. The returned value is
// rendered as JSON into the transcript.
type Handler func(ctx context.Context, args Args) (any, error)

// Descriptor describes one callable tool.
type Descriptor struct {
	Name        string
	Description string
	Schema      Schema
	Handler     Handler
	// Source names where the tool comes from ("builtin", "mcp:<server>").
	Source string
}

// Spec renders the descriptor in the form model clients consume.
func (d Descriptor) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        d.Name,
		Description: d.Description,
		Parameters:  d.Schema.JSONSchema(),
	}
}

// Registry holds every tool known to the process. Registration normally
// happens at startup; sessions never read it directly but take a Snapshot.
type Registry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]Descriptor
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Descriptor)}
}

// Register adds d under its normalized name.
func (r *Registry) Register(d Descriptor) error {
	name := llm.NormalizeToolName(d.Name)
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidTool)
	}
	if d.Handler == nil {
		return fmt.Errorf("%w: %q has no handler", ErrInvalidTool, name)
	}
	d.Name = name
	if d.Source == "" {
		d.Source = "builtin"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return duplicateTool(name)
	}
	r.tools[name] = d
	r.order = append(r.order, name)
	return nil
}

// Get returns the descriptor registered under name.
func (r *Registry) Get(name string) (Descriptor, error) {
	key := llm.NormalizeToolName(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[key]
	if !ok {
		return Descriptor{}, unknownTool(key)
	}
	return d, nil
}

// Unregister removes a tool. Sessions holding a Set keep their copy.
func (r *Registry) Unregister(name string) error {
	key := llm.NormalizeToolName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[key]; !ok {
		return unknownTool(key)
	}
	delete(r.tools, key)
	for i, n := range r.order {
		if n == key {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Snapshot copies the named tools, in the given order, into an immutable Set.
// With no names every tool is included in registration order.
func (r *Registry) Snapshot(names ...string) (*Set, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(names) == 0 {
		names = r.order
	}
	set := &Set{index: make(map[string]int, len(names))}
	for _, n := range names {
		key := llm.NormalizeToolName(n)
		d, ok := r.tools[key]
		if !ok {
			return nil, unknownTool(key)
		}
		if _, dup := set.index[key]; dup {
			continue
		}
		set.index[key] = len(set.list)
		set.list = append(set.list, d)
	}
	return set, nil
}

// Set is an immutable selection of tools active for one session.
type Set struct {
	list  []Descriptor
	index map[string]int
}

// List returns the active tools in selection order.
func (s *Set) List() []Descriptor {
	if s == nil {
		return nil
	}
	return append([]Descriptor(nil), s.list...)
}

// Get looks a tool up by (normalized) name.
func (s *Set) Get(name string) (Descriptor, bool) {
	if s == nil {
		return Descriptor{}, false
	}
	i, ok := s.index[llm.NormalizeToolName(name)]
	if !ok {
		return Descriptor{}, false
	}
	return s.list[i], true
}

func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.list))
	for i, d := range s.list {
		out[i] = d.Name
	}
	return out
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.list)
}

// Specs renders the set for a model client.
func (s *Set) Specs() []llm.ToolSpec {
	if s == nil {
		return nil
	}
	out := make([]llm.ToolSpec, len(s.list))
	for i, d := range s.list {
		out[i] = d.Spec()
	}
	return out
}
