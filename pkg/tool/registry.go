package tool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// Registry holds the registered tools and the per-task visibility
// projection. Parameter schemas are compiled once at registration so
// Invoke never pays compilation cost.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*entry
	visible map[string]map[string]bool // taskID -> allowed names
}

type entry struct {
	tool   Tool
	schema *sjsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*entry),
		visible: make(map[string]map[string]bool),
	}
}

// Register adds a tool. The name must be unique and the parameter schema
// must compile as JSON Schema draft 2020-12.
func (r *Registry) Register(t Tool) error {
	desc := t.Descriptor()
	if desc.Name == "" {
		return fmt.Errorf("tool has no name")
	}

	var compiled *sjsonschema.Schema
	if desc.ParameterSchema != nil {
		raw, err := json.Marshal(desc.ParameterSchema)
		if err != nil {
			return fmt.Errorf("tool %s: invalid parameter schema: %w", desc.Name, err)
		}
		doc, err := sjsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("tool %s: invalid parameter schema: %w", desc.Name, err)
		}
		c := sjsonschema.NewCompiler()
		c.DefaultDraft(sjsonschema.Draft2020)
		if err := c.AddResource(desc.Name+".json", doc); err != nil {
			return fmt.Errorf("tool %s: invalid parameter schema: %w", desc.Name, err)
		}
		compiled, err = c.Compile(desc.Name + ".json")
		if err != nil {
			return fmt.Errorf("tool %s: failed to compile parameter schema: %w", desc.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[desc.Name]; exists {
		return fmt.Errorf("tool %s is already registered", desc.Name)
	}
	r.tools[desc.Name] = &entry{tool: t, schema: compiled}
	return nil
}

// Restrict limits the tools a task may see and invoke. An empty list means
// the task sees no tools; an unrestricted task sees all of them.
func (r *Registry) Restrict(taskID string, names []string) {
	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		allowed[n] = true
	}
	r.mu.Lock()
	r.visible[taskID] = allowed
	r.mu.Unlock()
}

// Release removes the task's restriction, typically when the task ends.
func (r *Registry) Release(taskID string) {
	r.mu.Lock()
	delete(r.visible, taskID)
	r.mu.Unlock()
}

// ListVisible returns the descriptors the task may invoke, sorted by name.
func (r *Registry) ListVisible(taskID string) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	allowed, restricted := r.visible[taskID]
	out := make([]Descriptor, 0, len(r.tools))
	for name, e := range r.tools {
		if restricted && !allowed[name] {
			continue
		}
		out = append(out, e.tool.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// lookup resolves a tool for an invocation, distinguishing unknown tools
// from registered tools the task is not allowed to see.
func (r *Registry) lookup(taskID, name string) (*entry, bool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, false, false
	}
	if allowed, restricted := r.visible[taskID]; restricted && !allowed[name] {
		return e, true, false
	}
	return e, true, true
}
