package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Info describes a registered engine for the API.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type registration struct {
	open        Opener
	description string
}

// Registry holds the engine implementations the process can open, by name.
type Registry struct {
	mu      sync.RWMutex
	openers map[string]registration
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		openers: make(map[string]registration),
	}
}

// Register adds an engine implementation under the given name.
func (r *Registry) Register(name, description string, open Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openers[name] = registration{open: open, description: description}
}

// Opener returns the opener registered under name.
func (r *Registry) Opener(name string) (Opener, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.openers[name]
	if !ok {
		return nil, fmt.Errorf("backend %q is not registered", name)
	}
	return reg.open, nil
}

// Open constructs the named engine with cb as its mask callback.
func (r *Registry) Open(name string, cb LogitsCallback) (Backend, error) {
	open, err := r.Opener(name)
	if err != nil {
		return nil, err
	}
	b, err := open(cb)
	if err != nil {
		return nil, fmt.Errorf("open backend %q: %w", name, err)
	}
	return b, nil
}

// List returns the registered engines sorted by name for a stable API
// response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.openers))
	for name, reg := range r.openers {
		infos = append(infos, Info{Name: name, Description: reg.description})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
