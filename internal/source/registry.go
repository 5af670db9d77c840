// Package source holds the generator kinds: source stages started from a
// single trigger value such as a filename or a command line.
package source

import (
	"fmt"
	"sort"

	"github.com/mattjoyce/bigstream/internal/config"
	"github.com/mattjoyce/bigstream/internal/pipeline"
)

// Generator is a registered generator kind.
type Generator struct {
	Name string
	// Trigger is the option receiving the request's trigger value.
	Trigger string
	Options config.Options
	// Parser forces a parser kind for every run of this generator.
	Parser string
	Open   pipeline.SourceFactory
}

// Registry holds generators indexed by name.
type Registry struct {
	generators map[string]*Generator
}

// NewRegistry creates an empty generator registry.
func NewRegistry() *Registry {
	return &Registry{generators: make(map[string]*Generator)}
}

// Default returns a registry with the built-in generators.
func Default() *Registry {
	r := NewRegistry()
	for _, g := range []*Generator{Blocks(), Full(), Lines(), Command(), Remote()} {
		_ = r.Add(g)
	}
	return r
}

// Get retrieves a generator by name.
func (r *Registry) Get(name string) (*Generator, bool) {
	g, ok := r.generators[name]
	return g, ok
}

// Add registers a generator.
func (r *Registry) Add(g *Generator) error {
	if _, exists := r.generators[g.Name]; exists {
		return fmt.Errorf("generator %q already registered", g.Name)
	}
	r.generators[g.Name] = g
	return nil
}

// Names returns the registered generator names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.generators))
	for name := range r.generators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
