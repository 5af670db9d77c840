// Package parser holds the parser stages a run can append after its source:
// the line splitter and the external command parser.
package parser

import (
	"fmt"
	"sort"

	"github.com/mattjoyce/bigstream/internal/config"
	"github.com/mattjoyce/bigstream/internal/pipeline"
)

// Parser is a registered parser kind with its own declared options.
type Parser struct {
	Name    string
	Options config.Options
	New     pipeline.ParserFactory
}

// Registry holds parsers indexed by name.
type Registry struct {
	parsers map[string]*Parser
}

// NewRegistry creates an empty parser registry.
func NewRegistry() *Registry {
	return &Registry{parsers: make(map[string]*Parser)}
}

// Default returns a registry with the built-in parsers.
func Default() *Registry {
	r := NewRegistry()
	_ = r.Add(Line())
	_ = r.Add(Command())
	return r
}

// Get retrieves a parser by name.
func (r *Registry) Get(name string) (*Parser, bool) {
	p, ok := r.parsers[name]
	return p, ok
}

// Add registers a parser.
func (r *Registry) Add(p *Parser) error {
	if _, exists := r.parsers[p.Name]; exists {
		return fmt.Errorf("parser %q already registered", p.Name)
	}
	r.parsers[p.Name] = p
	return nil
}

// Names returns the registered parser names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.parsers))
	for name := range r.parsers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
