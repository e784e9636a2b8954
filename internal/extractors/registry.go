// Package extractors turns the files of a dbt project into facts.
package extractors

import (
	"context"

	"github.com/dejo1307/dbtlens/internal/facts"
)

// Extractor reads project files and emits facts.
type Extractor interface {
	// Name is the identifier used in dbtlens.yaml, e.g. "sql".
	Name() string
	// Detect reports whether the extractor applies to the project at root.
	Detect(root string) (bool, error)
	// Extract emits facts for files, given relative to root.
	Extract(ctx context.Context, root string, files []string) ([]facts.Fact, error)
}

// Registry is an ordered set of extractors.
type Registry struct {
	extractors []Extractor
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends e. A later extractor with the same name replaces the
// earlier one.
func (r *Registry) Register(e Extractor) {
	for i, existing := range r.extractors {
		if existing.Name() == e.Name() {
			r.extractors[i] = e
			return
		}
	}
	r.extractors = append(r.extractors, e)
}

// Get returns the extractor called name, or nil.
func (r *Registry) Get(name string) Extractor {
	for _, e := range r.extractors {
		if e.Name() == name {
			return e
		}
	}
	return nil
}

// All returns the extractors in registration order.
func (r *Registry) All() []Extractor {
	return r.extractors
}
