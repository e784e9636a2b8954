// Package renderers turns a snapshot into output artifacts.
package renderers

import (
	"context"

	"github.com/dejo1307/dbtlens/internal/facts"
)

// Renderer produces artifacts, such as llm_context.md, from a snapshot.
type Renderer interface {
	Name() string
	Render(ctx context.Context, snapshot *facts.Snapshot) ([]facts.Artifact, error)
}

// Registry is an ordered set of renderers.
type Registry struct {
	renderers []Renderer
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends rnd, replacing a renderer with the same name.
func (r *Registry) Register(rnd Renderer) {
	for i, existing := range r.renderers {
		if existing.Name() == rnd.Name() {
			r.renderers[i] = rnd
			return
		}
	}
	r.renderers = append(r.renderers, rnd)
}

// Get returns the renderer called name, or nil.
func (r *Registry) Get(name string) Renderer {
	for _, rnd := range r.renderers {
		if rnd.Name() == name {
			return rnd
		}
	}
	return nil
}

// All returns the renderers in registration order.
func (r *Registry) All() []Renderer {
	return r.renderers
}
