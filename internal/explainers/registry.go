// Package explainers derives insights about CTEs from the fact store.
package explainers

import (
	"context"

	"github.com/dejo1307/dbtlens/internal/facts"
)

// Explainer inspects the store and reports findings.
type Explainer interface {
	// Name is the identifier used in dbtlens.yaml, e.g. "unused".
	Name() string
	Explain(ctx context.Context, store *facts.Store) ([]facts.Insight, error)
}

// Registry is an ordered set of explainers.
type Registry struct {
	explainers []Explainer
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends e, replacing an explainer with the same name.
func (r *Registry) Register(e Explainer) {
	for i, existing := range r.explainers {
		if existing.Name() == e.Name() {
			r.explainers[i] = e
			return
		}
	}
	r.explainers = append(r.explainers, e)
}

// Get returns the explainer called name, or nil.
func (r *Registry) Get(name string) Explainer {
	for _, e := range r.explainers {
		if e.Name() == name {
			return e
		}
	}
	return nil
}

// All returns the explainers in registration order.
func (r *Registry) All() []Explainer {
	return r.explainers
}
