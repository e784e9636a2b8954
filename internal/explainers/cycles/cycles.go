package cycles

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dejo1307/dbtlens/internal/facts"
)

// CycleExplainer reports CTEs that refer to each other in a loop, using
// Tarjan's SCC algorithm over depends_on relations.
type CycleExplainer struct{}

func New() *CycleExplainer {
	return &CycleExplainer{}
}

func (e *CycleExplainer) Name() string {
	return "cycles"
}

func (e *CycleExplainer) Explain(ctx context.Context, store *facts.Store) ([]facts.Insight, error) {
	ctes := store.CTEs()
	byName := make(map[string]facts.Fact, len(ctes))
	for _, f := range ctes {
		byName[f.Name] = f
	}

	var insights []facts.Insight
	for _, scc := range tarjanSCC(dependencyGraph(ctes, byName)) {
		if len(scc) <= 1 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return insights, err
		}
		sort.Strings(scc)

		model := byName[scc[0]].PropString(facts.PropModel)
		evidence := make([]facts.Evidence, 0, len(scc))
		for _, name := range scc {
			f := byName[name]
			evidence = append(evidence, facts.Evidence{
				File:   f.File,
				Line:   f.Line,
				Fact:   name,
				Detail: fmt.Sprintf("CTE %s is part of the cycle", f.PropString(facts.PropCTE)),
			})
		}

		insights = append(insights, facts.Insight{
			Title: fmt.Sprintf("Cyclic CTE references in %s (%d CTEs)", model, len(scc)),
			Description: fmt.Sprintf("The CTEs %s refer to each other in a loop. Unless the WITH clause is RECURSIVE, the warehouse will reject the model.",
				strings.Join(scc, " -> ")+" -> "+scc[0]),
			Confidence: 1.0,
			Evidence:   evidence,
			Actions: []string{
				"Reorder the CTEs so each one only reads from CTEs defined before it",
				"Mark the WITH clause RECURSIVE if the loop is intended",
			},
		})
	}
	return insights, nil
}

// dependencyGraph maps each CTE to the CTEs it depends on.
func dependencyGraph(ctes []facts.Fact, known map[string]facts.Fact) map[string][]string {
	graph := make(map[string][]string, len(ctes))
	for _, f := range ctes {
		if _, ok := graph[f.Name]; !ok {
			graph[f.Name] = nil
		}
		for _, rel := range f.Relations {
			if rel.Kind != facts.RelDependsOn {
				continue
			}
			if _, ok := known[rel.Target]; ok {
				graph[f.Name] = append(graph[f.Name], rel.Target)
			}
		}
	}
	return graph
}

// tarjanSCC returns the strongly connected components of graph. Nodes are
// visited in sorted order so results are deterministic.
func tarjanSCC(graph map[string][]string) [][]string {
	var (
		index    int
		stack    []string
		onStack  = make(map[string]bool)
		indices  = make(map[string]int)
		lowlinks = make(map[string]int)
		sccs     [][]string
	)

	var strongConnect func(v string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlinks[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlinks[v] = min(lowlinks[v], lowlinks[w])
			} else if onStack[w] {
				lowlinks[v] = min(lowlinks[v], indices[w])
			}
		}

		if lowlinks[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(graph))
	for v := range graph {
		nodes = append(nodes, v)
	}
	sort.Strings(nodes)
	for _, v := range nodes {
		if _, visited := indices[v]; !visited {
			strongConnect(v)
		}
	}
	return sccs
}
