package facts

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
)

// Graph provides adjacency-list indexes and traversal operations over a Store.
// It is a derived index rebuilt from the Store's facts after each snapshot.
type Graph struct {
	mu      sync.RWMutex
	forward map[string][]Edge // fact name -> outgoing edges
	reverse map[string][]Edge // fact name -> incoming edges
	facts   []Fact
	factIdx map[string]int // fact name -> first index in facts
}

// Edge is a directed relationship between two facts.
type Edge struct {
	RelKind string
	Target  string // target fact name (forward) or source fact name (reverse)
}

// Traversal directions.
const (
	Forward = "forward"
	Reverse = "reverse"
)

// TraversalResult holds the output of a graph traversal.
type TraversalResult struct {
	Nodes []TraversalNode `json:"nodes"`
	Edges []TraversalEdge `json:"edges"`
	Stats TraversalStats  `json:"stats"`
}

// TraversalNode is a node visited during traversal.
type TraversalNode struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	File  string `json:"file,omitempty"`
	Line  int    `json:"line,omitempty"`
	Depth int    `json:"depth"`
}

// TraversalEdge is an edge traversed during traversal.
type TraversalEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Kind   string `json:"kind"`
}

// TraversalStats summarizes a traversal.
type TraversalStats struct {
	NodesVisited    int  `json:"nodes_visited"`
	EdgesTraversed  int  `json:"edges_traversed"`
	MaxDepthReached int  `json:"max_depth_reached"`
	Truncated       bool `json:"truncated"`
}

// ImpactResult holds depth-bucketed impact analysis results.
type ImpactResult struct {
	Target  string                  `json:"target"`
	ByDepth map[int][]TraversalNode `json:"by_depth"`
	Edges   []TraversalEdge         `json:"edges"`
	Summary string                  `json:"summary"`
	Stats   TraversalStats          `json:"stats"`
	Forward *TraversalResult        `json:"forward_dependencies,omitempty"`
}

// PathResult holds a shortest-path result.
type PathResult struct {
	From  string          `json:"from"`
	To    string          `json:"to"`
	Found bool            `json:"found"`
	Path  []TraversalNode `json:"path,omitempty"`
	Edges []TraversalEdge `json:"edges,omitempty"`
}

// NewGraph builds forward and reverse adjacency lists in one pass over ff.
func NewGraph(ff []Fact) *Graph {
	g := &Graph{
		forward: make(map[string][]Edge),
		reverse: make(map[string][]Edge),
		facts:   ff,
		factIdx: make(map[string]int, len(ff)),
	}
	for i, f := range ff {
		if f.Name != "" {
			if _, exists := g.factIdx[f.Name]; !exists {
				g.factIdx[f.Name] = i
			}
		}
		for _, rel := range f.Relations {
			g.addEdge(f.Name, rel.Kind, rel.Target)
		}
	}
	return g
}

func clamp(v, def, limit int) int {
	if v <= 0 {
		return def
	}
	if v > limit {
		return limit
	}
	return v
}

// Traverse performs a BFS from start in the given direction.
// relKinds filters relation types and nodeKinds filters result nodes (nil = all).
// maxDepth defaults to 5 and maxNodes to 100.
func (g *Graph) Traverse(start, direction string, relKinds, nodeKinds []string, maxDepth, maxNodes int) TraversalResult {
	g.mu.RLock()
	defer g.mu.RUnlock()

	maxDepth = clamp(maxDepth, 5, 20)
	maxNodes = clamp(maxNodes, 100, 500)

	adj := g.forward
	if direction == Reverse {
		adj = g.reverse
	}
	relSet := toSet(relKinds)
	kindSet := toSet(nodeKinds)

	type queueItem struct {
		name  string
		depth int
	}

	var result TraversalResult
	visited := map[string]bool{start: true}
	queue := []queueItem{{name: start}}
	result.Nodes = append(result.Nodes, g.nodeFor(start, 0))

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		if item.depth >= maxDepth {
			continue
		}

		for _, e := range adj[item.name] {
			if relSet != nil {
				if _, ok := relSet[e.RelKind]; !ok {
					continue
				}
			}
			result.Stats.EdgesTraversed++
			if direction == Reverse {
				result.Edges = append(result.Edges, TraversalEdge{Source: e.Target, Target: item.name, Kind: e.RelKind})
			} else {
				result.Edges = append(result.Edges, TraversalEdge{Source: item.name, Target: e.Target, Kind: e.RelKind})
			}

			if visited[e.Target] {
				continue
			}
			visited[e.Target] = true

			depth := item.depth + 1
			if depth > result.Stats.MaxDepthReached {
				result.Stats.MaxDepthReached = depth
			}

			node := g.nodeFor(e.Target, depth)
			if kindSet != nil {
				if _, ok := kindSet[node.Kind]; !ok {
					// traversed through, not reported
					queue = append(queue, queueItem{name: e.Target, depth: depth})
					continue
				}
			}
			if len(result.Nodes) >= maxNodes {
				result.Stats.Truncated = true
				continue
			}
			result.Nodes = append(result.Nodes, node)
			queue = append(queue, queueItem{name: e.Target, depth: depth})
		}
	}

	result.Stats.NodesVisited = len(visited)
	return result
}

// FindPath returns a shortest chain of forward edges from one node to
// another, breadth first. maxDepth defaults to 10.
func (g *Graph) FindPath(from, to string, relKinds []string, maxDepth int) PathResult {
	g.mu.RLock()
	defer g.mu.RUnlock()

	result := PathResult{From: from, To: to}
	if from == to {
		result.Found = true
		result.Path = []TraversalNode{g.nodeFor(from, 0)}
		return result
	}

	maxDepth = clamp(maxDepth, 10, 20)
	rels := toSet(relKinds)

	// via maps each reached node to the edge it was first reached by.
	via := map[string]TraversalEdge{from: {}}
	frontier := []string{from}
	for depth := 0; depth < maxDepth && len(frontier) > 0 && !result.Found; depth++ {
		var next []string
		for _, name := range frontier {
			for _, e := range g.forward[name] {
				if _, seen := via[e.Target]; seen {
					continue
				}
				if rels != nil {
					if _, ok := rels[e.RelKind]; !ok {
						continue
					}
				}
				via[e.Target] = TraversalEdge{Source: name, Target: e.Target, Kind: e.RelKind}
				if e.Target == to {
					result.Found = true
					break
				}
				next = append(next, e.Target)
			}
			if result.Found {
				break
			}
		}
		frontier = next
	}
	if !result.Found {
		return result
	}

	for cur := to; cur != from; cur = via[cur].Source {
		result.Edges = append(result.Edges, via[cur])
	}
	slices.Reverse(result.Edges)
	result.Path = append(result.Path, g.nodeFor(from, 0))
	for i, e := range result.Edges {
		result.Path = append(result.Path, g.nodeFor(e.Target, i+1))
	}
	return result
}

// ImpactSet computes the transitive set of nodes affected by changing target,
// grouped by depth. With includeForward it also lists what target depends on.
func (g *Graph) ImpactSet(target string, relKinds []string, maxDepth, maxNodes int, includeForward bool) ImpactResult {
	maxDepth = clamp(maxDepth, 3, 10)
	maxNodes = clamp(maxNodes, 200, 500)

	rev := g.Traverse(target, Reverse, relKinds, nil, maxDepth, maxNodes)
	result := ImpactResult{
		Target:  target,
		ByDepth: make(map[int][]TraversalNode),
		Edges:   rev.Edges,
		Stats:   rev.Stats,
	}
	for _, n := range rev.Nodes {
		if n.Depth > 0 {
			result.ByDepth[n.Depth] = append(result.ByDepth[n.Depth], n)
		}
	}
	result.Summary = impactSummary(result.ByDepth)

	if includeForward {
		fwd := g.Traverse(target, Forward, relKinds, nil, maxDepth, maxNodes)
		result.Forward = &fwd
	}
	return result
}

func (g *Graph) addEdge(source, relKind, target string) {
	g.forward[source] = append(g.forward[source], Edge{RelKind: relKind, Target: target})
	g.reverse[target] = append(g.reverse[target], Edge{RelKind: relKind, Target: source})
}

// NodeCount returns the number of unique named facts in the graph.
func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.factIdx)
}

// EdgeCount returns the total number of edges in the graph.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	count := 0
	for _, edges := range g.forward {
		count += len(edges)
	}
	return count
}

func (g *Graph) nodeFor(name string, depth int) TraversalNode {
	node := TraversalNode{Name: name, Depth: depth}
	if idx, ok := g.factIdx[name]; ok && idx < len(g.facts) {
		f := g.facts[idx]
		node.Kind = f.Kind
		node.File = f.File
		node.Line = f.Line
	}
	return node
}

// impactSummary renders e.g. "3 total dependents: depth 1: 2 ctes; depth 2: 1 cte".
func impactSummary(byDepth map[int][]TraversalNode) string {
	if len(byDepth) == 0 {
		return "No dependents found."
	}

	depths := make([]int, 0, len(byDepth))
	total := 0
	for d, nodes := range byDepth {
		depths = append(depths, d)
		total += len(nodes)
	}
	sort.Ints(depths)

	parts := make([]string, 0, len(depths))
	for _, d := range depths {
		kindCount := make(map[string]int)
		for _, n := range byDepth[d] {
			k := n.Kind
			if k == "" {
				k = "unknown"
			}
			kindCount[k]++
		}
		kinds := make([]string, 0, len(kindCount))
		for k := range kindCount {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)

		counts := make([]string, 0, len(kinds))
		for _, k := range kinds {
			c := fmt.Sprintf("%d %s", kindCount[k], k)
			if kindCount[k] > 1 {
				c += "s"
			}
			counts = append(counts, c)
		}
		parts = append(parts, fmt.Sprintf("depth %d: %s", d, strings.Join(counts, ", ")))
	}
	return fmt.Sprintf("%d total dependents: %s", total, strings.Join(parts, "; "))
}

func toSet(ss []string) map[string]struct{} {
	if len(ss) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		if s != "" {
			set[s] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}
