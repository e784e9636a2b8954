package cycles

import (
	"context"
	"sort"
	"testing"

	"github.com/dejo1307/dbtlens/internal/facts"
)

// makeStore adds one CTE fact per key of deps, in model m, with depends_on
// relations to the listed CTEs.
func makeStore(deps map[string][]string) *facts.Store {
	s := facts.NewStore()
	for name, targets := range deps {
		f := facts.Fact{
			Kind:  facts.KindCTE,
			Name:  "m." + name,
			File:  "models/m.sql",
			Line:  1,
			Props: map[string]any{facts.PropCTE: name, facts.PropModel: "m"},
		}
		for _, tgt := range targets {
			f.Relations = append(f.Relations, facts.Relation{Kind: facts.RelDependsOn, Target: "m." + tgt})
		}
		s.Add(f)
	}
	return s
}

func TestTarjanSCC_KnownGraphs(t *testing.T) {
	tests := []struct {
		name           string
		graph          map[string][]string
		wantCycleSizes []int // sorted sizes of SCCs with more than one node
	}{
		{"empty graph", map[string][]string{}, nil},
		{"single node", map[string][]string{"A": nil}, nil},
		{"pair", map[string][]string{"A": {"B"}, "B": {"A"}}, []int{2}},
		{"triangle", map[string][]string{"A": {"B"}, "B": {"C"}, "C": {"A"}}, []int{3}},
		{"two disjoint", map[string][]string{"A": {"B"}, "B": {"A"}, "C": {"D"}, "D": {"C"}}, []int{2, 2}},
		{"chain", map[string][]string{"A": {"B"}, "B": {"C"}, "C": nil}, nil},
		{"cycle with tail", map[string][]string{"A": {"B"}, "B": {"C"}, "C": {"A", "D"}, "D": nil}, []int{3}},
		{"shared node", map[string][]string{"A": {"B"}, "B": {"A", "C"}, "C": {"B"}}, []int{3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []int
			for _, scc := range tarjanSCC(tt.graph) {
				if len(scc) > 1 {
					got = append(got, len(scc))
				}
			}
			sort.Ints(got)
			if len(got) != len(tt.wantCycleSizes) {
				t.Fatalf("cycle sizes = %v, want %v", got, tt.wantCycleSizes)
			}
			for i := range got {
				if got[i] != tt.wantCycleSizes[i] {
					t.Errorf("cycle sizes = %v, want %v", got, tt.wantCycleSizes)
				}
			}
		})
	}
}

func TestTarjanSCC_SelfLoop(t *testing.T) {
	for _, scc := range tarjanSCC(map[string][]string{"A": {"A"}}) {
		if len(scc) > 1 {
			t.Errorf("self-loop should not produce SCC > 1, got %v", scc)
		}
	}
}

func TestDependencyGraph_DropsUnknownTargets(t *testing.T) {
	store := makeStore(map[string][]string{"a": {"b", "missing"}, "b": nil})
	ctes := store.CTEs()
	known := map[string]facts.Fact{}
	for _, f := range ctes {
		known[f.Name] = f
	}

	graph := dependencyGraph(ctes, known)
	if edges := graph["m.a"]; len(edges) != 1 || edges[0] != "m.b" {
		t.Errorf("m.a edges = %v, want [m.b]", edges)
	}
	if _, ok := graph["m.b"]; !ok {
		t.Error("m.b missing from graph")
	}
}

func TestExplain_NoCycles(t *testing.T) {
	store := makeStore(map[string][]string{"a": nil, "b": {"a"}, "c": {"b", "a"}})

	insights, err := New().Explain(context.Background(), store)
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if len(insights) != 0 {
		t.Errorf("expected 0 insights, got %d: %+v", len(insights), insights)
	}
}

func TestExplain_WithCycle(t *testing.T) {
	store := makeStore(map[string][]string{"a": {"c"}, "b": {"a"}, "c": {"b"}})

	insights, err := New().Explain(context.Background(), store)
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if len(insights) != 1 {
		t.Fatalf("expected 1 cycle insight, got %d", len(insights))
	}

	insight := insights[0]
	if insight.Confidence != 1.0 {
		t.Errorf("confidence = %f, want 1.0", insight.Confidence)
	}
	if insight.Title != "Cyclic CTE references in m (3 CTEs)" {
		t.Errorf("title = %q", insight.Title)
	}
	want := []string{"m.a", "m.b", "m.c"}
	if len(insight.Evidence) != len(want) {
		t.Fatalf("evidence count = %d, want %d", len(insight.Evidence), len(want))
	}
	for i, ev := range insight.Evidence {
		if ev.Fact != want[i] {
			t.Errorf("evidence[%d] = %q, want %q", i, ev.Fact, want[i])
		}
		if ev.File != "models/m.sql" {
			t.Errorf("evidence[%d] file = %q", i, ev.File)
		}
	}
}

func TestExplain_SelfReferenceIsNotACycle(t *testing.T) {
	store := makeStore(map[string][]string{"r": {"r"}})

	insights, err := New().Explain(context.Background(), store)
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if len(insights) != 0 {
		t.Errorf("expected 0 insights, got %d", len(insights))
	}
}

func TestExplain_MultipleCycles(t *testing.T) {
	store := makeStore(map[string][]string{"a": {"b"}, "b": {"a"}, "c": {"d"}, "d": {"c"}})

	insights, err := New().Explain(context.Background(), store)
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if len(insights) != 2 {
		t.Errorf("expected 2 cycle insights, got %d", len(insights))
	}
}
