package unused

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dejo1307/dbtlens/internal/facts"
)

// UnusedExplainer reports CTEs that neither another CTE nor the final SELECT
// of their statement refers to.
type UnusedExplainer struct{}

func New() *UnusedExplainer {
	return &UnusedExplainer{}
}

func (e *UnusedExplainer) Name() string {
	return "unused"
}

func (e *UnusedExplainer) Explain(ctx context.Context, store *facts.Store) ([]facts.Insight, error) {
	ctes := store.CTEs()

	// Clauses that never reached their SELECT are reported by the clauses
	// explainer; their CTEs are not judged here.
	okClause := make(map[string]bool)
	for _, c := range store.Clauses() {
		if c.PropString(facts.PropStatus) == "ok" {
			okClause[c.Name] = true
		}
	}

	byFile := make(map[string][]facts.Fact)
	for _, f := range ctes {
		if f.PropBool(facts.PropSelected) || referencedByOther(store, f.Name) {
			continue
		}
		start, _ := f.PropInt(facts.PropWithClauseStart)
		if !okClause[fmt.Sprintf("%s@%d", f.PropString(facts.PropModel), start)] {
			continue
		}
		byFile[f.File] = append(byFile[f.File], f)
	}

	files := make([]string, 0, len(byFile))
	for file := range byFile {
		files = append(files, file)
	}
	sort.Strings(files)

	var insights []facts.Insight
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return insights, err
		}
		unused := byFile[file]
		sort.Slice(unused, func(i, j int) bool { return unused[i].Line < unused[j].Line })

		model := unused[0].PropString(facts.PropModel)
		names := make([]string, 0, len(unused))
		evidence := make([]facts.Evidence, 0, len(unused))
		for _, f := range unused {
			name := f.PropString(facts.PropCTE)
			names = append(names, name)
			evidence = append(evidence, facts.Evidence{
				File:   f.File,
				Line:   f.Line,
				Fact:   f.Name,
				Detail: fmt.Sprintf("CTE %s is never selected from", name),
			})
		}

		insights = append(insights, facts.Insight{
			Title:       fmt.Sprintf("Unused CTEs in %s (%d)", model, len(unused)),
			Description: fmt.Sprintf("%s: %s defined but not referenced by any other CTE or by the final SELECT.", model, strings.Join(names, ", ")),
			Confidence:  0.8, // Jinja may build references the scanner cannot see
			Evidence:    evidence,
			Actions: []string{
				"Remove the CTE or select from it",
			},
		})
	}
	return insights, nil
}

func referencedByOther(store *facts.Store, name string) bool {
	for _, ref := range store.ReverseLookup(name, facts.RelDependsOn) {
		if ref.Name != name {
			return true
		}
	}
	return false
}
