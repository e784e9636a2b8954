package clauses

import (
	"context"
	"fmt"
	"sort"

	"github.com/dejo1307/dbtlens/internal/cte"
	"github.com/dejo1307/dbtlens/internal/facts"
)

// ClauseExplainer reports WITH clauses the scanner could not close: those
// holding a second top-level WITH and those never followed by a top-level
// SELECT.
type ClauseExplainer struct{}

func New() *ClauseExplainer {
	return &ClauseExplainer{}
}

func (e *ClauseExplainer) Name() string {
	return "clauses"
}

func (e *ClauseExplainer) Explain(ctx context.Context, store *facts.Store) ([]facts.Insight, error) {
	var rejected []facts.Fact
	for _, c := range store.Clauses() {
		if cte.ClauseStatus(c.PropString(facts.PropStatus)) != cte.ClauseOK {
			rejected = append(rejected, c)
		}
	}
	sort.Slice(rejected, func(i, j int) bool {
		if rejected[i].File != rejected[j].File {
			return rejected[i].File < rejected[j].File
		}
		return rejected[i].Line < rejected[j].Line
	})

	insights := make([]facts.Insight, 0, len(rejected))
	for _, c := range rejected {
		if err := ctx.Err(); err != nil {
			return insights, err
		}
		model := c.PropString(facts.PropModel)
		ev := []facts.Evidence{{File: c.File, Line: c.Line, Fact: c.Name}}

		switch cte.ClauseStatus(c.PropString(facts.PropStatus)) {
		case cte.ClauseNestedWith:
			ev[0].Detail = "second WITH at the same nesting level"
			insights = append(insights, facts.Insight{
				Title:       fmt.Sprintf("Nested WITH in %s", model),
				Description: fmt.Sprintf("The WITH clause at line %d of %s contains another top-level WITH before its SELECT. Its CTEs are not indexed.", c.Line, model),
				Confidence:  0.9,
				Evidence:    ev,
				Actions: []string{
					"Merge the two CTE lists into one WITH clause",
					"Wrap the inner statement in a subquery",
				},
			})
		default:
			n, _ := c.PropInt(facts.PropCTECount)
			ev[0].Detail = "no SELECT after the CTE list"
			insights = append(insights, facts.Insight{
				Title:       fmt.Sprintf("Unterminated WITH in %s", model),
				Description: fmt.Sprintf("The WITH clause at line %d of %s defines %d CTEs but no top-level SELECT follows them.", c.Line, model, n),
				Confidence:  0.7, // the statement may end in INSERT, MERGE or Jinja
				Evidence:    ev,
				Actions: []string{
					"Add the final SELECT of the model",
				},
			})
		}
	}
	return insights, nil
}
