package llmcontext

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dejo1307/dbtlens/internal/facts"
)

const charsPerToken = 4

// LLMContextRenderer writes llm_context.md, a markdown summary of the
// project's models and CTEs sized to a token budget.
type LLMContextRenderer struct {
	maxTokens int
}

func New(maxTokens int) *LLMContextRenderer {
	if maxTokens <= 0 {
		maxTokens = 4000
	}
	return &LLMContextRenderer{maxTokens: maxTokens}
}

func (r *LLMContextRenderer) Name() string {
	return "llm_context"
}

type section struct {
	name    string
	content string
}

// Render emits sections in priority order. The section that crosses the
// budget is cut, and the ones after it are listed as omitted.
func (r *LLMContextRenderer) Render(ctx context.Context, snapshot *facts.Snapshot) ([]facts.Artifact, error) {
	idx := newIndex(snapshot.Facts)
	sections := []section{
		{"Models", renderModels(idx)},
		{"Findings", renderFindings(snapshot.Insights)},
		{"CTE Chains", renderChains(idx)},
		{"Meta", renderMeta(snapshot)},
	}

	header := "# dbt CTE Snapshot\n\n"
	if snapshot.Meta.ProjectName != "" {
		header = fmt.Sprintf("# dbt CTE Snapshot: %s\n\n", snapshot.Meta.ProjectName)
	}
	remaining := r.maxTokens*charsPerToken - len(header)

	var sb strings.Builder
	sb.WriteString(header)
	for i, sec := range sections {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if sec.content == "" {
			continue
		}
		if len(sec.content) <= remaining {
			sb.WriteString(sec.content)
			remaining -= len(sec.content)
			continue
		}
		if remaining > 200 {
			sb.WriteString(sec.content[:cutLine(sec.content, remaining-100)])
			fmt.Fprintf(&sb, "\n---\n*[Truncated in: %s]*\n", sec.name)
			break
		}
		var omitted []string
		for _, s := range sections[i:] {
			if s.content != "" {
				omitted = append(omitted, s.name)
			}
		}
		fmt.Fprintf(&sb, "\n---\n*[Omitted: %s]*\n", strings.Join(omitted, ", "))
		break
	}

	return []facts.Artifact{{
		Name:    "llm_context.md",
		Content: []byte(sb.String()),
		Type:    "text/markdown",
	}}, nil
}

// cutLine returns the end of the last full line within limit.
func cutLine(s string, limit int) int {
	if limit >= len(s) {
		return len(s)
	}
	if i := strings.LastIndexByte(s[:limit], '\n'); i > 0 {
		return i + 1
	}
	return limit
}

type index struct {
	models   []facts.Fact
	ctes     map[string][]facts.Fact // by model fact name, in index order
	rejected map[string]int          // rejected clauses per model
}

func newIndex(ff []facts.Fact) *index {
	idx := &index{ctes: map[string][]facts.Fact{}, rejected: map[string]int{}}
	for _, f := range ff {
		switch f.Kind {
		case facts.KindModel:
			idx.models = append(idx.models, f)
		case facts.KindCTE:
			m := f.PropString(facts.PropModel)
			idx.ctes[m] = append(idx.ctes[m], f)
		case facts.KindClause:
			if f.PropString(facts.PropStatus) != "ok" {
				idx.rejected[f.PropString(facts.PropModel)]++
			}
		}
	}
	sort.Slice(idx.models, func(i, j int) bool { return idx.models[i].File < idx.models[j].File })
	for _, list := range idx.ctes {
		sort.SliceStable(list, func(i, j int) bool { return list[i].Line < list[j].Line })
	}
	return idx
}

func renderModels(idx *index) string {
	var sb strings.Builder
	sb.WriteString("## Models\n\n")
	if len(idx.models) == 0 {
		sb.WriteString("_No models found._\n\n")
		return sb.String()
	}

	sb.WriteString("| Model | File | CTEs | Rejected WITH |\n")
	sb.WriteString("|-------|------|------|---------------|\n")
	for _, m := range idx.models {
		fmt.Fprintf(&sb, "| `%s` | `%s` | %d | %d |\n", m.Name, m.File, len(idx.ctes[m.Name]), idx.rejected[m.Name])
	}
	sb.WriteString("\n")
	return sb.String()
}

// renderChains lists each model's CTEs with what they read from. The CTE
// the final SELECT reads is marked.
func renderChains(idx *index) string {
	var sb strings.Builder
	for _, m := range idx.models {
		list := idx.ctes[m.Name]
		if len(list) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "### %s\n\n", m.Name)
		for _, c := range list {
			fmt.Fprintf(&sb, "- `%s`", c.PropString(facts.PropCTE))
			if deps := dependsOn(c); len(deps) > 0 {
				fmt.Fprintf(&sb, " <- %s", strings.Join(deps, ", "))
			}
			if c.PropBool(facts.PropRecursive) {
				sb.WriteString(" (recursive)")
			}
			if c.PropBool(facts.PropSelected) {
				sb.WriteString(" **selected**")
			}
			fmt.Fprintf(&sb, " (line %d)\n", c.Line)
		}
		sb.WriteString("\n")
	}
	if sb.Len() == 0 {
		return ""
	}
	return "## CTE Chains\n\n" + sb.String()
}

func dependsOn(c facts.Fact) []string {
	model := c.PropString(facts.PropModel) + "."
	var out []string
	for _, rel := range c.Relations {
		if rel.Kind == facts.RelDependsOn {
			out = append(out, "`"+strings.TrimPrefix(rel.Target, model)+"`")
		}
	}
	return out
}

func renderFindings(insights []facts.Insight) string {
	if len(insights) == 0 {
		return ""
	}
	sorted := make([]facts.Insight, len(insights))
	copy(sorted, insights)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Confidence > sorted[j].Confidence })

	var sb strings.Builder
	sb.WriteString("## Findings\n\n")
	for _, in := range sorted {
		fmt.Fprintf(&sb, "- **%s** (confidence: %.0f%%): %s\n", in.Title, in.Confidence*100, in.Description)
	}
	sb.WriteString("\n")
	return sb.String()
}

func renderMeta(snapshot *facts.Snapshot) string {
	cached := ""
	if snapshot.Meta.Cached {
		cached = " from cache"
	}
	return fmt.Sprintf("---\n\n*Generated at %s in %s%s. %d facts, %d insights.*\n",
		snapshot.Meta.GeneratedAt, snapshot.Meta.Duration, cached,
		snapshot.Meta.FactCount, snapshot.Meta.InsightCount)
}
