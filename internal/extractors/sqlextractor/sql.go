// Package sqlextractor emits model, WITH clause and CTE facts for the SQL
// models of a dbt project.
package sqlextractor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dejo1307/dbtlens/internal/cte"
	"github.com/dejo1307/dbtlens/internal/dbt"
	"github.com/dejo1307/dbtlens/internal/facts"
	"github.com/dejo1307/dbtlens/internal/logger"
	"github.com/dejo1307/dbtlens/internal/metrics"
)

// SQLExtractor scans every .sql file under the project's model paths.
type SQLExtractor struct {
	workers int
}

// New returns an extractor scanning up to workers files at once. Zero means
// one per CPU.
func New(workers int) *SQLExtractor {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &SQLExtractor{workers: workers}
}

func (e *SQLExtractor) Name() string {
	return "sql"
}

// Detect returns true if root holds a dbt_project.yml.
func (e *SQLExtractor) Detect(root string) (bool, error) {
	_, err := os.Stat(filepath.Join(root, dbt.ProjectFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (e *SQLExtractor) Extract(ctx context.Context, root string, files []string) ([]facts.Fact, error) {
	pf, err := dbt.ReadProjectFile(root)
	if err != nil {
		return nil, err
	}
	models := modelFiles(files, pf.ModelPaths)
	logger.Debug("[cte-lens] %s: %d model files", pf.Name, len(models))

	perFile := make([][]facts.Fact, len(models))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, rel := range models {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			src, err := os.ReadFile(filepath.Join(root, rel))
			if err != nil {
				logger.Error("[cte-lens] error reading %s: %v", rel, err)
				return nil
			}
			perFile[i] = ModelFacts(pf.Name, rel, string(src))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []facts.Fact
	for _, ff := range perFile {
		out = append(out, ff...)
	}
	return out, nil
}

// modelFiles keeps the .sql files under one of the model paths.
func modelFiles(files, modelPaths []string) []string {
	var out []string
	for _, f := range files {
		if !strings.EqualFold(filepath.Ext(f), ".sql") {
			continue
		}
		for _, mp := range modelPaths {
			mp = filepath.Clean(mp)
			if strings.HasPrefix(f, mp+string(filepath.Separator)) {
				out = append(out, f)
				break
			}
		}
	}
	return out
}

// ModelName is the dbt model name of a model file: its base name without
// the extension.
func ModelName(rel string) string {
	base := filepath.Base(rel)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ModelFacts scans one model and returns its model fact followed by clause
// and CTE facts. CTE facts are named <model>.<normalized cte name>; a name
// repeated within the model gets a #2, #3 suffix.
func ModelFacts(project, rel, text string) []facts.Fact {
	start := time.Now()
	res := cte.Analyze(text)
	metrics.RecordScan(len(res.CTEs), time.Since(start))

	model := ModelName(rel)
	li := cte.NewLineIndex(text)
	refs := cte.References(text, res.CTEs)

	names := make([]string, len(res.CTEs))
	seen := make(map[string]int)
	for i, d := range res.CTEs {
		key := model + "." + cte.NormalizeName(d.Name)
		seen[key]++
		if n := seen[key]; n > 1 {
			key = fmt.Sprintf("%s#%d", key, n)
		}
		names[i] = key
	}

	selected := make(map[int]bool)
	modelFact := facts.Fact{
		Kind:    facts.KindModel,
		Name:    model,
		File:    rel,
		Line:    1,
		Project: project,
		Props: map[string]any{
			facts.PropCTECount: len(res.CTEs),
		},
	}

	var clauseFacts []facts.Fact
	for _, c := range res.Clauses {
		if c.Status != cte.ClauseOK {
			metrics.RecordRejectedClause(string(c.Status))
			logger.Debug("[cte-lens] %s: WITH at offset %d is %s", rel, c.Start, c.Status)
		}
		for _, i := range cte.SelectReferences(text, res.CTEs, c) {
			selected[i] = true
		}

		cf := facts.Fact{
			Kind:    facts.KindClause,
			Name:    fmt.Sprintf("%s@%d", model, c.Start),
			File:    rel,
			Line:    li.Position(c.Start).Line + 1,
			Project: project,
			Props: map[string]any{
				facts.PropModel:    model,
				facts.PropStart:    c.Start,
				facts.PropEnd:      c.End,
				facts.PropStatus:   string(c.Status),
				facts.PropCTECount: c.CTECount,
			},
		}
		for i, d := range res.CTEs {
			if d.WithClauseStart == c.Start {
				cf.Relations = append(cf.Relations, facts.Relation{Kind: facts.RelDeclares, Target: names[i]})
			}
		}
		clauseFacts = append(clauseFacts, cf)
		modelFact.Relations = append(modelFact.Relations, facts.Relation{Kind: facts.RelDeclares, Target: cf.Name})
	}

	var cteFacts []facts.Fact
	for i, d := range res.CTEs {
		props := map[string]any{
			facts.PropCTE:             d.Name,
			facts.PropModel:           model,
			facts.PropIndex:           d.Index,
			facts.PropWithClauseStart: d.WithClauseStart,
			facts.PropNameSpan:        d.NameSpan,
			facts.PropBodySpan:        d.BodySpan,
			facts.PropRecursive:       cte.Recursive(refs, i),
			facts.PropSelected:        selected[i],
		}
		if d.Columns != "" {
			props[facts.PropColumns] = d.Columns
		}
		cf := facts.Fact{
			Kind:    facts.KindCTE,
			Name:    names[i],
			File:    rel,
			Line:    li.Position(d.NameSpan.Start).Line + 1,
			Project: project,
			Props:   props,
		}
		for _, j := range refs[i] {
			if j != i {
				cf.Relations = append(cf.Relations, facts.Relation{Kind: facts.RelDependsOn, Target: names[j]})
			}
		}
		cteFacts = append(cteFacts, cf)
		modelFact.Relations = append(modelFact.Relations, facts.Relation{Kind: facts.RelDeclares, Target: names[i]})
	}

	out := make([]facts.Fact, 0, 1+len(clauseFacts)+len(cteFacts))
	out = append(out, modelFact)
	out = append(out, clauseFacts...)
	return append(out, cteFacts...)
}
