package sqlextractor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dejo1307/dbtlens/internal/facts"
)

const ordersSQL = `with source as (select * from {{ ref('raw_orders') }}),
renamed as (select id as order_id from source),
unused_cte as (select 1)
select * from renamed
`

func byName(ff []facts.Fact) map[string]facts.Fact {
	m := make(map[string]facts.Fact, len(ff))
	for _, f := range ff {
		m[f.Name] = f
	}
	return m
}

func targets(f facts.Fact, kind string) []string {
	var out []string
	for _, r := range f.Relations {
		if r.Kind == kind {
			out = append(out, r.Target)
		}
	}
	return out
}

func TestModelFacts(t *testing.T) {
	ff := ModelFacts("jaffle_shop", filepath.Join("models", "orders.sql"), ordersSQL)
	require.Len(t, ff, 5)
	assert.Equal(t, facts.KindModel, ff[0].Kind)

	got := byName(ff)
	model := got["orders"]
	assert.Equal(t, 3, model.Props[facts.PropCTECount])
	assert.Equal(t, []string{"orders@0", "orders.source", "orders.renamed", "orders.unused_cte"}, targets(model, facts.RelDeclares))

	clause := got["orders@0"]
	assert.Equal(t, facts.KindClause, clause.Kind)
	assert.Equal(t, "ok", clause.Props[facts.PropStatus])
	assert.Len(t, targets(clause, facts.RelDeclares), 3)

	renamed := got["orders.renamed"]
	assert.Equal(t, 2, renamed.Line)
	assert.Equal(t, "jaffle_shop", renamed.Project)
	assert.Equal(t, 1, renamed.Props[facts.PropIndex])
	assert.Equal(t, []string{"orders.source"}, targets(renamed, facts.RelDependsOn))
	assert.True(t, renamed.PropBool(facts.PropSelected))
	assert.False(t, got["orders.unused_cte"].PropBool(facts.PropSelected))
	assert.False(t, got["orders.source"].PropBool(facts.PropRecursive))
}

func TestModelFacts_DuplicateNames(t *testing.T) {
	text := "WITH x AS (WITH y AS (SELECT 1) SELECT * FROM y) SELECT * FROM x"
	ff := ModelFacts("p", "models/m.sql", text)
	got := byName(ff)

	assert.Contains(t, got, "m.x")
	assert.Contains(t, got, "m.y")
	assert.Contains(t, got, "m.y#2")
	assert.Contains(t, got, "m@0")
	assert.Contains(t, got, "m@11")
}

func TestModelFacts_RecursiveHasNoSelfEdge(t *testing.T) {
	text := "with recursive r as (select 1 union all select n from r) select * from r"
	got := byName(ModelFacts("p", "models/r.sql", text))

	r := got["r.r"]
	assert.True(t, r.PropBool(facts.PropRecursive))
	assert.Empty(t, targets(r, facts.RelDependsOn))
}

func TestModelFacts_RejectedClause(t *testing.T) {
	text := "with a as (select 1)"
	got := byName(ModelFacts("p", "models/u.sql", text))

	assert.Equal(t, "unterminated", got["u@0"].Props[facts.PropStatus])
	assert.False(t, got["u.a"].PropBool(facts.PropSelected))
}

func TestModelFacts_NoCTEs(t *testing.T) {
	ff := ModelFacts("p", "models/plain.sql", "select 1")
	require.Len(t, ff, 1)
	assert.Equal(t, 0, ff[0].Props[facts.PropCTECount])
	assert.Empty(t, ff[0].Relations)
}

func TestModelName(t *testing.T) {
	assert.Equal(t, "orders", ModelName("models/marts/orders.sql"))
	assert.Equal(t, "stg", ModelName("stg.SQL"))
}

func writeProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"dbt_project.yml":          "name: jaffle_shop\nmodel-paths: [models]\n",
		"models/orders.sql":        ordersSQL,
		"models/staging/stg.sql":   "with s as (select 1) select * from s",
		"models/schema.yml":        "version: 2\n",
		"analyses/adhoc.sql":       "with a as (select 1) select * from a",
		"models_backup/orders.sql": ordersSQL,
	}
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func projectFiles() []string {
	return []string{
		"dbt_project.yml",
		filepath.Join("models", "orders.sql"),
		filepath.Join("models", "staging", "stg.sql"),
		filepath.Join("models", "schema.yml"),
		filepath.Join("analyses", "adhoc.sql"),
		filepath.Join("models_backup", "orders.sql"),
	}
}

func TestExtract(t *testing.T) {
	root := writeProject(t)
	e := New(2)

	ok, err := e.Detect(root)
	require.NoError(t, err)
	require.True(t, ok)

	ff, err := e.Extract(context.Background(), root, projectFiles())
	require.NoError(t, err)

	var models []string
	for _, f := range ff {
		if f.Kind == facts.KindModel {
			models = append(models, f.Name)
		}
	}
	assert.Equal(t, []string{"orders", "stg"}, models)
	assert.Contains(t, byName(ff), "stg.s")
}

func TestExtract_MissingFileIsSkipped(t *testing.T) {
	root := writeProject(t)
	files := append(projectFiles(), filepath.Join("models", "gone.sql"))

	ff, err := New(1).Extract(context.Background(), root, files)
	require.NoError(t, err)
	assert.NotContains(t, byName(ff), "gone")
}

func TestExtract_Cancelled(t *testing.T) {
	root := writeProject(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(1).Extract(ctx, root, projectFiles())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDetect_NotDBT(t *testing.T) {
	ok, err := New(0).Detect(t.TempDir())
	require.NoError(t, err)
	assert.False(t, ok)
}
