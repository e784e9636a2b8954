package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/dejo1307/dbtlens/internal/config"
	"github.com/dejo1307/dbtlens/internal/explainers/clauses"
	"github.com/dejo1307/dbtlens/internal/explainers/cycles"
	"github.com/dejo1307/dbtlens/internal/explainers/unused"
	"github.com/dejo1307/dbtlens/internal/extractors/sqlextractor"
	"github.com/dejo1307/dbtlens/internal/facts"
	"github.com/dejo1307/dbtlens/internal/renderers/llmcontext"
)

func TestIsIgnored(t *testing.T) {
	tests := []struct {
		name     string
		relPath  string
		patterns []string
		want     bool
	}{
		{"target directory", "target/compiled/orders.sql", []string{"target/**"}, true},
		{"target dir itself", "target", []string{"target/**"}, true},
		{"installed packages", "dbt_packages/dbt_utils/macros/a.sql", []string{"dbt_packages/**"}, true},
		{"git directory", ".git/HEAD", []string{".git/**"}, true},
		{"output dir", ".dbtlens/facts.jsonl", []string{".dbtlens/**"}, true},
		{"glob on base name", "models/staging/tmp_orders.sql", []string{"**/tmp_*.sql"}, true},
		{"glob no match", "models/staging/orders.sql", []string{"**/tmp_*.sql"}, false},
		{"prefix is not a dir match", "targets/x.sql", []string{"target/**"}, false},
		{"model not ignored", "models/orders.sql", []string{"target/**"}, false},
		{"plain glob", "README.md", []string{"*.md"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Ignore = tt.patterns
			if got := New(cfg).isIgnored(tt.relPath); got != tt.want {
				t.Errorf("isIgnored(%q) with %v = %v, want %v", tt.relPath, tt.patterns, got, tt.want)
			}
		})
	}
}

func newEngine() *Engine {
	cfg := config.Default()
	eng := New(cfg)
	eng.RegisterExtractor(sqlextractor.New(2))
	eng.RegisterExplainer(cycles.New())
	eng.RegisterExplainer(unused.New())
	eng.RegisterExplainer(clauses.New())
	eng.RegisterRenderer(llmcontext.New(cfg.Output.MaxContextTokens))
	return eng
}

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	write(t, root, "dbt_project.yml", "name: jaffle_shop\n")
	write(t, root, "models/orders.sql", "with a as (select 1), b as (select * from a), spare as (select 2) select * from b")
	write(t, root, "models/customers.sql", "with c as (select 1) select * from c")
	write(t, root, "target/compiled/orders.sql", "with hidden as (select 1) select * from hidden")
	return root
}

func countKind(ff []facts.Fact, kind string) int {
	n := 0
	for _, f := range ff {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

func TestGenerateSnapshot(t *testing.T) {
	root := newProject(t)
	eng := newEngine()

	snap, err := eng.GenerateSnapshot(context.Background(), root)
	if err != nil {
		t.Fatalf("GenerateSnapshot: %v", err)
	}

	if snap.Meta.ProjectName != "jaffle_shop" {
		t.Errorf("project name = %q", snap.Meta.ProjectName)
	}
	if snap.Meta.Cached {
		t.Error("first snapshot should not be cached")
	}
	if got := countKind(snap.Facts, facts.KindModel); got != 2 {
		t.Errorf("models = %d, want 2", got)
	}
	if got := countKind(snap.Facts, facts.KindCTE); got != 4 {
		t.Errorf("ctes = %d, want 4 (target/ is ignored)", got)
	}
	if len(snap.Insights) != 1 || !strings.HasPrefix(snap.Insights[0].Title, "Unused CTEs in orders") {
		t.Errorf("insights = %+v", snap.Insights)
	}
	if len(snap.Artifacts) != 1 || snap.Artifacts[0].Name != "llm_context.md" {
		t.Errorf("artifacts = %+v", snap.Artifacts)
	}
	if eng.Store(root) == nil || eng.Store(root).Graph() == nil {
		t.Error("store and graph should be available after a run")
	}
	if latest, _ := eng.Latest(); latest != snap.Meta.ProjectRoot {
		t.Errorf("latest = %q", latest)
	}
}

func TestGenerateSnapshot_ReusesCache(t *testing.T) {
	root := newProject(t)
	eng := newEngine()

	first, err := eng.GenerateSnapshot(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.WriteArtifacts(root); err != nil {
		t.Fatalf("WriteArtifacts: %v", err)
	}
	for _, name := range []string{"llm_context.md", FactsFile, InsightsFile, MetaFile} {
		if _, err := os.Stat(filepath.Join(root, ".dbtlens", name)); err != nil {
			t.Errorf("%s not written: %v", name, err)
		}
	}

	second, err := newEngine().GenerateSnapshot(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Meta.Cached {
		t.Error("unchanged project should be served from cache")
	}
	if second.Meta.FactCount != first.Meta.FactCount || len(second.Insights) != len(first.Insights) {
		t.Errorf("cached run differs: %d/%d facts, %d/%d insights",
			second.Meta.FactCount, first.Meta.FactCount, len(second.Insights), len(first.Insights))
	}
}

func TestGenerateSnapshot_ReextractsChangedFiles(t *testing.T) {
	root := newProject(t)
	eng := newEngine()
	if _, err := eng.GenerateSnapshot(context.Background(), root); err != nil {
		t.Fatal(err)
	}
	if err := eng.WriteArtifacts(root); err != nil {
		t.Fatal(err)
	}

	write(t, root, "models/customers.sql", "with c as (select 1), d as (select * from c) select * from d")
	snap, err := eng.GenerateSnapshot(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Meta.Cached {
		t.Error("changed project should not be cached")
	}
	names := map[string]bool{}
	for _, f := range snap.Facts {
		names[f.Name] = true
	}
	for _, want := range []string{"customers.d", "customers.c", "orders.a", "orders.spare"} {
		if !names[want] {
			t.Errorf("missing fact %s", want)
		}
	}
	if got := countKind(snap.Facts, facts.KindModel); got != 2 {
		t.Errorf("models = %d, want 2", got)
	}
}

func TestGenerateSnapshot_DeletedFileDropsFacts(t *testing.T) {
	root := newProject(t)
	eng := newEngine()
	if _, err := eng.GenerateSnapshot(context.Background(), root); err != nil {
		t.Fatal(err)
	}
	if err := eng.WriteArtifacts(root); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(filepath.Join(root, "models", "customers.sql")); err != nil {
		t.Fatal(err)
	}
	snap, err := eng.GenerateSnapshot(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Meta.Cached {
		t.Error("deleting a file should invalidate the cache")
	}
	if got := countKind(snap.Facts, facts.KindModel); got != 1 {
		t.Errorf("models = %d, want 1", got)
	}
}

func TestGenerateSnapshot_NotADirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.sql")
	write(t, filepath.Dir(path), "file.sql", "select 1")

	if _, err := newEngine().GenerateSnapshot(context.Background(), path); err == nil {
		t.Error("expected error for a file root")
	}
}

func TestGetArtifact(t *testing.T) {
	root := newProject(t)
	eng := newEngine()

	if _, err := eng.GetArtifact(root, "llm_context.md"); !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("err = %v, want ErrNoSnapshot", err)
	}
	if _, err := eng.GenerateSnapshot(context.Background(), root); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"llm_context.md", FactsFile, InsightsFile, MetaFile} {
		data, err := eng.GetArtifact(root, name)
		if err != nil || len(data) == 0 {
			t.Errorf("GetArtifact(%s) = %d bytes, %v", name, len(data), err)
		}
	}
	if _, err := eng.GetArtifact(root, "nope.md"); err == nil {
		t.Error("expected error for unknown artifact")
	}
}

func TestGenerateSnapshot_DisabledExtractor(t *testing.T) {
	root := newProject(t)
	eng := newEngine()
	eng.Config().Extractors = nil

	snap, err := eng.GenerateSnapshot(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Meta.FactCount != 0 || len(snap.Meta.Extractors) != 0 {
		t.Errorf("expected no facts, got %d from %v", snap.Meta.FactCount, snap.Meta.Extractors)
	}
}

// Concurrent runs are serialized; none may panic or race.
func TestGenerateSnapshot_ConcurrentCallsSerialized(t *testing.T) {
	root := newProject(t)
	eng := newEngine()

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = eng.GenerateSnapshot(context.Background(), root)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("goroutine %d: %v", i, err)
		}
	}
	if eng.Snapshot(root) == nil {
		t.Error("expected a snapshot")
	}
}
