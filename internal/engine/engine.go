// Package engine runs the snapshot pipeline over dbt projects: walk the
// project, extract facts, explain them and render artifacts.
package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dejo1307/dbtlens/internal/config"
	"github.com/dejo1307/dbtlens/internal/dbt"
	"github.com/dejo1307/dbtlens/internal/explainers"
	"github.com/dejo1307/dbtlens/internal/extractors"
	"github.com/dejo1307/dbtlens/internal/facts"
	"github.com/dejo1307/dbtlens/internal/logger"
	"github.com/dejo1307/dbtlens/internal/metrics"
	"github.com/dejo1307/dbtlens/internal/renderers"
)

// Output file names inside the output directory.
const (
	FactsFile    = "facts.jsonl"
	InsightsFile = "insights.json"
	MetaFile     = "snapshot.meta.json"
)

// ErrNoSnapshot is returned when a project has no snapshot yet.
var ErrNoSnapshot = errors.New("no snapshot generated")

// Engine orchestrates snapshot generation. It keeps the latest snapshot and
// fact store of every project it has seen.
type Engine struct {
	cfg        *config.Config
	extractors *extractors.Registry
	explainers *explainers.Registry
	renderers  *renderers.Registry

	run sync.Mutex // one pipeline at a time

	mu     sync.RWMutex
	states map[string]*state // by absolute project root
	latest string
}

type state struct {
	store    *facts.Store
	snapshot *facts.Snapshot
}

// New returns an engine with empty registries.
func New(cfg *config.Config) *Engine {
	return &Engine{
		cfg:        cfg,
		extractors: extractors.NewRegistry(),
		explainers: explainers.NewRegistry(),
		renderers:  renderers.NewRegistry(),
		states:     make(map[string]*state),
	}
}

func (e *Engine) RegisterExtractor(ext extractors.Extractor) { e.extractors.Register(ext) }

func (e *Engine) RegisterExplainer(exp explainers.Explainer) { e.explainers.Register(exp) }

func (e *Engine) RegisterRenderer(rnd renderers.Renderer) { e.renderers.Register(rnd) }

// Config returns the engine config.
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// Store returns the fact store of the project at root, or nil.
func (e *Engine) Store(root string) *facts.Store {
	if st := e.state(root); st != nil {
		return st.store
	}
	return nil
}

// Snapshot returns the last snapshot of the project at root, or nil.
func (e *Engine) Snapshot(root string) *facts.Snapshot {
	if st := e.state(root); st != nil {
		return st.snapshot
	}
	return nil
}

// Latest returns the root and snapshot of the most recent run, if any.
func (e *Engine) Latest() (string, *facts.Snapshot) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if st, ok := e.states[e.latest]; ok {
		return e.latest, st.snapshot
	}
	return "", nil
}

func (e *Engine) state(root string) *state {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.states[abs]
}

// GenerateSnapshot runs walk -> extract -> explain -> render for the
// project at root. Facts of files unchanged since the previous snapshot on
// disk are reused; when nothing changed the snapshot is marked cached.
func (e *Engine) GenerateSnapshot(ctx context.Context, root string) (*facts.Snapshot, error) {
	e.run.Lock()
	defer e.run.Unlock()
	start := time.Now()

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("project root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project root %s is not a directory", absRoot)
	}

	files, err := e.walk(absRoot)
	if err != nil {
		return nil, fmt.Errorf("walking project: %w", err)
	}
	logger.Info("[engine] found %d files in %s", len(files), absRoot)

	hashes := hashFiles(absRoot, files)
	prevHashes := e.loadPreviousHashes(absRoot)
	changed := changedFiles(files, hashes, prevHashes)
	logger.Info("[engine] %d of %d files changed since last run", len(changed), len(files))

	store := facts.NewStore()
	toExtract := files
	cached := false
	if len(prevHashes) > 0 && !changedSet(changed)[dbt.ProjectFileName] {
		if kept, ok := e.reusableFacts(absRoot, hashes, changed); ok {
			store.Add(kept...)
			toExtract = changed
			cached = len(changed) == 0 && len(prevHashes) == len(hashes)
			logger.Info("[engine] reused %d cached facts", len(kept))
		}
	}

	usedExtractors := e.runExtractors(ctx, store, absRoot, toExtract)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger.Info("[engine] %d facts from %d extractors", store.Count(), len(usedExtractors))
	store.BuildGraph()
	if g := store.Graph(); g != nil {
		logger.Debug("[engine] graph has %d nodes and %d edges", g.NodeCount(), g.EdgeCount())
	}

	insights, usedExplainers := e.runExplainers(ctx, store)
	logger.Info("[engine] produced %d insights using %d explainers", len(insights), len(usedExplainers))

	fileHashes := make([]facts.FileHash, 0, len(hashes))
	for path, hash := range hashes {
		fileHashes = append(fileHashes, facts.FileHash{
			Path:    path,
			Hash:    hash,
			ModTime: fileModTime(filepath.Join(absRoot, path)),
		})
	}
	sort.Slice(fileHashes, func(i, j int) bool { return fileHashes[i].Path < fileHashes[j].Path })

	duration := time.Since(start)
	snapshot := &facts.Snapshot{
		Meta: facts.SnapshotMeta{
			ProjectRoot:  absRoot,
			ProjectName:  projectName(absRoot),
			GeneratedAt:  time.Now().UTC().Format(time.RFC3339),
			Duration:     duration.String(),
			Cached:       cached,
			Extractors:   usedExtractors,
			Explainers:   usedExplainers,
			Renderers:    []string{},
			FileHashes:   fileHashes,
			FactCount:    store.Count(),
			InsightCount: len(insights),
		},
		Facts:    store.All(),
		Insights: insights,
	}

	snapshot.Meta.Renderers = e.runRenderers(ctx, snapshot)
	logger.Info("[engine] produced %d artifacts using %d renderers", len(snapshot.Artifacts), len(snapshot.Meta.Renderers))

	e.mu.Lock()
	e.states[absRoot] = &state{store: store, snapshot: snapshot}
	e.latest = absRoot
	e.mu.Unlock()

	metrics.RecordSnapshot(duration)
	logger.Info("[engine] snapshot of %s generated in %s", absRoot, duration)
	return snapshot, nil
}

func projectName(root string) string {
	pf, err := dbt.ReadProjectFile(root)
	if err != nil {
		return ""
	}
	return pf.Name
}

// walk collects the files under root that no ignore pattern matches.
func (e *Engine) walk(root string) ([]string, error) {
	outDir := filepath.Clean(e.cfg.Output.Dir)
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if rel == outDir || e.isIgnored(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			files = append(files, rel)
		}
		return nil
	})
	return files, err
}

// isIgnored matches relPath against the ignore patterns. "dir/**" matches
// the directory and everything below it; "**/pattern" matches the base name
// at any depth.
func (e *Engine) isIgnored(relPath string) bool {
	relPath = filepath.ToSlash(relPath)
	for _, pattern := range e.cfg.Ignore {
		if dir, ok := strings.CutSuffix(pattern, "/**"); ok {
			if relPath == dir || strings.HasPrefix(relPath, dir+"/") {
				return true
			}
		}
		if matched, err := filepath.Match(pattern, relPath); err == nil && matched {
			return true
		}
		if sub, ok := strings.CutPrefix(pattern, "**/"); ok {
			if matched, err := filepath.Match(sub, filepath.Base(relPath)); err == nil && matched {
				return true
			}
			if matched, err := filepath.Match(sub, relPath); err == nil && matched {
				return true
			}
		}
	}
	return false
}

func (e *Engine) runExtractors(ctx context.Context, store *facts.Store, root string, files []string) []string {
	used := []string{}
	for _, ext := range e.extractors.All() {
		if !e.cfg.IsExtractorEnabled(ext.Name()) {
			continue
		}
		detected, err := ext.Detect(root)
		if err != nil {
			logger.Error("[engine] extractor %s detect error: %v", ext.Name(), err)
			continue
		}
		if !detected {
			logger.Debug("[engine] extractor %s: not detected", ext.Name())
			continue
		}

		extracted, err := ext.Extract(ctx, root, files)
		if err != nil {
			logger.Error("[engine] extractor %s error: %v", ext.Name(), err)
			continue
		}
		store.Add(extracted...)
		used = append(used, ext.Name())
		logger.Debug("[engine] extractor %s: emitted %d facts", ext.Name(), len(extracted))
	}
	return used
}

func (e *Engine) runExplainers(ctx context.Context, store *facts.Store) ([]facts.Insight, []string) {
	insights := []facts.Insight{}
	used := []string{}
	for _, exp := range e.explainers.All() {
		if !e.cfg.IsExplainerEnabled(exp.Name()) {
			continue
		}
		found, err := exp.Explain(ctx, store)
		if err != nil {
			logger.Error("[engine] explainer %s error: %v", exp.Name(), err)
			continue
		}
		insights = append(insights, found...)
		used = append(used, exp.Name())
		logger.Debug("[engine] explainer %s: produced %d insights", exp.Name(), len(found))
	}
	return insights, used
}

func (e *Engine) runRenderers(ctx context.Context, snapshot *facts.Snapshot) []string {
	used := []string{}
	for _, rnd := range e.renderers.All() {
		if !e.cfg.IsRendererEnabled(rnd.Name()) {
			continue
		}
		artifacts, err := rnd.Render(ctx, snapshot)
		if err != nil {
			logger.Error("[engine] renderer %s error: %v", rnd.Name(), err)
			continue
		}
		snapshot.Artifacts = append(snapshot.Artifacts, artifacts...)
		used = append(used, rnd.Name())
	}
	return used
}

// WriteArtifacts writes the renderer artifacts, facts.jsonl, insights.json
// and snapshot.meta.json of the project at root to the output directory.
func (e *Engine) WriteArtifacts(root string) error {
	st := e.state(root)
	if st == nil {
		return ErrNoSnapshot
	}

	outDir := filepath.Join(st.snapshot.Meta.ProjectRoot, e.cfg.Output.Dir)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}

	for _, a := range st.snapshot.Artifacts {
		if err := writeFile(outDir, a.Name, a.Content); err != nil {
			return err
		}
	}
	if err := st.store.WriteJSONLFile(filepath.Join(outDir, FactsFile)); err != nil {
		return fmt.Errorf("writing %s: %w", FactsFile, err)
	}

	insights, err := json.MarshalIndent(st.snapshot.Insights, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling insights: %w", err)
	}
	if err := writeFile(outDir, InsightsFile, insights); err != nil {
		return err
	}

	meta, err := json.MarshalIndent(st.snapshot.Meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling meta: %w", err)
	}
	return writeFile(outDir, MetaFile, meta)
}

func writeFile(dir, name string, data []byte) error {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	logger.Debug("[engine] wrote %s (%d bytes)", path, len(data))
	return nil
}

// GetArtifact returns a renderer artifact or one of the generated JSON
// files of the project at root.
func (e *Engine) GetArtifact(root, name string) ([]byte, error) {
	st := e.state(root)
	if st == nil {
		return nil, ErrNoSnapshot
	}

	switch name {
	case FactsFile:
		var buf bytes.Buffer
		if err := st.store.WriteJSONL(&buf); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case InsightsFile:
		return json.MarshalIndent(st.snapshot.Insights, "", "  ")
	case MetaFile:
		return json.MarshalIndent(st.snapshot.Meta, "", "  ")
	}
	for _, a := range st.snapshot.Artifacts {
		if a.Name == name {
			return a.Content, nil
		}
	}
	return nil, fmt.Errorf("artifact %q not found", name)
}

// loadPreviousHashes reads the file hashes of the snapshot on disk.
func (e *Engine) loadPreviousHashes(root string) map[string]string {
	data, err := os.ReadFile(filepath.Join(root, e.cfg.Output.Dir, MetaFile))
	if err != nil {
		return nil
	}
	var meta facts.SnapshotMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		logger.Debug("[engine] ignoring unreadable %s: %v", MetaFile, err)
		return nil
	}
	prev := make(map[string]string, len(meta.FileHashes))
	for _, fh := range meta.FileHashes {
		prev[fh.Path] = fh.Hash
	}
	logger.Debug("[engine] loaded %d file hashes from previous snapshot", len(prev))
	return prev
}

// reusableFacts loads the facts on disk and keeps those of files that still
// exist and did not change.
func (e *Engine) reusableFacts(root string, hashes map[string]string, changed []string) ([]facts.Fact, bool) {
	prev := facts.NewStore()
	if err := prev.ReadJSONLFile(filepath.Join(root, e.cfg.Output.Dir, FactsFile)); err != nil {
		logger.Debug("[engine] no cached facts: %v", err)
		return nil, false
	}
	skip := changedSet(changed)
	files := make([]string, 0, len(hashes))
	for file := range hashes {
		if !skip[file] {
			files = append(files, file)
		}
	}
	sort.Strings(files)

	var kept []facts.Fact
	for _, file := range files {
		kept = append(kept, prev.ByFile(file)...)
	}
	return kept, true
}

// hashFiles returns the SHA-256 of every readable file.
func hashFiles(root string, files []string) map[string]string {
	hashes := make(map[string]string, len(files))
	for _, rel := range files {
		data, err := os.ReadFile(filepath.Join(root, rel))
		if err != nil {
			continue
		}
		h := sha256.Sum256(data)
		hashes[rel] = hex.EncodeToString(h[:])
	}
	return hashes
}

// changedFiles lists files whose hash differs from prev or could not be
// computed.
func changedFiles(files []string, hashes, prev map[string]string) []string {
	var changed []string
	for _, rel := range files {
		hash, ok := hashes[rel]
		if !ok || prev[rel] != hash {
			changed = append(changed, rel)
		}
	}
	return changed
}

func changedSet(changed []string) map[string]bool {
	set := make(map[string]bool, len(changed))
	for _, rel := range changed {
		set[rel] = true
	}
	return set
}

func fileModTime(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	return info.ModTime().UTC().Format(time.RFC3339)
}
