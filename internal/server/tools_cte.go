package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dejo1307/dbtlens/internal/cte"
	"github.com/dejo1307/dbtlens/internal/facts"
	"github.com/dejo1307/dbtlens/internal/logger"
)

type scanArgs struct {
	SQL  string `json:"sql,omitempty" jsonschema:"SQL text to scan"`
	Path string `json:"path,omitempty" jsonschema:"Path of a SQL file to scan, used when sql is empty"`
}

// ScannedCTE is one CTE of a scan with its ranges and references.
type ScannedCTE struct {
	cte.Located
	DependsOn []string `json:"depends_on,omitempty"`
	Recursive bool     `json:"recursive,omitempty"`
	Selected  bool     `json:"selected,omitempty"`
}

// ScanReport is the result of scanning one SQL text.
type ScanReport struct {
	Path    string       `json:"path,omitempty"`
	CTEs    []ScannedCTE `json:"ctes"`
	Clauses []cte.Clause `json:"clauses"`
}

type cteQueryArgs struct {
	SQL      string `json:"sql,omitempty" jsonschema:"SQL text holding the CTE"`
	Path     string `json:"path,omitempty" jsonschema:"Path of a SQL file, used when sql is empty"`
	Name     string `json:"name,omitempty" jsonschema:"CTE name, compared case-insensitively unless quoted"`
	Position *int   `json:"position,omitempty" jsonschema:"Zero-based position of the CTE in the file, used when name is empty"`
}

type snapshotArgs struct {
	ProjectRoot string `json:"projectRoot,omitempty" jsonschema:"Root of the dbt project; optional when a single project is known"`
}

type snapshotOutput struct {
	Meta     facts.SnapshotMeta `json:"meta"`
	Insights []facts.Insight    `json:"insights"`
}

type queryFactsArgs struct {
	ProjectRoot string `json:"projectRoot,omitempty" jsonschema:"Root of the dbt project; optional when a single project is known"`
	Kind        string `json:"kind,omitempty" jsonschema:"Fact kind: model, clause or cte"`
	File        string `json:"file,omitempty" jsonschema:"Exact file path relative to the project root"`
	FilePrefix  string `json:"file_prefix,omitempty" jsonschema:"File path prefix, e.g. models/staging"`
	Name        string `json:"name,omitempty" jsonschema:"Substring of the fact name"`
	Prop        string `json:"prop,omitempty" jsonschema:"Only facts carrying this prop"`
	PropValue   string `json:"prop_value,omitempty" jsonschema:"Required value of prop"`
	RelKind     string `json:"rel_kind,omitempty" jsonschema:"Only facts with a relation of this kind: declares or depends_on"`
	Offset      int    `json:"offset,omitempty" jsonschema:"Number of matches to skip"`
	Limit       int    `json:"limit,omitempty" jsonschema:"Maximum facts returned (default 100, max 500)"`
}

type queryFactsOutput struct {
	Total  int          `json:"total"`
	Offset int          `json:"offset"`
	Facts  []facts.Fact `json:"facts"`
}

type dependentsArgs struct {
	ProjectRoot    string `json:"projectRoot,omitempty" jsonschema:"Root of the dbt project; optional when a single project is known"`
	Model          string `json:"model" jsonschema:"Model name, e.g. orders"`
	CTE            string `json:"cte" jsonschema:"CTE name within the model"`
	MaxDepth       int    `json:"max_depth,omitempty" jsonschema:"Traversal depth (default 3, max 10)"`
	IncludeForward bool   `json:"include_forward,omitempty" jsonschema:"Also return the CTEs the target depends on"`
}

type pathArgs struct {
	ProjectRoot string `json:"projectRoot,omitempty" jsonschema:"Root of the dbt project; optional when a single project is known"`
	Model       string `json:"model" jsonschema:"Model name, e.g. orders"`
	From        string `json:"from" jsonschema:"CTE the chain starts at"`
	To          string `json:"to" jsonschema:"CTE the chain should reach"`
	MaxDepth    int    `json:"max_depth,omitempty" jsonschema:"Maximum chain length (default 10, max 20)"`
}

func (s *Server) registerCTETools() {
	addTool(s, &mcp.Tool{
		Name:        "scan_ctes",
		Description: "Find the CTEs of a SQL statement or file. Returns each CTE with its name and body ranges (zero-based line/character), the CTEs it depends on, and the status of every WITH clause.",
	}, s.handleScanCTEs)

	addTool(s, &mcp.Tool{
		Name:        "cte_query",
		Description: "Build a runnable query for one CTE: a WITH clause holding the CTEs it depends on, followed by SELECT * FROM the CTE.",
	}, s.handleCTEQuery)

	addTool(s, &mcp.Tool{
		Name:        "generate_snapshot",
		Description: "Scan every model of a dbt project for CTEs, run the analyses and write the snapshot artifacts. Unchanged files are reused from the previous snapshot.",
	}, s.handleGenerateSnapshot)

	addTool(s, &mcp.Tool{
		Name:        "query_facts",
		Description: "Query the facts of a project's snapshot by kind, file, name, prop or relation. Supports offset/limit paging.",
	}, s.handleQueryFacts)

	addTool(s, &mcp.Tool{
		Name:        "cte_dependents",
		Description: "List the CTEs of a model that depend on the given CTE, grouped by distance. Optionally includes the CTEs it depends on.",
	}, s.handleCTEDependents)

	addTool(s, &mcp.Tool{
		Name:        "cte_path",
		Description: "Find the shortest chain of CTE references inside a model from one CTE to another, e.g. how final reaches source.",
	}, s.handleCTEPath)
}

func (s *Server) cteLensDisabled() *mcp.CallToolResult {
	if s.cfg.Features.CTELens {
		return nil
	}
	return errorResult("CTE lens is disabled")
}

// sqlText returns the inline SQL or the content of path. The file must lie
// inside a known project; a relative path resolves against the only project.
func (s *Server) sqlText(sql, path string) (string, *mcp.CallToolResult) {
	if sql != "" {
		return sql, nil
	}
	if path == "" {
		return "", errorResult("sql or path is required")
	}

	resolved := path
	if !filepath.IsAbs(resolved) {
		all := s.projects.Projects()
		if len(all) != 1 {
			return "", errorResult(fmt.Sprintf("path %s must be absolute when %d projects are known", path, len(all)))
		}
		resolved = filepath.Join(all[0].Root(), resolved)
	}
	resolved = filepath.Clean(resolved)
	if !s.insideProject(resolved) {
		return "", errorResult(fmt.Sprintf("path %s is outside the known dbt projects", path))
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", toolError(err)
	}
	return string(data), nil
}

// insideProject reports whether the cleaned path lies under a project root.
// Paths are compared as given, without percent-decoding.
func (s *Server) insideProject(path string) bool {
	for _, p := range s.projects.Projects() {
		root := p.Root()
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (s *Server) handleScanCTEs(ctx context.Context, req *mcp.CallToolRequest, args scanArgs) (*mcp.CallToolResult, any, error) {
	if res := s.cteLensDisabled(); res != nil {
		return res, nil, nil
	}
	text, res := s.sqlText(args.SQL, args.Path)
	if res != nil {
		return res, nil, nil
	}
	out := ScanSQL(text)
	if args.SQL == "" {
		out.Path = args.Path
	}
	return jsonResult(out), nil, nil
}

// ScanSQL scans text and resolves the references between its CTEs.
func ScanSQL(text string) ScanReport {
	res := cte.Analyze(text)
	refs := cte.References(text, res.CTEs)

	selected := make(map[int]bool)
	for _, c := range res.Clauses {
		for _, i := range cte.SelectReferences(text, res.CTEs, c) {
			selected[i] = true
		}
	}

	li := cte.NewLineIndex(text)
	out := ScanReport{
		CTEs:    make([]ScannedCTE, 0, len(res.CTEs)),
		Clauses: res.Clauses,
	}
	if out.Clauses == nil {
		out.Clauses = []cte.Clause{}
	}
	for i, d := range res.CTEs {
		sc := ScannedCTE{
			Located:   li.Locate(d),
			Recursive: cte.Recursive(refs, i),
			Selected:  selected[i],
		}
		for _, j := range refs[i] {
			if j != i {
				sc.DependsOn = append(sc.DependsOn, res.CTEs[j].Name)
			}
		}
		out.CTEs = append(out.CTEs, sc)
	}
	return out
}

func (s *Server) handleCTEQuery(ctx context.Context, req *mcp.CallToolRequest, args cteQueryArgs) (*mcp.CallToolResult, any, error) {
	if res := s.cteLensDisabled(); res != nil {
		return res, nil, nil
	}
	text, res := s.sqlText(args.SQL, args.Path)
	if res != nil {
		return res, nil, nil
	}

	ds := cte.Scan(text)
	var pos int
	switch {
	case args.Name != "":
		pos = cte.Find(ds, args.Name)
		if pos < 0 {
			return errorResult(fmt.Sprintf("CTE %q not found", args.Name)), nil, nil
		}
	case args.Position != nil:
		pos = *args.Position
	default:
		return errorResult("name or position is required"), nil, nil
	}

	query, err := cte.QueryFor(text, ds, pos)
	if err != nil {
		return toolError(err), nil, nil
	}
	return textResult(query), nil, nil
}

func (s *Server) handleGenerateSnapshot(ctx context.Context, req *mcp.CallToolRequest, args snapshotArgs) (*mcp.CallToolResult, any, error) {
	if res := s.cteLensDisabled(); res != nil {
		return res, nil, nil
	}
	p, res := s.project(args.ProjectRoot)
	if res != nil {
		return res, nil, nil
	}

	start := time.Now()
	snap, err := withProgress(ctx, s, req, func(ctx context.Context) (*facts.Snapshot, error) {
		return s.eng.GenerateSnapshot(ctx, p.Root())
	})
	if err != nil {
		return toolError(fmt.Errorf("snapshot generation failed: %w", err)), nil, nil
	}
	if err := s.eng.WriteArtifacts(p.Root()); err != nil {
		logger.Error("[server] writing artifacts for %s: %v", p.Root(), err)
	}
	logger.Info("[server] snapshot of %s: %d facts, %d insights in %s",
		p.Name(), snap.Meta.FactCount, snap.Meta.InsightCount, time.Since(start).Round(time.Millisecond))

	insights := snap.Insights
	if insights == nil {
		insights = []facts.Insight{}
	}
	return jsonResult(snapshotOutput{Meta: snap.Meta, Insights: insights}), nil, nil
}

// store returns the fact store of the project's snapshot.
func (s *Server) store(root string) (*facts.Store, *mcp.CallToolResult) {
	p, res := s.project(root)
	if res != nil {
		return nil, res
	}
	st := s.eng.Store(p.Root())
	if st == nil {
		return nil, errorResult(fmt.Sprintf("no snapshot for %s, run generate_snapshot first", p.Name()))
	}
	return st, nil
}

func (s *Server) handleQueryFacts(ctx context.Context, req *mcp.CallToolRequest, args queryFactsArgs) (*mcp.CallToolResult, any, error) {
	if res := s.cteLensDisabled(); res != nil {
		return res, nil, nil
	}
	st, res := s.store(args.ProjectRoot)
	if res != nil {
		return res, nil, nil
	}

	matched, total := st.Query(facts.QueryOpts{
		Kind:       args.Kind,
		File:       args.File,
		FilePrefix: args.FilePrefix,
		Name:       args.Name,
		Prop:       args.Prop,
		PropValue:  args.PropValue,
		RelKind:    args.RelKind,
		Offset:     args.Offset,
		Limit:      args.Limit,
	})
	if matched == nil {
		matched = []facts.Fact{}
	}
	return jsonResult(queryFactsOutput{Total: total, Offset: args.Offset, Facts: matched}), nil, nil
}

func (s *Server) handleCTEDependents(ctx context.Context, req *mcp.CallToolRequest, args dependentsArgs) (*mcp.CallToolResult, any, error) {
	if res := s.cteLensDisabled(); res != nil {
		return res, nil, nil
	}
	if args.Model == "" || args.CTE == "" {
		return errorResult("model and cte are required"), nil, nil
	}
	st, res := s.store(args.ProjectRoot)
	if res != nil {
		return res, nil, nil
	}
	g := st.Graph()
	if g == nil {
		return errorResult("graph not built, run generate_snapshot first"), nil, nil
	}

	target := args.Model + "." + cte.NormalizeName(args.CTE)
	if len(st.ByName(target)) == 0 {
		return errorResult(fmt.Sprintf("CTE %q not found in model %q", args.CTE, args.Model)), nil, nil
	}
	impact := g.ImpactSet(target, []string{facts.RelDependsOn}, args.MaxDepth, 0, args.IncludeForward)
	return jsonResult(impact), nil, nil
}

func (s *Server) handleCTEPath(ctx context.Context, req *mcp.CallToolRequest, args pathArgs) (*mcp.CallToolResult, any, error) {
	if res := s.cteLensDisabled(); res != nil {
		return res, nil, nil
	}
	if args.Model == "" || args.From == "" || args.To == "" {
		return errorResult("model, from and to are required"), nil, nil
	}
	st, res := s.store(args.ProjectRoot)
	if res != nil {
		return res, nil, nil
	}
	g := st.Graph()
	if g == nil {
		return errorResult("graph not built, run generate_snapshot first"), nil, nil
	}

	from := args.Model + "." + cte.NormalizeName(args.From)
	to := args.Model + "." + cte.NormalizeName(args.To)
	for _, name := range []string{from, to} {
		if len(st.ByName(name)) == 0 {
			return errorResult(fmt.Sprintf("CTE %q not found", name)), nil, nil
		}
	}
	return jsonResult(g.FindPath(from, to, []string{facts.RelDependsOn}, args.MaxDepth)), nil, nil
}
