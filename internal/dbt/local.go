package dbt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/dejo1307/dbtlens/internal/logger"
)

const defaultShowLimit = 500

var versionPattern = regexp.MustCompile(`installed:\s*v?(\d+\.\d+\.\d+)`)

// LocalProject is a dbt project on the local filesystem driven through the
// dbt CLI.
type LocalProject struct {
	root        string
	file        *ProjectFile
	profilesDir string // empty means resolve like dbt does
	runner      Runner
	showLimit   int

	mu      sync.Mutex
	version string
}

// Option configures a LocalProject.
type Option func(*LocalProject)

// WithRunner sets the runner used for dbt commands.
func WithRunner(r Runner) Option {
	return func(p *LocalProject) { p.runner = r }
}

// WithProfilesDir pins the profiles directory and passes it to dbt.
func WithProfilesDir(dir string) Option {
	return func(p *LocalProject) { p.profilesDir = dir }
}

// WithShowLimit caps the rows fetched by ExecuteSQL.
func WithShowLimit(n int) Option {
	return func(p *LocalProject) {
		if n > 0 {
			p.showLimit = n
		}
	}
}

// Open reads the project at root.
func Open(root string, opts ...Option) (*LocalProject, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}
	pf, err := ReadProjectFile(abs)
	if err != nil {
		return nil, err
	}
	p := &LocalProject{
		root:      abs,
		file:      pf,
		runner:    &ExecRunner{Binary: "dbt"},
		showLimit: defaultShowLimit,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *LocalProject) Root() string { return p.root }

func (p *LocalProject) Name() string { return p.file.Name }

// File returns the parsed dbt_project.yml.
func (p *LocalProject) File() *ProjectFile { return p.file }

// ModelDirs returns the model directories relative to the project root.
func (p *LocalProject) ModelDirs() []string { return p.file.ModelPaths }

// Info gathers what can be determined. Missing pieces are logged and left
// empty.
func (p *LocalProject) Info(ctx context.Context) Info {
	targetPath := p.abs(p.file.TargetPath)
	info := Info{
		ProjectRoot:        p.root,
		ProjectName:        p.file.Name,
		TargetPath:         targetPath,
		PackageInstallPath: p.abs(p.file.PackagesInstallPath),
		ModelPaths:         p.absAll(p.file.ModelPaths),
		SeedPaths:          p.absAll(p.file.SeedPaths),
		MacroPaths:         p.absAll(p.file.MacroPaths),
		ManifestPath:       filepath.Join(targetPath, "manifest.json"),
		CatalogPath:        filepath.Join(targetPath, "catalog.json"),
	}

	profile, err := ReadProfile(ResolveProfilesDir(p.profilesDir, p.root), p.file.Profile)
	if err != nil {
		logger.Debug("[dbt] %s: no profile: %v", p.file.Name, err)
	} else {
		info.SelectedTarget = profile.Target
		info.TargetNames = profile.TargetNames()
		info.AdapterType = profile.Outputs[profile.Target].Type
	}

	if v, err := p.dbtVersion(ctx); err != nil {
		logger.Debug("[dbt] %s: no dbt version: %v", p.file.Name, err)
	} else {
		info.DBTVersion = v
	}
	return info
}

func (p *LocalProject) abs(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(p.root, rel)
}

func (p *LocalProject) absAll(rels []string) []string {
	out := make([]string, 0, len(rels))
	for _, r := range rels {
		out = append(out, p.abs(r))
	}
	return out
}

// dbtVersion caches the first successful `dbt --version`.
func (p *LocalProject) dbtVersion(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.version != "" {
		return p.version, nil
	}
	res, err := p.runner.Run(ctx, p.root, "--version")
	if err != nil {
		return "", err
	}
	m := versionPattern.FindStringSubmatch(res.Stdout + res.Stderr)
	if m == nil {
		return "", fmt.Errorf("unrecognised dbt --version output")
	}
	p.version = m[1]
	return p.version, nil
}

// command runs a dbt subcommand and returns its captured output.
func (p *LocalProject) command(ctx context.Context, args ...string) (*CommandResult, error) {
	if p.profilesDir != "" {
		args = append(args, "--profiles-dir", p.profilesDir)
	}
	logger.Debug("[dbt] %s: dbt %s", p.file.Name, strings.Join(args, " "))
	return p.runner.Run(ctx, p.root, args...)
}

// query runs a subcommand whose stdout is the answer. A non-zero exit or
// stderr output is an error.
func (p *LocalProject) query(ctx context.Context, args ...string) (string, error) {
	res, err := p.command(ctx, args...)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		return "", fmt.Errorf("dbt %s exited with code %d: %s", args[0], res.ExitCode, msg)
	}
	if err := res.Err(); err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (p *LocalProject) CompileModel(ctx context.Context, model string) (string, error) {
	if model == "" {
		return "", fmt.Errorf("%w: model name is required", ErrInvalidArgument)
	}
	return p.query(ctx, "compile", "--quiet", "--select", model)
}

// CompileQuery compiles inline Jinja SQL. dbt compiles inline SQL in the
// project context, so originalModel is only informational.
func (p *LocalProject) CompileQuery(ctx context.Context, query, originalModel string) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("%w: query is required", ErrInvalidArgument)
	}
	if originalModel != "" {
		logger.Debug("[dbt] compiling query from model %s", originalModel)
	}
	return p.query(ctx, "compile", "--quiet", "--inline", query)
}

func (p *LocalProject) ExecuteSQL(ctx context.Context, query, model string) (*QueryResult, error) {
	compiled, err := p.CompileQuery(ctx, query, model)
	if err != nil {
		return nil, err
	}
	res, err := p.show(ctx, query, p.showLimit)
	if err != nil {
		return nil, err
	}
	res.RawSQL = query
	res.CompiledSQL = compiled
	return res, nil
}

func (p *LocalProject) show(ctx context.Context, query string, limit int) (*QueryResult, error) {
	out, err := p.query(ctx, "show", "--quiet", "--inline", query, "--limit", strconv.Itoa(limit), "--output", "json")
	if err != nil {
		return nil, err
	}
	return parseShow(out)
}

func (p *LocalProject) ColumnsOfModel(ctx context.Context, model string) ([]Column, error) {
	if model == "" {
		return nil, fmt.Errorf("%w: model name is required", ErrInvalidArgument)
	}
	return p.columnsOf(ctx, fmt.Sprintf("select * from {{ ref('%s') }}", model), "model "+model)
}

func (p *LocalProject) ColumnsOfSource(ctx context.Context, source, table string) ([]Column, error) {
	if source == "" || table == "" {
		return nil, fmt.Errorf("%w: source and table names are required", ErrInvalidArgument)
	}
	return p.columnsOf(ctx, fmt.Sprintf("select * from {{ source('%s', '%s') }}", source, table), "source "+source+"."+table)
}

func (p *LocalProject) columnsOf(ctx context.Context, query, what string) ([]Column, error) {
	res, err := p.show(ctx, query, 1)
	if err != nil {
		return nil, err
	}
	if len(res.ColumnNames) == 0 {
		return nil, fmt.Errorf("%w: %s returned no rows to read columns from", ErrUnsupported, what)
	}
	cols := make([]Column, len(res.ColumnNames))
	for i, name := range res.ColumnNames {
		cols[i] = Column{Name: name, Type: res.ColumnTypes[i]}
	}
	return cols, nil
}

func (p *LocalProject) ColumnValues(ctx context.Context, model, column string) ([]any, error) {
	if model == "" || column == "" {
		return nil, fmt.Errorf("%w: model and column are required", ErrInvalidArgument)
	}
	query := fmt.Sprintf("select distinct %s as value from {{ ref('%s') }}", column, model)
	res, err := p.show(ctx, query, p.showLimit)
	if err != nil {
		return nil, err
	}
	values := make([]any, 0, len(res.Rows))
	for _, row := range res.Rows {
		values = append(values, row["value"])
	}
	return values, nil
}

func (p *LocalProject) RunModel(ctx context.Context, sel Selection) (*CommandResult, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	return p.command(ctx, "run", "--select", sel.String())
}

func (p *LocalProject) BuildModel(ctx context.Context, sel Selection) (*CommandResult, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	return p.command(ctx, "build", "--select", sel.String())
}

func (p *LocalProject) BuildProject(ctx context.Context) (*CommandResult, error) {
	return p.command(ctx, "build")
}

func (p *LocalProject) RunTest(ctx context.Context, test string) (*CommandResult, error) {
	if test == "" {
		return nil, fmt.Errorf("%w: test name is required", ErrInvalidArgument)
	}
	return p.command(ctx, "test", "--select", test)
}

func (p *LocalProject) RunModelTest(ctx context.Context, model string) (*CommandResult, error) {
	if model == "" {
		return nil, fmt.Errorf("%w: model name is required", ErrInvalidArgument)
	}
	return p.command(ctx, "test", "--select", model)
}

// AddPackages records name@version refs in packages.yml and runs dbt deps.
func (p *LocalProject) AddPackages(ctx context.Context, packages []string) (string, error) {
	if len(packages) == 0 {
		return "", fmt.Errorf("%w: at least one package is required", ErrInvalidArgument)
	}
	if err := UpsertPackages(p.root, packages); err != nil {
		return "", err
	}
	out, err := p.InstallDeps(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Added %s to %s\n%s", strings.Join(packages, ", "), PackagesFileName, out), nil
}

func (p *LocalProject) InstallDeps(ctx context.Context) (string, error) {
	res, err := p.command(ctx, "deps")
	if err != nil {
		return "", err
	}
	if err := res.Err(); err != nil {
		return "", err
	}
	return res.Stdout, nil
}

func (p *LocalProject) ChildrenModels(ctx context.Context, model string) ([]string, error) {
	return p.lineage(ctx, model, model+"+")
}

func (p *LocalProject) ParentModels(ctx context.Context, model string) ([]string, error) {
	return p.lineage(ctx, model, "+"+model)
}

func (p *LocalProject) lineage(ctx context.Context, model, selector string) ([]string, error) {
	if model == "" {
		return nil, fmt.Errorf("%w: model name is required", ErrInvalidArgument)
	}
	out, err := p.query(ctx, "ls", "--quiet", "--resource-type", "model", "--output", "name", "--select", selector)
	if err != nil {
		return nil, err
	}
	models := []string{}
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		if i := strings.LastIndex(name, "."); i >= 0 {
			name = name[i+1:]
		}
		if name == "" || name == model {
			continue
		}
		models = append(models, name)
	}
	return models, nil
}

// parseShow decodes `dbt show --output json`. Column order follows the keys
// of the first row.
func parseShow(out string) (*QueryResult, error) {
	start := strings.Index(out, "{")
	if start < 0 {
		return nil, fmt.Errorf("no JSON in dbt show output")
	}
	var payload struct {
		Show []json.RawMessage `json:"show"`
	}
	dec := json.NewDecoder(strings.NewReader(out[start:]))
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding dbt show output: %w", err)
	}

	res := &QueryResult{ColumnNames: []string{}, ColumnTypes: []string{}, Rows: []map[string]any{}}
	for i, raw := range payload.Show {
		row := map[string]any{}
		dc := json.NewDecoder(bytes.NewReader(raw))
		dc.UseNumber()
		if err := dc.Decode(&row); err != nil {
			return nil, fmt.Errorf("decoding row %d: %w", i, err)
		}
		if i == 0 {
			keys, err := objectKeys(raw)
			if err != nil {
				return nil, err
			}
			res.ColumnNames = keys
		}
		res.Rows = append(res.Rows, row)
	}

	for _, name := range res.ColumnNames {
		kind := "unknown"
		for _, row := range res.Rows {
			if v := row[name]; v != nil {
				kind = jsonKind(v)
				break
			}
		}
		res.ColumnTypes = append(res.ColumnTypes, kind)
	}
	return res, nil
}

// objectKeys returns the top-level keys of a JSON object in source order.
func objectKeys(raw json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("reading row: %w", err)
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("reading row key: %w", err)
		}
		key, _ := tok.(string)
		keys = append(keys, key)
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, fmt.Errorf("reading value of %q: %w", key, err)
		}
	}
	return keys, nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case json.Number, float64:
		return "number"
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	return "unknown"
}
