// Package dbt is a thin API over dbt projects on disk.
//
// Project metadata comes from dbt_project.yml and profiles.yml. Everything
// that needs the warehouse or the dbt graph goes through the dbt CLI.
package dbt

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrProjectNotFound is returned when no known project owns a path.
	ErrProjectNotFound = errors.New("dbt project not found")
	// ErrUnsupported is returned for operations the installed dbt cannot serve.
	ErrUnsupported = errors.New("operation not supported by this dbt installation")
	// ErrInvalidArgument is returned for malformed tool input.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Project is one dbt project.
type Project interface {
	Root() string
	Name() string
	Info(ctx context.Context) Info

	ColumnsOfModel(ctx context.Context, model string) ([]Column, error)
	ColumnsOfSource(ctx context.Context, source, table string) ([]Column, error)
	ColumnValues(ctx context.Context, model, column string) ([]any, error)
	CompileModel(ctx context.Context, model string) (string, error)
	CompileQuery(ctx context.Context, query, originalModel string) (string, error)
	ExecuteSQL(ctx context.Context, query, model string) (*QueryResult, error)

	RunModel(ctx context.Context, sel Selection) (*CommandResult, error)
	BuildModel(ctx context.Context, sel Selection) (*CommandResult, error)
	BuildProject(ctx context.Context) (*CommandResult, error)
	RunTest(ctx context.Context, test string) (*CommandResult, error)
	RunModelTest(ctx context.Context, model string) (*CommandResult, error)
	AddPackages(ctx context.Context, packages []string) (string, error)
	InstallDeps(ctx context.Context) (string, error)

	ChildrenModels(ctx context.Context, model string) ([]string, error)
	ParentModels(ctx context.Context, model string) ([]string, error)
}

// Info describes a project. Fields that could not be determined are left
// empty and omitted from JSON.
type Info struct {
	ProjectRoot        string   `json:"projectRoot"`
	ProjectName        string   `json:"projectName,omitempty"`
	SelectedTarget     string   `json:"selectedTarget,omitempty"`
	TargetNames        []string `json:"targetNames,omitempty"`
	TargetPath         string   `json:"targetPath,omitempty"`
	PackageInstallPath string   `json:"packageInstallPath,omitempty"`
	ModelPaths         []string `json:"modelPaths,omitempty"`
	SeedPaths          []string `json:"seedPaths,omitempty"`
	MacroPaths         []string `json:"macroPaths,omitempty"`
	ManifestPath       string   `json:"manifestPath,omitempty"`
	CatalogPath        string   `json:"catalogPath,omitempty"`
	DBTVersion         string   `json:"dbtVersion,omitempty"`
	AdapterType        string   `json:"adapterType,omitempty"`
}

// Column is a result column. Type is the JSON kind of the first non-null
// value seen: "number", "string", "boolean", "object", "array" or "unknown".
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// QueryResult is the outcome of ExecuteSQL.
type QueryResult struct {
	ColumnNames []string         `json:"columnNames"`
	ColumnTypes []string         `json:"columnTypes"`
	Rows        []map[string]any `json:"rows"`
	RawSQL      string           `json:"raw_sql"`
	CompiledSQL string           `json:"compiled_sql"`
}

// CommandResult is the captured output of one dbt invocation.
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Err reports a failed command. Any stderr output counts as failure.
func (r *CommandResult) Err() error {
	if r == nil {
		return nil
	}
	if msg := strings.TrimSpace(r.Stderr); msg != "" {
		return errors.New(msg)
	}
	return nil
}

// Selection is a model selector with optional graph operators.
type Selection struct {
	PlusLeft  string `json:"plusOperatorLeft"`
	Model     string `json:"modelName"`
	PlusRight string `json:"plusOperatorRight"`
}

// Validate checks that the operators are "" or "+" and the model is set.
func (s Selection) Validate() error {
	for _, op := range []string{s.PlusLeft, s.PlusRight} {
		if op != "" && op != "+" {
			return fmt.Errorf("%w: plus operator must be \"\" or \"+\", got %q", ErrInvalidArgument, op)
		}
	}
	if strings.TrimSpace(s.Model) == "" {
		return fmt.Errorf("%w: model name is required", ErrInvalidArgument)
	}
	return nil
}

// String renders the selector, e.g. "+orders+".
func (s Selection) String() string {
	return s.PlusLeft + s.Model + s.PlusRight
}
