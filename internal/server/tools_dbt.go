package server

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dejo1307/dbtlens/internal/dbt"
	"github.com/dejo1307/dbtlens/internal/history"
	"github.com/dejo1307/dbtlens/internal/logger"
)

type projectArgs struct {
	ProjectRoot string `json:"projectRoot" jsonschema:"Root of the dbt project"`
}

type modelArgs struct {
	ProjectRoot string `json:"projectRoot" jsonschema:"Root of the dbt project"`
	ModelName   string `json:"modelName" jsonschema:"Name of the model"`
}

type sourceArgs struct {
	ProjectRoot string `json:"projectRoot" jsonschema:"Root of the dbt project"`
	SourceName  string `json:"sourceName" jsonschema:"Name of the source"`
	TableName   string `json:"tableName" jsonschema:"Name of the source table"`
}

type columnValuesArgs struct {
	ProjectRoot string `json:"projectRoot" jsonschema:"Root of the dbt project"`
	Model       string `json:"model" jsonschema:"Name of the model"`
	Column      string `json:"column" jsonschema:"Name of the column"`
}

type compileQueryArgs struct {
	ProjectRoot       string `json:"projectRoot" jsonschema:"Root of the dbt project"`
	Query             string `json:"query" jsonschema:"SQL with Jinja to compile"`
	OriginalModelName string `json:"originalModelName,omitempty" jsonschema:"Model the query was taken from"`
}

type executeSQLArgs struct {
	ProjectRoot string `json:"projectRoot" jsonschema:"Root of the dbt project"`
	Query       string `json:"query" jsonschema:"SQL to run, may use ref and source"`
	ModelName   string `json:"modelName,omitempty" jsonschema:"Model the query belongs to"`
}

type selectionArgs struct {
	ProjectRoot       string `json:"projectRoot" jsonschema:"Root of the dbt project"`
	PlusOperatorLeft  string `json:"plusOperatorLeft,omitempty" jsonschema:"Set to + to include the parents of the model"`
	ModelName         string `json:"modelName" jsonschema:"Name of the model"`
	PlusOperatorRight string `json:"plusOperatorRight,omitempty" jsonschema:"Set to + to include the children of the model"`
}

func (a selectionArgs) selection() dbt.Selection {
	return dbt.Selection{PlusLeft: a.PlusOperatorLeft, Model: a.ModelName, PlusRight: a.PlusOperatorRight}
}

type testArgs struct {
	ProjectRoot string `json:"projectRoot" jsonschema:"Root of the dbt project"`
	TestName    string `json:"testName" jsonschema:"Name of the test"`
}

type packagesArgs struct {
	ProjectRoot string   `json:"projectRoot" jsonschema:"Root of the dbt project"`
	Packages    []string `json:"packages" jsonschema:"Packages as name@version, e.g. dbt-labs/dbt_utils@1.1.1"`
}

type lineageArgs struct {
	ProjectRoot string `json:"projectRoot" jsonschema:"Root of the dbt project"`
	Table       string `json:"table" jsonschema:"Name of the model"`
}

type noArgs struct{}

func (s *Server) registerDBTTools() {
	addTool(s, &mcp.Tool{
		Name:        "get_projects",
		Description: "List the dbt projects found in the workspace with their paths, targets, adapter and dbt version.",
	}, s.handleGetProjects)

	addTool(s, &mcp.Tool{
		Name:        "get_columns_of_model",
		Description: "Return the column names and types of a model.",
	}, s.handleColumnsOfModel)

	addTool(s, &mcp.Tool{
		Name:        "get_columns_of_source",
		Description: "Return the column names and types of a source table.",
	}, s.handleColumnsOfSource)

	if s.cfg.Features.DataSourceQueryTools {
		addTool(s, &mcp.Tool{
			Name:        "get_column_values",
			Description: "Return the distinct values of a column of a model. Runs a query against the data source.",
		}, s.handleColumnValues)

		addTool(s, &mcp.Tool{
			Name:        "execute_sql",
			Description: "Compile and run a SQL query against the data source. Returns columns, types, rows, and the raw and compiled SQL. The query is recorded in the session history.",
		}, s.handleExecuteSQL)
	}

	addTool(s, &mcp.Tool{
		Name:        "compile_model",
		Description: "Return the compiled SQL of a model.",
	}, s.handleCompileModel)

	addTool(s, &mcp.Tool{
		Name:        "compile_query",
		Description: "Compile a SQL query with Jinja in the context of the project.",
	}, s.handleCompileQuery)

	addTool(s, &mcp.Tool{
		Name:        "run_model",
		Description: "Run a model, optionally with its parents (plusOperatorLeft) or children (plusOperatorRight).",
	}, s.handleRunModel)

	addTool(s, &mcp.Tool{
		Name:        "build_model",
		Description: "Build a model (run plus tests), optionally with its parents or children.",
	}, s.handleBuildModel)

	addTool(s, &mcp.Tool{
		Name:        "build_project",
		Description: "Build the whole project.",
	}, s.handleBuildProject)

	addTool(s, &mcp.Tool{
		Name:        "run_test",
		Description: "Run a single test by name.",
	}, s.handleRunTest)

	addTool(s, &mcp.Tool{
		Name:        "run_model_test",
		Description: "Run the tests of a model.",
	}, s.handleRunModelTest)

	addTool(s, &mcp.Tool{
		Name:        "add_dbt_packages",
		Description: "Add packages to packages.yml and install them.",
	}, s.handleAddPackages)

	addTool(s, &mcp.Tool{
		Name:        "install_deps",
		Description: "Install the packages listed in packages.yml.",
	}, s.handleInstallDeps)

	addTool(s, &mcp.Tool{
		Name:        "get_children_models",
		Description: "List the models that depend on the given model.",
	}, s.handleChildren)

	addTool(s, &mcp.Tool{
		Name:        "get_parent_models",
		Description: "List the models the given model depends on.",
	}, s.handleParents)

	addTool(s, &mcp.Tool{
		Name:        "get_query_history",
		Description: "List the queries executed in this session, newest first.",
	}, s.handleGetHistory)

	addTool(s, &mcp.Tool{
		Name:        "clear_query_history",
		Description: "Remove every entry from the session query history.",
	}, s.handleClearHistory)
}

func (s *Server) handleGetProjects(ctx context.Context, req *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
	projects := s.projects.Projects()
	infos := make([]dbt.Info, 0, len(projects))
	for _, p := range projects {
		infos = append(infos, p.Info(ctx))
	}
	return jsonResult(infos), nil, nil
}

func (s *Server) handleColumnsOfModel(ctx context.Context, req *mcp.CallToolRequest, args modelArgs) (*mcp.CallToolResult, any, error) {
	p, res := s.project(args.ProjectRoot)
	if res != nil {
		return res, nil, nil
	}
	cols, err := withProgress(ctx, s, req, func(ctx context.Context) ([]dbt.Column, error) {
		return p.ColumnsOfModel(ctx, args.ModelName)
	})
	if err != nil {
		return toolError(err), nil, nil
	}
	return jsonResult(cols), nil, nil
}

func (s *Server) handleColumnsOfSource(ctx context.Context, req *mcp.CallToolRequest, args sourceArgs) (*mcp.CallToolResult, any, error) {
	p, res := s.project(args.ProjectRoot)
	if res != nil {
		return res, nil, nil
	}
	cols, err := withProgress(ctx, s, req, func(ctx context.Context) ([]dbt.Column, error) {
		return p.ColumnsOfSource(ctx, args.SourceName, args.TableName)
	})
	if err != nil {
		return toolError(err), nil, nil
	}
	return jsonResult(cols), nil, nil
}

func (s *Server) handleColumnValues(ctx context.Context, req *mcp.CallToolRequest, args columnValuesArgs) (*mcp.CallToolResult, any, error) {
	p, res := s.project(args.ProjectRoot)
	if res != nil {
		return res, nil, nil
	}
	values, err := withProgress(ctx, s, req, func(ctx context.Context) ([]any, error) {
		return p.ColumnValues(ctx, args.Model, args.Column)
	})
	if err != nil {
		return toolError(err), nil, nil
	}
	if values == nil {
		values = []any{}
	}
	return jsonResult(values), nil, nil
}

func (s *Server) handleExecuteSQL(ctx context.Context, req *mcp.CallToolRequest, args executeSQLArgs) (*mcp.CallToolResult, any, error) {
	p, res := s.project(args.ProjectRoot)
	if res != nil {
		return res, nil, nil
	}

	start := time.Now()
	qr, err := withProgress(ctx, s, req, func(ctx context.Context) (*dbt.QueryResult, error) {
		return p.ExecuteSQL(ctx, args.Query, args.ModelName)
	})
	if err != nil {
		return toolError(err), nil, nil
	}
	elapsed := time.Since(start)

	if s.history.Enabled() {
		entry, ok := s.history.Add(history.Entry{
			RawSQL:      qr.RawSQL,
			CompiledSQL: qr.CompiledSQL,
			DurationMS:  elapsed.Milliseconds(),
			Adapter:     p.Info(ctx).AdapterType,
			ProjectName: p.Name(),
			ModelName:   args.ModelName,
			ColumnNames: qr.ColumnNames,
			ColumnTypes: qr.ColumnTypes,
			Data:        qr.Rows,
		})
		if ok {
			logger.Debug("[server] recorded query %s (%d rows)", entry.ID, len(qr.Rows))
		}
	}
	return jsonResult(qr), nil, nil
}

func (s *Server) handleCompileModel(ctx context.Context, req *mcp.CallToolRequest, args modelArgs) (*mcp.CallToolResult, any, error) {
	p, res := s.project(args.ProjectRoot)
	if res != nil {
		return res, nil, nil
	}
	sql, err := withProgress(ctx, s, req, func(ctx context.Context) (string, error) {
		return p.CompileModel(ctx, args.ModelName)
	})
	if err != nil {
		return toolError(err), nil, nil
	}
	return textResult(sql), nil, nil
}

func (s *Server) handleCompileQuery(ctx context.Context, req *mcp.CallToolRequest, args compileQueryArgs) (*mcp.CallToolResult, any, error) {
	p, res := s.project(args.ProjectRoot)
	if res != nil {
		return res, nil, nil
	}
	sql, err := withProgress(ctx, s, req, func(ctx context.Context) (string, error) {
		return p.CompileQuery(ctx, args.Query, args.OriginalModelName)
	})
	if err != nil {
		return toolError(err), nil, nil
	}
	return textResult(sql), nil, nil
}

// runCommand resolves the project and runs a dbt command with progress.
func (s *Server) runCommand(ctx context.Context, req *mcp.CallToolRequest, root string, fn func(context.Context, dbt.Project) (*dbt.CommandResult, error)) *mcp.CallToolResult {
	p, res := s.project(root)
	if res != nil {
		return res
	}
	out, err := withProgress(ctx, s, req, func(ctx context.Context) (*dbt.CommandResult, error) {
		return fn(ctx, p)
	})
	return commandResult(out, err)
}

func (s *Server) handleRunModel(ctx context.Context, req *mcp.CallToolRequest, args selectionArgs) (*mcp.CallToolResult, any, error) {
	return s.runCommand(ctx, req, args.ProjectRoot, func(ctx context.Context, p dbt.Project) (*dbt.CommandResult, error) {
		return p.RunModel(ctx, args.selection())
	}), nil, nil
}

func (s *Server) handleBuildModel(ctx context.Context, req *mcp.CallToolRequest, args selectionArgs) (*mcp.CallToolResult, any, error) {
	return s.runCommand(ctx, req, args.ProjectRoot, func(ctx context.Context, p dbt.Project) (*dbt.CommandResult, error) {
		return p.BuildModel(ctx, args.selection())
	}), nil, nil
}

func (s *Server) handleBuildProject(ctx context.Context, req *mcp.CallToolRequest, args projectArgs) (*mcp.CallToolResult, any, error) {
	return s.runCommand(ctx, req, args.ProjectRoot, func(ctx context.Context, p dbt.Project) (*dbt.CommandResult, error) {
		return p.BuildProject(ctx)
	}), nil, nil
}

func (s *Server) handleRunTest(ctx context.Context, req *mcp.CallToolRequest, args testArgs) (*mcp.CallToolResult, any, error) {
	return s.runCommand(ctx, req, args.ProjectRoot, func(ctx context.Context, p dbt.Project) (*dbt.CommandResult, error) {
		return p.RunTest(ctx, args.TestName)
	}), nil, nil
}

func (s *Server) handleRunModelTest(ctx context.Context, req *mcp.CallToolRequest, args modelArgs) (*mcp.CallToolResult, any, error) {
	return s.runCommand(ctx, req, args.ProjectRoot, func(ctx context.Context, p dbt.Project) (*dbt.CommandResult, error) {
		return p.RunModelTest(ctx, args.ModelName)
	}), nil, nil
}

func (s *Server) handleAddPackages(ctx context.Context, req *mcp.CallToolRequest, args packagesArgs) (*mcp.CallToolResult, any, error) {
	p, res := s.project(args.ProjectRoot)
	if res != nil {
		return res, nil, nil
	}
	if len(args.Packages) == 0 {
		return errorResult("at least one package is required"), nil, nil
	}
	out, err := withProgress(ctx, s, req, func(ctx context.Context) (string, error) {
		return p.AddPackages(ctx, args.Packages)
	})
	if err != nil {
		return toolError(err), nil, nil
	}
	return textResult(out), nil, nil
}

func (s *Server) handleInstallDeps(ctx context.Context, req *mcp.CallToolRequest, args projectArgs) (*mcp.CallToolResult, any, error) {
	p, res := s.project(args.ProjectRoot)
	if res != nil {
		return res, nil, nil
	}
	out, err := withProgress(ctx, s, req, func(ctx context.Context) (string, error) {
		return p.InstallDeps(ctx)
	})
	if err != nil {
		return toolError(err), nil, nil
	}
	return textResult(out), nil, nil
}

func (s *Server) handleChildren(ctx context.Context, req *mcp.CallToolRequest, args lineageArgs) (*mcp.CallToolResult, any, error) {
	return s.lineage(ctx, req, args, dbt.Project.ChildrenModels), nil, nil
}

func (s *Server) handleParents(ctx context.Context, req *mcp.CallToolRequest, args lineageArgs) (*mcp.CallToolResult, any, error) {
	return s.lineage(ctx, req, args, dbt.Project.ParentModels), nil, nil
}

func (s *Server) lineage(ctx context.Context, req *mcp.CallToolRequest, args lineageArgs, fn func(dbt.Project, context.Context, string) ([]string, error)) *mcp.CallToolResult {
	p, res := s.project(args.ProjectRoot)
	if res != nil {
		return res
	}
	models, err := withProgress(ctx, s, req, func(ctx context.Context) ([]string, error) {
		return fn(p, ctx, args.Table)
	})
	if err != nil {
		return toolError(err)
	}
	if models == nil {
		models = []string{}
	}
	return jsonResult(models)
}

func (s *Server) handleGetHistory(ctx context.Context, req *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
	return jsonResult(s.history.List()), nil, nil
}

func (s *Server) handleClearHistory(ctx context.Context, req *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
	s.history.Clear()
	return textResult("Query history cleared"), nil, nil
}
