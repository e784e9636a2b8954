package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dejo1307/dbtlens/internal/config"
	"github.com/dejo1307/dbtlens/internal/dbt"
	"github.com/dejo1307/dbtlens/internal/engine"
	"github.com/dejo1307/dbtlens/internal/errors"
	"github.com/dejo1307/dbtlens/internal/explainers/clauses"
	"github.com/dejo1307/dbtlens/internal/explainers/cycles"
	"github.com/dejo1307/dbtlens/internal/explainers/unused"
	"github.com/dejo1307/dbtlens/internal/extractors/sqlextractor"
	"github.com/dejo1307/dbtlens/internal/history"
	"github.com/dejo1307/dbtlens/internal/logger"
	"github.com/dejo1307/dbtlens/internal/renderers/llmcontext"
	"github.com/dejo1307/dbtlens/internal/server"
)

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}
}

func runServe(cmd *cobra.Command, opts *options) error {
	cfg, err := opts.loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	projects, err := discoverProjects(cfg)
	if err != nil {
		return err
	}
	logger.Info("[main] found %d dbt project(s)", projects.Len())

	srv := server.New(newEngine(cfg), projects, history.New(cfg.History), cfg)

	ctx, stop := signal.NotifyContext(contextOrBackground(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		return errors.NewInternalError("MCP server stopped", err.Error(), err)
	}
	return nil
}

// newEngine builds an engine with every enabled component registered.
func newEngine(cfg *config.Config) *engine.Engine {
	eng := engine.New(cfg)
	if cfg.Features.CTELens {
		eng.RegisterExtractor(sqlextractor.New(0))
	}
	eng.RegisterExplainer(cycles.New())
	eng.RegisterExplainer(unused.New())
	eng.RegisterExplainer(clauses.New())
	eng.RegisterRenderer(llmcontext.New(cfg.Output.MaxContextTokens))
	return eng
}

func discoverProjects(cfg *config.Config) (*dbt.Container, error) {
	runner := &dbt.ExecRunner{Binary: cfg.DBT.Binary, Timeout: cfg.DBT.Timeout}
	open := func(root string) (dbt.Project, error) {
		opts := []dbt.Option{dbt.WithRunner(runner)}
		if cfg.DBT.ProfilesDir != "" {
			opts = append(opts, dbt.WithProfilesDir(cfg.DBT.ProfilesDir))
		}
		p, err := dbt.Open(root, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	}

	projects, err := dbt.Discover(cfg.Projects, open)
	if err != nil {
		return nil, errors.NewProjectError("Cannot search for dbt projects", err.Error(),
			"Check the projects listed in the configuration or passed with --project", err)
	}
	return projects, nil
}

// contextOrBackground returns the command context, which is nil when a
// command runs outside Execute.
func contextOrBackground(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
