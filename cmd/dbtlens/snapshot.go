package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dejo1307/dbtlens/internal/errors"
)

func newSnapshotCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Generate the CTE snapshot of every project and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			if !cfg.Features.CTELens {
				return errors.NewInputError("CTE lens is disabled", "--no-cte-lens or features.cte_lens: false",
					"Enable the CTE lens to generate snapshots")
			}
			projects, err := discoverProjects(cfg)
			if err != nil {
				return err
			}
			if projects.Len() == 0 {
				return errors.NewProjectError("No dbt project found", "no dbt_project.yml under the configured roots",
					"Pass the project directory with --project", nil)
			}

			eng := newEngine(cfg)
			ctx := contextOrBackground(cmd)
			out := cmd.OutOrStdout()
			for _, p := range projects.Projects() {
				snapshot, err := eng.GenerateSnapshot(ctx, p.Root())
				if err != nil {
					return errors.NewInternalError("Snapshot generation failed", p.Root(), err)
				}
				if err := eng.WriteArtifacts(p.Root()); err != nil {
					return errors.NewInternalError("Cannot write snapshot artifacts", p.Root(), err)
				}

				if opts.jsonOutput {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					if err := enc.Encode(snapshot.Meta); err != nil {
						return err
					}
					continue
				}
				fmt.Fprintf(out, "Snapshot of %s:\n", p.Name())
				fmt.Fprintf(out, "  Project:   %s\n", snapshot.Meta.ProjectRoot)
				fmt.Fprintf(out, "  Facts:     %d\n", snapshot.Meta.FactCount)
				fmt.Fprintf(out, "  Insights:  %d\n", snapshot.Meta.InsightCount)
				fmt.Fprintf(out, "  Artifacts: %d\n", len(snapshot.Artifacts))
				fmt.Fprintf(out, "  Duration:  %s\n", snapshot.Meta.Duration)
				fmt.Fprintf(out, "  Cached:    %t\n", snapshot.Meta.Cached)
				fmt.Fprintf(out, "  Output:    %s\n", filepath.Join(p.Root(), cfg.Output.Dir))
			}
			return nil
		},
	}
}
