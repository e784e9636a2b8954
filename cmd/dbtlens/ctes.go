package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dejo1307/dbtlens/internal/cte"
	"github.com/dejo1307/dbtlens/internal/errors"
	"github.com/dejo1307/dbtlens/internal/server"
)

func newCTEsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ctes <file>",
		Short: "List the CTEs of a SQL file",
		Long:  "Scan a SQL file and print every CTE with its position, the CTEs it depends on and the status of each WITH clause. Use - to read standard input.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := opts.loadConfig(cmd.Flags()); err != nil {
				return err
			}
			text, err := readSQL(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			report := server.ScanSQL(text)
			if opts.jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
}

func readSQL(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	switch {
	case os.IsNotExist(err):
		return "", errors.NewNotFoundError("SQL file not found", path, "Check the path of the file")
	case err != nil:
		return "", errors.NewInputError("Cannot read SQL", err.Error(), "Check the file permissions")
	}
	return string(data), nil
}

var (
	colorName    = color.New(color.FgCyan, color.Bold)
	colorWarning = color.New(color.FgYellow)
	colorDim     = color.New(color.Faint)
)

func printReport(w io.Writer, report server.ScanReport) {
	if len(report.CTEs) == 0 {
		fmt.Fprintln(w, "No CTEs found.")
	} else {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "#\tNAME\tLINE\tDEPENDS ON\tFLAGS")
		for i, c := range report.CTEs {
			var flags []string
			if c.Recursive {
				flags = append(flags, "recursive")
			}
			if c.Selected {
				flags = append(flags, "selected")
			}
			deps := strings.Join(c.DependsOn, ", ")
			if deps == "" {
				deps = colorDim.Sprint("-")
			}
			fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n",
				i, colorName.Sprint(c.Name), c.NameRange.Start.Line+1, deps, strings.Join(flags, ","))
		}
		tw.Flush()
	}

	for _, c := range report.Clauses {
		if c.Status == cte.ClauseOK {
			continue
		}
		fmt.Fprintln(w, colorWarning.Sprintf("WITH clause at offset %d rejected: %s", c.Start, c.Status))
	}
}
