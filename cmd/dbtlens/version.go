package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dejo1307/dbtlens/internal/server"
)

func newVersionCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the dbtlens version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.jsonOutput {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{"version": server.Version})
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "dbtlens version %s\n", server.Version)
			return err
		},
	}
}
