// Command dbtlens serves CTE detection and the dbt project API over MCP.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dejo1307/dbtlens/internal/config"
	"github.com/dejo1307/dbtlens/internal/errors"
	"github.com/dejo1307/dbtlens/internal/logger"
)

// options holds the global flags. Flags left unset keep the config file
// values.
type options struct {
	configPath  string
	projects    []string
	verbose     bool
	jsonOutput  bool
	transport   string
	addr        string
	tlsCert     string
	tlsKey      string
	dbtBinary   string
	profilesDir string
	dataSource  bool
	noCTELens   bool
}

func (o *options) register(fs *pflag.FlagSet) {
	fs.StringVarP(&o.configPath, "config", "c", config.FileName, "Path to the configuration file")
	fs.StringSliceVarP(&o.projects, "project", "p", nil, "Directory searched for dbt projects (repeatable)")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "Enable debug logging")
	fs.BoolVar(&o.jsonOutput, "json", false, "Print results and errors as JSON")
	fs.StringVar(&o.transport, "transport", "", "MCP transport: stdio or http")
	fs.StringVar(&o.addr, "addr", "", "Listen address for the http transport")
	fs.StringVar(&o.tlsCert, "tls-cert", "", "TLS certificate file for the http transport")
	fs.StringVar(&o.tlsKey, "tls-key", "", "TLS key file for the http transport")
	fs.StringVar(&o.dbtBinary, "dbt", "", "dbt executable")
	fs.StringVar(&o.profilesDir, "profiles-dir", "", "Directory holding profiles.yml")
	fs.BoolVar(&o.dataSource, "data-source-query-tools", false, "Register execute_sql and get_column_values")
	fs.BoolVar(&o.noCTELens, "no-cte-lens", false, "Disable CTE detection")
}

// loadConfig reads the config file and applies the flags that were set.
func (o *options) loadConfig(fs *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.LoadOptional(o.configPath)
	if err != nil {
		return nil, errors.NewConfigError("Cannot load dbtlens configuration", err.Error(),
			"Check the syntax of "+o.configPath, err)
	}

	if fs.Changed("project") {
		cfg.Projects = o.projects
	}
	if fs.Changed("verbose") {
		cfg.Log.Verbose = o.verbose
	}
	if fs.Changed("transport") {
		cfg.MCP.Transport = o.transport
	}
	if fs.Changed("addr") {
		cfg.MCP.Addr = o.addr
	}
	if fs.Changed("tls-cert") {
		cfg.MCP.TLSCert = o.tlsCert
	}
	if fs.Changed("tls-key") {
		cfg.MCP.TLSKey = o.tlsKey
	}
	if fs.Changed("dbt") {
		cfg.DBT.Binary = o.dbtBinary
	}
	if fs.Changed("profiles-dir") {
		cfg.DBT.ProfilesDir = o.profilesDir
	}
	if fs.Changed("data-source-query-tools") {
		cfg.Features.DataSourceQueryTools = o.dataSource
	}
	if fs.Changed("no-cte-lens") {
		cfg.Features.CTELens = !o.noCTELens
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.NewConfigError("Invalid dbtlens configuration", err.Error(),
			"Fix the value in "+o.configPath+" or on the command line", err)
	}
	logger.SetVerbose(cfg.Log.Verbose)
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "dbtlens",
		Short:         "CTE lens and dbt project tools over MCP",
		Long:          "dbtlens finds the CTEs of dbt models, analyzes how they reference each other and exposes them, together with the dbt CLI, as an MCP server.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}
	opts.register(root.PersistentFlags())

	root.AddCommand(
		newServeCmd(opts),
		newCTEsCmd(opts),
		newSnapshotCmd(opts),
		newVersionCmd(opts),
	)
	return root
}

func main() {
	root := newRootCmd()
	cmd, err := root.ExecuteC()
	if err != nil {
		if cmd == nil {
			cmd = root
		}
		jsonOutput, _ := cmd.Flags().GetBool("json")
		errors.FatalError(err, jsonOutput)
	}
	os.Exit(errors.ExitSuccess)
}
