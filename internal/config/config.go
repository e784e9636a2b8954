package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up in the working directory.
const FileName = "dbtlens.yaml"

// Config represents the dbtlens.yaml configuration.
type Config struct {
	Projects   []string       `yaml:"projects"` // roots searched for dbt_project.yml
	Ignore     []string       `yaml:"ignore"`
	Extractors []string       `yaml:"extractors"`
	Explainers []string       `yaml:"explainers"`
	Renderers  []string       `yaml:"renderers"`
	Features   FeaturesConfig `yaml:"features"`
	DBT        DBTConfig      `yaml:"dbt"`
	MCP        MCPConfig      `yaml:"mcp"`
	History    HistoryConfig  `yaml:"history"`
	Output     OutputConfig   `yaml:"output"`
	Log        LogConfig      `yaml:"log"`
}

// FeaturesConfig holds capability flags.
type FeaturesConfig struct {
	// CTELens enables CTE detection: the sql extractor and the CTE tools.
	CTELens bool `yaml:"cte_lens"`
	// DataSourceQueryTools registers get_column_values and execute_sql.
	DataSourceQueryTools bool `yaml:"data_source_query_tools"`
}

// DBTConfig controls how the dbt CLI is invoked.
type DBTConfig struct {
	Binary      string        `yaml:"binary"`
	ProfilesDir string        `yaml:"profiles_dir"` // empty means ~/.dbt
	Timeout     time.Duration `yaml:"timeout"`
}

// MCPConfig selects the MCP transport.
type MCPConfig struct {
	Transport        string        `yaml:"transport"` // "stdio" or "http"
	Addr             string        `yaml:"addr"`
	TLSCert          string        `yaml:"tls_cert"`
	TLSKey           string        `yaml:"tls_key"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
}

// HistoryConfig bounds the session query history.
type HistoryConfig struct {
	Disabled   bool `yaml:"disabled"`
	MaxBytes   int  `yaml:"max_bytes"`
	MaxEntries int  `yaml:"max_entries"`
}

// OutputConfig controls where and how output artifacts are generated.
type OutputConfig struct {
	Dir              string `yaml:"dir"`
	MaxContextTokens int    `yaml:"max_context_tokens"`
}

// LogConfig controls logging.
type LogConfig struct {
	Verbose bool `yaml:"verbose"`
}

// Transport values.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

const (
	defaultOutputDir        = ".dbtlens"
	defaultMaxContextTokens = 4000
	defaultHistoryBytes     = 3 * 1024 * 1024
	defaultHistoryEntries   = 10
	defaultProgress         = 5 * time.Second
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Projects: []string{"."},
		Ignore: []string{
			".git/**",
			"target/**",
			"dbt_packages/**",
			"dbt_modules/**",
			"logs/**",
			".venv/**",
			"node_modules/**",
			defaultOutputDir + "/**",
		},
		Extractors: []string{"sql"},
		Explainers: []string{"cycles", "unused", "clauses"},
		Renderers:  []string{"llm_context"},
		Features: FeaturesConfig{
			CTELens: true,
		},
		DBT: DBTConfig{
			Binary:  "dbt",
			Timeout: 10 * time.Minute,
		},
		MCP: MCPConfig{
			Transport:        TransportStdio,
			Addr:             "127.0.0.1:7878",
			ProgressInterval: defaultProgress,
		},
		History: HistoryConfig{
			MaxBytes:   defaultHistoryBytes,
			MaxEntries: defaultHistoryEntries,
		},
		Output: OutputConfig{
			Dir:              defaultOutputDir,
			MaxContextTokens: defaultMaxContextTokens,
		},
	}
}

// Load reads a configuration file from the given path.
// Missing fields are filled with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOptional loads path when it exists and returns defaults otherwise.
func LoadOptional(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return Load(path)
}

func (c *Config) fillDefaults() {
	if c.Output.Dir == "" {
		c.Output.Dir = defaultOutputDir
	}
	if c.Output.MaxContextTokens == 0 {
		c.Output.MaxContextTokens = defaultMaxContextTokens
	}
	if len(c.Projects) == 0 {
		c.Projects = []string{"."}
	}
	if c.DBT.Binary == "" {
		c.DBT.Binary = "dbt"
	}
	if c.MCP.Transport == "" {
		c.MCP.Transport = TransportStdio
	}
	if c.MCP.ProgressInterval <= 0 {
		c.MCP.ProgressInterval = defaultProgress
	}
	if c.History.MaxBytes <= 0 {
		c.History.MaxBytes = defaultHistoryBytes
	}
	if c.History.MaxEntries <= 0 {
		c.History.MaxEntries = defaultHistoryEntries
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.MCP.Transport {
	case TransportStdio, TransportHTTP:
	default:
		return fmt.Errorf("unknown mcp transport %q", c.MCP.Transport)
	}
	if (c.MCP.TLSCert == "") != (c.MCP.TLSKey == "") {
		return errors.New("mcp tls_cert and tls_key must be set together")
	}
	return nil
}

// IsExtractorEnabled returns true if the named extractor is enabled.
func (c *Config) IsExtractorEnabled(name string) bool {
	return contains(c.Extractors, name)
}

// IsExplainerEnabled returns true if the named explainer is enabled.
func (c *Config) IsExplainerEnabled(name string) bool {
	return contains(c.Explainers, name)
}

// IsRendererEnabled returns true if the named renderer is enabled.
func (c *Config) IsRendererEnabled(name string) bool {
	return contains(c.Renderers, name)
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
