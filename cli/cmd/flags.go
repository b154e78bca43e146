// Package cmd provides CLI commands for the kitpack binary.
package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/kitpack/cli/config"
)

// Exit codes.
const (
	exitSuccess = 0
	exitError   = 1
	// exitPartial means a kit was written but some assets failed.
	exitPartial = 2
	exitConfig  = 3
)

// Shared flags.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// ConfigFlag points at the YAML config file.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to kitpack YAML config file",
		EnvVars: []string{"KITPACK_CONFIG"},
	}

	// LogLevelFlag overrides log.level.
	LogLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "Log level: debug, info, warn, error",
	}

	// CatalogFlag overrides catalog.path.
	CatalogFlag = &cli.StringFlag{
		Name:  "catalog",
		Usage: "Path to the SQLite catalog database",
	}
)

// ReadOnlyFlags returns the output flags shared by reporting commands.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{FormatFlag, NoColorFlag}
}

// loadConfig reads --config (or defaults), applies flag overrides, and
// validates the result.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String(ConfigFlag.Name); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, cli.Exit(err.Error(), exitConfig)
		}
		cfg = loaded
	}

	if c.IsSet(LogLevelFlag.Name) {
		cfg.Log.Level = c.String(LogLevelFlag.Name)
	}
	if c.IsSet(CatalogFlag.Name) {
		cfg.Catalog.Backend = "sqlite"
		cfg.Catalog.Path = c.String(CatalogFlag.Name)
	}
	if c.IsSet("addr") {
		cfg.Server.Addr = c.String("addr")
	}
	if c.IsSet("parallel") {
		cfg.Fetch.Parallel = c.Int("parallel")
	}
	if c.IsSet("level") {
		cfg.Archive.Level = c.Int("level")
	}

	if err := cfg.Validate(); err != nil {
		return nil, cli.Exit(fmt.Sprintf("invalid config: %v", err), exitConfig)
	}
	return cfg, nil
}
