// Package commands implements the realmpool command line.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/objectfs/realmpool/internal/config"
)

// Version information injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// NewRootCommand builds the command tree. Each call returns an independent tree, so tests can run commands
// side by side.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "realmpool",
		Short: "Shared connection pool for remote file locations",
		Long: `realmpool keeps one connection per realm (scheme, host and port) and credentials, and lets every
location in that realm reuse it. Idle connections are closed and live ones are pinged in the background.

Use "realmpool [command] --help" for more information about a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", "", "config file (YAML); REALMPOOL_* variables override it")

	root.AddCommand(newProbeCommand())
	root.AddCommand(newConfigCommand())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "realmpool %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	})
	root.CompletionOptions.DisableDefaultCmd = true

	return root
}

// loadConfig applies defaults, the --config file when given, then the environment, and validates the result.
func loadConfig(cmd *cobra.Command) (*config.Configuration, error) {
	cfg := config.NewDefault()

	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
