// Package cmd implements the foreman command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foremanlabs/foreman/internal/api"
	"github.com/foremanlabs/foreman/internal/config"
	"github.com/foremanlabs/foreman/internal/logging"
)

var (
	cfgFile  string
	planPath string

	cfg     *config.Config
	logger  *logging.Logger
	service *api.Service
)

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Coordinate agent-driven execution of a sectioned code change",
	Long: `Foreman drives a plan of dependency-ordered sections through a pool
of agent workers. Each section runs in an isolated git worktree, passes the
quality gates, and is merged serially into the integration branch. Runs are
persisted after every transition and can be paused and resumed.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		logger, err = logging.New(cfg.LogDir(), cfg.LogLevel)
		if err != nil {
			return err
		}
		service, err = api.New(cfg, logger)
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if service != nil {
			if err := service.Close(); err != nil {
				return err
			}
		}
		if logger != nil {
			return logger.Close()
		}
		return nil
	},
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default foreman.yaml in . or ~/.config/foreman)")
	rootCmd.PersistentFlags().StringVar(&planPath, "plan", "plan.json",
		"path to the plan file")
}
