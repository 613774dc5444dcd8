package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const serviceName = "jobagent"

// version is set at build time with -ldflags "-X jobagent/cmd/worker/cmd.version=...".
var version = "dev"

var (
	cfgFile string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "jobagent",
	Short: "jobagent executes orchestrator jobs and keeps continuous workers alive",
	Long: `jobagent is the worker runtime for the orchestrator.

It runs two kinds of work:

  - Discrete jobs: a poller long-polls the orchestrator, validates each job's
    payload, runs the registered handler and reports the outcome.
  - Continuous workers: a supervisor runs each registered worker in its own
    process ("jobagent agent <name>") and restarts it whenever it exits.

Configuration is read from defaults, an optional YAML file (--config) and
environment variables. A .env file in the working directory is loaded first.`,
	SilenceUsage: true,
	Version:      version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadEnvFile(envFile)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadEnvFile loads path into the environment without overriding variables
// that are already set. A missing default .env file is not an error.
func loadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "env file to load (default .env if present)")
}
