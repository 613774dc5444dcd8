package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "jobctl",
	Short: "Jobctl is a command line tool for the job orchestrator and its workers",
	Long: `jobctl is the command-line interface for jobagent workers and the orchestrator they serve.

Jobs are created on the orchestrator and executed by whichever worker claims
them. Each worker also exposes a small admin API with its health, supervised
agents and the outcomes it could not report.

Common workflows:

  Submit a job:
    jobctl submit --type echo --payload '{"message":"hello"}'

  Check job status:
    jobctl status <job-id>

  List outcomes a worker could not deliver:
    jobctl unreported list --admin-url http://worker-1:6162

  Re-send one of them:
    jobctl unreported replay <id>

Configuration:
  Set the endpoints and credentials via environment variables or a config file:
    JOBAGENT_URL        Orchestrator endpoint (default: http://localhost:8080)
    JOBAGENT_TOKEN      Bearer token for the orchestrator
    JOBAGENT_ADMIN_URL  Worker admin endpoint (default: http://localhost:6162)`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".jobctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".jobctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "JOBAGENT_VARNAME"
	viper.SetEnvPrefix("JOBAGENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.jobctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:8080", "Orchestrator URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "Bearer token for the orchestrator")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))

	rootCmd.PersistentFlags().String("admin-url", "http://localhost:6162", "Worker admin URL")
	viper.BindPFlag("admin-url", rootCmd.PersistentFlags().Lookup("admin-url"))
}
