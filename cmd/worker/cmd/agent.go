package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"jobagent/internal/agent"
	"jobagent/internal/catalog"
	"jobagent/internal/config"
	"jobagent/internal/logger"
	"jobagent/internal/observability"

	"github.com/spf13/cobra"
)

var agentCmd = &cobra.Command{
	Use:   "agent <name>",
	Short: "Run one continuous worker's tick loop (started by the supervisor)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadAgent(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log := logger.New(cfg.LogLevel).With(slog.String("agent", args[0]))

		// SIGTERM from the supervisor ends the loop after the current tick.
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return runAgent(ctx, cfg, args[0], log)
	},
}

func runAgent(ctx context.Context, cfg *config.Config, name string, log *slog.Logger) error {
	shutdownTracer, err := observability.InitTracer(ctx, serviceName+"-agent", version, cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer shutdownTracer(context.Background())

	reg, err := catalog.New(log)
	if err != nil {
		return fmt.Errorf("failed to build registry: %w", err)
	}

	err = agent.Serve(ctx, reg, name, log)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("agent failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func init() {
	rootCmd.AddCommand(agentCmd)
}
