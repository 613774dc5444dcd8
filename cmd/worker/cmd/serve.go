package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jobagent/internal/admin"
	"jobagent/internal/auth"
	"jobagent/internal/catalog"
	"jobagent/internal/config"
	"jobagent/internal/gateway"
	"jobagent/internal/logger"
	"jobagent/internal/observability"
	"jobagent/internal/store"
	"jobagent/internal/store/postgres"
	"jobagent/internal/supervisor"
	"jobagent/internal/worker"
	"jobagent/internal/worker/runtime"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job poller, the worker supervisor and the admin server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg, logger.New(cfg.LogLevel))
	},
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	shutdownTracer, err := observability.InitTracer(ctx, serviceName, version, cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Warn("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	metricsHandler, shutdownMetrics, err := observability.InitMetrics(serviceName, version)
	if err != nil {
		return fmt.Errorf("failed to init metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Warn("failed to shutdown metrics", slog.String("error", err.Error()))
		}
	}()

	reg, err := catalog.New(log)
	if err != nil {
		return fmt.Errorf("failed to build registry: %w", err)
	}
	capabilities, err := reg.Select(cfg.Capabilities)
	if err != nil {
		return fmt.Errorf("invalid capabilities: %w", err)
	}

	log.Info("worker starting",
		slog.String("version", version),
		slog.String("worker_id", cfg.WorkerID),
		slog.String("hostname", cfg.Hostname),
		slog.String("orchestrator", cfg.OrchestratorURL),
		slog.String("token_fingerprint", auth.Fingerprint(cfg.Token)),
		slog.Any("capabilities", capabilities),
		slog.Any("agents", reg.WorkerNames()),
		slog.String("launcher", cfg.Launcher),
	)

	gw := gateway.NewClient(cfg.OrchestratorURL, cfg.Token, cfg.WorkerID)

	var (
		journal store.Journal
		opts    []worker.Option
	)
	if cfg.DatabaseURL != "" {
		pg, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer pg.Close()
		journal = pg
		opts = append(opts, worker.WithJournal(pg))
		log.Info("unreported-outcome journal enabled")
	}

	executor := worker.NewExecutor(gw, worker.ExecutorConfig{
		JobTimeout:   cfg.JobTimeout,
		ProgressRate: cfg.ProgressRate,
	}, log)

	poller := worker.NewPoller(gw, reg, executor, worker.PollerConfig{
		WorkerID:           cfg.WorkerID,
		Hostname:           cfg.Hostname,
		Capabilities:       capabilities,
		PollTimeout:        cfg.PollTimeout,
		PollInitialBackoff: cfg.PollInitialBackoff,
		PollMaxBackoff:     cfg.PollMaxBackoff,
		ReportAttempts:     cfg.ReportAttempts,
		ReportBackoff:      cfg.ReportBackoff,
	}, log, opts...)

	rt, err := runtimeFactory(cfg, log)
	if err != nil {
		return err
	}
	command, err := agentCommand(cfg)
	if err != nil {
		return err
	}
	sup := supervisor.New(rt, reg.WorkerNames(), supervisor.Config{
		RestartDelay: cfg.RestartDelay,
		GracePeriod:  cfg.GracePeriod,
		Command:      command,
		Image:        cfg.AgentImage,
		Env:          agentEnv(cfg),
	}, log)

	adminServer := admin.New(cfg.AdminAddr, admin.Options{
		Metrics: metricsHandler,
		Agents:  sup,
		Poller:  poller,
		Journal: journal,
		Gateway: gw,
		Logger:  log,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := sup.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.GracePeriod+5*time.Second)
		defer cancel()
		return sup.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		go func() {
			<-gctx.Done()
			poller.Stop()
		}()
		// Stop, not cancellation, ends the poller so that an in-flight
		// job and its report complete before Run returns.
		return poller.Run(context.WithoutCancel(gctx))
	})

	g.Go(func() error {
		return adminServer.Run(gctx)
	})

	// The poller only returns early on a fatal error; that error also
	// cancels gctx so the other members wind down.
	err = g.Wait()
	if errors.Is(err, gateway.ErrUnauthorized) {
		log.Error("orchestrator rejected the worker token",
			slog.String("token_fingerprint", auth.Fingerprint(cfg.Token)),
			slog.String("error", err.Error()),
		)
		return err
	}
	if err != nil {
		log.Error("worker stopped with error", slog.String("error", err.Error()))
		return err
	}
	log.Info("worker stopped", slog.Int64("jobs_handled", poller.Handled()))
	return nil
}

// runtimeFactory is replaced in tests so no real children are spawned.
var runtimeFactory = newRuntime

// newRuntime selects the process launcher for continuous workers.
func newRuntime(cfg *config.Config, log *slog.Logger) (runtime.Runtime, error) {
	switch cfg.Launcher {
	case config.LauncherExec:
		log.Info("using exec launcher")
		return runtime.NewExecRuntime(cfg.RuntimeWorkDir), nil
	case config.LauncherDocker:
		rt, err := runtime.NewDockerRuntime()
		if err != nil {
			return nil, fmt.Errorf("failed to create Docker runtime: %w", err)
		}
		log.Info("using docker launcher", slog.String("image", cfg.AgentImage))
		return rt, nil
	case config.LauncherKubernetes:
		rt, err := runtime.NewKubernetesRuntime(runtime.KubernetesConfig{
			Namespace:      cfg.KubernetesNamespace,
			ServiceAccount: cfg.KubernetesServiceAccount,
			GracePeriod:    cfg.GracePeriod,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kubernetes runtime: %w", err)
		}
		log.Info("using kubernetes launcher", slog.String("namespace", cfg.KubernetesNamespace))
		return rt, nil
	default:
		return nil, fmt.Errorf("unknown launcher %q", cfg.Launcher)
	}
}

// agentCommand builds the child command line. Local children re-execute this
// binary; container children run the jobagent entrypoint of the agent image.
func agentCommand(cfg *config.Config) (func(name string) []string, error) {
	bin := serviceName
	if cfg.Launcher == config.LauncherExec {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		bin = exe
	}

	var extra []string
	if cfgFile != "" && cfg.Launcher == config.LauncherExec {
		extra = []string{"--config", cfgFile}
	}

	return func(name string) []string {
		return append([]string{bin, "agent", name}, extra...)
	}, nil
}

// agentEnv is the configuration forwarded to children that do not inherit
// the parent environment.
func agentEnv(cfg *config.Config) map[string]string {
	env := map[string]string{"LOG_LEVEL": cfg.LogLevel}
	if cfg.OTELEndpoint != "" {
		env["OTEL_EXPORTER_OTLP_ENDPOINT"] = cfg.OTELEndpoint
	}
	return env
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
