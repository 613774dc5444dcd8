// Package config loads worker configuration from defaults, an optional YAML
// file and environment variables, in increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Launchers supported by the supervisor.
const (
	LauncherExec       = "exec"
	LauncherDocker     = "docker"
	LauncherKubernetes = "kubernetes"
)

// Config holds all configuration values for the worker.
type Config struct {
	// Orchestrator gateway
	OrchestratorURL string
	Token           string

	// Worker identity
	Hostname     string
	WorkerID     string
	Capabilities []string

	// Poller
	PollTimeout        time.Duration
	PollInitialBackoff time.Duration
	PollMaxBackoff     time.Duration
	ReportAttempts     int
	ReportBackoff      time.Duration

	// Executor
	JobTimeout   time.Duration
	ProgressRate float64

	// Supervisor
	Launcher                 string
	AgentImage               string
	RuntimeWorkDir           string
	KubernetesNamespace      string
	KubernetesServiceAccount string
	RestartDelay             time.Duration
	GracePeriod              time.Duration

	// Unreported-outcome journal; empty disables it.
	DatabaseURL string

	// Observability
	OTELEndpoint string
	AdminAddr    string
	LogLevel     string
}

// key binds a config key to its environment variable and default.
type key struct {
	name string
	env  string
	def  any
}

var keys = []key{
	{"orchestrator_url", "ORCHESTRATOR_URL", ""},
	{"token", "JOBAGENT_TOKEN", ""},
	{"hostname", "WORKER_HOSTNAME", ""},
	{"worker_id", "WORKER_ID", ""},
	{"capabilities", "WORKER_CAPABILITIES", ""},
	{"poll_timeout", "POLL_TIMEOUT", "30s"},
	{"poll_initial_backoff", "POLL_INITIAL_BACKOFF", "1s"},
	{"poll_max_backoff", "POLL_MAX_BACKOFF", "30s"},
	{"report_attempts", "REPORT_ATTEMPTS", 5},
	{"report_backoff", "REPORT_BACKOFF", "500ms"},
	{"job_timeout", "JOB_TIMEOUT", "30m"},
	{"progress_rate", "PROGRESS_RATE", 2.0},
	{"launcher", "LAUNCHER", LauncherExec},
	{"agent_image", "AGENT_IMAGE", ""},
	{"runtime_workdir", "RUNTIME_WORKDIR", ""},
	{"kubernetes_namespace", "KUBERNETES_NAMESPACE", "default"},
	{"kubernetes_service_account", "KUBERNETES_SERVICE_ACCOUNT", ""},
	{"restart_delay", "RESTART_DELAY", "5s"},
	{"grace_period", "GRACE_PERIOD", "10s"},
	{"database_url", "DATABASE_URL", ""},
	{"otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT", ""},
	{"admin_addr", "ADMIN_ADDR", ":6162"},
	{"log_level", "LOG_LEVEL", "info"},
}

// Load reads and validates the configuration of the serving worker. path may
// be empty, in which case only defaults and environment variables are used.
func Load(path string) (*Config, error) {
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadAgent reads the configuration of an agent child process. Agents never
// talk to the orchestrator, so the gateway settings are not required.
func LoadAgent(path string) (*Config, error) {
	return read(path)
}

func read(path string) (*Config, error) {
	v := viper.New()
	for _, k := range keys {
		v.SetDefault(k.name, k.def)
		if err := v.BindEnv(k.name, k.env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", k.env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		OrchestratorURL:          strings.TrimRight(v.GetString("orchestrator_url"), "/"),
		Token:                    v.GetString("token"),
		Hostname:                 v.GetString("hostname"),
		WorkerID:                 v.GetString("worker_id"),
		Capabilities:             splitList(v.GetStringSlice("capabilities")),
		PollTimeout:              v.GetDuration("poll_timeout"),
		PollInitialBackoff:       v.GetDuration("poll_initial_backoff"),
		PollMaxBackoff:           v.GetDuration("poll_max_backoff"),
		ReportAttempts:           v.GetInt("report_attempts"),
		ReportBackoff:            v.GetDuration("report_backoff"),
		JobTimeout:               v.GetDuration("job_timeout"),
		ProgressRate:             v.GetFloat64("progress_rate"),
		Launcher:                 strings.ToLower(v.GetString("launcher")),
		AgentImage:               v.GetString("agent_image"),
		RuntimeWorkDir:           v.GetString("runtime_workdir"),
		KubernetesNamespace:      v.GetString("kubernetes_namespace"),
		KubernetesServiceAccount: v.GetString("kubernetes_service_account"),
		RestartDelay:             v.GetDuration("restart_delay"),
		GracePeriod:              v.GetDuration("grace_period"),
		DatabaseURL:              v.GetString("database_url"),
		OTELEndpoint:             v.GetString("otel_endpoint"),
		AdminAddr:                v.GetString("admin_addr"),
		LogLevel:                 v.GetString("log_level"),
	}

	if cfg.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("resolve hostname: %w", err)
		}
		cfg.Hostname = h
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.OrchestratorURL == "" {
		return required("orchestrator_url")
	}
	if c.Token == "" {
		return required("token")
	}

	switch c.Launcher {
	case LauncherExec:
	case LauncherDocker, LauncherKubernetes:
		if c.AgentImage == "" {
			return fmt.Errorf("%w for launcher %s", required("agent_image"), c.Launcher)
		}
	default:
		return fmt.Errorf("invalid launcher %q: must be %s, %s or %s",
			c.Launcher, LauncherExec, LauncherDocker, LauncherKubernetes)
	}

	if c.ReportAttempts < 1 {
		return fmt.Errorf("report_attempts must be at least 1, got %d", c.ReportAttempts)
	}
	if c.PollInitialBackoff <= 0 || c.PollMaxBackoff < c.PollInitialBackoff {
		return fmt.Errorf("poll_max_backoff (%v) must be >= poll_initial_backoff (%v) > 0",
			c.PollMaxBackoff, c.PollInitialBackoff)
	}
	if c.ProgressRate < 0 {
		return fmt.Errorf("progress_rate must not be negative, got %v", c.ProgressRate)
	}
	return nil
}

// required builds the error for a missing mandatory key.
func required(name string) error {
	for _, k := range keys {
		if k.name == name {
			return fmt.Errorf("%s is required (env: %s)", k.name, k.env)
		}
	}
	return fmt.Errorf("%s is required", name)
}

// splitList accepts both YAML lists and comma-separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for part := range strings.SplitSeq(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
