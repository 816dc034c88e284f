package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Profile is configuration to start the main server.
type Profile struct {
	// Mode is one of "prod", "dev", "demo". Demo mode runs a scripted worker
	// backend so the full task lifecycle works without Anthropic credentials.
	Mode string
	// Addr is the binding address.
	Addr string
	// Port is the binding port.
	Port int
	// Data is the installation-scoped base directory. The database file, log
	// directory, backups and circuit-breaker state all live under it.
	Data string
	// DSN is the SQLite database file path. Derived from Data when empty.
	DSN string
	// Version is the current server version.
	Version string

	// CORSOrigins is the explicit allow-list for browser clients.
	CORSOrigins []string

	// DefaultModel is the worker model used when a task does not name one.
	DefaultModel string
	// DefaultSystemPrompt is applied to tasks created without one.
	DefaultSystemPrompt string
	// StrictPrompts enables the machine-facing validation variant on task
	// creation (longer prompt minimums, mandatory system prompt).
	StrictPrompts bool

	// MaxConcurrentTasks caps executors running at once. Zero means no cap.
	MaxConcurrentTasks int64

	// Retry policy around the worker backend.
	RetryMaxAttempts     int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	// Circuit breaker across tasks.
	BreakerThreshold uint32
	BreakerCooldown  time.Duration

	// Contingency sweep.
	SweepInterval time.Duration
	// TaskTimeout is the wall clock after which a RUNNING task with a dead
	// worker process is failed by the sweep.
	TaskTimeout time.Duration

	// HeartbeatInterval is the websocket heartbeat period.
	HeartbeatInterval time.Duration
}

// LogsDir returns the per-task log directory.
func (p *Profile) LogsDir() string {
	return filepath.Join(p.Data, "logs")
}

// BackupsDir returns the contingency snapshot directory.
func (p *Profile) BackupsDir() string {
	return filepath.Join(p.Data, "backups")
}

// BreakersDir returns the circuit-breaker state directory.
func (p *Profile) BreakersDir() string {
	return filepath.Join(p.Data, "breakers")
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvOrDefaultDuration returns environment variable value as duration or default value.
func getEnvOrDefaultDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		slog.Warn("invalid duration in environment, using default", "key", key, "value", value)
	}
	return defaultValue
}

// FromEnv loads the tunable knobs from environment variables.
func (p *Profile) FromEnv() {
	p.DefaultModel = getEnvOrDefault("HANDOFF_DEFAULT_MODEL", "sonnet")
	p.DefaultSystemPrompt = getEnvOrDefault("HANDOFF_DEFAULT_SYSTEM_PROMPT",
		"You are a delegated background assistant. Work autonomously inside the given working directory and report a concise summary when done.")
	p.StrictPrompts = getEnvOrDefault("HANDOFF_STRICT_PROMPTS", "false") == "true"

	if origins := getEnvOrDefault("HANDOFF_CORS_ORIGINS", ""); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				p.CORSOrigins = append(p.CORSOrigins, o)
			}
		}
	}

	p.MaxConcurrentTasks = int64(getEnvOrDefaultInt("HANDOFF_MAX_CONCURRENT_TASKS", 8))

	p.RetryMaxAttempts = getEnvOrDefaultInt("HANDOFF_RETRY_MAX_ATTEMPTS", 3)
	p.RetryInitialInterval = getEnvOrDefaultDuration("HANDOFF_RETRY_INITIAL_INTERVAL", time.Second)
	p.RetryMaxInterval = getEnvOrDefaultDuration("HANDOFF_RETRY_MAX_INTERVAL", 30*time.Second)

	p.BreakerThreshold = uint32(getEnvOrDefaultInt("HANDOFF_BREAKER_THRESHOLD", 5))
	p.BreakerCooldown = getEnvOrDefaultDuration("HANDOFF_BREAKER_COOLDOWN", 5*time.Minute)

	p.SweepInterval = getEnvOrDefaultDuration("HANDOFF_SWEEP_INTERVAL", 10*time.Minute)
	p.TaskTimeout = getEnvOrDefaultDuration("HANDOFF_TASK_TIMEOUT", time.Hour)

	p.HeartbeatInterval = getEnvOrDefaultDuration("HANDOFF_HEARTBEAT_INTERVAL", 30*time.Second)
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

// Validate normalizes the profile, resolves the data directory and makes sure
// the directory layout exists. The log directory must exist before the server
// accepts requests.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Mode == "prod" && p.Data == "" {
		p.Data = "/var/opt/handoff"
		if _, err := os.Stat(p.Data); os.IsNotExist(err) {
			if err := os.MkdirAll(p.Data, 0770); err != nil {
				return errors.Wrapf(err, "failed to create data directory %s", p.Data)
			}
		}
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check data dir", slog.String("data", p.Data), slog.String("error", err.Error()))
		return err
	}
	p.Data = dataDir

	if p.DSN == "" {
		p.DSN = filepath.Join(dataDir, fmt.Sprintf("tasks_%s.db", p.Mode))
	}

	for _, dir := range []string{p.LogsDir(), p.BackupsDir(), p.BreakersDir()} {
		if err := os.MkdirAll(dir, 0770); err != nil {
			return errors.Wrapf(err, "failed to create directory %s", dir)
		}
	}

	if p.RetryMaxAttempts < 1 {
		p.RetryMaxAttempts = 1
	}

	return nil
}
