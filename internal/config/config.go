// Package config provides configuration management for pmrunner.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"
	// StateDirName is the pmrunner state directory.
	StateDirName = ".pmrunner"
)

// BackoffStrategy selects how retry delays grow.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// BackoffConfig defines a retry backoff schedule.
type BackoffConfig struct {
	Strategy       BackoffStrategy `yaml:"strategy" json:"strategy"`
	InitialDelayMs int             `yaml:"initial_delay_ms" json:"initial_delay_ms"`
	MaxDelayMs     int             `yaml:"max_delay_ms" json:"max_delay_ms"`
	Multiplier     float64         `yaml:"multiplier,omitempty" json:"multiplier,omitempty"`
	Jitter         float64         `yaml:"jitter,omitempty" json:"jitter,omitempty"`
}

// RetryConfig defines retry/escalation policy.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	Backoff    BackoffConfig `yaml:"backoff" json:"backoff"`

	// CauseSpecific overrides policy per failure type keyed by the
	// failure type name (e.g. "RATE_LIMIT").
	CauseSpecific map[string]CausePolicy `yaml:"cause_specific,omitempty" json:"cause_specific,omitempty"`
}

// CausePolicy overrides retry policy for one failure type.
type CausePolicy struct {
	MaxRetries       *int           `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	Backoff          *BackoffConfig `yaml:"backoff,omitempty" json:"backoff,omitempty"`
	ModificationHint string         `yaml:"modification_hint,omitempty" json:"modification_hint,omitempty"`
}

// QueueConfig defines durable queue behavior.
type QueueConfig struct {
	// Namespace partitions all queue and runner rows.
	Namespace string `yaml:"namespace" json:"namespace"`
	// StaleMaxAge is how long a RUNNING task may go without updates
	// before the sweeper marks it ERROR.
	StaleMaxAge time.Duration `yaml:"stale_max_age" json:"stale_max_age"`
	// AwaitingResponseMaxAge bounds how long a task may sit in
	// AWAITING_RESPONSE before the sweeper errors it out.
	AwaitingResponseMaxAge time.Duration `yaml:"awaiting_response_max_age" json:"awaiting_response_max_age"`
	// SweepInterval is how often the dispatcher sweepers run.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	// ClaimBatchSize is how many QUEUED candidates a claim fetches.
	ClaimBatchSize int `yaml:"claim_batch_size" json:"claim_batch_size"`
}

// ExecutorConfig defines the external executor child process.
type ExecutorConfig struct {
	// Command is the executor binary invoked per task.
	Command string `yaml:"command" json:"command"`
	// Args are prepended before per-task arguments.
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`
	// BuildCommand rebuilds the executor (run via sh -c).
	BuildCommand string `yaml:"build_command,omitempty" json:"build_command,omitempty"`
	// BuildTimeout is the hard limit for a build.
	BuildTimeout time.Duration `yaml:"build_timeout" json:"build_timeout"`
	// StopTimeout is how long stop waits after SIGTERM before SIGKILL.
	StopTimeout time.Duration `yaml:"stop_timeout" json:"stop_timeout"`
	// WorkDir is the working directory for executor invocations.
	WorkDir string `yaml:"work_dir,omitempty" json:"work_dir,omitempty"`
}

// TimeoutProfiles maps a task type to its execution deadline.
type TimeoutProfiles map[string]time.Duration

// StreamConfig bounds the in-memory output log.
type StreamConfig struct {
	// MaxChunks caps the in-memory chunk log; oldest evicted first.
	MaxChunks int `yaml:"max_chunks" json:"max_chunks"`
}

// ServerConfig defines the HTTP control plane.
type ServerConfig struct {
	Addr              string        `yaml:"addr" json:"addr"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
}

// RunnerConfig defines heartbeat behavior for runner records.
type RunnerConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout" json:"heartbeat_timeout"`
}

// Config represents the pmrunner configuration.
type Config struct {
	Version int `yaml:"version"`

	Queue    QueueConfig    `yaml:"queue"`
	Retry    RetryConfig    `yaml:"retry"`
	Executor ExecutorConfig `yaml:"executor"`
	Stream   StreamConfig   `yaml:"stream"`
	Server   ServerConfig   `yaml:"server"`
	Runner   RunnerConfig   `yaml:"runner"`

	// Timeouts maps task types to execution deadlines.
	Timeouts TimeoutProfiles `yaml:"timeouts"`

	// SkillsDir holds Markdown skill definitions with YAML front-matter.
	SkillsDir string `yaml:"skills_dir"`

	// StateDir is where queue.db, sessions, traces and build meta live.
	StateDir string `yaml:"state_dir"`
}

// TimeoutFor returns the execution deadline for a task type,
// falling back to the IMPLEMENTATION profile.
func (c *Config) TimeoutFor(taskType string) time.Duration {
	if d, ok := c.Timeouts[taskType]; ok {
		return d
	}
	if d, ok := c.Timeouts["IMPLEMENTATION"]; ok {
		return d
	}
	return 30 * time.Minute
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Queue.Namespace == "" {
		return fmt.Errorf("queue.namespace must not be empty")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Retry.Backoff.InitialDelayMs <= 0 {
		return fmt.Errorf("retry.backoff.initial_delay_ms must be positive")
	}
	if c.Retry.Backoff.MaxDelayMs < c.Retry.Backoff.InitialDelayMs {
		return fmt.Errorf("retry.backoff.max_delay_ms must be >= initial_delay_ms")
	}
	if j := c.Retry.Backoff.Jitter; j < 0 || j > 1 {
		return fmt.Errorf("retry.backoff.jitter must be in [0,1]")
	}
	if c.Stream.MaxChunks <= 0 {
		return fmt.Errorf("stream.max_chunks must be positive")
	}
	if c.Executor.Command == "" {
		return fmt.Errorf("executor.command must not be empty")
	}
	return nil
}

// LoadFrom reads configuration from the given file path.
// Missing file returns defaults; a malformed file is an error.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	// The file's location anchors the state dir unless it names one
	// itself; clear the default so an omitted key is detectable.
	cfg.StateDir = ""
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Dir(path)
	}
	return cfg, nil
}

// Load reads configuration from workDir/.pmrunner/config.yaml.
func Load(workDir string) (*Config, error) {
	return LoadFrom(filepath.Join(workDir, StateDirName, ConfigFileName))
}

// Save writes the configuration to the given path, creating parents.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
