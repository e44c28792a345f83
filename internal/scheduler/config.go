package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/FairForge/warden/internal/backup"
	"github.com/FairForge/warden/internal/loadcheck"
)

// JobSpec defines a scheduled backup job.
type JobSpec struct {
	ID       string      `yaml:"id"`
	Kind     backup.Kind `yaml:"kind"`
	Schedule string      `yaml:"schedule"`
	Priority int         `yaml:"priority"`
	// MaxRetries overrides Config.MaxRetries when set.
	MaxRetries *int `yaml:"max_retries"`
	Disabled   bool `yaml:"disabled"`
}

// Config configures the scheduler.
type Config struct {
	MaxConcurrentBackups int                  `yaml:"max_concurrent_backups"`
	BackupWindow         string               `yaml:"backup_window"`
	LoadCheck            bool                 `yaml:"load_check"`
	Thresholds           loadcheck.Thresholds `yaml:"thresholds"`
	MaxRetries           int                  `yaml:"max_retries"`
	RetryInterval        time.Duration        `yaml:"retry_interval"`
	ExponentialBackoff   bool                 `yaml:"exponential_backoff"`
	ExecutionTimeout     time.Duration        `yaml:"execution_timeout"`
	MaxQueueSize         int                  `yaml:"max_queue_size"`
	DefaultPriority      int                  `yaml:"default_priority"`
	Jobs                 []JobSpec            `yaml:"jobs"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConcurrentBackups: 2,
		LoadCheck:            true,
		Thresholds:           loadcheck.DefaultThresholds(),
		MaxRetries:           3,
		RetryInterval:        5 * time.Minute,
		ExponentialBackoff:   true,
		ExecutionTimeout:     6 * time.Hour,
		MaxQueueSize:         100,
		DefaultPriority:      5,
	}
}

// ApplyDefaults fills in default values
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.MaxConcurrentBackups == 0 {
		c.MaxConcurrentBackups = defaults.MaxConcurrentBackups
	}
	if c.Thresholds == (loadcheck.Thresholds{}) {
		c.Thresholds = defaults.Thresholds
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = defaults.RetryInterval
	}
	if c.ExecutionTimeout == 0 {
		c.ExecutionTimeout = defaults.ExecutionTimeout
	}
	if c.DefaultPriority == 0 {
		c.DefaultPriority = defaults.DefaultPriority
	}
}

// Validate checks configuration
func (c Config) Validate() error {
	if c.MaxConcurrentBackups < 1 {
		return errors.New("scheduler: max_concurrent_backups must be at least 1")
	}
	if c.MaxRetries < 0 {
		return errors.New("scheduler: max_retries cannot be negative")
	}
	if _, err := ParseWindow(c.BackupWindow); err != nil {
		return err
	}
	if c.LoadCheck {
		if err := c.Thresholds.Validate(); err != nil {
			return err
		}
	}
	seen := make(map[string]bool, len(c.Jobs))
	for _, j := range c.Jobs {
		if err := j.validate(); err != nil {
			return err
		}
		if seen[j.ID] {
			return fmt.Errorf("scheduler: duplicate job id %q", j.ID)
		}
		seen[j.ID] = true
	}
	return nil
}

func (j JobSpec) validate() error {
	if j.ID == "" {
		return errors.New("scheduler: job id is required")
	}
	if _, err := backup.ParseKind(string(j.Kind)); err != nil {
		return fmt.Errorf("scheduler: job %s: %w", j.ID, err)
	}
	if _, err := ParseSchedule(j.Schedule); err != nil {
		return fmt.Errorf("scheduler: job %s: %w", j.ID, err)
	}
	if j.MaxRetries != nil && *j.MaxRetries < 0 {
		return fmt.Errorf("scheduler: job %s: max_retries cannot be negative", j.ID)
	}
	return nil
}
