package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

type envVar struct {
	key string
	set func(c *Config, v string) error
}

func str(dst func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

var envVars = []envVar{
	{"WARDEN_LISTEN_ADDR", str(func(c *Config) *string { return &c.Server.Addr })},
	{"WARDEN_JWT_SECRET", str(func(c *Config) *string { return &c.Server.JWTSecret })},
	{"WARDEN_LOG_LEVEL", str(func(c *Config) *string { return &c.Logging.Level })},
	{"WARDEN_LOG_FORMAT", str(func(c *Config) *string { return &c.Logging.Format })},
	{"WARDEN_DATABASE_DSN", str(func(c *Config) *string { return &c.Database.DSN })},
	{"WARDEN_STORAGE_DRIVER", str(func(c *Config) *string { return &c.Storage.Driver })},
	{"WARDEN_STORAGE_PATH", str(func(c *Config) *string { return &c.Storage.LocalPath })},
	{"WARDEN_S3_ENDPOINT", str(func(c *Config) *string { return &c.Storage.S3.Endpoint })},
	{"WARDEN_S3_REGION", str(func(c *Config) *string { return &c.Storage.S3.Region })},
	{"WARDEN_S3_ACCESS_KEY", str(func(c *Config) *string { return &c.Storage.S3.AccessKey })},
	{"WARDEN_S3_SECRET_KEY", str(func(c *Config) *string { return &c.Storage.S3.SecretKey })},
	{"WARDEN_ENCRYPTION_KEY_FILE", str(func(c *Config) *string { return &c.Encryption.KeyFile })},
	{"WARDEN_REDIS_ADDR", str(func(c *Config) *string { return &c.Redis.Addr })},
	{"WARDEN_REDIS_PASSWORD", str(func(c *Config) *string { return &c.Redis.Password })},
	{"WARDEN_CURRENT_REGION", str(func(c *Config) *string { return &c.DR.CurrentRegion })},
	{"WARDEN_MAX_CONCURRENT_BACKUPS", func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		c.Scheduler.MaxConcurrentBackups = n
		return nil
	}},
	{"WARDEN_RETENTION", func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		c.Storage.Retention = d
		return nil
	}},
}

// ApplyEnv overrides cfg from WARDEN_* variables.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	for _, ev := range envVars {
		v, ok := lookup(ev.key)
		if !ok || v == "" {
			continue
		}
		if err := ev.set(cfg, v); err != nil {
			return fmt.Errorf("config: %s: %w", ev.key, err)
		}
	}
	return nil
}

// GetEnvOrDefault returns environment variable or default value
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
