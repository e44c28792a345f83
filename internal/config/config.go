// Package config loads the warden configuration file.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/FairForge/warden/internal/crypto"
	"github.com/FairForge/warden/internal/database"
	"github.com/FairForge/warden/internal/datastore"
	"github.com/FairForge/warden/internal/drivers"
	"github.com/FairForge/warden/internal/ha"
	"github.com/FairForge/warden/internal/logging"
	"github.com/FairForge/warden/internal/monitoring"
	"github.com/FairForge/warden/internal/recovery"
	"github.com/FairForge/warden/internal/scheduler"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// Storage drivers
const (
	DriverLocal = "local"
	DriverS3    = "s3"
)

//go:embed schema.json
var schema string

// Config is the whole warden configuration.
type Config struct {
	Server     ServerConfig           `yaml:"server"`
	Logging    logging.Config         `yaml:"logging"`
	Events     EventsConfig           `yaml:"events"`
	Scheduler  scheduler.Config       `yaml:"scheduler"`
	Recovery   recovery.Config        `yaml:"recovery"`
	DR         DRConfig               `yaml:"dr"`
	Storage    StorageConfig          `yaml:"storage"`
	Encryption EncryptionConfig       `yaml:"encryption"`
	Database   database.Config        `yaml:"database"`
	Postgres   PostgresConfig         `yaml:"postgres"`
	Redis      RedisConfig            `yaml:"redis"`
	Monitoring monitoring.RulesConfig `yaml:"monitoring"`
}

// ServerConfig configures the operator HTTP API.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// JWTSecret signs operator bearer tokens. An empty secret disables
	// authentication.
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	// RateLimit is the sustained number of mutating requests per second
	// per operator.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// EventsConfig sizes the lifecycle event bus.
type EventsConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// DRConfig is the coordinator configuration plus where to reach each
// region's database.
type DRConfig struct {
	ha.Config `yaml:",inline"`
	// ReplicationDSNs maps region names to PostgreSQL connection strings
	// used for replication lag and promotion.
	ReplicationDSNs map[string]string `yaml:"replication_dsns"`
}

// Enabled reports whether any regions are configured.
func (c DRConfig) Enabled() bool {
	return len(c.Regions) > 0
}

// StorageConfig selects where finalized artifacts are kept.
type StorageConfig struct {
	Driver    string           `yaml:"driver"`
	LocalPath string           `yaml:"local_path"`
	Container string           `yaml:"container"`
	S3        drivers.S3Config `yaml:"s3"`
	Retention time.Duration    `yaml:"retention"`
}

// EncryptionConfig configures artifact encryption.
type EncryptionConfig struct {
	Enabled bool `yaml:"enabled"`
	// Key is a hex or base64 encoded 32 byte key. KeyFile takes precedence.
	Key              string `yaml:"key"`
	KeyFile          string `yaml:"key_file"`
	CompressionLevel int    `yaml:"compression_level"`
	ChunkSize        int    `yaml:"chunk_size"`
	RemovePlaintext  bool   `yaml:"remove_plaintext"`
}

// ProviderConfig resolves the key and returns the crypto provider settings.
func (c EncryptionConfig) ProviderConfig() (crypto.ProviderConfig, error) {
	var (
		key []byte
		err error
	)
	switch {
	case c.KeyFile != "":
		key, err = crypto.LoadKeyFile(c.KeyFile)
	case c.Key != "":
		key, err = crypto.ParseKey(c.Key)
	default:
		err = errors.New("config: encryption requires key or key_file")
	}
	if err != nil {
		return crypto.ProviderConfig{}, err
	}
	return crypto.ProviderConfig{
		Key:              key,
		CompressionLevel: c.CompressionLevel,
		ChunkSize:        c.ChunkSize,
		RemovePlaintext:  c.RemovePlaintext,
	}, nil
}

// PostgresConfig configures the primary store producer and restorer.
type PostgresConfig struct {
	Enabled bool                     `yaml:"enabled"`
	Backup  datastore.PostgresConfig `yaml:"backup"`
	Restore datastore.RestoreConfig  `yaml:"restore"`
}

// RedisConfig configures the secondary store.
type RedisConfig struct {
	Enabled               bool `yaml:"enabled"`
	datastore.RedisConfig `yaml:",inline"`
}

// Default returns a configuration with every section defaulted.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			TokenTTL:     12 * time.Hour,
			RateLimit:    5,
			RateBurst:    10,
		},
		Logging:    logging.DefaultConfig(),
		Events:     EventsConfig{BufferSize: 1000},
		Scheduler:  scheduler.DefaultConfig(),
		Recovery:   recovery.DefaultConfig(),
		DR:         DRConfig{Config: ha.DefaultConfig()},
		Storage:    StorageConfig{Driver: DriverLocal, LocalPath: "/var/lib/warden/artifacts", Container: "warden", Retention: 30 * 24 * time.Hour},
		Monitoring: monitoring.DefaultRulesConfig(),
	}
}

// ApplyDefaults fills in default values
func (c *Config) ApplyDefaults() {
	d := Default()
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = d.Server.ReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = d.Server.WriteTimeout
	}
	if c.Server.TokenTTL == 0 {
		c.Server.TokenTTL = d.Server.TokenTTL
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = d.Server.RateLimit
	}
	if c.Server.RateBurst == 0 {
		c.Server.RateBurst = d.Server.RateBurst
	}
	if c.Events.BufferSize == 0 {
		c.Events.BufferSize = d.Events.BufferSize
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = d.Storage.Driver
	}
	if c.Storage.Container == "" {
		c.Storage.Container = d.Storage.Container
	}
	if c.Storage.Driver == DriverLocal && c.Storage.LocalPath == "" {
		c.Storage.LocalPath = d.Storage.LocalPath
	}
	c.Logging.ApplyDefaults()
	c.Scheduler.ApplyDefaults()
	c.Recovery.ApplyDefaults()
	c.DR.ApplyDefaults()
	c.Monitoring.ApplyDefaults()
	if c.Database.Configured() {
		c.Database.ApplyDefaults()
	}
	if c.Postgres.Enabled {
		c.Postgres.Backup.ApplyDefaults()
	}
	if c.Redis.Enabled {
		c.Redis.RedisConfig.ApplyDefaults()
	}
}

// Validate checks configuration
func (c Config) Validate() error {
	var errs []error
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		errs = append(errs, errors.New("server: rate_limit and rate_burst must not be negative"))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Scheduler.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Recovery.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.DR.Enabled() {
		if err := c.DR.Validate(); err != nil {
			errs = append(errs, err)
		}
		for region := range c.DR.ReplicationDSNs {
			if !hasRegion(c.DR.Regions, region) {
				errs = append(errs, fmt.Errorf("dr: replication dsn for unknown region %q", region))
			}
		}
	}
	switch c.Storage.Driver {
	case DriverLocal:
		if c.Storage.LocalPath == "" {
			errs = append(errs, errors.New("storage: local_path is required"))
		}
	case DriverS3:
		if c.Storage.S3.Region == "" {
			errs = append(errs, errors.New("storage: s3.region is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage: unknown driver %q", c.Storage.Driver))
	}
	if c.Encryption.Enabled && c.Encryption.Key == "" && c.Encryption.KeyFile == "" {
		errs = append(errs, errors.New("encryption: key or key_file is required"))
	}
	if c.Database.Configured() {
		if err := c.Database.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Postgres.Enabled {
		if err := c.Postgres.Backup.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis: addr is required"))
	}
	if err := c.Monitoring.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func hasRegion(regions []ha.Region, name string) bool {
	for _, r := range regions {
		if r.Name == name {
			return true
		}
	}
	return false
}

// Load reads path, applies WARDEN_* environment overrides and validates
// the result. An empty path loads defaults and the environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := Parse(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// Parse checks data against the schema and decodes it over cfg.
func Parse(data []byte, cfg *Config) error {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if doc != nil {
		if err := validateSchema(doc); err != nil {
			return err
		}
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func validateSchema(doc map[string]any) error {
	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(schema), gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("validation failed: %s", strings.Join(msgs, "; "))
	}
	return nil
}
