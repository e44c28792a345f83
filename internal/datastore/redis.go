package datastore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/FairForge/warden/internal/backup"
	"github.com/FairForge/warden/internal/process"
	"github.com/FairForge/warden/internal/recovery"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig configures backups and restores of the secondary store.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	BackupDir    string        `yaml:"backup_dir"`
	PollInterval time.Duration `yaml:"poll_interval"`
	SaveTimeout  time.Duration `yaml:"save_timeout"`
	// DataPath overrides the dump file location reported by CONFIG GET.
	DataPath     string   `yaml:"data_path"`
	StopCommand  []string `yaml:"stop_command"`
	StartCommand []string `yaml:"start_command"`
}

func (c *RedisConfig) ApplyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.SaveTimeout == 0 {
		c.SaveTimeout = 10 * time.Minute
	}
	if len(c.StopCommand) == 0 {
		c.StopCommand = []string{"systemctl", "stop", "redis"}
	}
	if len(c.StartCommand) == 0 {
		c.StartCommand = []string{"systemctl", "start", "redis"}
	}
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("datastore: connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// redisClient is the subset of *redis.Client used here.
type redisClient interface {
	BgSave(ctx context.Context) *redis.StatusCmd
	LastSave(ctx context.Context) *redis.IntCmd
	ConfigGet(ctx context.Context, parameter string) *redis.MapStringStringCmd
	DBSize(ctx context.Context) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

func dumpPath(ctx context.Context, c redisClient, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	dir, err := c.ConfigGet(ctx, "dir").Result()
	if err != nil {
		return "", fmt.Errorf("datastore: config get dir: %w", err)
	}
	name, err := c.ConfigGet(ctx, "dbfilename").Result()
	if err != nil {
		return "", fmt.Errorf("datastore: config get dbfilename: %w", err)
	}
	if dir["dir"] == "" || name["dbfilename"] == "" {
		return "", errors.New("datastore: redis did not report its dump location")
	}
	return filepath.Join(dir["dir"], name["dbfilename"]), nil
}

// RedisProducer backs up Redis by triggering BGSAVE and copying the RDB.
type RedisProducer struct {
	cfg    RedisConfig
	client redisClient
	logger *zap.Logger
	now    func() time.Time
}

func NewRedisProducer(cfg RedisConfig, client *redis.Client, logger *zap.Logger) *RedisProducer {
	return newRedisProducer(cfg, client, logger)
}

func newRedisProducer(cfg RedisConfig, client redisClient, logger *zap.Logger) *RedisProducer {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisProducer{cfg: cfg, client: client, logger: logger.Named("redis-producer"), now: time.Now}
}

// PerformFull waits for a fresh background save and copies the dump.
func (p *RedisProducer) PerformFull(ctx context.Context) (*backup.Artifact, error) {
	return p.save(ctx, "rdb")
}

// PerformSnapshot is a full save under a different name; Redis has no
// cheaper point-in-time copy.
func (p *RedisProducer) PerformSnapshot(ctx context.Context) (*backup.Artifact, error) {
	return p.save(ctx, "snapshot")
}

// PerformIncremental is not supported: RDB dumps are always complete.
func (p *RedisProducer) PerformIncremental(ctx context.Context) (*backup.Artifact, error) {
	return nil, fmt.Errorf("%w: redis has no incremental backup", backup.ErrUnsupportedKind)
}

func (p *RedisProducer) save(ctx context.Context, prefix string) (*backup.Artifact, error) {
	before, err := p.client.LastSave(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("datastore: lastsave: %w", err)
	}
	started := p.now()
	if err := p.client.BgSave(ctx).Err(); err != nil {
		return nil, fmt.Errorf("datastore: bgsave: %w", err)
	}

	err = poll(ctx, p.cfg.PollInterval, p.cfg.SaveTimeout, func() (bool, error) {
		last, err := p.client.LastSave(ctx).Result()
		if err != nil {
			return false, err
		}
		return last > before, nil
	})
	if err != nil {
		return nil, fmt.Errorf("datastore: wait for bgsave: %w", err)
	}

	src, err := dumpPath(ctx, p.client, p.cfg.DataPath)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	dst := filepath.Join(p.cfg.BackupDir, "redis", timestampName(prefix, started)+"-"+id[:8]+".rdb")
	n, err := copyFile(src, dst)
	if err != nil {
		return nil, fmt.Errorf("datastore: copy dump: %w", err)
	}

	art := &backup.Artifact{
		ID:        id,
		SizeBytes: n,
		Location:  dst,
		Timestamp: started,
		Metadata:  map[string]string{"tool": "bgsave"},
	}
	if keys, err := p.client.DBSize(ctx).Result(); err == nil {
		art.Metadata["keys"] = fmt.Sprint(keys)
	}
	return art, nil
}

// RedisRestorer replaces the Redis dump file and restarts the server.
type RedisRestorer struct {
	cfg    RedisConfig
	client redisClient
	runner process.Runner
	logger *zap.Logger
}

var _ recovery.KVRestorer = (*RedisRestorer)(nil)

func NewRedisRestorer(cfg RedisConfig, client *redis.Client, runner process.Runner, logger *zap.Logger) *RedisRestorer {
	return newRedisRestorer(cfg, client, runner, logger)
}

func newRedisRestorer(cfg RedisConfig, client redisClient, runner process.Runner, logger *zap.Logger) *RedisRestorer {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRestorer{cfg: cfg, client: client, runner: runner, logger: logger.Named("redis-restorer")}
}

// RestoreSnapshot stops Redis, installs the dump at artifactPath and starts
// Redis again, waiting until it answers PING.
func (r *RedisRestorer) RestoreSnapshot(ctx context.Context, artifactPath string) error {
	dst, err := dumpPath(ctx, r.client, r.cfg.DataPath)
	if err != nil {
		return err
	}

	if _, err := r.runner.Run(ctx, process.Command{Name: r.cfg.StopCommand[0], Args: r.cfg.StopCommand[1:]}); err != nil {
		return fmt.Errorf("datastore: stop redis: %w", err)
	}

	if _, err := os.Stat(dst); err == nil {
		if err := os.Rename(dst, dst+".pre-restore"); err != nil {
			return fmt.Errorf("datastore: keep previous dump: %w", err)
		}
	}
	if _, err := copyFile(artifactPath, dst); err != nil {
		return fmt.Errorf("datastore: install dump: %w", err)
	}

	if _, err := r.runner.Run(ctx, process.Command{Name: r.cfg.StartCommand[0], Args: r.cfg.StartCommand[1:]}); err != nil {
		return fmt.Errorf("datastore: start redis: %w", err)
	}

	err = poll(ctx, r.cfg.PollInterval, r.cfg.SaveTimeout, func() (bool, error) {
		return r.client.Ping(ctx).Err() == nil, nil
	})
	if err != nil {
		return fmt.Errorf("datastore: wait for redis: %w", err)
	}
	r.logger.Info("redis dump restored", zap.String("artifact", artifactPath))
	return nil
}

func (r *RedisRestorer) KeyCount(ctx context.Context) (int64, error) {
	n, err := r.client.DBSize(ctx).Result()
	if err != nil {
		return 0, fmt.Errorf("datastore: dbsize: %w", err)
	}
	return n, nil
}

// CommandServiceManager restarts services with a command such as
// "systemctl restart".
type CommandServiceManager struct {
	runner  process.Runner
	command []string
}

var _ recovery.ServiceManager = (*CommandServiceManager)(nil)

func NewCommandServiceManager(runner process.Runner, command ...string) *CommandServiceManager {
	if len(command) == 0 {
		command = []string{"systemctl", "restart"}
	}
	return &CommandServiceManager{runner: runner, command: command}
}

func (m *CommandServiceManager) Restart(ctx context.Context, service string) error {
	args := append(append([]string(nil), m.command[1:]...), service)
	if _, err := m.runner.Run(ctx, process.Command{Name: m.command[0], Args: args}); err != nil {
		return fmt.Errorf("datastore: restart %s: %w", service, err)
	}
	return nil
}
