package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/FairForge/warden/internal/backup"
	"github.com/FairForge/warden/internal/process"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PostgresConfig configures backups of the primary store.
type PostgresConfig struct {
	// ConnString is passed to pg_basebackup and pg_dump.
	ConnString    string        `yaml:"conn_string"`
	BackupDir     string        `yaml:"backup_dir"`
	WALArchiveDir string        `yaml:"wal_archive_dir"`
	BinDir        string        `yaml:"bin_dir"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	SegmentWait   time.Duration `yaml:"segment_wait"`
}

func (c *PostgresConfig) ApplyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.SegmentWait == 0 {
		c.SegmentWait = 2 * time.Minute
	}
}

func (c PostgresConfig) Validate() error {
	if c.ConnString == "" {
		return errors.New("datastore: postgres conn_string is required")
	}
	if c.BackupDir == "" {
		return errors.New("datastore: postgres backup_dir is required")
	}
	return nil
}

func (c PostgresConfig) bin(name string) string {
	if c.BinDir == "" {
		return name
	}
	return filepath.Join(c.BinDir, name)
}

// PostgresProducer backs up PostgreSQL with pg_basebackup, archived WAL
// segments and pg_dump.
type PostgresProducer struct {
	cfg    PostgresConfig
	db     *sql.DB
	runner process.Runner
	logger *zap.Logger
	now    func() time.Time
}

// NewPostgresProducer creates a producer. db is used to force and locate WAL
// segments; it may be nil if incremental backups are not scheduled.
func NewPostgresProducer(cfg PostgresConfig, db *sql.DB, runner process.Runner, logger *zap.Logger) (*PostgresProducer, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresProducer{
		cfg:    cfg,
		db:     db,
		runner: runner,
		logger: logger.Named("postgres-producer"),
		now:    time.Now,
	}, nil
}

// PerformFull takes a compressed tar base backup including the WAL needed
// to make it consistent.
func (p *PostgresProducer) PerformFull(ctx context.Context) (*backup.Artifact, error) {
	id := uuid.NewString()
	started := p.now()
	dir := filepath.Join(p.cfg.BackupDir, timestampName("base", started)+"-"+id[:8])

	_, err := p.runner.Run(ctx, process.Command{
		Name: p.cfg.bin("pg_basebackup"),
		Args: []string{
			"-d", p.cfg.ConnString,
			"-D", dir,
			"-Ft", "-z", "-Xf",
			"--checkpoint=fast",
			"--label=warden-" + id,
		},
	})
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("datastore: pg_basebackup: %w", err)
	}

	location := filepath.Join(dir, "base.tar.gz")
	info, err := os.Stat(location)
	if err != nil {
		return nil, fmt.Errorf("datastore: base backup output: %w", err)
	}

	art := &backup.Artifact{
		ID:        id,
		SizeBytes: info.Size(),
		Location:  location,
		Timestamp: started,
		Metadata:  map[string]string{"tool": "pg_basebackup"},
	}
	if p.db != nil {
		if lsn, err := p.currentLSN(ctx); err == nil {
			art.Position = lsn
		} else {
			p.logger.Warn("could not read wal position", zap.Error(err))
		}
	}
	return art, nil
}

func (p *PostgresProducer) currentLSN(ctx context.Context) (string, error) {
	var lsn string
	err := p.db.QueryRowContext(ctx, `SELECT pg_current_wal_lsn()::text`).Scan(&lsn)
	return lsn, err
}

// PerformIncremental closes the current WAL segment and copies it from the
// archive once archive_command has delivered it.
func (p *PostgresProducer) PerformIncremental(ctx context.Context) (*backup.Artifact, error) {
	if p.db == nil {
		return nil, fmt.Errorf("%w: incremental backups need a database connection", backup.ErrUnsupportedKind)
	}
	if p.cfg.WALArchiveDir == "" {
		return nil, fmt.Errorf("%w: incremental backups need wal_archive_dir", backup.ErrUnsupportedKind)
	}

	var segment, lsn string
	err := p.db.QueryRowContext(ctx,
		`SELECT pg_walfile_name(lsn), lsn::text FROM pg_switch_wal() AS lsn`).Scan(&segment, &lsn)
	if err != nil {
		return nil, fmt.Errorf("datastore: switch wal: %w", err)
	}
	switched := p.now()

	src := filepath.Join(p.cfg.WALArchiveDir, segment)
	err = poll(ctx, p.cfg.PollInterval, p.cfg.SegmentWait, func() (bool, error) {
		_, statErr := os.Stat(src)
		if statErr == nil {
			return true, nil
		}
		if os.IsNotExist(statErr) {
			return false, nil
		}
		return false, statErr
	})
	if err != nil {
		return nil, fmt.Errorf("datastore: wait for archived segment %s: %w", segment, err)
	}

	dst := filepath.Join(p.cfg.BackupDir, "wal", segment)
	n, err := copyFile(src, dst)
	if err != nil {
		return nil, fmt.Errorf("datastore: copy segment %s: %w", segment, err)
	}

	return &backup.Artifact{
		ID:        uuid.NewString(),
		SizeBytes: n,
		Location:  dst,
		Timestamp: switched,
		Position:  lsn,
		Metadata:  map[string]string{"segment": segment},
	}, nil
}

// PerformSnapshot takes a logical pg_dump in custom format. Selective
// recoveries restore from these.
func (p *PostgresProducer) PerformSnapshot(ctx context.Context) (*backup.Artifact, error) {
	id := uuid.NewString()
	started := p.now()
	location := filepath.Join(p.cfg.BackupDir, "dumps", timestampName("dump", started)+"-"+id[:8]+".dump")
	if err := os.MkdirAll(filepath.Dir(location), 0750); err != nil {
		return nil, fmt.Errorf("datastore: create dump dir: %w", err)
	}

	_, err := p.runner.Run(ctx, process.Command{
		Name: p.cfg.bin("pg_dump"),
		Args: []string{"-Fc", "-d", p.cfg.ConnString, "-f", location},
	})
	if err != nil {
		os.Remove(location)
		return nil, fmt.Errorf("datastore: pg_dump: %w", err)
	}

	info, err := os.Stat(location)
	if err != nil {
		return nil, fmt.Errorf("datastore: dump output: %w", err)
	}
	return &backup.Artifact{
		ID:        id,
		SizeBytes: info.Size(),
		Location:  location,
		Timestamp: started,
		Metadata:  map[string]string{"tool": "pg_dump", "format": "custom"},
	}, nil
}

// ReplicationLag reports how far a standby is behind its primary. A primary
// reports zero.
func ReplicationLag(ctx context.Context, db *sql.DB) (time.Duration, error) {
	var seconds sql.NullFloat64
	err := db.QueryRowContext(ctx, `
        SELECT CASE WHEN pg_is_in_recovery()
            THEN EXTRACT(EPOCH FROM now() - pg_last_xact_replay_timestamp())
            ELSE 0 END
    `).Scan(&seconds)
	if err != nil {
		return 0, fmt.Errorf("datastore: replication lag: %w", err)
	}
	if !seconds.Valid {
		return 0, errors.New("datastore: standby has not replayed any transaction")
	}
	return time.Duration(seconds.Float64 * float64(time.Second)), nil
}
