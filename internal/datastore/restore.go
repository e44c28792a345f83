package datastore

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/FairForge/warden/internal/process"
	"github.com/FairForge/warden/internal/recovery"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

var ErrLiveTarget = errors.New("datastore: refusing to restore into the live database")

// RestoreConfig configures restores of the primary store.
type RestoreConfig struct {
	// ConnString reaches the instance started from the restored data
	// directory, and the server hosting scratch databases.
	ConnString   string        `yaml:"conn_string"`
	LiveDatabase string        `yaml:"live_database"`
	BinDir       string        `yaml:"bin_dir"`
	StartTimeout time.Duration `yaml:"start_timeout"`
}

func (c RestoreConfig) bin(name string) string {
	if c.BinDir == "" {
		return name
	}
	return filepath.Join(c.BinDir, name)
}

// PostgresRestorer restores PostgreSQL base backups, replays WAL and runs
// selective pg_restore jobs.
type PostgresRestorer struct {
	cfg    RestoreConfig
	db     *sql.DB
	runner process.Runner
	logger *zap.Logger
}

var _ recovery.RestoreTool = (*PostgresRestorer)(nil)

func NewPostgresRestorer(cfg RestoreConfig, db *sql.DB, runner process.Runner, logger *zap.Logger) *PostgresRestorer {
	if cfg.StartTimeout == 0 {
		cfg.StartTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresRestorer{cfg: cfg, db: db, runner: runner, logger: logger.Named("postgres-restorer")}
}

func (r *PostgresRestorer) RequiredTools() []string {
	return []string{r.cfg.bin("pg_ctl"), r.cfg.bin("pg_restore"), r.cfg.bin("pg_dump"), "tar"}
}

// FetchBaseBackup unpacks a tar base backup into an empty data directory.
func (r *PostgresRestorer) FetchBaseBackup(ctx context.Context, artifactPath, dataDir string) error {
	if entries, err := os.ReadDir(dataDir); err == nil && len(entries) > 0 {
		return fmt.Errorf("datastore: data directory %s is not empty", dataDir)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("datastore: create data directory: %w", err)
	}
	if _, err := r.runner.Run(ctx, process.Command{
		Name: "tar",
		Args: []string{"-xzf", artifactPath, "-C", dataDir},
	}); err != nil {
		return fmt.Errorf("datastore: extract base backup: %w", err)
	}
	return nil
}

// ApplyLogSegments configures the data directory to replay WAL up to the
// directive's target on next start.
func (r *PostgresRestorer) ApplyLogSegments(ctx context.Context, dataDir string, d recovery.Directive) error {
	autoConf := filepath.Join(dataDir, "postgresql.auto.conf")
	f, err := os.OpenFile(autoConf, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("datastore: open postgresql.auto.conf: %w", err)
	}
	_, werr := f.WriteString("\n# warden recovery\n" + d.Render())
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("datastore: write recovery settings: %w", werr)
	}

	if err := os.WriteFile(filepath.Join(dataDir, "recovery.signal"), nil, 0600); err != nil {
		return fmt.Errorf("datastore: write recovery.signal: %w", err)
	}
	return nil
}

// StartInstance starts PostgreSQL on dataDir and waits until it accepts
// connections.
func (r *PostgresRestorer) StartInstance(ctx context.Context, dataDir string) error {
	_, err := r.runner.Run(ctx, process.Command{
		Name: r.cfg.bin("pg_ctl"),
		Args: []string{
			"-D", dataDir,
			"-l", filepath.Join(dataDir, "warden-startup.log"),
			"-w", "-t", fmt.Sprint(int(r.cfg.StartTimeout.Seconds())),
			"start",
		},
	})
	if err != nil {
		return fmt.Errorf("datastore: start instance: %w", err)
	}
	return nil
}

// StopInstance stops a running instance. A data directory without a
// postmaster is already stopped.
func (r *PostgresRestorer) StopInstance(ctx context.Context, dataDir string) error {
	if _, err := os.Stat(filepath.Join(dataDir, "postmaster.pid")); os.IsNotExist(err) {
		return nil
	}
	_, err := r.runner.Run(ctx, process.Command{
		Name: r.cfg.bin("pg_ctl"),
		Args: []string{"-D", dataDir, "-m", "fast", "-w", "stop"},
	})
	if err != nil {
		return fmt.Errorf("datastore: stop instance: %w", err)
	}
	return nil
}

// CheckConsistency inspects the restored instance.
func (r *PostgresRestorer) CheckConsistency(ctx context.Context) (*recovery.ConsistencyReport, error) {
	if r.db == nil {
		return nil, errors.New("datastore: no connection to restored instance")
	}
	report := &recovery.ConsistencyReport{}

	start := time.Now()
	if _, err := r.db.ExecContext(ctx, `SELECT 1`); err != nil {
		return nil, fmt.Errorf("datastore: probe restored instance: %w", err)
	}
	report.ProbeLatency = time.Since(start)

	if err := r.db.QueryRowContext(ctx, `SELECT pg_is_in_recovery()`).Scan(&report.InRecovery); err != nil {
		return nil, fmt.Errorf("datastore: recovery state: %w", err)
	}
	if err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM pg_database WHERE datallowconn AND NOT datistemplate`).Scan(&report.Databases); err != nil {
		return nil, fmt.Errorf("datastore: list databases: %w", err)
	}
	if report.Databases == 0 {
		report.Issues = append(report.Issues, "no connectable databases")
	}
	if report.InRecovery {
		report.Issues = append(report.Issues, "instance is still in recovery")
	}
	return report, nil
}

// RestoreSelective restores the entries of a pg_dump archive that match sel
// into a freshly created scratch database and returns the number of table
// data entries restored.
func (r *PostgresRestorer) RestoreSelective(ctx context.Context, artifactPath string, sel recovery.Selection) (int, error) {
	if sel.TargetDatabase == "" || sel.TargetDatabase == r.cfg.LiveDatabase {
		return 0, fmt.Errorf("%w: %q", ErrLiveTarget, sel.TargetDatabase)
	}
	if r.db == nil {
		return 0, errors.New("datastore: no connection for scratch database")
	}

	res, err := r.runner.Run(ctx, process.Command{Name: r.cfg.bin("pg_restore"), Args: []string{"-l", artifactPath}})
	if err != nil {
		return 0, fmt.Errorf("datastore: read archive contents: %w", err)
	}
	list, tables := filterTOC(res.Stdout, sel.Include, sel.Exclude)
	if tables == 0 {
		return 0, fmt.Errorf("datastore: no archive entries match the selection")
	}

	listPath := artifactPath + ".warden-list"
	if err := os.WriteFile(listPath, list, 0600); err != nil {
		return 0, fmt.Errorf("datastore: write restore list: %w", err)
	}
	defer os.Remove(listPath)

	if _, err := r.db.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(sel.TargetDatabase)); err != nil {
		return 0, fmt.Errorf("datastore: create scratch database: %w", err)
	}

	target, err := withDatabase(r.cfg.ConnString, sel.TargetDatabase)
	if err != nil {
		return 0, err
	}
	if _, err := r.runner.Run(ctx, process.Command{
		Name: r.cfg.bin("pg_restore"),
		Args: []string{"--no-owner", "--exit-on-error", "-L", listPath, "-d", target, artifactPath},
	}); err != nil {
		return 0, fmt.Errorf("datastore: pg_restore: %w", err)
	}
	r.logger.Info("selective restore finished",
		zap.String("database", sel.TargetDatabase),
		zap.Int("tables", tables))
	return tables, nil
}

// PromoteSelective copies the selected tables from the scratch database
// over their live counterparts.
func (r *PostgresRestorer) PromoteSelective(ctx context.Context, sel recovery.Selection) error {
	if r.cfg.LiveDatabase == "" {
		return errors.New("datastore: live database not configured")
	}
	scratch, err := withDatabase(r.cfg.ConnString, sel.TargetDatabase)
	if err != nil {
		return err
	}
	live, err := withDatabase(r.cfg.ConnString, r.cfg.LiveDatabase)
	if err != nil {
		return err
	}

	dump, err := os.CreateTemp("", "warden-promote-*.dump")
	if err != nil {
		return fmt.Errorf("datastore: promote: %w", err)
	}
	dump.Close()
	defer os.Remove(dump.Name())

	args := []string{"-Fc", "-d", scratch, "-f", dump.Name()}
	for _, t := range sel.Include {
		args = append(args, "-t", t)
	}
	for _, t := range sel.Exclude {
		args = append(args, "-T", t)
	}
	if _, err := r.runner.Run(ctx, process.Command{Name: r.cfg.bin("pg_dump"), Args: args}); err != nil {
		return fmt.Errorf("datastore: dump scratch tables: %w", err)
	}
	if _, err := r.runner.Run(ctx, process.Command{
		Name: r.cfg.bin("pg_restore"),
		Args: []string{"--clean", "--if-exists", "--no-owner", "--single-transaction", "-d", live, dump.Name()},
	}); err != nil {
		return fmt.Errorf("datastore: restore into live database: %w", err)
	}
	return nil
}

// filterTOC keeps the pg_restore -l entries whose object matches include
// (all when empty) and not exclude. Comment lines are kept. It returns the
// filtered list and the number of TABLE DATA entries in it.
func filterTOC(toc []byte, include, exclude []string) ([]byte, int) {
	var out bytes.Buffer
	tables := 0
	sc := bufio.NewScanner(bytes.NewReader(toc))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, ";") || strings.TrimSpace(line) == "" {
			out.WriteString(line + "\n")
			continue
		}
		name, isData := tocObject(line)
		if name == "" {
			continue
		}
		if len(include) > 0 && !matchesAny(name, include) {
			continue
		}
		if matchesAny(name, exclude) {
			continue
		}
		out.WriteString(line + "\n")
		if isData {
			tables++
		}
	}
	return out.Bytes(), tables
}

// tocObject parses "215; 1259 16386 TABLE public users postgres" into
// "public.users".
func tocObject(line string) (string, bool) {
	_, rest, ok := strings.Cut(line, ";")
	if !ok {
		return "", false
	}
	f := strings.Fields(rest)
	if len(f) < 5 {
		return "", false
	}
	desc := f[2:]
	switch {
	case desc[0] == "TABLE" && len(desc) >= 4 && desc[1] == "DATA":
		return desc[2] + "." + desc[3], true
	case desc[0] == "TABLE" || desc[0] == "SEQUENCE" || desc[0] == "INDEX":
		if len(desc) < 3 {
			return "", false
		}
		return desc[1] + "." + desc[2], false
	default:
		return "", false
	}
}

func matchesAny(name string, patterns []string) bool {
	short := name
	if _, after, ok := strings.Cut(name, "."); ok {
		short = after
	}
	for _, p := range patterns {
		if p == name || p == short {
			return true
		}
	}
	return false
}
