package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/FairForge/warden/internal/api"
	"github.com/FairForge/warden/internal/backup"
	"github.com/FairForge/warden/internal/config"
	"github.com/FairForge/warden/internal/crypto"
	"github.com/FairForge/warden/internal/database"
	"github.com/FairForge/warden/internal/datastore"
	"github.com/FairForge/warden/internal/drivers"
	"github.com/FairForge/warden/internal/events"
	"github.com/FairForge/warden/internal/ha"
	"github.com/FairForge/warden/internal/loadcheck"
	"github.com/FairForge/warden/internal/logging"
	"github.com/FairForge/warden/internal/monitoring"
	"github.com/FairForge/warden/internal/process"
	"github.com/FairForge/warden/internal/recovery"
	"github.com/FairForge/warden/internal/registry"
	"github.com/FairForge/warden/internal/scheduler"
	"github.com/juju/clock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// retentionInterval is how often expired artifacts are pruned.
const retentionInterval = time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, recovery orchestrator and operator API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger, err := logging.New(cfg.Logging)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, path, logger)
	},
}

// app holds everything serve starts so it can be torn down in order.
type app struct {
	cfg    *config.Config
	clock  clock.Clock
	logger *zap.Logger

	bus      *events.Bus
	sink     *monitoring.PrometheusSink
	monitor  *monitoring.Monitor
	records  *database.Postgres
	registry *registry.Registry
	runner   *process.ExecRunner

	pipeline  *backup.Pipeline
	primary   *datastore.PostgresRestorer
	secondary *datastore.RedisRestorer
	closers   []func() error

	scheduler *scheduler.Scheduler
	recovery  *recovery.Orchestrator
	dr        *ha.Coordinator
	regions   *ha.PostgresRegions
	server    *api.Server
}

func serve(ctx context.Context, cfg *config.Config, path string, logger *zap.Logger) error {
	a := &app{cfg: cfg, clock: clock.WallClock, logger: logger}
	defer a.close()

	if err := a.build(ctx); err != nil {
		return err
	}

	logger.Info("warden starting",
		zap.String("version", Version),
		zap.String("addr", cfg.Server.Addr),
		zap.String("storage", cfg.Storage.Driver),
		zap.Bool("dr", a.dr != nil),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Start()
	})
	g.Go(func() error {
		a.expireLoop(gctx)
		return nil
	})
	if path != "" {
		g.Go(func() error {
			return config.Watch(gctx, path, a.reload, logger)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	if err := a.scheduler.Start(gctx); err != nil {
		return err
	}
	if a.dr != nil {
		a.dr.StartProbing(gctx)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *app) build(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	a.bus = events.NewBus(cfg.Events.BufferSize, logger)
	a.sink = monitoring.NewPrometheusSink(a.clock, logger)
	monitor, err := monitoring.NewMonitor(a.sink, cfg.Monitoring, logger)
	if err != nil {
		return err
	}
	a.monitor = monitor
	monitorCh, _ := a.bus.Subscribe()
	go a.monitor.Run(monitorCh)
	logCh, _ := a.bus.Subscribe()
	go events.LogSubscriber(logCh, logger.Named("events"))

	var store registry.Store
	if cfg.Database.Configured() {
		pg, err := database.Open(cfg.Database)
		if err != nil {
			return err
		}
		a.records = pg
		if err := pg.Ping(ctx); err != nil {
			return fmt.Errorf("records database: %w", err)
		}
		if err := pg.CreateTables(ctx); err != nil {
			return fmt.Errorf("records database: %w", err)
		}
		store = database.NewRecordStore(pg.DB())
	}
	a.registry = registry.New(store, logger)
	a.runner = process.NewExecRunner(logger)

	var encryption crypto.Provider
	if cfg.Encryption.Enabled {
		pc, err := cfg.Encryption.ProviderConfig()
		if err != nil {
			return err
		}
		fp, err := crypto.NewFileProvider(pc)
		if err != nil {
			return err
		}
		encryption = fp
	}

	if err := a.buildPipeline(ctx, encryption); err != nil {
		return err
	}

	load := loadcheck.NewSystemMonitor()
	a.scheduler, err = scheduler.New(cfg.Scheduler, scheduler.Dependencies{
		Backups:  a.pipeline,
		Registry: a.registry,
		Load:     load,
		Events:   a.bus,
		Clock:    a.clock,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	services := datastore.NewCommandServiceManager(a.runner)
	deps := recovery.Dependencies{
		Catalog:    a.pipeline.Catalog(),
		Fetcher:    a.pipeline,
		Services:   services,
		Encryption: encryption,
		Runner:     a.runner,
		Registry:   a.registry,
		Events:     a.bus,
		Clock:      a.clock,
		Logger:     logger,
	}
	if a.primary != nil {
		deps.Primary = a.primary
	}
	if a.secondary != nil {
		deps.Secondary = a.secondary
	}
	a.recovery, err = recovery.New(cfg.Recovery, deps)
	if err != nil {
		return err
	}

	if cfg.DR.Enabled() {
		if err := a.buildCoordinator(services); err != nil {
			return err
		}
	}
	return a.buildServer(load)
}

func (a *app) buildPipeline(ctx context.Context, encryption crypto.Provider) error {
	cfg, logger := a.cfg, a.logger

	var driver drivers.Driver
	switch cfg.Storage.Driver {
	case config.DriverS3:
		d, err := drivers.NewS3Driver(ctx, cfg.Storage.S3, logger)
		if err != nil {
			return err
		}
		driver = d
	default:
		if err := os.MkdirAll(cfg.Storage.LocalPath, 0750); err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		driver = drivers.NewLocalDriver(cfg.Storage.LocalPath, logger)
	}

	var producers backup.Producers
	if cfg.Postgres.Enabled {
		primaryDB, err := database.Open(database.Config{DSN: cfg.Postgres.Backup.ConnString})
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.closers = append(a.closers, primaryDB.Close)
		producer, err := datastore.NewPostgresProducer(cfg.Postgres.Backup, primaryDB.DB(), a.runner, logger)
		if err != nil {
			return err
		}
		producers.Primary = producer

		restoreDB := primaryDB
		if dsn := cfg.Postgres.Restore.ConnString; dsn != "" && dsn != cfg.Postgres.Backup.ConnString {
			restoreDB, err = database.Open(database.Config{DSN: dsn})
			if err != nil {
				return fmt.Errorf("postgres restore: %w", err)
			}
			a.closers = append(a.closers, restoreDB.Close)
		}
		a.primary = datastore.NewPostgresRestorer(cfg.Postgres.Restore, restoreDB.DB(), a.runner, logger)
	}
	if cfg.Redis.Enabled {
		client, err := datastore.NewRedisClient(ctx, cfg.Redis.RedisConfig)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, client.Close)
		producers.Secondary = datastore.NewRedisProducer(cfg.Redis.RedisConfig, client, logger)
		a.secondary = datastore.NewRedisRestorer(cfg.Redis.RedisConfig, client, a.runner, logger)
	}

	opts := []backup.PipelineOption{backup.WithArtifactStore(driver, cfg.Storage.Container)}
	if encryption != nil {
		opts = append(opts, backup.WithEncryption(encryption))
	}
	a.pipeline = backup.NewPipeline(producers, backup.NewCatalog(logger), logger, opts...)

	n, err := a.pipeline.LoadCatalog(ctx)
	if err != nil {
		logger.Warn("could not load artifact catalog", zap.Error(err))
	} else {
		logger.Info("artifact catalog loaded", zap.Int("artifacts", n))
	}
	return nil
}

func (a *app) buildCoordinator(services recovery.ServiceManager) error {
	cfg := a.cfg.DR
	deps := ha.Dependencies{
		Registry: a.registry,
		Runner:   a.runner,
		Recovery: a.recovery,
		Services: services,
		Backups:  a.scheduler,
		Notifier: ha.NewWebhookNotifier(&http.Client{Timeout: cfg.NotifyTimeout}, 3, 5*time.Second, a.logger),
		Load:     ha.HTTPLoadProbe{Client: &http.Client{Timeout: cfg.ProbeTimeout}},
		Dialer:   &net.Dialer{},
		Events:   a.bus,
		Clock:    a.clock,
		Logger:   a.logger,
	}
	if len(cfg.ReplicationDSNs) > 0 {
		regions, err := ha.OpenPostgresRegions(cfg.ReplicationDSNs)
		if err != nil {
			return err
		}
		a.regions = regions
		deps.Lag = regions
		deps.Promoter = regions
	}
	coord, err := ha.New(cfg.Config, deps)
	if err != nil {
		return err
	}
	a.dr = coord
	return nil
}

func (a *app) buildServer(load loadcheck.Monitor) error {
	dash := monitoring.NewDashboard(a.clock)
	panels := map[string]monitoring.Provider{
		monitoring.PanelScheduler: func() any { return a.scheduler.Status() },
		monitoring.PanelRecovery:  func() any { return a.recovery.Jobs() },
		monitoring.PanelAlerts:    func() any { return monitoring.Summarize(a.sink.ActiveAlerts()) },
	}
	if a.dr != nil {
		panels[monitoring.PanelDR] = func() any { return a.dr.Status() }
	}
	for name, p := range panels {
		if err := dash.AddPanel(name, p); err != nil {
			return err
		}
	}

	deps := api.Dependencies{
		Scheduler:      a.scheduler,
		Recovery:       a.recovery,
		Records:        a.registry,
		Load:           load,
		Registerer:     a.sink.Registry(),
		MetricsHandler: a.sink.Handler(),
		Dashboard:      dash.HTTPHandler(),
		Alerts:         a.sink.ActiveAlerts,
		Clock:          a.clock,
		Logger:         a.logger,
	}
	if a.dr != nil {
		deps.Coordinator = a.dr
	}
	server, err := api.NewServer(a.cfg.Server, deps)
	if err != nil {
		return err
	}
	a.server = server
	return nil
}

// reload applies the parts of a changed configuration that can change at
// runtime.
func (a *app) reload(cfg *config.Config) {
	if a.dr == nil || !cfg.DR.Enabled() {
		return
	}
	if err := a.dr.UpdateRegions(cfg.DR.Regions); err != nil {
		a.logger.Warn("could not apply region changes", zap.Error(err))
		return
	}
	a.logger.Info("regions updated", zap.Int("regions", len(cfg.DR.Regions)))
}

// expireLoop drops artifacts older than the retention period.
func (a *app) expireLoop(ctx context.Context) {
	retention := a.cfg.Storage.Retention
	if retention <= 0 {
		return
	}
	for {
		removed, err := a.pipeline.Expire(ctx, retention, a.clock.Now())
		if err != nil {
			a.logger.Warn("artifact expiry failed", zap.Error(err))
		} else if len(removed) > 0 {
			a.logger.Info("expired artifacts", zap.Int("count", len(removed)), zap.Duration("retention", retention))
		}
		select {
		case <-ctx.Done():
			return
		case <-a.clock.After(retentionInterval):
		}
	}
}

func (a *app) close() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.dr != nil {
		a.dr.Close()
	}
	if a.regions != nil {
		_ = a.regions.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	if a.records != nil {
		_ = a.records.Close()
	}
	if a.bus != nil {
		a.bus.Close()
	}
}
