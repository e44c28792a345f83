package ha

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/FairForge/warden/internal/datastore"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresRegions reaches the database of each region. It measures
// replication lag and promotes standbys.
type PostgresRegions struct {
	dbs map[string]*sql.DB
}

// NewPostgresRegions wraps already opened connections keyed by region.
func NewPostgresRegions(dbs map[string]*sql.DB) *PostgresRegions {
	return &PostgresRegions{dbs: dbs}
}

// OpenPostgresRegions opens one connection pool per region DSN.
func OpenPostgresRegions(dsns map[string]string) (*PostgresRegions, error) {
	dbs := make(map[string]*sql.DB, len(dsns))
	for region, dsn := range dsns {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			for _, opened := range dbs {
				_ = opened.Close()
			}
			return nil, fmt.Errorf("ha: open database for region %s: %w", region, err)
		}
		db.SetMaxOpenConns(2)
		db.SetConnMaxIdleTime(5 * time.Minute)
		dbs[region] = db
	}
	return &PostgresRegions{dbs: dbs}, nil
}

func (p *PostgresRegions) db(region string) (*sql.DB, error) {
	db, ok := p.dbs[region]
	if !ok {
		return nil, fmt.Errorf("ha: no database configured for region %s", region)
	}
	return db, nil
}

func (p *PostgresRegions) ReplicationLag(ctx context.Context, region string) (time.Duration, error) {
	db, err := p.db(region)
	if err != nil {
		return 0, err
	}
	return datastore.ReplicationLag(ctx, db)
}

// Promote ends recovery on the region's standby and waits for it to accept
// writes.
func (p *PostgresRegions) Promote(ctx context.Context, region string) error {
	db, err := p.db(region)
	if err != nil {
		return err
	}
	var inRecovery bool
	if err := db.QueryRowContext(ctx, `SELECT pg_is_in_recovery()`).Scan(&inRecovery); err != nil {
		return fmt.Errorf("ha: promote %s: %w", region, err)
	}
	if !inRecovery {
		return nil
	}
	var promoted bool
	if err := db.QueryRowContext(ctx, `SELECT pg_promote(true, 60)`).Scan(&promoted); err != nil {
		return fmt.Errorf("ha: promote %s: %w", region, err)
	}
	if !promoted {
		return errors.New("ha: promote " + region + ": standby did not finish promotion within 60s")
	}
	return nil
}

func (p *PostgresRegions) Close() error {
	var errs []error
	for _, db := range p.dbs {
		errs = append(errs, db.Close())
	}
	return errors.Join(errs...)
}
