// Package db provides the pgx-backed implementation of the driver
// boundary: construction of bounded pgxpool pools from endpoint
// configuration, a periodic pool stat exporter, and classification of
// transient versus permanent driver errors.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stratosure/dbarbiter/config"
	"github.com/stratosure/dbarbiter/logger"
	"github.com/stratosure/dbarbiter/pkg/driver"
	"github.com/stratosure/dbarbiter/pkg/metrics"
)

// Pool adapts a pgxpool.Pool to the driver.Pool boundary.
type Pool struct {
	pool *pgxpool.Pool
	host string
	role string
}

// Conn adapts a pgxpool connection to driver.Conn.
type Conn struct {
	conn *pgxpool.Conn
}

func (c *Conn) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := c.conn.Exec(ctx, sql, args...)
	return err
}

func (c *Conn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *Conn) Release() {
	c.conn.Release()
}

// NewPool builds a bounded pgx pool for one endpoint host. The pool is
// pinged before being returned so a bad endpoint fails at startup.
func NewPool(ctx context.Context, ep *config.EndpointConfig, host, role string) (*Pool, error) {
	sslMode := "disable"
	if ep.TLSMode {
		sslMode = "require"
	}

	connString := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		ep.User, ep.Password, host, ep.GetPort(), ep.Name, sslMode)

	logger.Info("connecting to database", "role", role, "host", host,
		"port", ep.GetPort(), "database", ep.Name, "sslmode", sslMode)

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string for %s: %w", host, err)
	}

	if ep.MaxConns > 0 {
		poolCfg.MaxConns = int32(ep.MaxConns)
	}
	if ep.MinConns > 0 {
		poolCfg.MinConns = int32(ep.MinConns)
	}
	if lifetime, err := ep.GetMaxConnLifetime(); err == nil {
		poolCfg.MaxConnLifetime = lifetime
	}
	if idle, err := ep.GetMaxConnIdleTime(); err == nil {
		poolCfg.MaxConnIdleTime = idle
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool for %s: %w", host, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database at %s: %w", host, err)
	}

	return &Pool{pool: pool, host: host, role: role}, nil
}

func (p *Pool) Acquire(ctx context.Context) (driver.Conn, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &Conn{conn: conn}, nil
}

func (p *Pool) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Pool) Stat() driver.Stat {
	stats := p.pool.Stat()
	return driver.Stat{
		TotalConns: stats.TotalConns(),
		IdleConns:  stats.IdleConns(),
		InUseConns: stats.AcquiredConns(),
		MaxConns:   stats.MaxConns(),
	}
}

func (p *Pool) Close() {
	p.pool.Close()
}

// Host returns the endpoint host this pool connects to.
func (p *Pool) Host() string {
	return p.host
}

// StartStatsCollector periodically exports pool stats for the given
// pools until the context is cancelled.
func StartStatsCollector(ctx context.Context, pools map[string]driver.Pool, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for role, pool := range pools {
					stat := pool.Stat()
					metrics.DBPoolTotalConns.WithLabelValues(role).Set(float64(stat.TotalConns))
					metrics.DBPoolIdleConns.WithLabelValues(role).Set(float64(stat.IdleConns))
					metrics.DBPoolInUseConns.WithLabelValues(role).Set(float64(stat.InUseConns))
				}
			}
		}
	}()
}
