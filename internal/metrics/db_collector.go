package metrics

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool labels reported by DBStatsCollector
const (
	PoolIdentity = "identity"
	PoolAudit    = "audit"
)

// DBStatsCollector samples the identity (pgxpool) and audit (sqlx) pools
type DBStatsCollector struct {
	identity *pgxpool.Pool
	audit    *sql.DB
	logger   *slog.Logger
}

// NewDBStatsCollector creates a new database stats collector. Either pool may be nil.
func NewDBStatsCollector(identity *pgxpool.Pool, audit *sql.DB, logger *slog.Logger) *DBStatsCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBStatsCollector{identity: identity, audit: audit, logger: logger}
}

// Run samples pool statistics every interval until ctx is done
func (c *DBStatsCollector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("database stats collector started", slog.Duration("interval", interval))
	c.Collect()
	for {
		select {
		case <-ticker.C:
			c.Collect()
		case <-ctx.Done():
			c.logger.Info("database stats collector stopped")
			return
		}
	}
}

// Collect takes one sample of every configured pool
func (c *DBStatsCollector) Collect() {
	if c.identity != nil {
		stat := c.identity.Stat()
		DBConnectionsOpen.WithLabelValues(PoolIdentity).Set(float64(stat.TotalConns()))
		DBConnectionsInUse.WithLabelValues(PoolIdentity).Set(float64(stat.AcquiredConns()))
		DBConnectionsIdle.WithLabelValues(PoolIdentity).Set(float64(stat.IdleConns()))
		DBConnectionsMaxOpen.WithLabelValues(PoolIdentity).Set(float64(stat.MaxConns()))
	}
	if c.audit != nil {
		stats := c.audit.Stats()
		DBConnectionsOpen.WithLabelValues(PoolAudit).Set(float64(stats.OpenConnections))
		DBConnectionsInUse.WithLabelValues(PoolAudit).Set(float64(stats.InUse))
		DBConnectionsIdle.WithLabelValues(PoolAudit).Set(float64(stats.Idle))
		DBConnectionsMaxOpen.WithLabelValues(PoolAudit).Set(float64(stats.MaxOpenConnections))
	}
}

// RecordQueryDuration records the duration of a database query
func RecordQueryDuration(operation string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// TimeQuery times a database query.
// Usage: defer metrics.TimeQuery("get_user_by_open_id")()
func TimeQuery(operation string) func() {
	start := time.Now()
	return func() {
		RecordQueryDuration(operation, time.Since(start))
	}
}

// PingDatabase checks database connectivity and records the result
func PingDatabase(ctx context.Context, pool *pgxpool.Pool) error {
	start := time.Now()
	err := pool.Ping(ctx)
	RecordQueryDuration("ping", time.Since(start))
	return err
}
