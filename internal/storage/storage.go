// Package storage keeps snapshots of proxy traffic counters in SQLite.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/geekxflood/snmproxy/internal/types"
)

// StorageConfig holds configuration for the snapshot store
type StorageConfig struct {
	DatabaseType     string        `json:"database_type"`
	ConnectionString string        `json:"connection_string"`
	MaxConnections   int           `json:"max_connections"`
	RetentionDays    int           `json:"retention_days"`
	CleanupInterval  time.Duration `json:"cleanup_interval"`
	EnableIndexes    bool          `json:"enable_indexes"`
}

// DefaultStorageConfig returns a default storage configuration
func DefaultStorageConfig() *StorageConfig {
	return &StorageConfig{
		DatabaseType:     "sqlite3",
		ConnectionString: "./snmproxy_stats.db",
		MaxConnections:   4,
		RetentionDays:    30,
		CleanupInterval:  24 * time.Hour,
		EnableIndexes:    true,
	}
}

// LoadStorageConfig reads the storage section, falling back to defaults.
func LoadStorageConfig(cfg config.Provider) *StorageConfig {
	storageConfig := DefaultStorageConfig()
	if cfg == nil {
		return storageConfig
	}

	if dbType, err := cfg.GetString("storage.database_type", storageConfig.DatabaseType); err == nil {
		storageConfig.DatabaseType = dbType
	}

	if connStr, err := cfg.GetString("storage.connection_string", storageConfig.ConnectionString); err == nil {
		storageConfig.ConnectionString = connStr
	}

	if maxConn, err := cfg.GetInt("storage.max_connections", storageConfig.MaxConnections); err == nil && maxConn > 0 {
		storageConfig.MaxConnections = maxConn
	}

	if retention, err := cfg.GetInt("storage.retention_days", storageConfig.RetentionDays); err == nil {
		storageConfig.RetentionDays = retention
	}

	if interval, err := cfg.GetDuration("storage.cleanup_interval", storageConfig.CleanupInterval); err == nil && interval > 0 {
		storageConfig.CleanupInterval = interval
	}

	if indexes, err := cfg.GetBool("storage.enable_indexes", storageConfig.EnableIndexes); err == nil {
		storageConfig.EnableIndexes = indexes
	}

	return storageConfig
}

// Record is one stored counter row
type Record struct {
	ID         int64     `json:"id" db:"id"`
	Proxy      string    `json:"proxy" db:"proxy"`
	RecordedAt time.Time `json:"recorded_at" db:"recorded_at"`
	Name       string    `json:"name" db:"name"`
	Count      uint64    `json:"count" db:"count"`
	PerSecond  float64   `json:"per_second" db:"per_second"`
}

// Query selects stored rows. Zero fields do not filter.
type Query struct {
	Proxy     string     `json:"proxy,omitempty"`
	Name      string     `json:"name,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	OrderDesc bool       `json:"order_desc,omitempty"`
}

// StorageStats summarizes the store
type StorageStats struct {
	TotalRecords int64      `json:"total_records"`
	Snapshots    int64      `json:"snapshots"`
	Proxies      int64      `json:"proxies"`
	Oldest       *time.Time `json:"oldest,omitempty"`
	Newest       *time.Time `json:"newest,omitempty"`
}

// Storage persists traffic counter snapshots
type Storage struct {
	config *StorageConfig
	db     *sql.DB
	logger logging.Logger
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open connects to the database, creates the schema and starts retention cleanup.
func Open(storageConfig *StorageConfig, logger logging.Logger) (*Storage, error) {
	if storageConfig == nil {
		return nil, fmt.Errorf("storage configuration cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	db, err := sql.Open(storageConfig.DatabaseType, storageConfig.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(storageConfig.MaxConnections)
	db.SetMaxIdleConns(max(storageConfig.MaxConnections/2, 1))
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		config: storageConfig,
		db:     db,
		logger: logger.With("component", "storage", "database", storageConfig.ConnectionString),
		ctx:    ctx,
		cancel: cancel,
	}

	if err := s.initSchema(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	if storageConfig.RetentionDays > 0 {
		s.wg.Add(1)
		go s.cleanupWorker()
	}

	return s, nil
}

// Path returns the connection string the store was opened with.
func (s *Storage) Path() string {
	return s.config.ConnectionString
}

func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS traffic_stats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		proxy TEXT NOT NULL,
		recorded_at INTEGER NOT NULL,
		name TEXT NOT NULL,
		count INTEGER NOT NULL,
		per_second REAL NOT NULL
	);`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create traffic_stats table: %w", err)
	}

	if s.config.EnableIndexes {
		indexes := []string{
			"CREATE INDEX IF NOT EXISTS idx_traffic_stats_proxy_time ON traffic_stats(proxy, recorded_at);",
			"CREATE INDEX IF NOT EXISTS idx_traffic_stats_name ON traffic_stats(name);",
		}
		for _, idx := range indexes {
			if _, err := s.db.Exec(idx); err != nil {
				return fmt.Errorf("failed to create index: %w", err)
			}
		}
	}

	return nil
}

// SaveTrafficStats stores one snapshot of a proxy's counters in a single transaction.
func (s *Storage) SaveTrafficStats(proxy string, at time.Time, stats []types.TrafficStat) error {
	if len(stats) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO traffic_stats (proxy, recorded_at, name, count, per_second)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	recorded := at.UnixMilli()
	for _, st := range stats {
		if _, err := stmt.Exec(proxy, recorded, st.Name, int64(st.Count), st.PerSecond); err != nil {
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// QueryTrafficStats returns rows matching q, oldest first unless q.OrderDesc is set.
func (s *Storage) QueryTrafficStats(q *Query) ([]*Record, error) {
	if q == nil {
		q = &Query{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sqlQuery := "SELECT id, proxy, recorded_at, name, count, per_second FROM traffic_stats WHERE 1=1"
	args := []any{}

	if q.Proxy != "" {
		sqlQuery += " AND proxy = ?"
		args = append(args, q.Proxy)
	}
	if q.Name != "" {
		sqlQuery += " AND name = ?"
		args = append(args, q.Name)
	}
	if q.StartTime != nil {
		sqlQuery += " AND recorded_at >= ?"
		args = append(args, q.StartTime.UnixMilli())
	}
	if q.EndTime != nil {
		sqlQuery += " AND recorded_at <= ?"
		args = append(args, q.EndTime.UnixMilli())
	}

	if q.OrderDesc {
		sqlQuery += " ORDER BY recorded_at DESC, id DESC"
	} else {
		sqlQuery += " ORDER BY recorded_at ASC, id ASC"
	}

	if q.Limit > 0 {
		sqlQuery += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query traffic stats: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec := &Record{}
		var recorded, count int64
		if err := rows.Scan(&rec.ID, &rec.Proxy, &recorded, &rec.Name, &count, &rec.PerSecond); err != nil {
			return nil, fmt.Errorf("failed to scan traffic stat: %w", err)
		}
		rec.RecordedAt = time.UnixMilli(recorded).UTC()
		rec.Count = uint64(count)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// LatestSnapshot returns the most recent snapshot of proxy sorted by counter name.
func (s *Storage) LatestSnapshot(proxy string) ([]types.TrafficStat, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(recorded_at) FROM traffic_stats WHERE proxy = ?", proxy).Scan(&latest); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to find latest snapshot: %w", err)
	}
	if !latest.Valid {
		return nil, time.Time{}, nil
	}

	rows, err := s.db.Query(
		"SELECT name, count, per_second FROM traffic_stats WHERE proxy = ? AND recorded_at = ? ORDER BY name",
		proxy, latest.Int64)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to query latest snapshot: %w", err)
	}
	defer rows.Close()

	var stats []types.TrafficStat
	for rows.Next() {
		var st types.TrafficStat
		var count int64
		if err := rows.Scan(&st.Name, &count, &st.PerSecond); err != nil {
			return nil, time.Time{}, fmt.Errorf("failed to scan traffic stat: %w", err)
		}
		st.Count = uint64(count)
		stats = append(stats, st)
	}
	return stats, time.UnixMilli(latest.Int64).UTC(), rows.Err()
}

// Cleanup removes rows recorded before cutoff and returns how many were deleted.
func (s *Storage) Cleanup(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec("DELETE FROM traffic_stats WHERE recorded_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old traffic stats: %w", err)
	}
	return result.RowsAffected()
}

func (s *Storage) cleanupWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -s.config.RetentionDays)
			n, err := s.Cleanup(cutoff)
			if err != nil {
				s.logger.Warn("Retention cleanup failed", "error", err.Error())
				continue
			}
			if n > 0 {
				s.logger.Debug("Removed expired traffic stats", "rows", n)
			}
		}
	}
}

// GetStats returns storage statistics
func (s *Storage) GetStats() (*StorageStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &StorageStats{}
	err := s.db.QueryRow(`
		SELECT COUNT(*), COUNT(DISTINCT proxy || '@' || recorded_at), COUNT(DISTINCT proxy)
		FROM traffic_stats
	`).Scan(&stats.TotalRecords, &stats.Snapshots, &stats.Proxies)
	if err != nil {
		return nil, fmt.Errorf("failed to count traffic stats: %w", err)
	}

	var oldest, newest sql.NullInt64
	if err := s.db.QueryRow("SELECT MIN(recorded_at), MAX(recorded_at) FROM traffic_stats").Scan(&oldest, &newest); err == nil {
		if oldest.Valid {
			t := time.UnixMilli(oldest.Int64).UTC()
			stats.Oldest = &t
		}
		if newest.Valid {
			t := time.UnixMilli(newest.Int64).UTC()
			stats.Newest = &t
		}
	}

	return stats, nil
}

// Close stops the cleanup worker and closes the database
func (s *Storage) Close() error {
	s.cancel()
	s.wg.Wait()
	return s.db.Close()
}
