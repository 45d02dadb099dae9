package store

import (
	"context"
	"database/sql"
	"time"
)

// PoolConfig configures the database connection pool backing the SQL
// stores.
type PoolConfig struct {
	// DSN is the database connection string
	DSN string

	// DriverName is the database/sql driver name ("sqlite3", "postgres")
	DriverName string

	// MaxOpenConns is the maximum number of open connections
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections
	MaxIdleConns int

	// ConnMaxLifetime is the maximum amount of time a connection may be reused
	ConnMaxLifetime time.Duration

	// ConnMaxIdleTime is the maximum amount of time a connection may be idle
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig returns conservative pool defaults.
func DefaultPoolConfig(dsn string, driverName string) PoolConfig {
	return PoolConfig{
		DSN:             dsn,
		DriverName:      driverName,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// Pool wraps a validated *sql.DB.
type Pool struct {
	db     *sql.DB
	config PoolConfig
}

// NewPool creates a connection pool. Fail-fast: validates config and
// pings before returning.
func NewPool(config PoolConfig) (*Pool, error) {
	if config.DSN == "" {
		return nil, &ConfigError{Field: "DSN", Message: "cannot be empty"}
	}
	if config.DriverName == "" {
		return nil, &ConfigError{Field: "DriverName", Message: "cannot be empty"}
	}
	if config.MaxOpenConns <= 0 {
		return nil, &ConfigError{Field: "MaxOpenConns", Message: "must be positive"}
	}
	if config.MaxIdleConns < 0 {
		return nil, &ConfigError{Field: "MaxIdleConns", Message: "cannot be negative"}
	}
	if config.MaxIdleConns > config.MaxOpenConns {
		return nil, &ConfigError{Field: "MaxIdleConns", Message: "cannot exceed MaxOpenConns"}
	}

	db, err := sql.Open(config.DriverName, config.DSN)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &Pool{db: db, config: config}, nil
}

// DB returns the underlying *sql.DB.
func (p *Pool) DB() *sql.DB {
	if p == nil || p.db == nil {
		panic("store: pool not initialized")
	}
	return p.db
}

// DriverName returns the configured driver.
func (p *Pool) DriverName() string {
	return p.config.DriverName
}

// Close closes the pool.
func (p *Pool) Close() error {
	return p.db.Close()
}

// ConfigError reports an invalid pool configuration value.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "store: invalid pool config: " + e.Field + " " + e.Message
}
