// Package database opens the PostgreSQL pool shared by the poll fetcher and
// the feature flag store.
package database

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Config holds database connection configuration.
type Config struct {
	// URL, when set, overrides the individual connection fields.
	URL string

	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// ApplicationName is reported to the server (pg_stat_activity).
	ApplicationName string

	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration

	// ConnectRetries is how many times a failed startup ping is retried.
	ConnectRetries uint64

	Logger zerolog.Logger
}

// ConfigFromEnv creates a Config from environment variables.
func ConfigFromEnv() Config {
	return Config{
		URL:             os.Getenv("DATABASE_URL"),
		Host:            getEnvOrDefault("DB_HOST", "localhost"),
		Port:            getIntOrDefault("DB_PORT", 5432),
		User:            getEnvOrDefault("DB_USER", "livestatus"),
		Password:        getEnvOrDefault("DB_PASSWORD", "localdev"),
		Database:        getEnvOrDefault("DB_NAME", "livestatus"),
		SSLMode:         getEnvOrDefault("DB_SSL_MODE", "disable"),
		ApplicationName: getEnvOrDefault("DB_APPLICATION_NAME", "statusd"),
		MaxConns:        int32(getIntOrDefault("DB_MAX_OPEN_CONNS", 10)), //nolint:gosec // small config values
		MinConns:        int32(getIntOrDefault("DB_MAX_IDLE_CONNS", 2)),  //nolint:gosec // small config values
		ConnMaxLifetime: getDurationOrDefault("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		ConnectRetries:  uint64(getIntOrDefault("DB_CONNECT_RETRIES", 5)), //nolint:gosec // non-negative by default
	}
}

// ConnectionString returns the PostgreSQL connection URL. Credentials are
// escaped.
func (c Config) ConnectionString() string {
	if c.URL != "" {
		return c.URL
	}

	q := url.Values{}
	q.Set("sslmode", c.SSLMode)
	if c.ApplicationName != "" {
		q.Set("application_name", c.ApplicationName)
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + strconv.Itoa(c.Port),
		Path:     "/" + c.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Connect creates a connection pool and waits for the server to answer a
// ping, retrying with exponential backoff up to ConnectRetries times.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), cfg.ConnectRetries), ctx)
	err = backoff.RetryNotify(func() error { return pool.Ping(ctx) }, b, func(err error, wait time.Duration) {
		cfg.Logger.Warn().Err(err).Dur("retry_in", wait).Msg("database not reachable yet")
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return n
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return d
}
