// Package db opens the college warehouse behind a circuit breaker.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/advisor/internal/circuitbreaker"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Config holds database configuration
type Config struct {
	Driver          string
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	Path            string // sqlite file or ":memory:"
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
}

// Client manages the warehouse connection pool
type Client struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
	config *Config
}

// DSN builds the driver connection string
func (c *Config) DSN() (string, error) {
	switch c.Driver {
	case DriverPostgres, "":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
		), nil
	case DriverSQLite:
		if c.Path == "" {
			return "", fmt.Errorf("sqlite3 requires a path")
		}
		return c.Path, nil
	default:
		return "", fmt.Errorf("unsupported warehouse driver %q", c.Driver)
	}
}

// NewClient opens and pings the warehouse
func NewClient(config *Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Driver == "" {
		config.Driver = DriverPostgres
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 10
	}
	if config.IdleConnections == 0 {
		config.IdleConnections = 5
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}
	if config.SSLMode == "" {
		config.SSLMode = "require"
	}
	if config.Driver == DriverSQLite {
		// sqlite serializes writers; one connection keeps :memory: databases shared
		config.MaxConnections = 1
		config.IdleConnections = 1
	}

	dsn, err := config.DSN()
	if err != nil {
		return nil, err
	}

	rawDB, err := sqlx.Open(config.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create circuit breaker wrapped database
	db := circuitbreaker.NewDatabaseWrapper(rawDB, logger)
	db.SetPool(config.MaxConnections, config.IdleConnections, config.MaxLifetime)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database client initialized",
		zap.String("driver", config.Driver),
		zap.String("host", config.Host),
		zap.Int("max_connections", config.MaxConnections),
	)

	return &Client{db: db, logger: logger, config: config}, nil
}

// Wrapper returns the circuit-broken database for queries and health checks
func (c *Client) Wrapper() *circuitbreaker.DatabaseWrapper {
	return c.db
}

// Driver returns the configured driver name
func (c *Client) Driver() string {
	return c.config.Driver
}

// EnsureSchema creates the college table on sqlite. Postgres schemas are managed outside the service.
func (c *Client) EnsureSchema(ctx context.Context) error {
	if c.config.Driver != DriverSQLite {
		return nil
	}
	if _, err := c.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (c *Client) Close() error {
	c.logger.Info("Closing database client")
	return c.db.Close()
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS UNIVERSITY_LIST (
	COLLEGE_NAME TEXT NOT NULL,
	APPLICATION_DEADLINE TEXT,
	TUITION_FEES REAL,
	GRADUATION_RATE REAL,
	RANKING INTEGER,
	SAT_RANGE TEXT,
	ACT_RANGE TEXT,
	MINIMUM_GPA REAL,
	ACCEPTANCE_RATE REAL,
	MEDIAN_SALARY_AFTER_GRADUATION INTEGER,
	UNDERGRADUATE_ENROLLMENT INTEGER,
	LOCATION TEXT
)`
