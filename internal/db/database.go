// Package db provides the PostgreSQL backend for the job store.
// It handles connections, schema migrations and the scan_jobs repository.
package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/anstrom/scanwatch/internal/errors"
	"github.com/anstrom/scanwatch/internal/logging"
)

// sanitizeDBError converts raw database errors into errors that don't expose
// SQL details or credentials. The original error is kept as the cause.
func sanitizeDBError(operation string, err error) error {
	if err == nil {
		return nil
	}

	if stderrors.Is(err, sql.ErrNoRows) {
		return &errors.DatabaseError{Code: errors.CodeNotFound, Message: "resource not found", Operation: operation, Cause: err}
	}
	if stderrors.Is(err, context.Canceled) {
		return &errors.DatabaseError{Code: errors.CodeCanceled, Message: "database operation was canceled", Operation: operation, Cause: err}
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return &errors.DatabaseError{Code: errors.CodeDatabaseTimeout, Message: "database operation timed out", Operation: operation, Cause: err}
	}

	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		dbErr := &errors.DatabaseError{Operation: operation, Cause: err}
		switch pqErr.Code {
		case "23505": // unique_violation
			dbErr.Code, dbErr.Message = errors.CodeConflict, "resource already exists"
		case "23502", "23514": // not_null_violation, check_violation
			dbErr.Code, dbErr.Message = errors.CodeValidation, "data validation failed"
		case "57014": // query_canceled
			dbErr.Code, dbErr.Message = errors.CodeCanceled, "database operation was canceled"
		case "57P01", "08000", "08003", "08006":
			dbErr.Code, dbErr.Message = errors.CodeDatabaseConnection, "database connection error"
		default:
			dbErr.Code, dbErr.Message = errors.CodeDatabaseQuery, fmt.Sprintf("database operation failed: %s", operation)
		}
		return dbErr
	}

	return &errors.DatabaseError{
		Code:      errors.CodeDatabaseQuery,
		Message:   fmt.Sprintf("database operation failed: %s", operation),
		Operation: operation,
		Cause:     err,
	}
}

const (
	defaultPostgresPort    = 5432
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

// DB wraps sqlx.DB with additional functionality.
type DB struct {
	*sqlx.DB
}

// Config holds database configuration.
type Config struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	Database        string        `yaml:"database" json:"database"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"-"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// DefaultConfig returns the default database configuration.
// Database name, username, and password must be explicitly configured.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            defaultPostgresPort,
		SSLMode:         "disable",
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
	}
}

// DSN builds a lib/pq key=value connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.Username, c.Password, c.SSLMode,
	)
}

// Connect establishes a connection to PostgreSQL.
// Returned errors never include the DSN.
func Connect(ctx context.Context, config *Config) (*DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", config.DSN())
	if err != nil {
		return nil, errors.WrapDatabaseError(errors.CodeDatabaseConnection, "failed to connect to database", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WrapDatabaseError(errors.CodeDatabaseConnection, "failed to verify database connection", err)
	}

	logging.Default().InfoDatabase("connected to database",
		"host", config.Host, "port", config.Port, "database", config.Database)
	return &DB{DB: db}, nil
}

// Ping checks connectivity.
func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}
