// Package postgres opens the Postgres connection pool shared by the saga
// store and the participant ledgers.
package postgres

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/ordersaga/ordersaga/pkg/storage"
)

// DriverName is the database/sql driver registered by pgx.
const DriverName = "pgx"

// Config holds connection pool settings.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// Open connects and pings the database.
func Open(ctx context.Context, config Config) (*sqlx.DB, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sqlx.Open(DriverName, config.DSN)
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	timeout := config.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	return db, nil
}
