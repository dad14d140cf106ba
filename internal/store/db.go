package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Supported database/sql drivers.
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite3"
)

// DB wraps sql.DB for Postgres (pgx) or SQLite.
type DB struct {
	Client *sql.DB
	Driver string
}

// NewDB opens a pool with sane defaults and pings it. A nil driver name means Postgres.
func NewDB(ctx context.Context, driver, dsn string) (*DB, error) {
	if driver == "" {
		driver = DriverPostgres
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", driver)
	}
	if driver == DriverSQLite {
		// one writer; also keeps a :memory: database alive across calls
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	}
	d := &DB{Client: db, Driver: driver}
	if err := db.PingContext(ctx); err != nil {
		return d, errors.Wrap(err, "pinging database")
	}
	return d, nil
}

// Healthy pings the pool.
func (d *DB) Healthy(ctx context.Context) bool {
	if d == nil || d.Client == nil {
		return false
	}
	return d.Client.PingContext(ctx) == nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}
