package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
)

// DB wraps the shared sql.DB pool together with the driver it was opened with.
type DB struct {
	Client *sql.DB
	Driver string
}

// NewDB opens the pool, applies pool limits and verifies connectivity.
// The pool is closed again when the ping fails so callers never hold a dead handle.
func NewDB(driver, connString string) (*DB, error) {
	if connString == "" {
		return nil, errors.New("database url is empty")
	}
	db, err := sql.Open(driver, dataSource(driver, connString))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return &DB{Client: db, Driver: driver}, nil
}

// Healthy pings the pool with the caller's deadline.
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

// IsUniqueViolation reports whether err is a unique-constraint failure from either supported driver.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// dataSource adds the sqlite pragmas the portal relies on when the caller passed a bare path.
func dataSource(driver, connString string) string {
	if driver != "sqlite3" || strings.Contains(connString, "?") {
		return connString
	}
	return connString + "?_journal_mode=WAL&_busy_timeout=5000"
}
