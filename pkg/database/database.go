// Package database opens SQL connections for the lease table backend.
//
// The driver is chosen from the URL scheme and every connection is wrapped
// with otelsql and a bun dialect, so queries written with `?` placeholders run
// unchanged on PostgreSQL, MySQL and SQLite.
package database

import (
	"database/sql"
	"fmt"
	"net/url"

	"github.com/XSAM/otelsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"

	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"    // SQLite driver
)

// PoolConfig holds database connection pool settings.
type PoolConfig struct {
	// MaxOpenConns is the maximum number of open connections to the database.
	// If <= 0, defaults are used based on database type.
	MaxOpenConns int
	// MaxIdleConns is the maximum number of connections in the idle connection pool.
	// If <= 0, defaults are used based on database type.
	MaxIdleConns int
}

// DB is an open database together with its detected type.
type DB struct {
	bun *bun.DB
	typ Type
}

// Open opens a database connection.
// The database type is determined from the URL scheme:
//   - sqlite:// or sqlite3:// for SQLite
//   - postgres://, postgresql:// or postgres+unix:// for PostgreSQL
//   - mysql:// or mysql+unix:// for MySQL/MariaDB
//
// The poolCfg parameter is optional. If nil, SQLite uses MaxOpenConns=1 while
// PostgreSQL and MySQL get a larger pool.
func Open(dbURL string, poolCfg *PoolConfig) (*DB, error) {
	dbType, err := DetectFromDatabaseURL(dbURL)
	if err != nil {
		return nil, err
	}

	var (
		sdb     *sql.DB
		dialect schema.Dialect
	)

	switch dbType {
	case TypeMySQL:
		sdb, err = openMySQL(dbURL, poolCfg)
		dialect = mysqldialect.New()
	case TypePostgreSQL:
		sdb, err = openPostgreSQL(dbURL, poolCfg)
		dialect = pgdialect.New()
	case TypeSQLite:
		sdb, err = openSQLite(dbURL, poolCfg)
		dialect = sqlitedialect.New()
	case TypeUnknown:
		fallthrough
	default:
		return nil, ErrUnsupportedDriver
	}

	if err != nil {
		return nil, fmt.Errorf("error opening the database at %q: %w", redact(dbURL), err)
	}

	return &DB{bun: bun.NewDB(sdb, dialect), typ: dbType}, nil
}

// Bun returns the bun handle used to build and run queries.
func (db *DB) Bun() *bun.DB { return db.bun }

// SQL returns the underlying *sql.DB.
func (db *DB) SQL() *sql.DB { return db.bun.DB }

// Type returns the database type detected from the URL.
func (db *DB) Type() Type { return db.typ }

// Close closes the database.
func (db *DB) Close() error { return db.bun.Close() }

// applyPoolSettings applies connection pool settings to the database connection.
// It uses the provided defaults and overrides them with values from poolCfg if they are positive.
func applyPoolSettings(sdb *sql.DB, poolCfg *PoolConfig, defaultMaxOpen, defaultMaxIdle int) {
	maxOpen := defaultMaxOpen
	maxIdle := defaultMaxIdle

	if poolCfg != nil {
		if poolCfg.MaxOpenConns > 0 {
			maxOpen = poolCfg.MaxOpenConns
		}

		if poolCfg.MaxIdleConns > 0 {
			maxIdle = poolCfg.MaxIdleConns
		}
	}

	if maxOpen > 0 {
		sdb.SetMaxOpenConns(maxOpen)
	}

	if maxIdle > 0 {
		sdb.SetMaxIdleConns(maxIdle)
	}
}

func openSQLite(dbURL string, poolCfg *PoolConfig) (*sql.DB, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return nil, err
	}

	dsn := u.Path
	if u.RawQuery != "" {
		dsn += "?" + u.RawQuery
	}

	sdb, err := otelsql.Open("sqlite3", dsn, otelsql.WithAttributes(
		semconv.DBSystemSqlite,
	))
	if err != nil {
		return nil, err
	}

	// A single writer avoids `database is locked` errors under contention.
	// This value is enforced and cannot be overridden by the user.
	sdb.SetMaxOpenConns(1)

	if poolCfg != nil && poolCfg.MaxIdleConns > 0 {
		sdb.SetMaxIdleConns(poolCfg.MaxIdleConns)
	}

	return sdb, nil
}

func openPostgreSQL(dbURL string, poolCfg *PoolConfig) (*sql.DB, error) {
	dsn, err := parsePostgreSQLURL(dbURL)
	if err != nil {
		return nil, err
	}

	sdb, err := otelsql.Open("pgx", dsn, otelsql.WithAttributes(
		semconv.DBSystemPostgreSQL,
	))
	if err != nil {
		return nil, err
	}

	applyPoolSettings(sdb, poolCfg, 25, 5)

	return sdb, nil
}

func openMySQL(dbURL string, poolCfg *PoolConfig) (*sql.DB, error) {
	cfg, err := parseMySQLConfig(dbURL)
	if err != nil {
		return nil, err
	}

	sdb, err := otelsql.Open("mysql", cfg.FormatDSN(), otelsql.WithAttributes(
		semconv.DBSystemMySQL,
	))
	if err != nil {
		return nil, err
	}

	applyPoolSettings(sdb, poolCfg, 25, 5)

	return sdb, nil
}
