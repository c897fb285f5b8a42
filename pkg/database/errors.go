package database

import (
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// ErrUnsupportedDriver is returned when the database driver is not recognized.
var ErrUnsupportedDriver = errors.New("unsupported database driver")

// IsDuplicateKeyError checks if the error is a unique constraint violation.
// Works across SQLite, PostgreSQL and MySQL.
func IsDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}

	// 23505 is unique_violation in PostgreSQL
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}

	// 1062 is ER_DUP_ENTRY in MySQL
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}

	return false
}
