// Package sqlstore implements lock.Store on a single SQL table.
//
// Each lock is one row keyed by lock_key holding the owner token and the
// expiry as unix milliseconds. A row whose expiry is in the past is treated as
// absent by every operation, so expired rows never need to be deleted for a
// lock to be claimable; Purge removes them in bulk.
//
// Expiry is computed from the application clock. Processes sharing a table
// are expected to have roughly synchronized clocks.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog"
	"github.com/uptrace/bun"

	"github.com/kalbasit/dlock/pkg/database"
)

// DefaultTable is the name of the lease table.
const DefaultTable = "dlock_leases"

// ErrInvalidTableName is returned when the table name is not a plain identifier.
var ErrInvalidTableName = errors.New("invalid table name")

//nolint:gochecknoglobals
var tableNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// timeNow allows mocking time.Now for testing purposes
//
//nolint:gochecknoglobals // This is used for testing purposes
var timeNow = time.Now

// SetTimeNow sets the time function for the package and returns a function to restore it.
// This is intended for testing purposes only.
func SetTimeNow(f func() time.Time) func() {
	original := timeNow
	timeNow = f

	return func() { timeNow = original }
}

// Lease is one row of the lease table.
type Lease struct {
	Key       string `bun:"lock_key"`
	Token     string `bun:"token"`
	ExpiresAt int64  `bun:"expires_at"`
}

// Expiry returns the expiry of the lease as a time.
func (l Lease) Expiry() time.Time { return time.UnixMilli(l.ExpiresAt) }

// Store implements lock.Store on a SQL table.
type Store struct {
	db    *database.DB
	table bun.Ident
}

// Option configures a Store.
type Option func(*Store)

// WithTable overrides DefaultTable.
func WithTable(name string) Option {
	return func(s *Store) { s.table = bun.Ident(name) }
}

// New returns a Store using db. Call Migrate before the first use.
func New(db *database.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, table: bun.Ident(DefaultTable)}

	for _, opt := range opts {
		opt(s)
	}

	if !tableNameRE.MatchString(string(s.table)) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTableName, string(s.table))
	}

	return s, nil
}

// Migrate creates the lease table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Bun().ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ? (
			lock_key VARCHAR(255) NOT NULL PRIMARY KEY,
			token VARCHAR(64) NOT NULL,
			expires_at BIGINT NOT NULL
		)`, s.table)
	if err != nil {
		return fmt.Errorf("error creating the table %s: %w", string(s.table), err)
	}

	zerolog.Ctx(ctx).
		Debug().
		Str("table", string(s.table)).
		Str("database", s.db.Type().String()).
		Msg("lease table is ready")

	return nil
}

// TryCreate implements lock.Store.
//
// The row is inserted, or an expired row is taken over, in a single upsert.
func (s *Store) TryCreate(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	now := timeNow().UnixMilli()
	expiresAt := now + ttl.Milliseconds()

	var (
		res sql.Result
		err error
	)

	switch s.db.Type() {
	case database.TypeMySQL:
		// Assignments run left to right, so the expiry is still the old one
		// when the token condition is evaluated.
		res, err = s.db.Bun().ExecContext(ctx, `
			INSERT INTO ? (lock_key, token, expires_at) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE
				token = IF(expires_at <= ?, VALUES(token), token),
				expires_at = IF(expires_at <= ?, VALUES(expires_at), expires_at)`,
			s.table, key, value, expiresAt, now, now)
	default:
		res, err = s.db.Bun().ExecContext(ctx, `
			INSERT INTO ? (lock_key, token, expires_at) VALUES (?, ?, ?)
			ON CONFLICT (lock_key) DO UPDATE
				SET token = excluded.token, expires_at = excluded.expires_at
				WHERE ?.expires_at <= ?`,
			s.table, key, value, expiresAt, s.table, now)
	}

	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	// MySQL reports 1 for an insert and 2 for an update of an existing row.
	return n == 1 || n == 2, nil
}

// Get implements lock.Store.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var token string

	err := s.db.Bun().
		QueryRowContext(ctx, "SELECT token FROM ? WHERE lock_key = ? AND expires_at > ?",
			s.table, key, timeNow().UnixMilli()).
		Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}

	if err != nil {
		return "", false, err
	}

	return token, true, nil
}

// CompareDelete implements lock.Store.
func (s *Store) CompareDelete(ctx context.Context, key, expected string) (bool, error) {
	res, err := s.db.Bun().ExecContext(ctx,
		"DELETE FROM ? WHERE lock_key = ? AND token = ? AND expires_at > ?",
		s.table, key, expected, timeNow().UnixMilli())
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

// CompareExtend implements lock.Store.
func (s *Store) CompareExtend(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	now := timeNow().UnixMilli()

	res, err := s.db.Bun().ExecContext(ctx,
		"UPDATE ? SET expires_at = ? WHERE lock_key = ? AND token = ? AND expires_at > ?",
		s.table, now+ttl.Milliseconds(), key, expected, now)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	if n == 1 {
		return true, nil
	}

	// MySQL counts changed rows, not matched rows: an extend landing on the
	// same millisecond reports zero.
	if s.db.Type() == database.TypeMySQL {
		v, found, err := s.Get(ctx, key)
		if err != nil {
			return false, err
		}

		return found && v == expected, nil
	}

	return false, nil
}

// List returns every live lease ordered by key.
func (s *Store) List(ctx context.Context) ([]Lease, error) {
	var leases []Lease

	err := s.db.Bun().
		NewRaw("SELECT lock_key, token, expires_at FROM ? WHERE expires_at > ? ORDER BY lock_key",
			s.table, timeNow().UnixMilli()).
		Scan(ctx, &leases)
	if err != nil {
		return nil, err
	}

	return leases, nil
}

// Purge deletes expired rows and returns how many were removed.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.Bun().ExecContext(ctx, "DELETE FROM ? WHERE expires_at <= ?", s.table, timeNow().UnixMilli())
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if n > 0 {
		zerolog.Ctx(ctx).
			Debug().
			Int64("count", n).
			Str("table", string(s.table)).
			Msg("purged expired leases")
	}

	return n, nil
}
