// Package cassandra implements lock.Store on Apache Cassandra or ScyllaDB
// using lightweight transactions.
//
// Expiry is delegated to the server through cell TTLs, which have a one
// second resolution: leases are rounded up to whole seconds with a minimum
// of one second.
package cassandra

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/gocql/gocql"
	"github.com/rs/zerolog"
)

const (
	// DefaultKeyspace is the keyspace holding the lock table.
	DefaultKeyspace = "dlock"

	// DefaultTable is the name of the lock table.
	DefaultTable = "leases"

	// DefaultTimeout is the per-query timeout.
	DefaultTimeout = 5 * time.Second
)

var (
	// ErrNoHosts is returned when no contact points are configured.
	ErrNoHosts = errors.New("at least one cassandra host is required")

	// ErrInvalidIdentifier is returned for a keyspace or table name that is not a plain identifier.
	ErrInvalidIdentifier = errors.New("invalid cassandra identifier")
)

//nolint:gochecknoglobals
var identifierRE = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,47}$`)

// Config configures the Cassandra session.
type Config struct {
	Hosts    []string
	Keyspace string
	Table    string
	Username string
	Password string
	Timeout  time.Duration
}

func (c *Config) setDefaults() {
	if c.Keyspace == "" {
		c.Keyspace = DefaultKeyspace
	}

	if c.Table == "" {
		c.Table = DefaultTable
	}

	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	c.setDefaults()

	if len(c.Hosts) == 0 {
		return ErrNoHosts
	}

	for _, id := range []string{c.Keyspace, c.Table} {
		if !identifierRE.MatchString(id) {
			return fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
		}
	}

	return nil
}

// Store implements lock.Store on a Cassandra table.
type Store struct {
	session *gocql.Session
	table   string

	insertQuery string
	selectQuery string
	deleteQuery string
	extendQuery string
}

// New connects to the cluster and returns a Store. The keyspace must exist;
// call Migrate to create the table.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.ProtoVersion = 4
	cluster.Consistency = gocql.Quorum
	cluster.SerialConsistency = gocql.Serial
	cluster.Timeout = cfg.Timeout

	if cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("error creating the cassandra session: %w", err)
	}

	zerolog.Ctx(ctx).
		Info().
		Strs("hosts", cfg.Hosts).
		Str("keyspace", cfg.Keyspace).
		Str("table", cfg.Table).
		Msg("using Cassandra lock store")

	return newStore(session, cfg.Keyspace+"."+cfg.Table), nil
}

func newStore(session *gocql.Session, table string) *Store {
	return &Store{
		session:     session,
		table:       table,
		insertQuery: fmt.Sprintf("INSERT INTO %s (lock_key, token) VALUES (?, ?) IF NOT EXISTS USING TTL ?", table),
		selectQuery: fmt.Sprintf("SELECT token FROM %s WHERE lock_key = ?", table),
		deleteQuery: fmt.Sprintf("DELETE FROM %s WHERE lock_key = ? IF token = ?", table),
		extendQuery: fmt.Sprintf("UPDATE %s USING TTL ? SET token = ? WHERE lock_key = ? IF token = ?", table),
	}
}

// Migrate creates the lock table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	err := s.session.Query(fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (lock_key text PRIMARY KEY, token text)", s.table,
	)).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("error creating the table %s: %w", s.table, err)
	}

	return nil
}

// Close closes the session.
func (s *Store) Close() { s.session.Close() }

// TryCreate implements lock.Store.
func (s *Store) TryCreate(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.session.Query(s.insertQuery, key, value, TTLSeconds(ttl)).
		WithContext(ctx).
		MapScanCAS(map[string]any{})
}

// Get implements lock.Store.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var token string

	err := s.session.Query(s.selectQuery, key).
		WithContext(ctx).
		Scan(&token)
	if errors.Is(err, gocql.ErrNotFound) {
		return "", false, nil
	}

	if err != nil {
		return "", false, err
	}

	return token, true, nil
}

// CompareDelete implements lock.Store.
func (s *Store) CompareDelete(ctx context.Context, key, expected string) (bool, error) {
	return s.session.Query(s.deleteQuery, key, expected).
		WithContext(ctx).
		MapScanCAS(map[string]any{})
}

// CompareExtend implements lock.Store. The token is rewritten with the new
// TTL, which restarts the expiry of the row.
func (s *Store) CompareExtend(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	return s.session.Query(s.extendQuery, TTLSeconds(ttl), expected, key, expected).
		WithContext(ctx).
		MapScanCAS(map[string]any{})
}

// TTLSeconds converts a lease to a CQL TTL: whole seconds rounded up, at
// least one.
func TTLSeconds(ttl time.Duration) int {
	secs := int(math.Ceil(ttl.Seconds()))

	return max(secs, 1)
}
