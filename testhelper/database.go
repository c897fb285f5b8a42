package testhelper

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kalbasit/dlock/pkg/database"
)

const (
	// PostgresURLEnv names the PostgreSQL database used by integration tests.
	PostgresURLEnv = "DLOCK_TEST_POSTGRES_URL"

	// MySQLURLEnv names the MySQL database used by integration tests.
	MySQLURLEnv = "DLOCK_TEST_MYSQL_URL"
)

// SetupSQLite opens a new SQLite database in a temporary directory that is
// removed when the test ends.
func SetupSQLite(t testing.TB) *database.DB {
	t.Helper()

	dbFile := filepath.Join(t.TempDir(), "db", "dlock.sqlite")
	require.NoError(t, os.MkdirAll(filepath.Dir(dbFile), 0o700))

	db, err := database.Open("sqlite:"+dbFile, nil)
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	return db
}

// SetupPostgres connects to the database named by DLOCK_TEST_POSTGRES_URL and
// skips the test when the variable is not set.
func SetupPostgres(t testing.TB) *database.DB {
	t.Helper()

	return setupFromEnv(t, PostgresURLEnv)
}

// SetupMySQL connects to the database named by DLOCK_TEST_MYSQL_URL and
// skips the test when the variable is not set.
func SetupMySQL(t testing.TB) *database.DB {
	t.Helper()

	return setupFromEnv(t, MySQLURLEnv)
}

func setupFromEnv(t testing.TB, envVar string) *database.DB {
	t.Helper()

	dbURL := os.Getenv(envVar)
	if dbURL == "" {
		t.Skipf("Skipping test: %s not set", envVar)
	}

	db, err := database.Open(dbURL, nil)
	require.NoError(t, err, "failed to connect to the database")

	require.NoError(t, db.SQL().PingContext(t.Context()))

	t.Cleanup(func() { db.Close() })

	return db
}
