package dlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	cassandralock "github.com/kalbasit/dlock/pkg/lock/cassandra"
	dynamolock "github.com/kalbasit/dlock/pkg/lock/dynamodb"
	redislock "github.com/kalbasit/dlock/pkg/lock/redis"

	"github.com/kalbasit/dlock/pkg/database"
	"github.com/kalbasit/dlock/pkg/lock"
	"github.com/kalbasit/dlock/pkg/lock/local"
	"github.com/kalbasit/dlock/pkg/lock/sqlstore"
)

const (
	storeBackendLocal     = "local"
	storeBackendRedis     = "redis"
	storeBackendRedisKV   = "redis-kv"
	storeBackendRedsync   = "redsync"
	storeBackendSQL       = "sql"
	storeBackendDynamoDB  = "dynamodb"
	storeBackendCassandra = "cassandra"
)

var (
	// ErrUnknownStoreBackend is returned when an unknown store backend is specified.
	ErrUnknownStoreBackend = errors.New("unknown store backend")

	// ErrDatabaseURLRequired is returned when the sql backend is selected without --database-url.
	ErrDatabaseURLRequired = errors.New("--store-backend=sql requires --database-url to be set")
)

func storeFlags(flagSources flagSourcesFn) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name: "store-backend",
			Usage: "Lock store: 'local' (single process), 'redis', 'redis-kv' (no scripting), " +
				"'redsync', 'sql', 'dynamodb' or 'cassandra'",
			Sources: flagSources("store.backend", "DLOCK_STORE_BACKEND"),
			Value:   storeBackendLocal,
		},
		&cli.StringFlag{
			Name:    "lock-key-prefix",
			Usage:   "Prefix for all lock keys",
			Sources: flagSources("lock.key-prefix", "DLOCK_LOCK_KEY_PREFIX"),
			Value:   lock.DefaultKeyPrefix,
		},
		&cli.IntFlag{
			Name:    "lock-retry-max-attempts",
			Usage:   "Maximum number of acquisition attempts (0 retries until the acquire timeout)",
			Sources: flagSources("lock.retry.max-attempts", "DLOCK_LOCK_RETRY_MAX_ATTEMPTS"),
			Value:   0,
		},
		&cli.DurationFlag{
			Name:    "lock-retry-initial-delay",
			Usage:   "Initial delay between acquisition attempts",
			Sources: flagSources("lock.retry.initial-delay", "DLOCK_LOCK_RETRY_INITIAL_DELAY"),
			Value:   lock.DefaultRetryDelay,
		},
		&cli.DurationFlag{
			Name:    "lock-retry-max-delay",
			Usage:   "Maximum delay between acquisition attempts (exponential backoff caps at this)",
			Sources: flagSources("lock.retry.max-delay", "DLOCK_LOCK_RETRY_MAX_DELAY"),
			Value:   lock.DefaultRetryDelay,
		},
		&cli.BoolFlag{
			Name:    "lock-retry-jitter",
			Usage:   "Enable jitter in retry delays to prevent thundering herd",
			Sources: flagSources("lock.retry.jitter", "DLOCK_LOCK_RETRY_JITTER"),
		},

		// Redis
		&cli.StringSliceFlag{
			Name:    "redis-addrs",
			Usage:   "Redis server addresses (e.g., localhost:6379). More than one address selects a cluster client.",
			Sources: flagSources("redis.addrs", "DLOCK_REDIS_ADDRS"),
		},
		&cli.StringFlag{
			Name:    "redis-username",
			Usage:   "Redis username for authentication (for Redis ACL)",
			Sources: flagSources("redis.username", "DLOCK_REDIS_USERNAME"),
		},
		&cli.StringFlag{
			Name:    "redis-password",
			Usage:   "Redis password for authentication",
			Sources: flagSources("redis.password", "DLOCK_REDIS_PASSWORD"),
		},
		&cli.IntFlag{
			Name:    "redis-db",
			Usage:   "Redis database number (0-15)",
			Sources: flagSources("redis.db", "DLOCK_REDIS_DB"),
		},
		&cli.BoolFlag{
			Name:    "redis-use-tls",
			Usage:   "Use TLS for Redis connection",
			Sources: flagSources("redis.use-tls", "DLOCK_REDIS_USE_TLS"),
		},
		&cli.IntFlag{
			Name:    "redis-pool-size",
			Usage:   "Redis connection pool size",
			Sources: flagSources("redis.pool-size", "DLOCK_REDIS_POOL_SIZE"),
			Value:   10,
		},
		&cli.BoolFlag{
			Name:    "redis-allow-degraded-mode",
			Usage:   "Allow falling back to in-process locks if Redis is unavailable (WARNING: breaks mutual exclusion across processes)",
			Sources: flagSources("redis.allow-degraded-mode", "DLOCK_REDIS_ALLOW_DEGRADED_MODE"),
		},

		// SQL
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Database URL (sqlite://, postgres://, postgres+unix://, mysql://, mysql+unix://)",
			Sources: flagSources("database.url", "DLOCK_DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "database-table",
			Usage:   "Name of the lease table",
			Sources: flagSources("database.table", "DLOCK_DATABASE_TABLE"),
			Value:   sqlstore.DefaultTable,
		},
		&cli.IntFlag{
			Name:    "database-pool-max-open-conns",
			Usage:   "Maximum number of open connections to the database (0 uses the database default)",
			Sources: flagSources("database.pool.max-open-conns", "DLOCK_DATABASE_POOL_MAX_OPEN_CONNS"),
		},
		&cli.IntFlag{
			Name:    "database-pool-max-idle-conns",
			Usage:   "Maximum number of idle connections in the pool (0 uses the database default)",
			Sources: flagSources("database.pool.max-idle-conns", "DLOCK_DATABASE_POOL_MAX_IDLE_CONNS"),
		},
		&cli.BoolFlag{
			Name:    "database-migrate",
			Usage:   "Create the lease table if it does not exist",
			Sources: flagSources("database.migrate", "DLOCK_DATABASE_MIGRATE"),
			Value:   true,
		},

		// DynamoDB
		&cli.StringFlag{
			Name:    "dynamodb-region",
			Usage:   "AWS region of the DynamoDB table",
			Sources: flagSources("dynamodb.region", "DLOCK_DYNAMODB_REGION"),
		},
		&cli.StringFlag{
			Name:    "dynamodb-table",
			Usage:   "Name of the DynamoDB table",
			Sources: flagSources("dynamodb.table", "DLOCK_DYNAMODB_TABLE"),
			Value:   dynamolock.DefaultTable,
		},
		&cli.StringFlag{
			Name:    "dynamodb-endpoint",
			Usage:   "Override the DynamoDB endpoint (e.g., http://localhost:8000 for DynamoDB Local)",
			Sources: flagSources("dynamodb.endpoint", "DLOCK_DYNAMODB_ENDPOINT"),
		},
		&cli.StringFlag{
			Name:    "dynamodb-access-key-id",
			Usage:   "Static AWS access key ID (the default credential chain is used when empty)",
			Sources: flagSources("dynamodb.access-key-id", "DLOCK_DYNAMODB_ACCESS_KEY_ID"),
		},
		&cli.StringFlag{
			Name:    "dynamodb-secret-access-key",
			Usage:   "Static AWS secret access key",
			Sources: flagSources("dynamodb.secret-access-key", "DLOCK_DYNAMODB_SECRET_ACCESS_KEY"),
		},
		&cli.BoolFlag{
			Name:    "dynamodb-create-table",
			Usage:   "Create the DynamoDB table if it does not exist",
			Sources: flagSources("dynamodb.create-table", "DLOCK_DYNAMODB_CREATE_TABLE"),
		},

		// Cassandra
		&cli.StringSliceFlag{
			Name:    "cassandra-hosts",
			Usage:   "Cassandra or ScyllaDB contact points",
			Sources: flagSources("cassandra.hosts", "DLOCK_CASSANDRA_HOSTS"),
		},
		&cli.StringFlag{
			Name:    "cassandra-keyspace",
			Usage:   "Keyspace of the lock table; it must already exist",
			Sources: flagSources("cassandra.keyspace", "DLOCK_CASSANDRA_KEYSPACE"),
			Value:   cassandralock.DefaultKeyspace,
		},
		&cli.StringFlag{
			Name:    "cassandra-table",
			Usage:   "Name of the lock table",
			Sources: flagSources("cassandra.table", "DLOCK_CASSANDRA_TABLE"),
			Value:   cassandralock.DefaultTable,
		},
		&cli.StringFlag{
			Name:    "cassandra-username",
			Usage:   "Cassandra username",
			Sources: flagSources("cassandra.username", "DLOCK_CASSANDRA_USERNAME"),
		},
		&cli.StringFlag{
			Name:    "cassandra-password",
			Usage:   "Cassandra password",
			Sources: flagSources("cassandra.password", "DLOCK_CASSANDRA_PASSWORD"),
		},
		&cli.DurationFlag{
			Name:    "cassandra-timeout",
			Usage:   "Per-query timeout",
			Sources: flagSources("cassandra.timeout", "DLOCK_CASSANDRA_TIMEOUT"),
			Value:   cassandralock.DefaultTimeout,
		},
		&cli.BoolFlag{
			Name:    "cassandra-migrate",
			Usage:   "Create the lock table if it does not exist",
			Sources: flagSources("cassandra.migrate", "DLOCK_CASSANDRA_MIGRATE"),
			Value:   true,
		},
	}
}

// newManager builds the lock manager and its store from the root flags.
// Connections it opens are closed through registerShutdown.
func newManager(
	ctx context.Context,
	cmd *cli.Command,
	registerShutdown registerShutdownFn,
) (*lock.Manager, lock.Store, error) {
	root := cmd.Root()
	backend := root.String("store-backend")

	store, err := newStore(ctx, root, backend, registerShutdown)
	if err != nil {
		return nil, nil, err
	}

	retryCfg := lock.RetryConfig{
		MaxAttempts:  root.Int("lock-retry-max-attempts"),
		InitialDelay: root.Duration("lock-retry-initial-delay"),
		MaxDelay:     root.Duration("lock-retry-max-delay"),
		Jitter:       root.Bool("lock-retry-jitter"),
	}

	manager := lock.NewManager(
		store,
		lock.WithBackendName(backend),
		lock.WithKeyPrefix(root.String("lock-key-prefix")),
		lock.WithRetryConfig(retryCfg),
	)

	return manager, store, nil
}

func newStore(
	ctx context.Context,
	root *cli.Command,
	backend string,
	registerShutdown registerShutdownFn,
) (lock.Store, error) {
	log := zerolog.Ctx(ctx).With().Str("backend", backend).Logger()

	switch backend {
	case storeBackendLocal:
		log.Info().Msg("using in-process locks (single-instance mode)")

		return local.NewStore(), nil

	case storeBackendRedis, storeBackendRedisKV, storeBackendRedsync:
		return newRedisStore(ctx, root, backend, registerShutdown)

	case storeBackendSQL:
		return newSQLStore(ctx, root, registerShutdown)

	case storeBackendDynamoDB:
		store, err := dynamolock.New(ctx, dynamolock.Config{
			Region:          root.String("dynamodb-region"),
			Table:           root.String("dynamodb-table"),
			Endpoint:        root.String("dynamodb-endpoint"),
			AccessKeyID:     root.String("dynamodb-access-key-id"),
			SecretAccessKey: root.String("dynamodb-secret-access-key"),
		})
		if err != nil {
			return nil, fmt.Errorf("error creating the DynamoDB store: %w", err)
		}

		if root.Bool("dynamodb-create-table") {
			if err := store.EnsureTable(ctx); err != nil {
				return nil, fmt.Errorf("error ensuring the DynamoDB table: %w", err)
			}
		}

		log.Info().
			Str("table", root.String("dynamodb-table")).
			Msg("distributed locking enabled with DynamoDB")

		return store, nil

	case storeBackendCassandra:
		store, err := cassandralock.New(ctx, cassandralock.Config{
			Hosts:    root.StringSlice("cassandra-hosts"),
			Keyspace: root.String("cassandra-keyspace"),
			Table:    root.String("cassandra-table"),
			Username: root.String("cassandra-username"),
			Password: root.String("cassandra-password"),
			Timeout:  root.Duration("cassandra-timeout"),
		})
		if err != nil {
			return nil, fmt.Errorf("error creating the Cassandra store: %w", err)
		}

		registerShutdown("cassandra", func(context.Context) error {
			store.Close()

			return nil
		})

		if root.Bool("cassandra-migrate") {
			if err := store.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("error creating the Cassandra lock table: %w", err)
			}
		}

		log.Info().
			Strs("hosts", root.StringSlice("cassandra-hosts")).
			Msg("distributed locking enabled with Cassandra")

		return store, nil

	default:
		return nil, fmt.Errorf("%w: %s (must be one of %s, %s, %s, %s, %s, %s or %s)",
			ErrUnknownStoreBackend, backend,
			storeBackendLocal, storeBackendRedis, storeBackendRedisKV, storeBackendRedsync,
			storeBackendSQL, storeBackendDynamoDB, storeBackendCassandra)
	}
}

func newRedisStore(
	ctx context.Context,
	root *cli.Command,
	backend string,
	registerShutdown registerShutdownFn,
) (lock.Store, error) {
	var addrs []string

	for _, addr := range root.StringSlice("redis-addrs") {
		if addr != "" {
			addrs = append(addrs, addr)
		}
	}

	client, err := redislock.NewClient(ctx, redislock.Config{
		Addrs:    addrs,
		Username: root.String("redis-username"),
		Password: root.String("redis-password"),
		DB:       root.Int("redis-db"),
		UseTLS:   root.Bool("redis-use-tls"),
		PoolSize: root.Int("redis-pool-size"),
	})
	if err != nil {
		return nil, fmt.Errorf("error creating the Redis client: %w", err)
	}

	registerShutdown("redis", func(context.Context) error { return client.Close() })

	var store lock.Store

	switch backend {
	case storeBackendRedisKV:
		store = lock.NewFallbackStore(redislock.NewKV(client))
	case storeBackendRedsync:
		store = redislock.NewRedsyncStore(client)
	default:
		var opts []redislock.StoreOption
		if root.Bool("redis-allow-degraded-mode") {
			zerolog.Ctx(ctx).
				Warn().
				Msg("degraded mode enabled: locks fall back to this process while Redis is unavailable")

			opts = append(opts, redislock.WithDegradedMode(local.NewStore()))
		}

		store = redislock.NewStore(client, opts...)
	}

	zerolog.Ctx(ctx).
		Info().
		Str("backend", backend).
		Strs("addrs", addrs).
		Msg("distributed locking enabled with Redis")

	return store, nil
}

func newSQLStore(ctx context.Context, root *cli.Command, registerShutdown registerShutdownFn) (lock.Store, error) {
	dbURL := root.String("database-url")
	if dbURL == "" {
		return nil, ErrDatabaseURLRequired
	}

	db, err := database.Open(dbURL, &database.PoolConfig{
		MaxOpenConns: root.Int("database-pool-max-open-conns"),
		MaxIdleConns: root.Int("database-pool-max-idle-conns"),
	})
	if err != nil {
		return nil, fmt.Errorf("error opening the database: %w", err)
	}

	registerShutdown("database", func(context.Context) error { return db.Close() })

	store, err := sqlstore.New(db, sqlstore.WithTable(root.String("database-table")))
	if err != nil {
		return nil, err
	}

	if root.Bool("database-migrate") {
		migrateCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()

		if err := store.Migrate(migrateCtx); err != nil {
			return nil, fmt.Errorf("error creating the lease table: %w", err)
		}
	}

	zerolog.Ctx(ctx).
		Info().
		Str("database_type", db.Type().String()).
		Str("table", root.String("database-table")).
		Msg("distributed locking enabled with SQL")

	return store, nil
}
