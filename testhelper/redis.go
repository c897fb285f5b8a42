package testhelper

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// SetupMiniredis starts an in-process Redis server for the duration of the
// test and returns it with a client connected to it. The client does not
// retry failed commands so tests stopping the server fail fast.
func SetupMiniredis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr:       mr.Addr(),
		MaxRetries: -1,
	})

	t.Cleanup(func() { _ = client.Close() })

	return mr, client
}
