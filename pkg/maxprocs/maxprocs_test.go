package maxprocs_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/dlock/pkg/maxprocs"
)

//nolint:paralleltest // mutates GOMAXPROCS
func TestAutoMaxProcs(t *testing.T) {
	var buf bytes.Buffer

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := maxprocs.AutoMaxProcs(ctx, 10*time.Millisecond, zerolog.New(&buf))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 1, "repeated messages are logged once")
	assert.Contains(t, lines[0], "auto-max-procs")
}
