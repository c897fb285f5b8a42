package circuitbreaker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kalbasit/dlock/pkg/circuitbreaker"
)

type step struct {
	do      func(cb *circuitbreaker.CircuitBreaker)
	advance time.Duration
	allow   *bool
	state   *circuitbreaker.State
}

func allows(b bool) *bool { return &b }

func is(s circuitbreaker.State) *circuitbreaker.State { return &s }

func failure(cb *circuitbreaker.CircuitBreaker) { cb.RecordFailure() }

func success(cb *circuitbreaker.CircuitBreaker) { cb.RecordSuccess() }

func forceOpen(cb *circuitbreaker.CircuitBreaker) { cb.ForceOpen() }

//nolint:paralleltest // mocks timeNow
func TestCircuitBreaker(t *testing.T) {
	now := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

	t.Cleanup(circuitbreaker.SetTimeNow(func() time.Time { return now }))

	tests := map[string][]step{
		"opens at the threshold": {
			{state: is(circuitbreaker.StateClosed), allow: allows(true)},
			{do: failure, state: is(circuitbreaker.StateClosed)},
			{do: failure, state: is(circuitbreaker.StateClosed), allow: allows(true)},
			{do: failure, state: is(circuitbreaker.StateOpen), allow: allows(false)},
			{advance: 30 * time.Second, state: is(circuitbreaker.StateOpen), allow: allows(false)},
		},
		"a success resets the count": {
			{do: failure},
			{do: failure},
			{do: success, state: is(circuitbreaker.StateClosed)},
			{do: failure},
			{do: failure, state: is(circuitbreaker.StateClosed), allow: allows(true)},
		},
		"the probe closes the breaker": {
			{do: forceOpen, state: is(circuitbreaker.StateOpen), allow: allows(false)},
			{advance: time.Minute, state: is(circuitbreaker.StateHalfOpen)},
			// only the first caller gets through
			{allow: allows(true), state: is(circuitbreaker.StateOpen)},
			{allow: allows(false)},
			{do: success, state: is(circuitbreaker.StateClosed), allow: allows(true)},
		},
		"a failed probe reopens the breaker": {
			{do: forceOpen},
			{advance: 61 * time.Second, allow: allows(true)},
			{do: failure, state: is(circuitbreaker.StateOpen), allow: allows(false)},
			{advance: 59 * time.Second, allow: allows(false)},
			{advance: time.Second, state: is(circuitbreaker.StateHalfOpen)},
		},
	}

	for name, steps := range tests {
		t.Run(name, func(t *testing.T) {
			cb := circuitbreaker.New(3, time.Minute)

			for i, s := range steps {
				now = now.Add(s.advance)

				if s.do != nil {
					s.do(cb)
				}

				if s.allow != nil {
					assert.Equal(t, *s.allow, cb.AllowRequest(), "step %d: AllowRequest", i)
				}

				if s.state != nil {
					assert.Equal(t, *s.state, cb.State(), "step %d: State", i)
					assert.Equal(t, *s.state == circuitbreaker.StateOpen, cb.IsOpen(), "step %d: IsOpen", i)
				}
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	cb := circuitbreaker.New(0, 0)

	for range circuitbreaker.DefaultThreshold - 1 {
		cb.RecordFailure()
	}

	assert.False(t, cb.IsOpen(), "one failure short of the threshold")

	cb.RecordFailure()
	assert.True(t, cb.IsOpen())
}

func TestState_String(t *testing.T) {
	t.Parallel()

	for state, want := range map[circuitbreaker.State]string{
		circuitbreaker.StateClosed:   "closed",
		circuitbreaker.StateOpen:     "open",
		circuitbreaker.StateHalfOpen: "half-open",
		circuitbreaker.State(42):     "unknown",
	} {
		assert.Equal(t, want, state.String())
	}
}
