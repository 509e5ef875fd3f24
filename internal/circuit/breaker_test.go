package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *time.Time) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(&Config{Enabled: true, FailureThreshold: threshold, Cooldown: cooldown})
	b.now = func() time.Time { return now }
	return b, &now
}

func TestTripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	var tripped string
	b.OnTrip(func(reason string) { tripped = reason })

	boom := errors.New("timeout")
	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure(boom)
	}
	assert.Equal(t, StateClosed, b.GetState())

	require.NoError(t, b.Allow())
	b.RecordFailure(boom)
	assert.Equal(t, StateOpen, b.GetState())
	assert.Contains(t, tripped, "3 consecutive failures")
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestSuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	b.RecordFailure(errors.New("x"))
	b.RecordSuccess()
	b.RecordFailure(errors.New("x"))
	assert.Equal(t, StateClosed, b.GetState())
}

func TestHalfOpenProbe(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)
	reset := false
	b.OnReset(func() { reset = true })

	b.RecordFailure(errors.New("x"))
	require.ErrorIs(t, b.Allow(), ErrOpen)

	*now = now.Add(time.Minute)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.GetState())
	assert.ErrorIs(t, b.Allow(), ErrOpen, "only one probe at a time")

	b.RecordFailure(errors.New("still down"))
	assert.Equal(t, StateOpen, b.GetState())

	*now = now.Add(time.Minute)
	require.NoError(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.GetState())
	assert.True(t, reset)
	assert.NoError(t, b.Allow())
}

func TestDisabledAlwaysAllows(t *testing.T) {
	b := NewBreaker(&Config{Enabled: false, FailureThreshold: 1})
	b.RecordFailure(errors.New("x"))
	assert.NoError(t, b.Allow())
	assert.Equal(t, false, b.GetStats()["enabled"])
}
