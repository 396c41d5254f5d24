package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerTripsAndRecovers(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cb := NewBreaker(Config{MaxFailures: 2, Cooldown: time.Minute})
	cb.Clock = func() time.Time { return now }

	boom := errors.New("boom")
	assert.ErrorIs(t, cb.Do(func() error { return boom }), boom)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Do(func() error { return boom }), boom)
	assert.Equal(t, StateOpen, cb.State())

	var open *ErrOpen
	require.ErrorAs(t, cb.Allow(), &open)
	assert.Equal(t, time.Minute, open.Remaining)

	now = now.Add(61 * time.Second)
	require.NoError(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())
	// only one trial in flight
	assert.Error(t, cb.Allow())

	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Allow())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cb := NewBreaker(Config{MaxFailures: 1, Cooldown: time.Second})
	cb.Clock = func() time.Time { return now }

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())

	now = now.Add(2 * time.Second)
	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.Error(t, cb.Allow())
}

func TestGroupReturnsSameBreakerPerKey(t *testing.T) {
	g := NewGroup(Config{MaxFailures: 1, Cooldown: time.Minute}, 2)
	a := g.Get("a.example")
	assert.Same(t, a, g.Get("a.example"))

	a.RecordFailure()
	g.Get("b.example")
	// at capacity: closed breakers are evicted, the open one survives
	g.Get("c.example")
	assert.Same(t, a, g.Get("a.example"))
	assert.Equal(t, StateOpen, g.Get("a.example").State())
}
