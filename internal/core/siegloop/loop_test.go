package siegloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchDirection(t *testing.T) {
	l := NewLoop(20)
	assert.Equal(t, STEADY_BLEND, l.State())

	_, err := l.Dispatch(80)
	require.NoError(t, err)
	assert.Equal(t, KEEPING_MORE, l.State())
	assert.Equal(t, Relays{MotorOn: true, Keep: true}, RelaysFor(l.State()))

	_, err = l.Dispatch(10)
	require.NoError(t, err)
	assert.Equal(t, KEEPING_LESS, l.State())
	assert.Equal(t, Relays{MotorOn: true}, RelaysFor(l.State()))

	_, err = l.Dispatch(101)
	assert.ErrorIs(t, err, ErrTargetOutOfRange)
}

func TestArrivalSettles(t *testing.T) {
	l := NewLoop(97)
	id, err := l.Dispatch(100)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, arrived, ok := l.Step(id)
		require.True(t, ok)
		assert.False(t, arrived)
	}
	pct, arrived, ok := l.Step(id)
	require.True(t, ok)
	assert.True(t, arrived)
	assert.Equal(t, 100, pct)
	assert.Equal(t, FULLY_KEEP, l.State())
	assert.Equal(t, Relays{}, RelaysFor(l.State()))
}

func TestInterruptedTask(t *testing.T) {
	l := NewLoop(20)
	first, err := l.Dispatch(80)
	require.NoError(t, err)

	steps := int(10 * time.Second / PERCENT_DWELL)
	for i := 0; i < steps; i++ {
		_, _, ok := l.Step(first)
		require.True(t, ok)
	}
	assert.Equal(t, 34, l.PercentKeep())

	second, err := l.Dispatch(0)
	require.NoError(t, err)
	assert.Equal(t, KEEPING_LESS, l.State())

	_, _, ok := l.Step(first)
	assert.False(t, ok, "cancelled task must not move the valve")
	assert.Equal(t, 34, l.PercentKeep())

	prev := l.PercentKeep()
	for {
		pct, arrived, ok := l.Step(second)
		require.True(t, ok)
		assert.Less(t, pct, prev)
		prev = pct
		if arrived {
			break
		}
	}
	assert.Equal(t, 0, l.PercentKeep())
	assert.Equal(t, FULLY_SEND, l.State())
	assert.Equal(t, 34*PERCENT_DWELL, NewLoop(34).TravelTime(0))
}
