package drivers

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRelayBoard(t *testing.T) {
	b := NewMemoryRelayBoard(4)
	require.NoError(t, b.SetRelay(2, true))
	on, err := b.RelayState(2)
	require.NoError(t, err)
	assert.True(t, on)
	assert.Equal(t, 1, b.Writes())

	assert.ErrorIs(t, b.SetRelay(4, true), ErrNoSuchChannel)

	b.Err = errors.New("i2c nack")
	assert.Error(t, b.SetRelay(2, false))
	on, _ = b.RelayState(2)
	assert.True(t, on)
}

func TestMemoryAnalogOut(t *testing.T) {
	a := NewMemoryAnalogOut(1)
	require.NoError(t, a.SetOutput(0, 70))
	v, err := a.Output(0)
	require.NoError(t, err)
	assert.Equal(t, 70, v)
	assert.ErrorIs(t, a.SetOutput(0, 101), ErrOutOfRange)
	assert.ErrorIs(t, a.SetOutput(1, 10), ErrNoSuchChannel)
}
