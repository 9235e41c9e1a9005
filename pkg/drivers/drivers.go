package drivers

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNoSuchChannel = errors.New("no such channel")
	ErrOutOfRange    = errors.New("value out of range")
)

// RelayBoard drives a bank of relays by index. Energized is the coil state,
// not the contact state; what that means for the load depends on wiring.
type RelayBoard interface {
	SetRelay(idx int, energized bool) error
	RelayState(idx int) (bool, error)
}

// AnalogOut drives 0-10V outputs, value in 0-100.
type AnalogOut interface {
	SetOutput(idx int, value int) error
	Output(idx int) (int, error)
}

type MemoryRelayBoard struct {
	mu     sync.Mutex
	relays []bool
	writes int
	Err    error
}

func NewMemoryRelayBoard(size int) *MemoryRelayBoard {
	return &MemoryRelayBoard{relays: make([]bool, size)}
}

func (b *MemoryRelayBoard) SetRelay(idx int, energized bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return b.Err
	}
	if idx < 0 || idx >= len(b.relays) {
		return fmt.Errorf("%w: relay %d", ErrNoSuchChannel, idx)
	}
	b.relays[idx] = energized
	b.writes++
	return nil
}

func (b *MemoryRelayBoard) RelayState(idx int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx < 0 || idx >= len(b.relays) {
		return false, fmt.Errorf("%w: relay %d", ErrNoSuchChannel, idx)
	}
	return b.relays[idx], nil
}

// Writes counts successful SetRelay calls.
func (b *MemoryRelayBoard) Writes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}

type MemoryAnalogOut struct {
	mu      sync.Mutex
	outputs []int
	Err     error
}

func NewMemoryAnalogOut(size int) *MemoryAnalogOut {
	return &MemoryAnalogOut{outputs: make([]int, size)}
}

func (a *MemoryAnalogOut) SetOutput(idx int, value int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return a.Err
	}
	if idx < 0 || idx >= len(a.outputs) {
		return fmt.Errorf("%w: output %d", ErrNoSuchChannel, idx)
	}
	if value < 0 || value > 100 {
		return fmt.Errorf("%w: %d", ErrOutOfRange, value)
	}
	a.outputs[idx] = value
	return nil
}

func (a *MemoryAnalogOut) Output(idx int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx < 0 || idx >= len(a.outputs) {
		return 0, fmt.Errorf("%w: output %d", ErrNoSuchChannel, idx)
	}
	return a.outputs[idx], nil
}
