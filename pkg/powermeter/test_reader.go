package powermeter

import "sync"

// TestReader returns whatever powers were last set on it.
type TestReader struct {
	mu     sync.Mutex
	powers map[string]int
	reads  int
	Err    error
}

func NewTestReader(powers map[string]int) *TestReader {
	r := &TestReader{}
	r.Set(powers)
	return r
}

func (r *TestReader) Open() error {
	return nil
}

func (r *TestReader) Close() error {
	return nil
}

func (r *TestReader) Set(powers map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.powers = make(map[string]int, len(powers))
	for k, v := range powers {
		r.powers[k] = v
	}
}

func (r *TestReader) SetErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Err = err
}

func (r *TestReader) Reads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads
}

func (r *TestReader) ReadPowers() (map[string]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads++
	if r.Err != nil {
		return nil, r.Err
	}
	out := make(map[string]int, len(r.powers))
	for k, v := range r.powers {
		out[k] = v
	}
	return out, nil
}
