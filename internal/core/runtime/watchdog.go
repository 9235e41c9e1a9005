package runtime

import (
	"sort"
	"sync"
	"time"
)

type watchdogEntry struct {
	interval time.Duration
	lastPat  time.Time
}

// Watchdog tracks periodic pats. A node that has not patted for twice its
// declared interval is expired.
type Watchdog struct {
	mu      sync.Mutex
	entries map[string]*watchdogEntry
	now     func() time.Time
}

func NewWatchdog(now func() time.Time) *Watchdog {
	if now == nil {
		now = time.Now
	}
	return &Watchdog{
		entries: make(map[string]*watchdogEntry),
		now:     now,
	}
}

// Register starts monitoring name. Registration counts as the first pat.
func (w *Watchdog) Register(name string, interval time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[name] = &watchdogEntry{interval: interval, lastPat: w.now()}
}

func (w *Watchdog) Unregister(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entries, name)
}

// Pat returns false if name is not monitored.
func (w *Watchdog) Pat(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[name]
	if ok {
		e.lastPat = w.now()
	}
	return ok
}

func (w *Watchdog) Expired() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	var out []string
	for name, e := range w.entries {
		if now.Sub(e.lastPat) > 2*e.interval {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
