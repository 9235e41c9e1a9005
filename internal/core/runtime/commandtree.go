package runtime

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrUnknownNode   = errors.New("unknown node")
	ErrDuplicateNode = errors.New("node already in command tree")
	ErrCycle         = errors.New("reparent would create a cycle")
)

// BossHandle returns the handle prefix up to the last dot, or "" for a root.
func BossHandle(handle string) string {
	i := strings.LastIndex(handle, ".")
	if i < 0 {
		return ""
	}
	return handle[:i]
}

// IsDirectBoss reports whether bossHandle is the immediate parent of childHandle.
func IsDirectBoss(bossHandle, childHandle string) bool {
	return bossHandle != "" && BossHandle(childHandle) == bossHandle
}

// CommandTree maps node names to dotted handles. The last handle segment is the
// node's own short name; everything before it is its boss. Safe for concurrent use.
type CommandTree struct {
	mu      sync.RWMutex
	handles map[string]string
}

func NewCommandTree() *CommandTree {
	return &CommandTree{handles: make(map[string]string)}
}

// AddRoot adds a node at the top of a tree.
func (t *CommandTree) AddRoot(name, handle string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.handles[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, name)
	}
	t.handles[name] = handle
	return nil
}

// Add places name directly under boss.
func (t *CommandTree) Add(name, boss string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.handles[name]; ok {
		return "", fmt.Errorf("%w: %s", ErrDuplicateNode, name)
	}
	bossHandle, ok := t.handles[boss]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownNode, boss)
	}
	handle := bossHandle + "." + name
	t.handles[name] = handle
	return handle, nil
}

func (t *CommandTree) Handle(name string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handles[name]
	return h, ok
}

// Boss returns the name of the node whose handle is name's boss handle.
func (t *CommandTree) Boss(name string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handles[name]
	if !ok {
		return "", false
	}
	bh := BossHandle(h)
	if bh == "" {
		return "", false
	}
	for n, other := range t.handles {
		if other == bh {
			return n, true
		}
	}
	return "", false
}

// IsBossOf reports whether boss currently directly commands child.
func (t *CommandTree) IsBossOf(boss, child string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return IsDirectBoss(t.handles[boss], t.handles[child])
}

// Reparent moves name (and everything below it) under newBoss. It returns the
// changed handles keyed by node name.
func (t *CommandTree) Reparent(name, newBoss string) (map[string]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	old, ok := t.handles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}
	bossHandle, ok := t.handles[newBoss]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, newBoss)
	}
	if bossHandle == old || strings.HasPrefix(bossHandle, old+".") {
		return nil, fmt.Errorf("%w: %s under %s", ErrCycle, name, newBoss)
	}
	handle := bossHandle + "." + name
	changed := map[string]string{}
	if handle == old {
		return changed, nil
	}
	for n, h := range t.handles {
		switch {
		case h == old:
			t.handles[n] = handle
			changed[n] = handle
		case strings.HasPrefix(h, old+"."):
			nh := handle + strings.TrimPrefix(h, old)
			t.handles[n] = nh
			changed[n] = nh
		}
	}
	return changed, nil
}

// Children lists the direct reports of boss, sorted by name.
func (t *CommandTree) Children(boss string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	bh, ok := t.handles[boss]
	if !ok {
		return nil
	}
	var out []string
	for n, h := range t.handles {
		if IsDirectBoss(bh, h) {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

func (t *CommandTree) Snapshot() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]string, len(t.handles))
	for k, v := range t.handles {
		out[k] = v
	}
	return out
}
