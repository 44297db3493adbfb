package bridge

import "sync"

// The agent tool registry looks the bridge up by ambient reference rather
// than by handle, so the process keeps a single "current" bridge slot. The
// orchestrator additionally threads the instance through explicitly and caps
// concurrent runs, which is what actually makes this safe; the slot exists
// for the tool contract. It is reset to empty on Close.
var (
	slotMu  sync.Mutex
	current *Bridge
)

// Current returns the process-wide active bridge, or nil when none is
// connected.
func Current() *Bridge {
	slotMu.Lock()
	defer slotMu.Unlock()
	return current
}

func setCurrent(b *Bridge) {
	slotMu.Lock()
	defer slotMu.Unlock()
	current = b
}

// clearCurrent empties the slot only if it still points at b, so a stale
// Close cannot evict a newer bridge.
func clearCurrent(b *Bridge) {
	slotMu.Lock()
	defer slotMu.Unlock()
	if current == b {
		current = nil
	}
}
