package leader

import "sync"

// DelegateModeState tracks whether a delegation round is active. While
// active the lead is coordinating, not doing the work itself; the host UI
// reads this to adjust what it offers the operator.
type DelegateModeState struct {
	mu     sync.RWMutex
	active bool
}

// Enable activates delegate mode.
func (d *DelegateModeState) Enable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = true
}

// Disable deactivates delegate mode.
func (d *DelegateModeState) Disable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = false
}

// IsActive reports whether delegate mode is currently active.
func (d *DelegateModeState) IsActive() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.active
}
