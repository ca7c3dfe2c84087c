package teamfs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// InstanceGuard holds an OS-level advisory lock marking a team directory as
// owned by one running leader. Unlike WithLock it releases automatically if
// the holder dies, which is exactly what a liveness guard wants.
type InstanceGuard struct {
	fl *flock.Flock
}

// AcquireInstanceGuard takes the leader lock for teamDir, failing fast if
// another leader already holds it.
func AcquireInstanceGuard(teamDir string) (*InstanceGuard, error) {
	if err := os.MkdirAll(teamDir, 0o755); err != nil {
		return nil, fmt.Errorf("create team directory: %w", err)
	}

	fl := flock.New(filepath.Join(teamDir, ".leader.lock"))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire leader lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("team directory %s already has a running leader", teamDir)
	}
	return &InstanceGuard{fl: fl}, nil
}

// Release drops the leader lock. Safe to call on a nil guard.
func (g *InstanceGuard) Release() {
	if g == nil || g.fl == nil {
		return
	}
	g.fl.Unlock()
}
