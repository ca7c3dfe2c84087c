package teamfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLockTimeout marks a lock acquisition that exceeded its timeout.
// Callers that treat contention as transient (the mailbox poll) match it
// with errors.Is.
var ErrLockTimeout = errors.New("lock timeout")

// LockOptions tunes WithLock. Zero values select the defaults.
type LockOptions struct {
	Timeout time.Duration // give up after this long (default 30s)
	Poll    time.Duration // retry interval (default 25ms)
	Stale   time.Duration // reclaim locks older than this (default 60s)
	Label   string        // included in the timeout error (default: lock path)
}

const (
	defaultLockTimeout = 30 * time.Second
	defaultLockPoll    = 25 * time.Millisecond
	defaultLockStale   = 60 * time.Second
)

func (o LockOptions) withDefaults(path string) LockOptions {
	if o.Timeout <= 0 {
		o.Timeout = defaultLockTimeout
	}
	if o.Poll <= 0 {
		o.Poll = defaultLockPoll
	}
	if o.Stale <= 0 {
		o.Stale = defaultLockStale
	}
	if o.Label == "" {
		o.Label = path
	}
	return o
}

// WithLock acquires an exclusive advisory lock at path, runs fn, and
// releases the lock on every exit path. The lock is a sibling file created
// with O_EXCL; a holder that crashes is reclaimed once the file's mtime is
// older than Stale. Not a distributed lock: it assumes a local filesystem
// with atomic create, and fairness is not guaranteed.
func WithLock(path string, opts LockOptions, fn func() error) error {
	opts = opts.withDefaults(path)

	if err := acquireLock(path, opts); err != nil {
		return err
	}
	defer releaseLock(path)

	return fn()
}

func acquireLock(path string, opts LockOptions) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	deadline := time.Now().Add(opts.Timeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("create lock %s: %w", path, err)
		}

		// Held by someone else. Reclaim if the holder looks dead.
		if info, statErr := os.Stat(path); statErr == nil {
			if time.Since(info.ModTime()) > opts.Stale {
				os.Remove(path) // best effort; loser of this race just retries
				continue
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("Timeout acquiring lock: %s: %w", opts.Label, ErrLockTimeout)
		}
		time.Sleep(opts.Poll)
	}
}

func releaseLock(path string) {
	// Tolerate an already-removed lock (stale reclamation race).
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		// Nothing useful to do; the stale sweep will pick it up.
		_ = err
	}
}
