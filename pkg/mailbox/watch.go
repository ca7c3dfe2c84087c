package mailbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/jg-phare/crew/pkg/teamfs"
)

// Watch signals on the returned channel whenever the recipient's inbox file
// changes, so a poller can wake early instead of waiting out its tick. The
// poll loop stays the correctness path; Watch is purely a latency
// optimization. The watcher stops when ctx is cancelled.
func (s *Store) Watch(ctx context.Context, namespace, recipient string) (<-chan struct{}, error) {
	path := teamfs.InboxPath(s.teamDir, namespace, recipient)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create inbox directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch inbox directory: %w", err)
	}

	ch := make(chan struct{}, 1)

	go func() {
		defer watcher.Close()
		defer close(ch)

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				if filepath.Base(event.Name) != filepath.Base(path) {
					continue
				}
				// Coalesce: a pending signal is enough.
				select {
				case ch <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return ch, nil
}
