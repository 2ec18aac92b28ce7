package store

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// watchWrites signals on the returned channel whenever the database or its
// WAL changes on disk, including writes from other processes. It returns a
// nil channel when the directory cannot be watched; tail then relies on
// polling alone.
func (s *Store) watchWrites(ctx context.Context) <-chan struct{} {
	if s.path == "" || s.path == ":memory:" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Debug().Err(err).Msg("fsnotify unavailable, polling only")
		return nil
	}
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		s.log.Debug().Err(err).Str("dir", dir).Msg("cannot watch db dir, polling only")
		_ = watcher.Close()
		return nil
	}

	base := filepath.Base(s.path)
	wake := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				// db, db-wal and db-shm all count.
				if !strings.HasPrefix(filepath.Base(event.Name), base) {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Debug().Err(err).Msg("db watcher error")
			}
		}
	}()
	return wake
}
