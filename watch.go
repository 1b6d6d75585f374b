package prefork

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"
)

// DefaultWatchDebounce coalesces bursts of filesystem events on the state
// file into one read.
const DefaultWatchDebounce = 25 * time.Millisecond

// StateFileEvent is one observation of the state file.
type StateFileEvent struct {
	// Record is the parsed state file; nil when Removed or Err is set
	Record *StateRecord

	// Removed reports that the state file no longer exists
	Removed bool

	// Err reports a read or watch failure
	Err error
}

// WatchStateFile watches the state file for changes and emits an event per
// observed state. The current state is emitted immediately, so callers can
// act without racing the first filesystem event. The watch runs until ctx
// is done or the returned cleanup function is called.
//
// Writes land via rename, so the watch covers the parent directory and
// filters by name.
func WatchStateFile(ctx context.Context, path string) (<-chan StateFileEvent, func() error, error) {
	dir := filepath.Dir(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, nil, err
	}

	events := make(chan StateFileEvent, 16)
	sctx := stopper.WithContext(ctx)
	sctx.Defer(func() {
		_ = watcher.Close()
		close(events)
	})
	cleanup := func() error {
		sctx.Stop(100 * time.Millisecond)
		return sctx.Wait()
	}

	var mu sync.Mutex
	var debounce *time.Timer

	emit := func() {
		if sctx.IsStopping() {
			return
		}
		var ev StateFileEvent
		rec, err := ReadStateFile(path)
		switch {
		case errors.Is(err, ErrStateFileNotFound):
			ev.Removed = true
		case err != nil:
			ev.Err = err
		default:
			ev.Record = rec
		}
		select {
		case events <- ev:
		case <-sctx.Stopping():
		}
	}

	emit()

	base := filepath.Base(path)
	sctx.Go(func(sctx *stopper.Context) error {
		sctx.Defer(func() {
			mu.Lock()
			if debounce != nil {
				debounce.Stop()
			}
			mu.Unlock()
		})
		for {
			select {
			case <-sctx.Stopping():
				return nil
			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				mu.Lock()
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(DefaultWatchDebounce, emit)
				mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				if err == nil || sctx.IsStopping() {
					continue
				}
				select {
				case events <- StateFileEvent{Err: err}:
				case <-sctx.Stopping():
					return nil
				}
			}
		}
	})

	return events, cleanup, nil
}
