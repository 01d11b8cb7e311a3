package config

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
)

// debounceInterval coalesces the burst of Write/Chmod events editors
// and `env` tooling tend to emit for a single logical save.
const debounceInterval = 250 * time.Millisecond

// Watcher watches an on-disk .env config file for edits and feeds a
// freshly-reloaded Config to the supplied callback, grounded on the
// teacher's vault directory watcher (internal/vault.Watch), pointed at
// a single file instead of a recursive tree.
type Watcher struct {
	path string
}

// NewWatcher builds a Watcher for the .env file at path.
func NewWatcher(path string) *Watcher {
	return &Watcher{path: path}
}

// Watch blocks until ctx is cancelled, calling onReload with a freshly
// parsed Config each time the watched file settles after an edit. A
// reload that fails to parse or validate is logged to onError instead
// of calling onReload, so a transient bad save does not crash the
// caller. Nothing in this module calls Watch or applies a reloaded
// Config to a running session; onReload is the only consumer.
func (w *Watcher) Watch(ctx context.Context, onReload func(*Config), onError func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.path); err != nil {
		return fmt.Errorf("watching config file %q: %w", w.path, err)
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	reload := func() {
		// LoadFrom never overrides variables already in the environment,
		// which an earlier load of this same file has set; overload first
		// so edited values replace them.
		_ = godotenv.Overload(w.path)
		cfg, err := LoadFrom(w.path)
		if err != nil {
			onError(fmt.Errorf("reloading config: %w", err))
			return
		}
		onReload(cfg)
	}

	for {
		var debounceCh <-chan time.Time
		if debounce != nil {
			debounceCh = debounce.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceInterval)
			} else {
				debounce.Reset(debounceInterval)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}
			onError(fmt.Errorf("fsnotify: %w", err))

		case <-debounceCh:
			reload()
		}
	}
}
