package storage

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// KeyWatcher watches one storage key for changes made by any process sharing
// the store directory and invokes a callback on each change. It watches the
// key's parent directory because atomic renames land as create events on the
// final name; sidecar .tmp and .lock files are filtered out.
type KeyWatcher struct {
	watcher  *fsnotify.Watcher
	file     string
	onChange func()
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
	mu       sync.Mutex
}

// NewKeyWatcher creates a watcher for the given storage key. The key's
// directory is created if it does not exist yet so the watch can be
// established before the first write.
func NewKeyWatcher(s *Storage, path []string, onChange func()) (*KeyWatcher, error) {
	file := s.FilePath(path)
	dir := filepath.Dir(file)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	log.Debug().Str("file", file).Msg("storage key watcher initialized")

	return &KeyWatcher{
		watcher:  w,
		file:     file,
		onChange: onChange,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins delivering change notifications.
func (w *KeyWatcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run()
}

func (w *KeyWatcher) run() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Renames land as create events on the final name.
			if filepath.Clean(ev.Name) != w.file {
				continue
			}
			w.onChange()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("storage key watcher error")
		}
	}
}

// Stop stops the watcher and waits for the delivery goroutine to exit.
func (w *KeyWatcher) Stop() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	select {
	case <-w.stopCh:
		// Already stopped
	default:
		close(w.stopCh)
	}

	if started {
		<-w.doneCh
	}

	return w.watcher.Close()
}
