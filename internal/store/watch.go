package store

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchRemoval watches the control root and invokes onRemoved(id) whenever
// a session directory disappears (e.g. an external `rm -rf` or a Cleanup
// call made by another process sharing the control root).
func (s *Store) WatchRemoval(onRemoved func(id string)) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(s.root); err != nil {
		w.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&fsnotify.Remove == 0 {
					continue
				}
				onRemoved(filepath.Base(ev.Name))
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return w, nil
}
