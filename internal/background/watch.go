package background

import (
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// watchStore signals on writes to the store file or its WAL. The parent
// directory is watched because stores are replaced by rename.
func watchStore(path string) (<-chan struct{}, func(), error) {
	noop := func() {}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, noop, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, noop, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, noop, err
	}

	base := filepath.Base(path)
	wakes := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !storeEvent(ev, base) {
					continue
				}
				select {
				case wakes <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	stop := func() {
		_ = watcher.Close()
		<-done
	}
	return wakes, stop, nil
}

func storeEvent(ev fsnotify.Event, base string) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Base(ev.Name)
	return name == base || name == base+"-wal"
}
