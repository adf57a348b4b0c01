package directory

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

const writeOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename

// newFileWatcher watches the parent directory of path: editors and the
// atomic rename in FileStore.Save replace the file rather than write it in
// place, which drops a watch held on the file itself.
func newFileWatcher(path string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	return watcher, nil
}
