package maintenance

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"k8s.io/klog/v2"
)

// configMapDataLink is swapped atomically by the kubelet on ConfigMap updates
const configMapDataLink = "..data"

// fileWatcher watches the directories holding the flag files. Watching the
// directory catches creation and removal of the flag file itself.
type fileWatcher struct {
	watcher *fsnotify.Watcher

	// files maps a watched directory to the file names that matter in it
	files map[string]map[string]bool

	debounceDelay time.Duration
	notify        func()

	mu            sync.Mutex
	debounceTimer *time.Timer
}

func newFileWatcher(paths []string, debounce time.Duration, notify func()) (*fileWatcher, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no files to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &fileWatcher{
		watcher:       watcher,
		files:         make(map[string]map[string]bool),
		debounceDelay: debounce,
		notify:        notify,
	}

	for _, p := range paths {
		dir, name := filepath.Split(filepath.Clean(p))
		dir = filepath.Clean(dir)

		if _, ok := w.files[dir]; !ok {
			if err := watcher.Add(dir); err != nil {
				klog.ErrorS(err, "Failed to watch directory", "dir", dir)
				continue
			}
			w.files[dir] = map[string]bool{configMapDataLink: true}
		}
		w.files[dir][name] = true
	}

	if len(w.files) == 0 {
		watcher.Close()
		return nil, fmt.Errorf("none of %v can be watched", paths)
	}

	return w, nil
}

// Run delivers debounced notifications until ctx is done
func (w *fileWatcher) Run(ctx context.Context) error {
	klog.InfoS("Started watching maintenance flag files", "dirs", len(w.files), "debounce", w.debounceDelay)

	defer func() {
		w.mu.Lock()
		if w.debounceTimer != nil {
			w.debounceTimer.Stop()
		}
		w.mu.Unlock()

		if err := w.watcher.Close(); err != nil {
			klog.ErrorS(err, "Error closing file watcher")
		}
		klog.V(2).Info("Stopped watching maintenance flag files")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}

			klog.V(2).InfoS("Detected flag file change", "op", event.Op.String(), "file", event.Name)
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			klog.ErrorS(err, "File watcher error")
		}
	}
}

func (w *fileWatcher) relevant(event fsnotify.Event) bool {
	// removal of the flag file turns maintenance off, so only chmod is noise
	if event.Op == fsnotify.Chmod {
		return false
	}

	dir, name := filepath.Split(event.Name)
	names, ok := w.files[filepath.Clean(dir)]
	return ok && names[name]
}

func (w *fileWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounceDelay, w.notify)
}
