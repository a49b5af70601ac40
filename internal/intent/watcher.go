package intent

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"duet/internal/logging"
)

// Watcher reloads a classifier's table when its pattern files change.
// A table that fails to load is logged and the previous one stays active.
type Watcher struct {
	fsWatcher  *fsnotify.Watcher
	classifier *Classifier
	load       func() (*Table, error)
	relevant   func(path string) bool
	dirs       []string
	debounce   time.Duration
	onReload   func(*Table, error)

	mu       sync.Mutex
	running  bool
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewFileWatcher watches a single YAML table.
func NewFileWatcher(c *Classifier, path string, debounce time.Duration) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return newWatcher(c, debounce,
		func() (*Table, error) { return LoadTable(abs) },
		func(p string) bool { return filepath.Clean(p) == abs },
		[]string{filepath.Dir(abs)},
	)
}

// NewGlobWatcher watches every file matching a doublestar pattern. Only the
// pattern's static base directory is watched.
func NewGlobWatcher(c *Classifier, pattern string, debounce time.Duration) (*Watcher, error) {
	abs, err := filepath.Abs(pattern)
	if err != nil {
		return nil, err
	}
	base, _ := doublestar.SplitPattern(filepath.ToSlash(abs))
	return newWatcher(c, debounce,
		func() (*Table, error) { return LoadTableGlob(abs) },
		func(p string) bool {
			ok, _ := doublestar.PathMatch(abs, filepath.Clean(p))
			return ok
		},
		[]string{filepath.FromSlash(base)},
	)
}

func newWatcher(c *Classifier, debounce time.Duration, load func() (*Table, error), relevant func(string) bool, dirs []string) (*Watcher, error) {
	if c == nil {
		return nil, errors.New("watcher needs a classifier")
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Watcher{
		fsWatcher:  fsWatcher,
		classifier: c,
		load:       load,
		relevant:   relevant,
		dirs:       dirs,
		debounce:   debounce,
		done:       make(chan struct{}),
	}, nil
}

// OnReload sets a callback invoked after every reload attempt.
func (w *Watcher) OnReload(fn func(*Table, error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = fn
}

// Start begins watching. Calling Start twice is a no-op.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	for _, dir := range w.dirs {
		if err := w.fsWatcher.Add(dir); err != nil {
			return err
		}
	}

	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops watching and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fsWatcher.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !w.relevant(event.Name) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			logging.Warn("pattern watcher error", "error", err)
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	t, err := w.load()
	if err != nil {
		logging.Warn("pattern table reload failed, keeping previous table", "error", err)
	} else {
		w.classifier.SetTable(t)
		logging.Info("pattern table reloaded", "rules", t.Len())
	}

	w.mu.Lock()
	fn := w.onReload
	w.mu.Unlock()
	if fn != nil {
		fn(t, err)
	}
}
