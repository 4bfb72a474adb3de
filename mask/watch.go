package mask

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"facemask/util"
)

// settle is how long to wait after a change before reloading, so editors that
// write in several steps trigger a single reload.
const settle = time.Second / 10

// Watcher re-requests the tracked mask from a Loader whenever its definition
// file changes on disk.
type Watcher struct {
	loader  *Loader
	watcher *fsnotify.Watcher

	l      sync.Mutex
	path   string
	dir    string
	stop   chan struct{}
	exited *util.Event
}

func NewWatcher(loader *Loader) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		loader:  loader,
		watcher: fw,
		stop:    make(chan struct{}),
		exited:  util.NewEvent(),
	}
	go w.loop()
	return w, nil
}

// Track switches the watched file. An empty path stops watching.
func (w *Watcher) Track(path string) error {
	w.l.Lock()
	defer w.l.Unlock()

	dir := ""
	if path != "" {
		path = filepath.Clean(path)
		dir = filepath.Dir(path)
	}
	if dir != w.dir {
		if w.dir != "" {
			w.watcher.Remove(w.dir)
		}
		if dir != "" {
			// Watch the directory; editors often replace the file.
			if err := w.watcher.Add(dir); err != nil {
				w.path, w.dir = "", ""
				return err
			}
		}
	}
	w.path, w.dir = path, dir
	return nil
}

func (w *Watcher) tracked() string {
	w.l.Lock()
	defer w.l.Unlock()
	return w.path
}

func (w *Watcher) loop() {
	defer w.exited.Notify()
	var reload <-chan time.Time
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.tracked() {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			reload = time.After(settle)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("Error watching mask files: %v", err)
		case <-reload:
			reload = nil
			if p := w.tracked(); p != "" {
				log.Infof("Mask %v changed on disk, reloading", p)
				w.loader.Request(p)
			}
		}
	}
}

// Close stops watching and waits for the watch goroutine to exit.
func (w *Watcher) Close() {
	close(w.stop)
	w.exited.Wait()
	w.watcher.Close()
}
