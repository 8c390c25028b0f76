package liveness

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// MarkerProbe asserts presence while the controller keeps touching a marker
// file. Touches are picked up by a filesystem watch; Check additionally
// consults the file's mtime so a missed event never reads as parent loss.
type MarkerProbe struct {
	path   string
	maxAge time.Duration

	watcher *fsnotify.Watcher

	mu        sync.Mutex
	lastTouch time.Time

	closeOnce sync.Once
}

// NewMarkerProbe watches path's directory for touches of path. maxAge is
// how long a touch keeps Check passing; callers that pair the probe with a
// supervisor should size it to the poll interval and leave the heartbeat
// timeout to the supervisor, otherwise the two windows stack. The probe
// starts with a full maxAge of credit so the controller has time to create
// the marker after spawning the sidecar.
func NewMarkerProbe(path string, maxAge time.Duration) (*MarkerProbe, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating marker watcher: %w", err)
	}
	// Watch the directory: watching the file itself breaks when the
	// controller replaces it atomically.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching marker dir for %s: %w", path, err)
	}

	p := &MarkerProbe{
		path:      path,
		maxAge:    maxAge,
		watcher:   watcher,
		lastTouch: time.Now(),
	}
	go p.watchLoop()
	return p, nil
}

func (p *MarkerProbe) Name() string { return "marker-file" }

func (p *MarkerProbe) watchLoop() {
	for {
		select {
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != p.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Chmod) != 0 {
				p.mu.Lock()
				p.lastTouch = time.Now()
				p.mu.Unlock()
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("liveness: marker watch error: %v", err)
		}
	}
}

func (p *MarkerProbe) Check() error {
	p.mu.Lock()
	last := p.lastTouch
	p.mu.Unlock()

	// The mtime is authoritative when it is newer than what the watch saw.
	if info, err := os.Stat(p.path); err == nil && info.ModTime().After(last) {
		last = info.ModTime()
		p.mu.Lock()
		if last.After(p.lastTouch) {
			p.lastTouch = last
		}
		p.mu.Unlock()
	}

	if age := time.Since(last); age > p.maxAge {
		return fmt.Errorf("marker %s stale for %v", p.path, age.Round(time.Millisecond))
	}
	return nil
}

// Close stops the filesystem watch. Idempotent.
func (p *MarkerProbe) Close() {
	p.closeOnce.Do(func() {
		p.watcher.Close()
	})
}
