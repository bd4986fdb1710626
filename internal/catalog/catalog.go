// Package catalog scans a directory of audio files into deck assets and
// keeps the listing fresh by watching the directory for changes.
package catalog

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/buzzdeck/buzzdeck/internal/deck"
)

// rescanDelay coalesces bursts of fsnotify events (a copy of many files
// fires one event per file) into a single rescan.
const rescanDelay = 200 * time.Millisecond

// Catalog is a live listing of the playable files in one directory.
type Catalog struct {
	dir     string
	watcher *fsnotify.Watcher

	mu     sync.RWMutex
	assets []deck.Asset
	closed bool

	listenerMu sync.Mutex
	listeners  map[chan struct{}]struct{}

	done chan struct{}
}

// Open scans dir and starts watching it. The directory must exist.
func Open(dir string) (*Catalog, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("catalog: %s is not a directory", dir)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("catalog: watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("catalog: watch %s: %w", dir, err)
	}

	c := &Catalog{
		dir:       dir,
		watcher:   w,
		listeners: make(map[chan struct{}]struct{}),
		done:      make(chan struct{}),
	}
	c.rescan()
	go c.watch()

	log.Printf("CATALOG: %s (%d tracks)", dir, len(c.Assets()))
	return c, nil
}

// Dir returns the watched directory.
func (c *Catalog) Dir() string { return c.dir }

// Assets returns the current listing, sorted by name.
func (c *Catalog) Assets() []deck.Asset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]deck.Asset, len(c.assets))
	copy(out, c.assets)
	return out
}

// Filter returns assets whose name contains query, case-insensitively. An
// empty query returns everything.
func (c *Catalog) Filter(query string) []deck.Asset {
	all := c.Assets()
	if query == "" {
		return all
	}
	q := strings.ToLower(query)
	out := all[:0]
	for _, a := range all {
		if strings.Contains(strings.ToLower(a.Name), q) {
			out = append(out, a)
		}
	}
	return out
}

// Find looks an asset up by its display name.
func (c *Catalog) Find(name string) (deck.Asset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, a := range c.assets {
		if a.Name == name {
			return a, true
		}
	}
	return deck.Asset{}, false
}

// Subscribe returns a channel that receives after every rescan.
func (c *Catalog) Subscribe() (ch chan struct{}, cancel func()) {
	ch = make(chan struct{}, 1)

	c.listenerMu.Lock()
	c.listeners[ch] = struct{}{}
	c.listenerMu.Unlock()

	cancel = func() {
		c.listenerMu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

func (c *Catalog) watch() {
	var pending <-chan time.Time
	for {
		select {
		case <-c.done:
			return
		case _, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			pending = time.After(rescanDelay)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("CATALOG: watch error: %v", err)
		case <-pending:
			pending = nil
			c.rescan()
			c.notify()
		}
	}
}

func (c *Catalog) rescan() {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		log.Printf("CATALOG: rescan %s: %v", c.dir, err)
		return
	}

	var assets []deck.Asset
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, e.Name())
		a := deck.Asset{Name: e.Name(), Path: path, MIME: sniffMIME(path)}
		if deck.Accepted(a) {
			assets = append(assets, a)
		}
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Name < assets[j].Name })

	c.mu.Lock()
	c.assets = assets
	c.mu.Unlock()
}

// sniffMIME reads the file's first bytes and detects its content type. An
// unreadable file yields "" and is judged by extension alone.
func sniffMIME(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return ""
	}
	return http.DetectContentType(buf[:n])
}

func (c *Catalog) notify() {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	for ch := range c.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (c *Catalog) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	err := c.watcher.Close()

	c.listenerMu.Lock()
	for ch := range c.listeners {
		close(ch)
	}
	c.listeners = make(map[chan struct{}]struct{})
	c.listenerMu.Unlock()
	return err
}
