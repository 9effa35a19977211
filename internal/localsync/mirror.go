// Package localsync mirrors a session's file tree into a local directory
// and feeds edits made there back to the session.
package localsync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/pairbox/internal/sandbox"
	"pkt.systems/pairbox/schema"
	"pkt.systems/pslog"
)

// EditFunc applies a local edit to the session tree.
type EditFunc func(ctx context.Context, path, contents string) error

// Mirror keeps Dir in sync with a file tree. Deleting a local file does not
// remove it from the tree.
type Mirror struct {
	Dir      string
	Edit     EditFunc
	Debounce time.Duration
	// Skip names directories that are never watched, such as node_modules.
	Skip []string

	mu      sync.Mutex
	known   map[string]string
	pending map[string]time.Time
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// DefaultSkip lists directories ignored when Skip is empty.
var DefaultSkip = []string{"node_modules", ".git"}

func (m *Mirror) init() {
	if m.known == nil {
		m.known = make(map[string]string)
		m.pending = make(map[string]time.Time)
	}
	if m.Debounce <= 0 {
		m.Debounce = 200 * time.Millisecond
	}
	if len(m.Skip) == 0 {
		m.Skip = DefaultSkip
	}
}

// Write stores every file of tree whose contents differ from what the mirror
// last saw. Files written here do not come back through Edit.
func (m *Mirror) Write(ctx context.Context, tree schema.FileTree) error {
	m.mu.Lock()
	m.init()
	changed := make(schema.FileTree)
	for p, entry := range tree {
		if current, ok := m.known[p]; ok && current == entry.Contents {
			continue
		}
		changed[p] = entry
		m.known[p] = entry.Contents
	}
	m.mu.Unlock()
	if len(changed) == 0 {
		return nil
	}
	if err := sandbox.WriteTree(m.Dir, changed); err != nil {
		m.mu.Lock()
		for p := range changed {
			delete(m.known, p)
		}
		m.mu.Unlock()
		return fmt.Errorf("localsync write %s: %w", m.Dir, err)
	}
	pslog.Ctx(ctx).Debug("localsync write ok", "dir", m.Dir, "files", len(changed))
	return nil
}

// Start watches Dir until ctx ends or Stop is called.
func (m *Mirror) Start(ctx context.Context) error {
	if m.Edit == nil {
		return errors.New("localsync edit func is required")
	}
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.watcher != nil {
		m.mu.Unlock()
		_ = watcher.Close()
		return nil
	}
	m.init()
	m.watcher = watcher
	ctx, m.cancel = context.WithCancel(ctx)
	done := make(chan struct{})
	m.done = done
	m.mu.Unlock()

	go m.run(ctx, watcher, done)
	if err := m.addTree(m.Dir); err != nil {
		m.Stop()
		return err
	}
	pslog.Ctx(ctx).Info("localsync watch start", "dir", m.Dir)
	return nil
}

// Stop ends the watch and waits for the loop to exit.
func (m *Mirror) Stop() {
	m.mu.Lock()
	watcher, cancel, done := m.watcher, m.cancel, m.done
	m.watcher, m.cancel = nil, nil
	m.mu.Unlock()
	if watcher == nil {
		return
	}
	cancel()
	_ = watcher.Close()
	if done != nil {
		<-done
	}
}

func (m *Mirror) run(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	log := pslog.Ctx(ctx)
	ticker := time.NewTicker(m.Debounce / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			m.handle(log, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn("localsync watch error", "err", err)
		case <-ticker.C:
			m.flush(ctx)
		}
	}
}

func (m *Mirror) handle(log pslog.Logger, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if err := m.addTree(event.Name); err != nil {
			log.Warn("localsync watch add failed", "path", event.Name, "err", err)
		}
		return
	}
	m.mu.Lock()
	m.pending[event.Name] = time.Now()
	m.mu.Unlock()
}

func (m *Mirror) flush(ctx context.Context) {
	now := time.Now()
	m.mu.Lock()
	var settled []string
	for name, at := range m.pending {
		if now.Sub(at) >= m.Debounce {
			settled = append(settled, name)
			delete(m.pending, name)
		}
	}
	m.mu.Unlock()
	for _, name := range settled {
		m.apply(ctx, name)
	}
}

func (m *Mirror) apply(ctx context.Context, name string) {
	log := pslog.Ctx(ctx)
	rel, err := filepath.Rel(m.Dir, name)
	if err != nil {
		return
	}
	treePath, err := schema.NormalizeTreePath(filepath.ToSlash(rel))
	if err != nil {
		log.Debug("localsync path rejected", "path", rel, "err", err)
		return
	}
	data, err := os.ReadFile(name)
	if err != nil {
		log.Debug("localsync read failed", "path", treePath, "err", err)
		return
	}
	contents := string(data)
	m.mu.Lock()
	if current, ok := m.known[treePath]; ok && current == contents {
		m.mu.Unlock()
		return
	}
	m.known[treePath] = contents
	m.mu.Unlock()
	if err := m.Edit(ctx, treePath, contents); err != nil {
		log.Warn("localsync edit failed", "path", treePath, "err", err)
		return
	}
	log.Debug("localsync edit ok", "path", treePath, "bytes", len(data))
}

func (m *Mirror) addTree(root string) error {
	m.mu.Lock()
	watcher := m.watcher
	m.mu.Unlock()
	if watcher == nil {
		return nil
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			if path != root {
				m.mu.Lock()
				m.pending[path] = time.Now()
				m.mu.Unlock()
			}
			return nil
		}
		if path != m.Dir && m.skipped(d.Name()) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

func (m *Mirror) skipped(name string) bool {
	for _, skip := range m.Skip {
		if strings.EqualFold(name, skip) {
			return true
		}
	}
	return false
}
