package sandbox

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"

	"pkt.systems/pairbox/schema"
	"pkt.systems/pslog"
)

// WriteTree writes every file of tree below root. Paths resolve inside root
// even through symlinks. Files not in tree are left alone.
func WriteTree(root string, tree schema.FileTree) error {
	if root == "" {
		return fmt.Errorf("workspace root is required")
	}
	paths := make([]string, 0, len(tree))
	for p := range tree {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		clean, err := schema.NormalizeTreePath(p)
		if err != nil {
			return err
		}
		target, err := securejoin.SecureJoin(root, filepath.FromSlash(clean))
		if err != nil {
			return fmt.Errorf("resolve %s: %w", clean, err)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, []byte(tree[p].Contents), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// PortProbe reports whether port is accepting connections.
type PortProbe func(ctx context.Context, port int) bool

// DialProbe returns a PortProbe dialing host over TCP.
func DialProbe(host string) PortProbe {
	if host == "" {
		host = "127.0.0.1"
	}
	return func(ctx context.Context, port int) bool {
		d := net.Dialer{Timeout: 500 * time.Millisecond}
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}
}

// PortWatcher polls preview ports and reports every transition from closed
// to listening, so a restarted server is announced again.
type PortWatcher struct {
	Ports    []int
	Host     string
	Interval time.Duration
	Probe    PortProbe

	mu     sync.Mutex
	fn     func(port int, url string)
	cancel context.CancelFunc
	done   chan struct{}
}

// OnReady registers the notification callback.
func (w *PortWatcher) OnReady(fn func(port int, url string)) {
	w.mu.Lock()
	w.fn = fn
	w.mu.Unlock()
}

// Start begins polling. It is a no-op when already started or when there
// are no ports.
func (w *PortWatcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil || len(w.Ports) == 0 {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.loop(ctx, w.done)
}

// Stop ends polling and waits for the loop to exit.
func (w *PortWatcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *PortWatcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	probe := w.Probe
	if probe == nil {
		probe = DialProbe(w.Host)
	}
	interval := w.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	host := w.Host
	if host == "" {
		host = "localhost"
	}
	open := make(map[int]bool, len(w.Ports))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for _, port := range w.Ports {
			up := probe(ctx, port)
			if up && !open[port] {
				url := "http://" + net.JoinHostPort(host, strconv.Itoa(port))
				pslog.Ctx(ctx).Debug("sandbox port ready", "port", port, "url", url)
				w.mu.Lock()
				fn := w.fn
				w.mu.Unlock()
				if fn != nil {
					fn(port, url)
				}
			}
			open[port] = up
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
