package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/pairbox/schema"
)

func TestWriteTreeCreatesNestedFiles(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "keep.txt"), []byte("old"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	tree := schema.FileTree{
		"package.json":  {Contents: `{"name":"demo"}`},
		"src/server.js": {Contents: "listen(3000)"},
	}
	if err := WriteTree(root, tree); err != nil {
		t.Fatalf("write tree: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "src", "server.js"))
	if err != nil || string(data) != "listen(3000)" {
		t.Fatalf("unexpected nested file %q err=%v", data, err)
	}
	if _, err := os.Stat(filepath.Join(root, "keep.txt")); err != nil {
		t.Fatalf("unrelated files must survive: %v", err)
	}
}

func TestWriteTreeStaysInsideRootThroughSymlink(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}
	if err := WriteTree(root, schema.FileTree{"link/x.txt": {Contents: "x"}}); err != nil {
		t.Fatalf("write tree: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outside, "x.txt")); err == nil {
		t.Fatalf("write escaped the workspace through a symlink")
	}
}

func TestWriteTreeRejectsEscapingPath(t *testing.T) {
	if err := WriteTree(t.TempDir(), schema.FileTree{"../x": {Contents: "x"}}); err == nil {
		t.Fatalf("expected error for escaping path")
	}
}

func TestPortWatcherReportsEachOpening(t *testing.T) {
	var up atomic.Bool
	var mu sync.Mutex
	var urls []string
	w := &PortWatcher{
		Ports:    []int{3000},
		Interval: 5 * time.Millisecond,
		Probe:    func(context.Context, int) bool { return up.Load() },
	}
	w.OnReady(func(port int, url string) {
		mu.Lock()
		urls = append(urls, url)
		mu.Unlock()
	})
	w.Start(context.Background())
	defer w.Stop()

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(urls)
	}
	waitFor := func(n int) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for count() < n {
			if time.Now().After(deadline) {
				t.Fatalf("expected %d notifications, got %d", n, count())
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	up.Store(true)
	waitFor(1)
	up.Store(false)
	time.Sleep(30 * time.Millisecond)
	up.Store(true)
	waitFor(2)

	mu.Lock()
	defer mu.Unlock()
	if urls[0] != "http://localhost:3000" {
		t.Fatalf("unexpected url %q", urls[0])
	}
}
