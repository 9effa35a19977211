package localsync

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"pkt.systems/pairbox/schema"
)

type edit struct {
	path     string
	contents string
}

type recorder struct {
	mu    sync.Mutex
	edits []edit
}

func (r *recorder) edit(_ context.Context, path, contents string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edits = append(r.edits, edit{path: path, contents: contents})
	return nil
}

func (r *recorder) snapshot() []edit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]edit(nil), r.edits...)
}

func (r *recorder) find(path string) (edit, bool) {
	for _, e := range r.snapshot() {
		if e.path == path {
			return e, true
		}
	}
	return edit{}, false
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met")
}

func startMirror(t *testing.T) (*Mirror, *recorder) {
	t.Helper()
	rec := &recorder{}
	m := &Mirror{Dir: t.TempDir(), Edit: rec.edit, Debounce: 30 * time.Millisecond}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(m.Stop)
	return m, rec
}

func TestMirrorWriteDoesNotEcho(t *testing.T) {
	defer goleak.VerifyNone(t)
	m, rec := startMirror(t)
	tree := schema.FileTree{"src/index.js": {Contents: "console.log(1)"}, "package.json": {Contents: "{}"}}
	if err := m.Write(context.Background(), tree); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(m.Dir, "src", "index.js"))
	if err != nil || string(data) != "console.log(1)" {
		t.Fatalf("unexpected mirrored file %q: %v", data, err)
	}
	time.Sleep(200 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("expected no edits from own writes, got %+v", got)
	}
	m.Stop()
}

func TestMirrorPicksUpLocalEdits(t *testing.T) {
	defer goleak.VerifyNone(t)
	m, rec := startMirror(t)
	if err := m.Write(context.Background(), schema.FileTree{"a.js": {Contents: "1"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(m.Dir, "a.js"), []byte("2"), 0o644); err != nil {
		t.Fatalf("edit: %v", err)
	}
	eventually(t, func() bool {
		e, ok := rec.find("a.js")
		return ok && e.contents == "2"
	})
	m.Stop()
}

func TestMirrorWatchesNewDirectories(t *testing.T) {
	defer goleak.VerifyNone(t)
	m, rec := startMirror(t)
	dir := filepath.Join(m.Dir, "lib", "util")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// The new directory may be registered after the file lands; the walk on
	// registration picks it up either way.
	if err := os.WriteFile(filepath.Join(dir, "x.js"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	eventually(t, func() bool {
		_, ok := rec.find("lib/util/x.js")
		return ok
	})
	m.Stop()
}

func TestMirrorSkipsIgnoredDirectories(t *testing.T) {
	defer goleak.VerifyNone(t)
	m, rec := startMirror(t)
	dir := filepath.Join(m.Dir, "node_modules", "pkg")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "index.js"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(m.Dir, "main.js"), []byte("y"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	eventually(t, func() bool {
		_, ok := rec.find("main.js")
		return ok
	})
	for _, e := range rec.snapshot() {
		if filepath.Dir(e.path) != "." {
			t.Fatalf("unexpected edit from ignored dir: %+v", e)
		}
	}
	m.Stop()
}

func TestMirrorRequiresEdit(t *testing.T) {
	m := &Mirror{Dir: t.TempDir()}
	if err := m.Start(context.Background()); err == nil {
		t.Fatalf("expected error without edit func")
	}
}

func TestFailedWriteIsRetried(t *testing.T) {
	root := t.TempDir()
	blocker := filepath.Join(root, "blocker")
	if err := os.WriteFile(blocker, []byte("file"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	m := &Mirror{Dir: filepath.Join(blocker, "sync")}
	tree := schema.FileTree{"a.txt": {Contents: "1"}}
	if err := m.Write(context.Background(), tree); err == nil {
		t.Fatalf("expected write under a regular file to fail")
	}

	if err := os.Remove(blocker); err != nil {
		t.Fatalf("remove blocker: %v", err)
	}
	if err := m.Write(context.Background(), tree); err != nil {
		t.Fatalf("retry write: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(blocker, "sync", "a.txt"))
	if err != nil || string(data) != "1" {
		t.Fatalf("expected retried file, got %q err=%v", data, err)
	}
}
