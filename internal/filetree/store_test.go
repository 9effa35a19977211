package filetree

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pairbox/schema"
	"pkt.systems/pslog"
)

type recordingPersister struct {
	mu      sync.Mutex
	calls   []schema.FileTree
	err     error
	release chan struct{}
}

func (p *recordingPersister) PersistFileTree(ctx context.Context, projectID schema.ProjectID, tree schema.FileTree) error {
	if p.release != nil {
		<-p.release
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, tree)
	return p.err
}

func (p *recordingPersister) snapshot() []schema.FileTree {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]schema.FileTree(nil), p.calls...)
}

func flush(t *testing.T, s *Store) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestApplyPatchOverwritesTouchedKeysOnly(t *testing.T) {
	persister := &recordingPersister{}
	store := New("p1", persister, nil)
	store.Replace(schema.FileTree{"a.txt": {Contents: "x"}, "b.txt": {Contents: "old"}})

	got, err := store.ApplyPatch(context.Background(), schema.FileTree{"b.txt": {Contents: "y"}})
	if err != nil {
		t.Fatalf("apply patch: %v", err)
	}
	want := schema.FileTree{"a.txt": {Contents: "x"}, "b.txt": {Contents: "y"}}
	if !got.Equal(want) || !store.Snapshot().Equal(want) {
		t.Fatalf("unexpected tree: %+v", store.Snapshot())
	}

	flush(t, store)
	calls := persister.snapshot()
	if len(calls) != 1 || !calls[0].Equal(want) {
		t.Fatalf("expected one persist of the merged tree, got %+v", calls)
	}
}

func TestReplaceDoesNotPersist(t *testing.T) {
	persister := &recordingPersister{}
	store := New("p1", persister, nil)
	store.Replace(schema.FileTree{"a.txt": {Contents: "x"}})
	flush(t, store)
	if calls := persister.snapshot(); len(calls) != 0 {
		t.Fatalf("replace must not persist, got %d calls", len(calls))
	}
}

func TestSnapshotIsNotAffectedByLaterWrites(t *testing.T) {
	store := New("p1", nil, nil)
	store.Replace(schema.FileTree{"a.txt": {Contents: "x"}})
	before := store.Snapshot()
	if _, err := store.Update(context.Background(), "a.txt", "y"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if before["a.txt"].Contents != "x" {
		t.Fatalf("earlier snapshot was mutated")
	}
	if entry, _ := store.Get("a.txt"); entry.Contents != "y" {
		t.Fatalf("expected updated contents, got %q", entry.Contents)
	}
}

func TestUpdateRejectsEscapingPath(t *testing.T) {
	store := New("p1", nil, nil)
	if _, err := store.Update(context.Background(), "../etc/passwd", "x"); !errors.Is(err, schema.ErrInvalidPath) {
		t.Fatalf("expected invalid path, got %v", err)
	}
	if len(store.Snapshot()) != 0 {
		t.Fatalf("rejected update must not change the tree")
	}
}

func TestApplyPatchSkipsInvalidPaths(t *testing.T) {
	store := New("p1", nil, nil)
	got, err := store.ApplyPatch(context.Background(), schema.FileTree{
		"ok.js":   {Contents: "1"},
		"/abs.js": {Contents: "2"},
	})
	if !errors.Is(err, schema.ErrInvalidPath) {
		t.Fatalf("expected invalid path error, got %v", err)
	}
	if len(got) != 1 || got["ok.js"].Contents != "1" {
		t.Fatalf("valid entries should still apply, got %+v", got)
	}
}

func TestPersistCoalescesPendingSnapshots(t *testing.T) {
	persister := &recordingPersister{release: make(chan struct{})}
	store := New("p1", persister, nil)
	store.Replace(schema.FileTree{})
	ctx := context.Background()

	for i, contents := range []string{"1", "2", "3", "4"} {
		if _, err := store.Update(ctx, "app.js", contents); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}
	close(persister.release)
	flush(t, store)

	calls := persister.snapshot()
	if len(calls) == 0 || len(calls) > 2 {
		t.Fatalf("expected coalesced persists, got %d", len(calls))
	}
	if last := calls[len(calls)-1]; last["app.js"].Contents != "4" {
		t.Fatalf("last persist should carry the newest snapshot, got %+v", last)
	}
}

func TestPersistFailureIsLoggedAndKeepsTree(t *testing.T) {
	var buf bytes.Buffer
	logger := pslog.NewWithOptions(&buf, pslog.Options{Mode: pslog.ModeStructured, NoColor: true, MinLevel: pslog.InfoLevel})
	persister := &recordingPersister{err: errors.New("store down")}
	store := New("p1", persister, logger)
	store.Replace(schema.FileTree{})

	if _, err := store.Update(context.Background(), "app.js", "x"); err != nil {
		t.Fatalf("update: %v", err)
	}
	flush(t, store)

	if store.Snapshot()["app.js"].Contents != "x" {
		t.Fatalf("failed persist must not roll back")
	}
	if !strings.Contains(buf.String(), "tree persist failed") {
		t.Fatalf("expected failure log, got %q", buf.String())
	}
}

func TestOnChangeReportsSource(t *testing.T) {
	store := New("p1", nil, nil)
	var sources []Source
	store.OnChange(func(_ schema.FileTree, source Source) {
		sources = append(sources, source)
	})
	store.Replace(schema.FileTree{})
	_, _ = store.Update(context.Background(), "a", "1")
	_, _ = store.ApplyPatch(context.Background(), schema.FileTree{"b": {Contents: "2"}})

	want := []Source{SourceServer, SourceEdit, SourceAgent}
	if len(sources) != len(want) {
		t.Fatalf("unexpected sources %v", sources)
	}
	for i := range want {
		if sources[i] != want[i] {
			t.Fatalf("unexpected sources %v", sources)
		}
	}
}

func TestPersistHeldUntilRebase(t *testing.T) {
	persister := &recordingPersister{}
	store := New("p1", persister, nil)
	if _, err := store.ApplyPatch(context.Background(), schema.FileTree{"b.txt": {Contents: "y"}}); err != nil {
		t.Fatalf("apply patch: %v", err)
	}
	flush(t, store)
	if calls := persister.snapshot(); len(calls) != 0 {
		t.Fatalf("partial tree must not persist before the server tree arrives, got %+v", calls)
	}

	merged := store.Rebase(schema.FileTree{"a.txt": {Contents: "x"}, "b.txt": {Contents: "old"}})
	want := schema.FileTree{"a.txt": {Contents: "x"}, "b.txt": {Contents: "y"}}
	if !merged.Equal(want) {
		t.Fatalf("unexpected rebase result %+v", merged)
	}
	flush(t, store)
	calls := persister.snapshot()
	if len(calls) != 1 || !calls[0].Equal(want) {
		t.Fatalf("expected the merged tree to persist once, got %+v", calls)
	}
}

func TestRebaseWithoutHeldChangesDoesNotPersist(t *testing.T) {
	persister := &recordingPersister{}
	store := New("p1", persister, nil)
	store.Rebase(schema.FileTree{"a.txt": {Contents: "x"}})
	flush(t, store)
	if calls := persister.snapshot(); len(calls) != 0 {
		t.Fatalf("clean rebase must not persist, got %d calls", len(calls))
	}
}

func TestConcurrentWritersPersistNewestTree(t *testing.T) {
	ctx := context.Background()
	for iter := 0; iter < 50; iter++ {
		persister := &recordingPersister{}
		store := New("p1", persister, nil)
		var (
			observedMu sync.Mutex
			observed   schema.FileTree
		)
		store.OnChange(func(tree schema.FileTree, _ Source) {
			observedMu.Lock()
			observed = tree
			observedMu.Unlock()
		})
		store.Replace(schema.FileTree{})

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				path := string(rune('a'+i)) + ".txt"
				if i%2 == 0 {
					_, _ = store.Update(ctx, path, "x")
					return
				}
				_, _ = store.ApplyPatch(ctx, schema.FileTree{path: {Contents: "y"}})
			}(i)
		}
		wg.Wait()
		flush(t, store)

		final := store.Snapshot()
		if len(final) != 8 {
			t.Fatalf("iteration %d: expected 8 files, got %d", iter, len(final))
		}
		calls := persister.snapshot()
		if len(calls) == 0 || !calls[len(calls)-1].Equal(final) {
			t.Fatalf("iteration %d: last persisted tree differs from snapshot", iter)
		}
		observedMu.Lock()
		last := observed
		observedMu.Unlock()
		if !last.Equal(final) {
			t.Fatalf("iteration %d: last observed tree differs from snapshot", iter)
		}
	}
}

func TestReleasePersistsHeldChanges(t *testing.T) {
	var buf bytes.Buffer
	logger := pslog.NewWithOptions(&buf, pslog.Options{Mode: pslog.ModeStructured, NoColor: true, MinLevel: pslog.InfoLevel})
	persister := &recordingPersister{}
	store := New("p1", persister, logger)
	ctx := context.Background()
	if _, err := store.Update(ctx, "a.txt", "1"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := store.ApplyPatch(ctx, schema.FileTree{"b.txt": {Contents: "2"}}); err != nil {
		t.Fatalf("apply patch: %v", err)
	}
	if !strings.Contains(buf.String(), "tree persist held") {
		t.Fatalf("expected held warning, got %q", buf.String())
	}

	store.Release()
	flush(t, store)
	want := schema.FileTree{"a.txt": {Contents: "1"}, "b.txt": {Contents: "2"}}
	calls := persister.snapshot()
	if len(calls) != 1 || !calls[0].Equal(want) {
		t.Fatalf("expected held tree to persist once, got %+v", calls)
	}

	if _, err := store.Update(ctx, "c.txt", "3"); err != nil {
		t.Fatalf("update: %v", err)
	}
	flush(t, store)
	if calls := persister.snapshot(); len(calls) != 2 || len(calls[1]) != 3 {
		t.Fatalf("later edits should persist write-through, got %+v", calls)
	}
}
