package filetree

import (
	"context"
	"sync"
	"sync/atomic"

	"pkt.systems/pairbox/internal/logx"
	"pkt.systems/pairbox/schema"
	"pkt.systems/pslog"
)

// Persister writes a whole tree snapshot to the project store.
type Persister interface {
	PersistFileTree(ctx context.Context, projectID schema.ProjectID, tree schema.FileTree) error
}

// ChangeFunc observes every installed snapshot.
type ChangeFunc func(tree schema.FileTree, source Source)

// Source labels where a tree change came from.
type Source string

const (
	// SourceServer is the tree fetched when the session opened.
	SourceServer Source = "server"
	// SourceEdit is a local human edit.
	SourceEdit Source = "edit"
	// SourceAgent is an agent patch.
	SourceAgent Source = "agent"
)

// Store holds the session's file tree. Readers get immutable snapshots;
// writers build a new snapshot from the latest one under mu and swap it in.
// Every edit or patch is persisted write-through by a single background
// worker that only keeps the newest pending snapshot.
//
// Persistence is held until a server tree is installed with Replace or
// Rebase, or Release gives up on one, so a partial tree never overwrites
// the stored one.
type Store struct {
	projectID schema.ProjectID
	persister Persister
	log       pslog.Logger

	mu       sync.Mutex
	current  atomic.Pointer[schema.FileTree]
	seq      uint64
	onChange ChangeFunc

	notifyMu sync.Mutex
	notified uint64

	persistMu sync.Mutex
	based     bool
	held      bool
	pending   *schema.FileTree
	busy      bool
	idle      *sync.Cond
}

// New constructs a Store. persister may be nil, in which case edits stay in memory.
func New(projectID schema.ProjectID, persister Persister, logger pslog.Logger) *Store {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	s := &Store{
		projectID: projectID,
		persister: persister,
		log:       logger.With("project", projectID),
	}
	s.idle = sync.NewCond(&s.persistMu)
	empty := schema.FileTree{}
	s.current.Store(&empty)
	return s
}

// OnChange registers the change observer.
func (s *Store) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Snapshot returns the current tree. Callers must not mutate it.
func (s *Store) Snapshot() schema.FileTree {
	return *s.current.Load()
}

// Get returns one file from the current snapshot.
func (s *Store) Get(path string) (schema.FileEntry, bool) {
	entry, ok := s.Snapshot()[path]
	return entry, ok
}

// Replace installs a full tree without persisting it. Used for the tree
// fetched from the project store.
func (s *Store) Replace(tree schema.FileTree) {
	next := tree.Clone()
	s.mu.Lock()
	seq := s.install(next)
	fn := s.onChange
	s.markBased()
	s.mu.Unlock()
	s.notify(fn, seq, next, SourceServer)
	s.log.Debug("tree replace", "files", len(next))
}

// Rebase installs base underneath the changes applied so far. Held changes
// are persisted with the merged result.
func (s *Store) Rebase(base schema.FileTree) schema.FileTree {
	s.mu.Lock()
	next := base.Merge(s.Snapshot())
	seq := s.install(next)
	fn := s.onChange
	dirty := s.markBased()
	if dirty {
		s.persist(next)
	}
	s.mu.Unlock()
	s.notify(fn, seq, next, SourceServer)
	s.log.Debug("tree rebase", "files", len(next), "held", dirty)
	return next
}

// Release lifts the persistence hold without a server tree, for sessions
// whose fetch failed. Held changes are persisted as they stand.
func (s *Store) Release() {
	s.mu.Lock()
	dirty := s.markBased()
	if dirty {
		s.persist(s.Snapshot())
	}
	s.mu.Unlock()
	s.log.Debug("tree hold released", "held", dirty)
}

func (s *Store) markBased() (held bool) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	held = s.held
	s.based, s.held = true, false
	return held
}

// install swaps in next and returns its sequence number. Callers hold mu.
func (s *Store) install(next schema.FileTree) uint64 {
	s.seq++
	s.current.Store(&next)
	return s.seq
}

// notify delivers a snapshot to fn unless a newer one already went out.
func (s *Store) notify(fn ChangeFunc, seq uint64, tree schema.FileTree, source Source) {
	if fn == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if seq <= s.notified {
		return
	}
	s.notified = seq
	fn(tree, source)
}

// Update replaces one file's contents and persists the whole snapshot.
func (s *Store) Update(ctx context.Context, path string, contents string) (schema.FileTree, error) {
	clean, err := schema.NormalizeTreePath(path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	next := s.Snapshot().Merge(schema.FileTree{clean: {Contents: contents}})
	seq := s.install(next)
	fn := s.onChange
	s.persist(next)
	s.mu.Unlock()
	s.notify(fn, seq, next, SourceEdit)
	logx.WithProject(ctx, s.projectID).Debug("tree update", "path", clean, "bytes", len(contents))
	return next, nil
}

// ApplyPatch overlays a partial tree onto the current snapshot and persists
// the result. Invalid paths are skipped and reported; valid ones still apply.
func (s *Store) ApplyPatch(ctx context.Context, patch schema.FileTree) (schema.FileTree, error) {
	log := logx.WithProject(ctx, s.projectID)
	clean := make(schema.FileTree, len(patch))
	var firstErr error
	for p, entry := range patch {
		normalized, err := schema.NormalizeTreePath(p)
		if err != nil {
			log.Warn("tree patch path rejected", "path", p, "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		clean[normalized] = entry
	}
	if len(clean) == 0 {
		return s.Snapshot(), firstErr
	}
	s.mu.Lock()
	next := s.Snapshot().Merge(clean)
	seq := s.install(next)
	fn := s.onChange
	s.persist(next)
	s.mu.Unlock()
	s.notify(fn, seq, next, SourceAgent)
	log.Info("tree patch applied", "files", len(clean), "total", len(next))
	return next, firstErr
}

// Flush blocks until no persistence is pending or ctx ends.
func (s *Store) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.persistMu.Lock()
		for s.busy || s.pending != nil {
			s.idle.Wait()
		}
		s.persistMu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// persist queues tree for the background writer. Callers hold mu so queued
// snapshots follow install order.
func (s *Store) persist(tree schema.FileTree) {
	if s.persister == nil {
		return
	}
	s.persistMu.Lock()
	if !s.based {
		first := !s.held
		s.held = true
		s.persistMu.Unlock()
		if first {
			s.log.Warn("tree persist held until the project tree is fetched")
		}
		return
	}
	s.pending = &tree
	if s.busy {
		s.persistMu.Unlock()
		return
	}
	s.busy = true
	s.persistMu.Unlock()
	go s.persistLoop()
}

func (s *Store) persistLoop() {
	for {
		s.persistMu.Lock()
		next := s.pending
		s.pending = nil
		if next == nil {
			s.busy = false
			s.idle.Broadcast()
			s.persistMu.Unlock()
			return
		}
		s.persistMu.Unlock()

		if err := s.persister.PersistFileTree(context.Background(), s.projectID, *next); err != nil {
			s.log.Warn("tree persist failed", "err", err, "files", len(*next))
			continue
		}
		s.log.Trace("tree persist ok", "files", len(*next))
	}
}
