package reconcile

import (
	"context"
	"sync"

	"pkt.systems/pairbox/internal/logx"
	"pkt.systems/pairbox/internal/msgcache"
	"pkt.systems/pairbox/schema"
)

// Log is the in-memory ordered conversation of one project, mirrored to a
// message cache after every change. Appends keep arrival order; only
// MergeServer sorts.
type Log struct {
	projectID schema.ProjectID
	cache     msgcache.Cache

	mu   sync.Mutex
	msgs []schema.Message

	// cacheMu serializes cache writes so a later save never loses to an
	// earlier one.
	cacheMu sync.Mutex
}

// NewLog returns an empty log bound to cache. cache may be nil.
func NewLog(projectID schema.ProjectID, cache msgcache.Cache) *Log {
	return &Log{projectID: projectID, cache: cache}
}

// LoadCached replaces the in-memory log with the cached entry. A load error
// is logged and leaves the log empty.
func (l *Log) LoadCached(ctx context.Context) []schema.Message {
	log := logx.WithProject(ctx, l.projectID)
	if l.cache == nil {
		return nil
	}
	msgs, err := l.cache.Load(ctx, l.projectID)
	if err != nil {
		log.Warn("log cache load failed", "err", err)
		msgs = nil
	}
	l.mu.Lock()
	l.msgs = append([]schema.Message(nil), msgs...)
	out := l.copyLocked()
	l.mu.Unlock()
	log.Debug("log cache loaded", "messages", len(out))
	return out
}

// MergeServer merges the server log into the current log, sorts it, and
// overwrites the cache with the result.
func (l *Log) MergeServer(ctx context.Context, server []schema.Message) []schema.Message {
	l.mu.Lock()
	before := len(l.msgs)
	l.msgs = Merge(l.msgs, server)
	added := len(l.msgs) - before
	out := l.copyLocked()
	l.mu.Unlock()

	logx.WithProject(ctx, l.projectID).Info("log merge done", "server", len(server), "added", added, "total", len(out))
	l.save(ctx)
	return out
}

// AppendLocal records a message sent by the current user before the server
// has seen it.
func (l *Log) AppendLocal(ctx context.Context, msg schema.Message) {
	l.append(ctx, msg)
}

// Append records an inbound message.
func (l *Log) Append(ctx context.Context, msg schema.Message) {
	l.append(ctx, msg)
}

// Messages returns a copy of the log.
func (l *Log) Messages() []schema.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.copyLocked()
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

func (l *Log) append(ctx context.Context, msg schema.Message) {
	l.mu.Lock()
	l.msgs = append(l.msgs, msg)
	l.mu.Unlock()
	l.save(ctx)
}

func (l *Log) save(ctx context.Context) {
	if l.cache == nil {
		return
	}
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	snapshot := l.Messages()
	if err := l.cache.Save(ctx, l.projectID, snapshot); err != nil {
		logx.WithProject(ctx, l.projectID).Warn("log cache save failed", "err", err, "messages", len(snapshot))
	}
}

func (l *Log) copyLocked() []schema.Message {
	return append([]schema.Message(nil), l.msgs...)
}
