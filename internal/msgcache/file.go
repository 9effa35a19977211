package msgcache

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"pkt.systems/pairbox/internal/persist"
	"pkt.systems/pairbox/schema"
	"pkt.systems/pslog"
)

// File stores each project's log as a JSON array in its own file.
type File struct {
	dir string
	log pslog.Logger
	mu  sync.Mutex
}

// NewFile constructs a file cache rooted at dir.
func NewFile(dir string, logger pslog.Logger) (*File, error) {
	if err := persist.EnsureDir(dir); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &File{dir: dir, log: logger.With("cache_dir", dir)}, nil
}

// Load reads the cached log. A missing entry yields an empty log.
func (f *File) Load(ctx context.Context, projectID schema.ProjectID) ([]schema.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var records []json.RawMessage
	ok, err := persist.ReadJSON(f.path(projectID), &records)
	if err != nil {
		f.log.Warn("cache load failed", "project", projectID, "err", err)
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if !ok {
		f.log.Debug("cache load miss", "project", projectID)
		return nil, nil
	}
	msgs, skipped := decodeRecords(f.log, projectID, records)
	f.log.Debug("cache load ok", "project", projectID, "messages", len(msgs), "skipped", skipped)
	return msgs, nil
}

// Save overwrites the cached log.
func (f *File) Save(ctx context.Context, projectID schema.ProjectID, msgs []schema.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if msgs == nil {
		msgs = []schema.Message{}
	}
	if err := persist.WriteJSON(f.path(projectID), msgs); err != nil {
		f.log.Warn("cache save failed", "project", projectID, "err", err)
		return err
	}
	f.log.Trace("cache save ok", "project", projectID, "messages", len(msgs))
	return nil
}

func (f *File) path(projectID schema.ProjectID) string {
	return filepath.Join(f.dir, "project_messages_"+persist.FileName(string(projectID), ".json"))
}
