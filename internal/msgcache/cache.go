package msgcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pkt.systems/pairbox/schema"
	"pkt.systems/pslog"
)

// Cache is the durable local mirror of each project's conversation.
// Save overwrites the whole log for the project.
type Cache interface {
	Load(ctx context.Context, projectID schema.ProjectID) ([]schema.Message, error)
	Save(ctx context.Context, projectID schema.ProjectID, msgs []schema.Message) error
}

// ErrCorrupt marks a cache entry that could not be decoded as a message list.
var ErrCorrupt = errors.New("message cache corrupt")

// Backend names a Cache implementation.
type Backend string

const (
	// BackendFile stores one JSON file per project.
	BackendFile Backend = "file"
	// BackendSQLite stores records in a sqlite database.
	BackendSQLite Backend = "sqlite"
	// BackendMemory keeps entries in process memory.
	BackendMemory Backend = "memory"
)

// Open builds the cache selected by backend. dir is the cache directory for
// the file and sqlite backends.
func Open(ctx context.Context, backend Backend, dir string) (Cache, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(string(backend)))) {
	case BackendFile, "":
		return NewFile(dir, pslog.Ctx(ctx))
	case BackendSQLite:
		return NewSQLite(ctx, dir)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown message cache backend %q", backend)
	}
}

// decodeRecords decodes each raw record on its own so one malformed entry
// does not discard the rest. It returns the decoded messages and the number
// of skipped records.
func decodeRecords(log pslog.Logger, projectID schema.ProjectID, records []json.RawMessage) ([]schema.Message, int) {
	msgs := make([]schema.Message, 0, len(records))
	skipped := 0
	for i, raw := range records {
		var msg schema.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			skipped++
			log.Warn("cache record skipped", "project", projectID, "index", i, "err", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, skipped
}
