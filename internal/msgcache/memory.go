package msgcache

import (
	"context"
	"sync"

	"pkt.systems/pairbox/schema"
)

// Memory keeps cached logs in process memory.
type Memory struct {
	mu      sync.Mutex
	entries map[schema.ProjectID][]schema.Message
}

// NewMemory returns an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[schema.ProjectID][]schema.Message)}
}

// Load returns a copy of the cached log.
func (m *Memory) Load(_ context.Context, projectID schema.ProjectID) ([]schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs, ok := m.entries[projectID]
	if !ok {
		return nil, nil
	}
	return append([]schema.Message(nil), msgs...), nil
}

// Save stores a copy of msgs.
func (m *Memory) Save(_ context.Context, projectID schema.ProjectID, msgs []schema.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[projectID] = append([]schema.Message(nil), msgs...)
	return nil
}
