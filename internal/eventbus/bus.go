package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	"pkt.systems/pairbox/schema"
	"pkt.systems/pslog"
)

// Event is one realtime envelope routed within a project room.
type Event struct {
	Topic   schema.Topic
	Payload json.RawMessage
	// Origin is the subscriber that published the event. It is skipped
	// during fanout; an empty origin reaches everyone.
	Origin string
}

type subscriber struct {
	id string
	ch chan Event
}

// Bus fans events out to the subscribers of each project room.
type Bus struct {
	mu    sync.Mutex
	subs  map[schema.ProjectID]map[*subscriber]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[schema.ProjectID]map[*subscriber]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe joins the project room as id and returns a channel + cancel.
func (b *Bus) Subscribe(projectID schema.ProjectID, id string) (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	sub := &subscriber{id: id, ch: make(chan Event, b.depth)}
	b.mu.Lock()
	room := b.subs[projectID]
	if room == nil {
		room = make(map[*subscriber]struct{})
		b.subs[projectID] = room
	}
	room[sub] = struct{}{}
	count := len(room)
	b.mu.Unlock()
	b.log.With("project", projectID).Debug("eventbus subscribe", "subscriber", id, "subs", count)

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if room := b.subs[projectID]; room != nil {
				delete(room, sub)
				if len(room) == 0 {
					delete(b.subs, projectID)
				}
			}
			close(sub.ch)
			b.mu.Unlock()
			b.log.With("project", projectID).Debug("eventbus unsubscribe", "subscriber", id)
		})
	}
}

// Publish delivers event to every subscriber of the room except its origin.
// A full subscriber drops the event instead of blocking the publisher.
func (b *Bus) Publish(projectID schema.ProjectID, event Event) int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.subs[projectID]
	delivered, dropped := 0, 0
	for sub := range room {
		if event.Origin != "" && sub.id == event.Origin {
			continue
		}
		select {
		case sub.ch <- event:
			delivered++
		default:
			dropped++
		}
	}
	if dropped > 0 {
		b.log.With("project", projectID).Trace("eventbus dropped", "count", dropped, "topic", event.Topic)
	}
	return delivered
}

// Subscribers returns the number of subscribers in the room.
func (b *Bus) Subscribers(projectID schema.ProjectID) int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[projectID])
}
