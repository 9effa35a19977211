// Package memconn is an in-process realtime transport over an event bus.
package memconn

import (
	"context"
	"errors"
	"sync"

	"github.com/oklog/ulid/v2"
	"pkt.systems/pairbox/internal/eventbus"
	"pkt.systems/pairbox/internal/realtime"
	"pkt.systems/pairbox/schema"
)

// ErrClosed is returned by Receive and Send after Close.
var ErrClosed = errors.New("memconn closed")

// Transport dials connections onto a shared bus.
type Transport struct {
	Bus *eventbus.Bus
	// ID names the subscriber. A fresh ULID is used when empty.
	ID string
}

// New returns a Transport on bus.
func New(bus *eventbus.Bus) *Transport {
	return &Transport{Bus: bus}
}

// Dial joins the project room.
func (t *Transport) Dial(ctx context.Context, projectID schema.ProjectID) (realtime.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := t.ID
	if id == "" {
		id = ulid.Make().String()
	}
	events, cancel := t.Bus.Subscribe(projectID, id)
	return &conn{
		bus:       t.Bus,
		projectID: projectID,
		id:        id,
		events:    events,
		cancel:    cancel,
		closed:    make(chan struct{}),
	}, nil
}

type conn struct {
	bus       *eventbus.Bus
	projectID schema.ProjectID
	id        string
	events    <-chan eventbus.Event
	cancel    func()

	once   sync.Once
	closed chan struct{}
}

func (c *conn) Send(ctx context.Context, env realtime.Envelope) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.bus.Publish(c.projectID, eventbus.Event{Topic: env.Topic, Payload: env.Payload, Origin: c.id})
	return nil
}

func (c *conn) Receive(ctx context.Context) (realtime.Envelope, error) {
	select {
	case event, ok := <-c.events:
		if !ok {
			return realtime.Envelope{}, ErrClosed
		}
		return realtime.Envelope{Topic: event.Topic, Payload: event.Payload, Origin: event.Origin}, nil
	case <-c.closed:
		return realtime.Envelope{}, ErrClosed
	case <-ctx.Done():
		return realtime.Envelope{}, ctx.Err()
	}
}

func (c *conn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.cancel()
	})
	return nil
}
