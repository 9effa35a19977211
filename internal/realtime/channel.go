// Package realtime carries project events between session participants over
// a single duplex connection per session.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"pkt.systems/pairbox/internal/logx"
	"pkt.systems/pairbox/schema"
)

var (
	// ErrChannelOpen is returned by Open while a connection is active.
	ErrChannelOpen = errors.New("realtime channel already open")
	// ErrChannelClosed is returned by Send when no connection is active.
	ErrChannelClosed = errors.New("realtime channel closed")
)

// Envelope is the wire frame of every realtime event.
type Envelope struct {
	Topic   schema.Topic    `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	Origin  string          `json:"origin,omitempty"`
}

// Conn is one duplex connection scoped to a project.
type Conn interface {
	Send(ctx context.Context, env Envelope) error
	// Receive blocks for the next inbound envelope. It returns an error once
	// the connection is closed or broken.
	Receive(ctx context.Context) (Envelope, error)
	Close() error
}

// Transport dials project connections.
type Transport interface {
	Dial(ctx context.Context, projectID schema.ProjectID) (Conn, error)
}

// Handler receives the payload of an inbound envelope.
type Handler func(ctx context.Context, payload json.RawMessage)

// Channel owns at most one connection and dispatches inbound envelopes to
// topic handlers from a single goroutine, in arrival order.
type Channel struct {
	transport Transport

	mu        sync.Mutex
	conn      Conn
	projectID schema.ProjectID
	cancel    context.CancelFunc
	done      chan struct{}

	handlersMu sync.RWMutex
	handlers   map[schema.Topic][]Handler
}

// NewChannel returns a closed channel using transport.
func NewChannel(transport Transport) *Channel {
	return &Channel{transport: transport, handlers: make(map[schema.Topic][]Handler)}
}

// OnReceive registers handler for every inbound envelope on topic.
func (c *Channel) OnReceive(topic schema.Topic, handler Handler) {
	if handler == nil {
		return
	}
	c.handlersMu.Lock()
	c.handlers[topic] = append(c.handlers[topic], handler)
	c.handlersMu.Unlock()
}

// Open dials the project connection and starts the receive loop.
func (c *Channel) Open(ctx context.Context, projectID schema.ProjectID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return ErrChannelOpen
	}
	log := logx.WithProject(ctx, projectID)
	conn, err := c.transport.Dial(ctx, projectID)
	if err != nil {
		log.Warn("channel dial failed", "err", err)
		return err
	}
	loopCtx, cancel := context.WithCancel(logx.Detach(logx.ContextWithProjectLogger(ctx, log, projectID, "")))
	c.conn = conn
	c.projectID = projectID
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.receiveLoop(loopCtx, conn, c.done)
	log.Info("channel open")
	return nil
}

// IsOpen reports whether a connection is active.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send marshals payload and writes it on topic.
func (c *Channel) Send(ctx context.Context, topic schema.Topic, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrChannelClosed
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return conn.Send(ctx, Envelope{Topic: topic, Payload: data})
}

// Close tears down the connection and waits for the receive loop. Closing a
// closed channel is a no-op.
func (c *Channel) Close() error {
	c.mu.Lock()
	conn, cancel, done, projectID := c.conn, c.cancel, c.done, c.projectID
	c.conn, c.cancel, c.done = nil, nil, nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	cancel()
	<-done
	logx.WithProject(context.Background(), projectID).Debug("channel closed")
	return err
}

func (c *Channel) receiveLoop(ctx context.Context, conn Conn, done chan struct{}) {
	defer close(done)
	log := logx.Ctx(ctx)
	for {
		env, err := conn.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("channel receive failed", "err", err)
			}
			return
		}
		c.handlersMu.RLock()
		handlers := append([]Handler(nil), c.handlers[env.Topic]...)
		c.handlersMu.RUnlock()
		if len(handlers) == 0 {
			log.Trace("channel event unhandled", "topic", env.Topic)
			continue
		}
		for _, handler := range handlers {
			handler(ctx, env.Payload)
		}
	}
}
