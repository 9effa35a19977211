// Package redisconn is a realtime transport over Redis Pub/Sub.
package redisconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"pkt.systems/pairbox/internal/realtime"
	"pkt.systems/pairbox/schema"
)

// ChannelPrefix prefixes every project channel name.
const ChannelPrefix = "pairbox:project:"

// ChannelName returns the Pub/Sub channel of a project.
func ChannelName(projectID schema.ProjectID) string {
	return ChannelPrefix + string(projectID)
}

// ProjectFromChannel extracts the project id from a channel name.
func ProjectFromChannel(name string) (schema.ProjectID, bool) {
	if !strings.HasPrefix(name, ChannelPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(name, ChannelPrefix)
	return schema.ProjectID(id), id != ""
}

// Transport publishes and subscribes on a shared client.
type Transport struct {
	client *redis.Client
}

// New connects to redisURL and verifies it with PING.
func New(ctx context.Context, redisURL string) (*Transport, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Transport{client: client}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client) *Transport {
	return &Transport{client: client}
}

// Client exposes the underlying client.
func (t *Transport) Client() *redis.Client {
	return t.client
}

// Close releases the client.
func (t *Transport) Close() error {
	return t.client.Close()
}

// Dial subscribes to the project channel and waits for the confirmation.
func (t *Transport) Dial(ctx context.Context, projectID schema.ProjectID) (realtime.Conn, error) {
	channel := ChannelName(projectID)
	sub := t.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}
	return &conn{client: t.client, sub: sub, channel: channel, id: ulid.Make().String()}, nil
}

// ErrClosed is returned after Close.
var ErrClosed = errors.New("redisconn closed")

type conn struct {
	client  *redis.Client
	sub     *redis.PubSub
	channel string
	id      string

	once   sync.Once
	closed bool
	mu     sync.Mutex
}

func (c *conn) Send(ctx context.Context, env realtime.Envelope) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if env.Origin == "" {
		env.Origin = c.id
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, c.channel, data).Err()
}

// Receive returns the next envelope. Publishers receive their own envelopes
// too; the session discards them by sender.
func (c *conn) Receive(ctx context.Context) (realtime.Envelope, error) {
	for {
		msg, err := c.sub.ReceiveMessage(ctx)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return realtime.Envelope{}, ErrClosed
			}
			return realtime.Envelope{}, err
		}
		var env realtime.Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			continue
		}
		return env, nil
	}
}

func (c *conn) Close() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		err = c.sub.Close()
	})
	return err
}
