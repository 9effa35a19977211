package httpapi

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"pkt.systems/pairbox/internal/realtime"
	"pkt.systems/pairbox/internal/realtime/redisconn"
	"pkt.systems/pairbox/schema"
	"pkt.systems/pslog"
)

const hubOriginPrefix = "hub:"

// RedisRelay shares project rooms between replicas over Redis pub/sub. It
// uses the channel names of the redisconn transport, so sessions dialing
// Redis directly meet websocket clients in the same room.
type RedisRelay struct {
	client *redis.Client
	origin string
}

// NewRedisRelay wraps client.
func NewRedisRelay(client *redis.Client) *RedisRelay {
	return &RedisRelay{client: client, origin: hubOriginPrefix + ulid.Make().String()}
}

// Publish implements Relay.
func (r *RedisRelay) Publish(ctx context.Context, projectID schema.ProjectID, env realtime.Envelope) error {
	env.Origin = r.origin
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, redisconn.ChannelName(projectID), data).Err()
}

// Run implements Relay. It returns nil when ctx ends.
func (r *RedisRelay) Run(ctx context.Context, deliver func(projectID schema.ProjectID, env realtime.Envelope, foreign bool)) error {
	log := pslog.Ctx(ctx)
	sub := r.client.PSubscribe(ctx, redisconn.ChannelPrefix+"*")
	defer func() { _ = sub.Close() }()
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			projectID, ok := redisconn.ProjectFromChannel(msg.Channel)
			if !ok {
				continue
			}
			var env realtime.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Debug("hub relay decode failed", "channel", msg.Channel, "err", err)
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			foreign := !strings.HasPrefix(env.Origin, hubOriginPrefix)
			env.Origin = ""
			deliver(projectID, env, foreign)
		}
	}
}
