package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"pkt.systems/pairbox/internal/eventbus"
	"pkt.systems/pairbox/internal/logx"
	"pkt.systems/pairbox/internal/metrics"
	"pkt.systems/pairbox/internal/projectstore"
	"pkt.systems/pairbox/internal/realtime"
	"pkt.systems/pairbox/internal/realtime/wsconn"
	"pkt.systems/pairbox/schema"
	"pkt.systems/pslog"
)

// Relay carries envelopes between server replicas.
type Relay interface {
	Publish(ctx context.Context, projectID schema.ProjectID, env realtime.Envelope) error
	// Run delivers envelopes published by other replicas or by sessions
	// connected to the relay directly. foreign is true for the latter; they
	// have not been stored yet.
	Run(ctx context.Context, deliver func(projectID schema.ProjectID, env realtime.Envelope, foreign bool)) error
}

// HubConfig configures the realtime hub.
type HubConfig struct {
	AllowedOrigins []string
	WriteTimeout   time.Duration
	// RecordForeign stores messages that arrive over the relay from
	// sessions that bypass the hub. Enable it on one replica only.
	RecordForeign bool
}

// Hub joins websocket clients to project rooms on an event bus.
type Hub struct {
	bus      *eventbus.Bus
	service  *projectstore.Service
	metrics  *metrics.Metrics
	cfg      HubConfig
	upgrader websocket.Upgrader

	mu    sync.Mutex
	relay Relay
}

// NewHub constructs a hub.
func NewHub(bus *eventbus.Bus, service *projectstore.Service, m *metrics.Metrics, cfg HubConfig) *Hub {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	h := &Hub{bus: bus, service: service, metrics: m, cfg: cfg}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// RunRelay forwards local traffic to relay and delivers relayed traffic
// locally until ctx ends.
func (h *Hub) RunRelay(ctx context.Context, relay Relay) error {
	h.mu.Lock()
	h.relay = relay
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.relay = nil
		h.mu.Unlock()
	}()
	pslog.Ctx(ctx).Info("hub relay start")
	return relay.Run(ctx, func(projectID schema.ProjectID, env realtime.Envelope, foreign bool) {
		h.deliver(ctx, projectID, env, foreign)
	})
}

// ServeHTTP upgrades the request and pumps the connection until either side
// closes it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	projectID := schema.ProjectID(r.URL.Query().Get("project"))
	log := logx.WithProjectUser(r.Context(), projectID, caller.ID)
	if err := h.service.Join(r.Context(), caller, projectID); err != nil {
		log.Debug("hub join rejected", "err", err)
		writeError(w, projectstore.StatusFor(err), err)
		return
	}
	// Join the room before the handshake completes so nothing published
	// after the client's dial returns is missed.
	connID := ulid.Make().String()
	events, unsubscribe := h.bus.Subscribe(projectID, connID)
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		unsubscribe()
		log.Warn("hub upgrade failed", "err", err)
		return
	}
	log = log.With("conn", connID)
	ctx, cancel := context.WithCancel(logx.ContextWithProjectLogger(r.Context(), log, projectID, caller.ID))
	defer cancel()

	conn := wsconn.Wrap(ws)
	h.metrics.ConnOpened()
	log.Info("hub conn open", "subs", h.bus.Subscribers(projectID))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		defer func() { _ = conn.Close() }()
		h.writeLoop(ctx, conn, events)
	}()

	for {
		env, err := conn.Receive(ctx)
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				log.Debug("hub conn read ended", "err", err)
			}
			break
		}
		h.handleInbound(ctx, projectID, caller, connID, env)
	}

	cancel()
	unsubscribe()
	_ = conn.Close()
	wg.Wait()
	h.metrics.ConnClosed()
	log.Info("hub conn closed")
}

func (h *Hub) writeLoop(ctx context.Context, conn *wsconn.Conn, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			sendCtx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
			err := conn.Send(sendCtx, realtime.Envelope{Topic: event.Topic, Payload: event.Payload})
			cancel()
			if err != nil {
				pslog.Ctx(ctx).Debug("hub conn write failed", "err", err)
				return
			}
		}
	}
}

func (h *Hub) handleInbound(ctx context.Context, projectID schema.ProjectID, caller schema.User, connID string, env realtime.Envelope) {
	log := pslog.Ctx(ctx)
	if env.Topic == schema.TopicProjectMessage {
		msg, ok := h.normalizeMessage(log, caller, env.Payload)
		if !ok {
			return
		}
		if err := h.service.RecordMessage(ctx, projectID, msg); err != nil {
			if errors.Is(err, schema.ErrEmptyMessage) {
				log.Debug("hub message empty dropped")
				return
			}
			h.metrics.RecordFailed()
			log.Warn("hub message record failed", "err", err)
		}
		data, err := json.Marshal(msg)
		if err != nil {
			log.Warn("hub message encode failed", "err", err)
			return
		}
		env.Payload = data
	}
	env.Origin = ""
	delivered := h.bus.Publish(projectID, eventbus.Event{Topic: env.Topic, Payload: env.Payload, Origin: connID})
	h.metrics.MessageRelayed("local")
	log.Trace("hub event relayed", "topic", env.Topic, "delivered", delivered)

	h.mu.Lock()
	relay := h.relay
	h.mu.Unlock()
	if relay != nil {
		if err := relay.Publish(ctx, projectID, env); err != nil {
			log.Warn("hub relay publish failed", "err", err)
		}
	}
}

// normalizeMessage pins the sender to the caller and stamps a missing
// timestamp.
func (h *Hub) normalizeMessage(log pslog.Logger, caller schema.User, payload json.RawMessage) (schema.Message, bool) {
	var msg schema.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Warn("hub message decode failed", "err", err, "bytes", len(payload))
		return schema.Message{}, false
	}
	callerSender := schema.Sender{ID: caller.ID}
	switch {
	case msg.Sender.ID == "":
		msg.Sender = schema.Sender{ID: caller.ID, Email: caller.Email}
	case msg.Sender.ID == caller.ID:
	case msg.Sender.IsAgent() && callerSender.IsAgent():
	default:
		log.Warn("hub message sender mismatch", "sender", msg.Sender.ID)
		return schema.Message{}, false
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return msg, true
}

func (h *Hub) deliver(ctx context.Context, projectID schema.ProjectID, env realtime.Envelope, foreign bool) {
	log := logx.WithProject(ctx, projectID)
	if foreign && h.cfg.RecordForeign && env.Topic == schema.TopicProjectMessage {
		var msg schema.Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			log.Warn("hub relayed message decode failed", "err", err)
		} else if err := h.service.RecordMessage(ctx, projectID, msg); err != nil {
			h.metrics.RecordFailed()
			log.Warn("hub relayed message record failed", "err", err)
		}
	}
	delivered := h.bus.Publish(projectID, eventbus.Event{Topic: env.Topic, Payload: env.Payload})
	h.metrics.MessageRelayed("relay")
	log.Trace("hub relayed event delivered", "topic", env.Topic, "delivered", delivered)
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
