// Package wsconn is the websocket realtime transport used against a pairbox
// server.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pairbox/internal/realtime"
	"pkt.systems/pairbox/schema"
)

const (
	// HeaderUser carries the caller's user id.
	HeaderUser = "X-Pairbox-User"
	// HeaderEmail carries the caller's email.
	HeaderEmail = "X-Pairbox-Email"

	writeTimeout = 10 * time.Second
)

// Transport dials the server's /ws endpoint.
type Transport struct {
	// BaseURL is the server root, for example http://127.0.0.1:8080.
	BaseURL string
	UserID  schema.UserID
	Email   string
	Dialer  *websocket.Dialer
}

// Dial opens a websocket for the project.
func (t *Transport) Dial(ctx context.Context, projectID schema.ProjectID) (realtime.Conn, error) {
	endpoint, err := Endpoint(t.BaseURL, projectID)
	if err != nil {
		return nil, err
	}
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if t.UserID != "" {
		header.Set(HeaderUser, string(t.UserID))
	}
	if t.Email != "" {
		header.Set(HeaderEmail, t.Email)
	}
	ws, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %s: %w", endpoint, resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", endpoint, err)
	}
	return Wrap(ws), nil
}

// Endpoint maps an http(s) base URL to the project's ws(s) URL.
func Endpoint(base string, projectID schema.ProjectID) (string, error) {
	if strings.TrimSpace(base) == "" {
		return "", errors.New("server url is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("project", string(projectID))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Conn adapts a websocket to realtime.Conn using JSON text frames.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
	err     error
}

// Wrap adapts an established websocket. The server side uses it too.
func Wrap(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Send writes one envelope.
func (c *Conn) Send(ctx context.Context, env realtime.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteJSON(env)
}

// Receive reads the next envelope. Close unblocks it.
func (c *Conn) Receive(_ context.Context) (realtime.Envelope, error) {
	var env realtime.Envelope
	if err := c.ws.ReadJSON(&env); err != nil {
		return realtime.Envelope{}, err
	}
	return env, nil
}

// Close sends a close frame and releases the socket.
func (c *Conn) Close() error {
	c.once.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.err = c.ws.Close()
	})
	return c.err
}
