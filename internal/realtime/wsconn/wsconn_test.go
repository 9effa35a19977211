package wsconn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pairbox/internal/realtime"
	"pkt.systems/pairbox/schema"
)

func TestEndpoint(t *testing.T) {
	cases := map[string]string{
		"http://127.0.0.1:8080":    "ws://127.0.0.1:8080/ws?project=p1",
		"https://pairbox.example/": "wss://pairbox.example/ws?project=p1",
		"http://host/prefix":       "ws://host/prefix/ws?project=p1",
	}
	for base, want := range cases {
		got, err := Endpoint(base, "p1")
		if err != nil {
			t.Fatalf("endpoint %q: %v", base, err)
		}
		if got != want {
			t.Fatalf("endpoint %q: expected %q, got %q", base, want, got)
		}
	}
	if _, err := Endpoint("ftp://host", "p1"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
	if _, err := Endpoint("", "p1"); err == nil {
		t.Fatalf("expected missing url error")
	}
}

func TestTransportRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotUser := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" || r.URL.Query().Get("project") != "p1" {
			http.Error(w, "bad path", http.StatusBadRequest)
			return
		}
		gotUser <- r.Header.Get(HeaderUser)
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := Wrap(ws)
		defer conn.Close()
		for {
			env, err := conn.Receive(r.Context())
			if err != nil {
				return
			}
			if err := conn.Send(r.Context(), env); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	transport := &Transport{BaseURL: srv.URL, UserID: "alice"}
	conn, err := transport.Dial(ctx, "p1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if user := <-gotUser; user != "alice" {
		t.Fatalf("expected user header, got %q", user)
	}

	sent := realtime.Envelope{Topic: schema.TopicProjectMessage, Payload: json.RawMessage(`{"message":"hi"}`)}
	if err := conn.Send(ctx, sent); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got.Topic != sent.Topic || string(got.Payload) != string(sent.Payload) {
		t.Fatalf("unexpected echo %+v", got)
	}
}
