package pairbox

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/pairbox/httpapi"
	"pkt.systems/pairbox/internal/projectstore"
	"pkt.systems/pairbox/internal/realtime"
	"pkt.systems/pairbox/schema"
)

type trackingBackend struct {
	projectstore.Backend
	closed atomic.Int32
}

func (b *trackingBackend) Close() error {
	b.closed.Add(1)
	return b.Backend.Close()
}

func newBackend(t *testing.T) *trackingBackend {
	t.Helper()
	backend, err := projectstore.NewFileBackend(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	return &trackingBackend{Backend: backend}
}

func TestServerServesProjectsAndClosesBackend(t *testing.T) {
	backend := newBackend(t)
	srv, err := New(ServerConfig{HTTP: httpapi.Config{Addr: "127.0.0.1:0"}}, ServerDeps{Backend: backend})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := srv.Start(context.Background()); err == nil {
		t.Fatalf("expected second Start to fail")
	}

	client, err := projectstore.NewHTTPClient("http://"+srv.Addr(), schema.User{ID: "alice"}, 5*time.Second)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	project, err := client.CreateProject(context.Background(), "demo")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	projects, err := client.ListProjects(context.Background())
	if err != nil || len(projects) != 1 || projects[0].ID != project.ID {
		t.Fatalf("unexpected projects %+v: %v", projects, err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := srv.Stop(stopCtx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if backend.closed.Load() != 1 {
		t.Fatalf("expected backend closed once, got %d", backend.closed.Load())
	}
	if err := srv.Wait(); err != nil {
		t.Fatalf("Wait after Stop: %v", err)
	}
}

type failingRelay struct{}

func (failingRelay) Publish(context.Context, schema.ProjectID, realtime.Envelope) error { return nil }

func (failingRelay) Run(context.Context, func(schema.ProjectID, realtime.Envelope, bool)) error {
	return errors.New("relay gone")
}

func TestServerWaitReportsRelayFailure(t *testing.T) {
	backend := newBackend(t)
	srv, err := New(ServerConfig{HTTP: httpapi.Config{Addr: "127.0.0.1:0"}}, ServerDeps{Backend: backend, Relay: failingRelay{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := srv.Wait(); err == nil || err.Error() != "relay gone" {
		t.Fatalf("expected relay error, got %v", err)
	}
	if backend.closed.Load() != 1 {
		t.Fatalf("expected backend closed after failure")
	}
}

func TestServerRequiresBackend(t *testing.T) {
	if _, err := New(ServerConfig{}, ServerDeps{}); err == nil {
		t.Fatalf("expected error without backend")
	}
	srv, err := New(ServerConfig{}, ServerDeps{Backend: newBackend(t)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Wait(); err == nil {
		t.Fatalf("expected Wait before Start to fail")
	}
	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
}
