package projectstore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"pkt.systems/pairbox/schema"
)

func newFileService(t *testing.T) *Service {
	t.Helper()
	backend, err := NewFileBackend(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("file backend: %v", err)
	}
	return NewService(backend)
}

func exerciseBackend(t *testing.T, svc *Service) {
	t.Helper()
	ctx := context.Background()
	alice := schema.User{ID: "alice", Email: "alice@example.com"}
	bob := schema.User{ID: "bob"}

	project, err := svc.Create(ctx, alice, "  demo  ")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if project.Name != "demo" || !project.HasMember("alice") {
		t.Fatalf("unexpected project %+v", project)
	}
	if err := schema.ValidateProjectID(project.ID); err != nil {
		t.Fatalf("generated id is invalid: %v", err)
	}

	alicePeer := NewLocal(svc, alice)
	bobPeer := NewLocal(svc, bob)

	if _, err := bobPeer.FetchProject(ctx, project.ID); !errors.Is(err, schema.ErrForbidden) {
		t.Fatalf("expected forbidden for non-member, got %v", err)
	}
	if err := alicePeer.AddCollaborators(ctx, project.ID, []schema.UserID{"bob", "bob"}); err != nil {
		t.Fatalf("add collaborators: %v", err)
	}
	got, err := bobPeer.FetchProject(ctx, project.ID)
	if err != nil {
		t.Fatalf("fetch as bob: %v", err)
	}
	if len(got.Users) != 2 {
		t.Fatalf("expected two members, got %+v", got.Users)
	}

	tree := schema.FileTree{"app.js": {Contents: "console.log(1)"}, "src//x.js": {Contents: "x"}}
	if err := bobPeer.PersistFileTree(ctx, project.ID, tree); err != nil {
		t.Fatalf("persist tree: %v", err)
	}
	got, _ = alicePeer.FetchProject(ctx, project.ID)
	want := schema.FileTree{"app.js": {Contents: "console.log(1)"}, "src/x.js": {Contents: "x"}}
	if !got.FileTree.Equal(want) {
		t.Fatalf("unexpected tree %+v", got.FileTree)
	}
	if err := bobPeer.PersistFileTree(ctx, project.ID, schema.FileTree{"../x": {}}); !errors.Is(err, schema.ErrInvalidPath) {
		t.Fatalf("expected invalid path, got %v", err)
	}

	msg := schema.Message{Sender: schema.Sender{ID: "alice"}, Body: "hi", Timestamp: time.UnixMilli(1000).UTC()}
	if err := svc.RecordMessage(ctx, project.ID, msg); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := svc.RecordMessage(ctx, project.ID, schema.Message{Sender: schema.Sender{ID: "alice"}}); !errors.Is(err, schema.ErrEmptyMessage) {
		t.Fatalf("expected empty message error, got %v", err)
	}
	history, err := bobPeer.FetchMessages(ctx, project.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(history) != 1 || history[0].Body != "hi" || history[0].UnixMilli() != 1000 {
		t.Fatalf("unexpected history %+v", history)
	}

	if _, err := alicePeer.CreateProject(ctx, "second"); err != nil {
		t.Fatalf("create second: %v", err)
	}
	mine, err := alicePeer.ListProjects(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("expected two projects for alice, got %d", len(mine))
	}
	theirs, _ := bobPeer.ListProjects(ctx)
	if len(theirs) != 1 || theirs[0].ID != project.ID {
		t.Fatalf("expected only the shared project for bob, got %+v", theirs)
	}

	if _, err := alicePeer.FetchProject(ctx, "missing"); !errors.Is(err, schema.ErrProjectNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFileBackendService(t *testing.T) {
	exerciseBackend(t, newFileService(t))
}

func TestPostgresBackendService(t *testing.T) {
	dsn := os.Getenv("PAIRBOX_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PAIRBOX_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	backend, err := NewPostgresBackend(ctx, dsn)
	if err != nil {
		t.Fatalf("postgres backend: %v", err)
	}
	t.Cleanup(func() {
		_, _ = backend.pool.Exec(ctx, `DELETE FROM pairbox_projects WHERE id IN (SELECT p.id FROM pairbox_projects p WHERE p.users @> '[{"_id":"alice"}]'::jsonb)`)
		_ = backend.Close()
	})
	exerciseBackend(t, NewService(backend))
}

func TestCreateRequiresName(t *testing.T) {
	svc := newFileService(t)
	if _, err := svc.Create(context.Background(), schema.User{ID: "alice"}, " "); !errors.Is(err, schema.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if _, err := svc.Create(context.Background(), schema.User{}, "demo"); !errors.Is(err, schema.ErrInvalidUser) {
		t.Fatalf("expected invalid user, got %v", err)
	}
}

func TestAgentMayJoinAnyProject(t *testing.T) {
	svc := newFileService(t)
	ctx := context.Background()
	project, err := svc.Create(ctx, schema.User{ID: "alice"}, "demo")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Join(ctx, schema.User{ID: schema.AgentUserID}, project.ID); err != nil {
		t.Fatalf("agent join: %v", err)
	}
	if err := svc.Join(ctx, schema.User{ID: "mallory"}, project.ID); !errors.Is(err, schema.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		nil:                       200,
		schema.ErrProjectNotFound: 404,
		schema.ErrForbidden:       403,
		schema.ErrInvalidPath:     400,
		ErrProjectExists:          409,
		errors.New("boom"):        500,
		&APIError{Status: 502}:    502,
	}
	for err, want := range cases {
		if got := StatusFor(err); got != want {
			t.Fatalf("status for %v: expected %d, got %d", err, want, got)
		}
	}
}
