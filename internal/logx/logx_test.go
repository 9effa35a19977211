package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"pkt.systems/pairbox/schema"
	"pkt.systems/pslog"
)

func TestWithSenderAddsField(t *testing.T) {
	capture := &logCapture{}
	logger := newTestLogger(capture)
	log := WithSender(logger, schema.Sender{ID: "alice"})
	log.Info("hello")

	entry := capture.firstEntry(t)
	if entry["sender"] != "alice" {
		t.Fatalf("expected sender field, got %+v", entry)
	}
}

func TestWithSenderSkipsEmpty(t *testing.T) {
	capture := &logCapture{}
	logger := newTestLogger(capture)
	WithSender(logger, schema.Sender{}).Info("hello")

	entry := capture.firstEntry(t)
	if _, ok := entry["sender"]; ok {
		t.Fatalf("did not expect sender for empty id")
	}
}

func TestWithProjectUserAddsFields(t *testing.T) {
	capture := &logCapture{}
	ctx := pslog.ContextWithLogger(context.Background(), newTestLogger(capture))
	log := WithProjectUser(ctx, "p1", "alice")
	log.Info("hello")

	entry := capture.firstEntry(t)
	if entry["project"] != "p1" {
		t.Fatalf("expected project field, got %+v", entry)
	}
	if entry["user"] != "alice" {
		t.Fatalf("expected user field, got %+v", entry)
	}
}

func TestWithProjectDedupesMarkedContext(t *testing.T) {
	capture := &logCapture{}
	logger := newTestLogger(capture).With("project", "p1")
	ctx := ContextWithProjectLogger(context.Background(), logger, "p1", "")
	WithProject(ctx, "p1").Info("hello")

	line := bytes.TrimSpace(capture.buf.Bytes())
	if bytes.Count(line, []byte(`"project"`)) != 1 {
		t.Fatalf("expected a single project field, got %s", line)
	}
}

func TestDetachKeepsMarkers(t *testing.T) {
	capture := &logCapture{}
	ctx, cancel := context.WithCancel(ContextWithProjectLogger(context.Background(), newTestLogger(capture), "p1", "alice"))
	cancel()
	detached := Detach(ctx)
	if detached.Err() != nil {
		t.Fatalf("detached context must not inherit cancellation")
	}
	if got, _ := detached.Value(projectKey).(schema.ProjectID); got != "p1" {
		t.Fatalf("expected project marker, got %q", got)
	}
	if got, _ := detached.Value(userKey).(schema.UserID); got != "alice" {
		t.Fatalf("expected user marker, got %q", got)
	}
}

func newTestLogger(capture *logCapture) pslog.Logger {
	return pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
}

type logCapture struct {
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func (c *logCapture) firstEntry(t *testing.T) map[string]any {
	t.Helper()
	data := c.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx == -1 {
		idx = len(data)
	}
	line := bytes.TrimSpace(data[:idx])
	entry := map[string]any{}
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("parse log entry: %v", err)
	}
	return entry
}
