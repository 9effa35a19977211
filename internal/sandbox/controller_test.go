package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pairbox/schema"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...any) {
	l.mu.Lock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeProcess struct {
	id    string
	log   *callLog
	r     *io.PipeReader
	w     *io.PipeWriter
	mu    sync.Mutex
	kills int
}

func (p *fakeProcess) Output() io.Reader { return p.r }

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()
	p.log.add("kill %s", p.id)
	return p.w.Close()
}

func (p *fakeProcess) killCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}

type fakeHandle struct {
	log      *callLog
	mountErr error
	spawnErr map[string]error
	mu       sync.Mutex
	spawned  []*fakeProcess
	ready    func(int, string)
	mounted  []schema.FileTree
	closed   bool
}

func (h *fakeHandle) Mount(_ context.Context, tree schema.FileTree) error {
	h.log.add("mount %d", len(tree))
	if h.mountErr != nil {
		return h.mountErr
	}
	h.mu.Lock()
	h.mounted = append(h.mounted, tree)
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) Spawn(_ context.Context, command string, args []string) (Process, error) {
	name := strings.Join(append([]string{command}, args...), " ")
	if err := h.spawnErr[name]; err != nil {
		h.log.add("spawn-failed %s", name)
		return nil, err
	}
	h.mu.Lock()
	id := fmt.Sprintf("%s#%d", name, len(h.spawned)+1)
	r, w := io.Pipe()
	proc := &fakeProcess{id: id, log: h.log, r: r, w: w}
	h.spawned = append(h.spawned, proc)
	h.mu.Unlock()
	h.log.add("spawn %s", id)
	return proc, nil
}

func (h *fakeHandle) OnServerReady(fn func(int, string)) {
	h.mu.Lock()
	h.ready = fn
	h.mu.Unlock()
}

func (h *fakeHandle) Close(context.Context) error {
	h.mu.Lock()
	h.closed = true
	spawned := append([]*fakeProcess(nil), h.spawned...)
	h.mu.Unlock()
	for _, proc := range spawned {
		_ = proc.w.Close()
	}
	h.log.add("close")
	return nil
}

func (h *fakeHandle) process(i int) *fakeProcess {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.spawned[i]
}

type fakeRuntime struct {
	log       *callLog
	handle    *fakeHandle
	createErr error
	creates   int
}

func newFakeRuntime() *fakeRuntime {
	log := &callLog{}
	return &fakeRuntime{log: log, handle: &fakeHandle{log: log, spawnErr: map[string]error{}}}
}

func (r *fakeRuntime) Name() string { return "fake" }

func (r *fakeRuntime) Create(context.Context) (Handle, error) {
	r.creates++
	r.log.add("create")
	if r.createErr != nil {
		return nil, r.createErr
	}
	return r.handle, nil
}

type recordingObserver struct {
	mu       sync.Mutex
	outputs  []schema.OutputEvent
	statuses []schema.SandboxStatus
}

func (o *recordingObserver) OnOutput(event schema.OutputEvent) {
	o.mu.Lock()
	o.outputs = append(o.outputs, event)
	o.mu.Unlock()
}

func (o *recordingObserver) OnSandbox(status schema.SandboxStatus) {
	o.mu.Lock()
	o.statuses = append(o.statuses, status)
	o.mu.Unlock()
}

func (o *recordingObserver) outputLines() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.outputs))
	for _, ev := range o.outputs {
		out = append(out, fmt.Sprintf("%s/%d:%s", ev.Stream, ev.Run, ev.Line))
	}
	return out
}

func closeController(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestPreconditionGating(t *testing.T) {
	rt := newFakeRuntime()
	obs := &recordingObserver{}
	c := NewController(rt, Config{
		ProjectID: "p1",
		Isolation: func(context.Context) (bool, string) { return false, "user namespaces are disabled" },
	}, obs, nil)

	status := c.Init(context.Background())
	if status.State != schema.SandboxUnsupported {
		t.Fatalf("expected unsupported, got %s", status.State)
	}
	if !strings.Contains(status.Error, "user namespaces are disabled") {
		t.Fatalf("expected descriptive error, got %q", status.Error)
	}
	if rt.creates != 0 {
		t.Fatalf("create must not be called when isolation fails")
	}
	for _, s := range obs.statuses {
		if s.State == schema.SandboxInitializing {
			t.Fatalf("unsupported must not pass through initializing")
		}
	}
	if again := c.Init(context.Background()); again.State != schema.SandboxUnsupported || rt.creates != 0 {
		t.Fatalf("unsupported is terminal")
	}
	if _, err := c.Run(context.Background(), schema.FileTree{}); !errors.Is(err, schema.ErrSandboxNotReady) {
		t.Fatalf("expected not ready, got %v", err)
	}
}

func TestInitCreateFailureIsRetryable(t *testing.T) {
	rt := newFakeRuntime()
	rt.createErr = errors.New("podman socket missing")
	c := NewController(rt, Config{ProjectID: "p1"}, nil, nil)

	status := c.Init(context.Background())
	if status.State != schema.SandboxFailed || !strings.Contains(status.Error, "podman socket missing") {
		t.Fatalf("unexpected status %+v", status)
	}
	if rt.creates != 1 {
		t.Fatalf("expected a single create attempt")
	}
	rt.createErr = nil
	if status := c.Init(context.Background()); status.State != schema.SandboxReady {
		t.Fatalf("explicit init should retry, got %+v", status)
	}
	if rt.creates != 2 {
		t.Fatalf("expected a second create attempt, got %d", rt.creates)
	}
	if status := c.Init(context.Background()); rt.creates != 2 || status.State != schema.SandboxReady {
		t.Fatalf("init on a ready sandbox must be a no-op")
	}
	closeController(t, c)
}

func TestRunBeforeInit(t *testing.T) {
	c := NewController(newFakeRuntime(), Config{ProjectID: "p1"}, nil, nil)
	if _, err := c.Run(context.Background(), schema.FileTree{}); !errors.Is(err, schema.ErrSandboxNotReady) {
		t.Fatalf("expected not ready, got %v", err)
	}
}

func TestRunSequence(t *testing.T) {
	rt := newFakeRuntime()
	c := NewController(rt, Config{ProjectID: "p1"}, nil, nil)
	c.Init(context.Background())

	status, err := c.Run(context.Background(), schema.FileTree{"package.json": {Contents: "{}"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status.State != schema.SandboxRunning || status.Runs != 1 {
		t.Fatalf("unexpected status %+v", status)
	}
	want := []string{"create", "mount 1", "spawn npm install#1", "spawn npm start#2"}
	if got := rt.log.snapshot(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected call order:\n got %v\nwant %v", got, want)
	}
	closeController(t, c)
}

func TestSupersedeKillsPreviousRunOnceBeforeSpawn(t *testing.T) {
	rt := newFakeRuntime()
	c := NewController(rt, Config{ProjectID: "p1"}, nil, nil)
	c.Init(context.Background())

	if _, err := c.Run(context.Background(), schema.FileTree{}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	r1 := rt.handle.process(1)
	if _, err := c.Run(context.Background(), schema.FileTree{}); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if r1.killCount() != 1 {
		t.Fatalf("expected exactly one kill of the first run, got %d", r1.killCount())
	}

	calls := rt.log.snapshot()
	killAt, spawnAt := -1, -1
	for i, call := range calls {
		switch call {
		case "kill " + r1.id:
			killAt = i
		case "spawn npm start#4":
			spawnAt = i
		}
	}
	if killAt == -1 || spawnAt == -1 || killAt > spawnAt {
		t.Fatalf("expected kill of %s before the second run spawn, got %v", r1.id, calls)
	}
	if status := c.Status(); status.Runs != 2 || status.State != schema.SandboxRunning {
		t.Fatalf("unexpected status %+v", status)
	}
	closeController(t, c)
}

func TestInstallIsNotAwaited(t *testing.T) {
	rt := newFakeRuntime()
	c := NewController(rt, Config{ProjectID: "p1"}, nil, nil)
	c.Init(context.Background())

	done := make(chan struct{})
	go func() {
		_, _ = c.Run(context.Background(), schema.FileTree{})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("run blocked on the install process")
	}
	install := rt.handle.process(0)
	if install.killCount() != 0 {
		t.Fatalf("install must not be killed by its own run")
	}
	closeController(t, c)
}

func TestMountFailure(t *testing.T) {
	rt := newFakeRuntime()
	rt.handle.mountErr = errors.New("disk full")
	c := NewController(rt, Config{ProjectID: "p1"}, nil, nil)
	c.Init(context.Background())

	status, err := c.Run(context.Background(), schema.FileTree{})
	if err != nil {
		t.Fatalf("run should report failure in status, got %v", err)
	}
	if status.State != schema.SandboxFailed || !strings.Contains(status.Error, "disk full") {
		t.Fatalf("unexpected status %+v", status)
	}

	rt.handle.mountErr = nil
	status, err = c.Run(context.Background(), schema.FileTree{})
	if err != nil || status.State != schema.SandboxRunning {
		t.Fatalf("rerun from failed should succeed, got %+v %v", status, err)
	}
	closeController(t, c)
}

func TestSpawnFailure(t *testing.T) {
	rt := newFakeRuntime()
	rt.handle.spawnErr["npm start"] = errors.New("npm: not found")
	c := NewController(rt, Config{ProjectID: "p1"}, nil, nil)
	c.Init(context.Background())

	status, _ := c.Run(context.Background(), schema.FileTree{})
	if status.State != schema.SandboxFailed || !strings.Contains(status.Error, "npm: not found") {
		t.Fatalf("unexpected status %+v", status)
	}
	closeController(t, c)
}

func TestCustomCommands(t *testing.T) {
	rt := newFakeRuntime()
	c := NewController(rt, Config{
		ProjectID: "p1",
		Install:   Command{Name: "pnpm", Args: []string{"install", "--frozen-lockfile"}},
		Run:       Command{Name: "node", Args: []string{"server.js"}},
	}, nil, nil)
	c.Init(context.Background())
	if _, err := c.Run(context.Background(), schema.FileTree{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	calls := strings.Join(rt.log.snapshot(), "|")
	if !strings.Contains(calls, "spawn pnpm install --frozen-lockfile#1") || !strings.Contains(calls, "spawn node server.js#2") {
		t.Fatalf("custom commands not used: %s", calls)
	}
	closeController(t, c)
}

func TestServerReadyUpdatesPreviewEveryTime(t *testing.T) {
	rt := newFakeRuntime()
	c := NewController(rt, Config{ProjectID: "p1"}, nil, nil)
	c.Init(context.Background())
	if _, err := c.Run(context.Background(), schema.FileTree{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	rt.handle.ready(3000, "http://127.0.0.1:3000")
	if s := c.Status(); s.PreviewPort != 3000 || s.PreviewURL != "http://127.0.0.1:3000" {
		t.Fatalf("unexpected preview %+v", s)
	}
	rt.handle.ready(5173, "http://127.0.0.1:5173")
	if s := c.Status(); s.PreviewPort != 5173 || s.State != schema.SandboxRunning {
		t.Fatalf("unexpected preview %+v", s)
	}
	closeController(t, c)
}

func TestOutputIsStreamed(t *testing.T) {
	rt := newFakeRuntime()
	obs := &recordingObserver{}
	c := NewController(rt, Config{ProjectID: "p1"}, obs, nil)
	c.Init(context.Background())
	if _, err := c.Run(context.Background(), schema.FileTree{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	install, run := rt.handle.process(0), rt.handle.process(1)
	_, _ = io.WriteString(install.w, "added 12 packages\r\n")
	_ = install.w.Close()
	_, _ = io.WriteString(run.w, "listening on 3000\n")
	closeController(t, c)

	lines := strings.Join(obs.outputLines(), "|")
	if !strings.Contains(lines, "install/1:added 12 packages") || !strings.Contains(lines, "run/1:listening on 3000") {
		t.Fatalf("unexpected output %q", lines)
	}
}

func TestCloseKillsActiveRun(t *testing.T) {
	rt := newFakeRuntime()
	c := NewController(rt, Config{ProjectID: "p1"}, nil, nil)
	c.Init(context.Background())
	if _, err := c.Run(context.Background(), schema.FileTree{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	closeController(t, c)
	if rt.handle.process(1).killCount() != 1 {
		t.Fatalf("close must kill the active run")
	}
	if !rt.handle.closed {
		t.Fatalf("close must release the handle")
	}
	if s := c.Status(); s.State != schema.SandboxUninitialized {
		t.Fatalf("expected uninitialized after close, got %s", s.State)
	}
}

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewError(KindMount, "mount", errors.New("x")))
	if KindOf(err) != KindMount {
		t.Fatalf("expected mount kind")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatalf("plain errors have no kind")
	}
}
