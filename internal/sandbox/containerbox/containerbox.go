// Package containerbox runs sandbox processes inside a podman or containerd
// container with the workspace bind-mounted at /workspace.
package containerbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"pkt.systems/pairbox/internal/sandbox"
	"pkt.systems/pairbox/internal/shipohoy"
	"pkt.systems/pairbox/schema"
	"pkt.systems/pslog"
)

// GuestWorkspace is the container path of the workspace.
const GuestWorkspace = "/workspace"

const (
	spawnScript = `echo $$ > "$0"; exec "$@"`
	killScript  = `pid=$(cat "$0" 2>/dev/null) || exit 3; kill -KILL -- -"$pid" 2>/dev/null || kill -KILL "$pid" 2>/dev/null; rm -f "$0"; exit 0`
	killRetries = 20
)

// Runtime creates container sandboxes on top of a shipohoy runtime.
type Runtime struct {
	Containers    shipohoy.Runtime
	Image         string
	WorkspaceRoot string
	NamePrefix    string
	Env           map[string]string
	PreviewPorts  []int
	PreviewHost   string
	ProbeInterval time.Duration
	// KillBackoff spaces kill attempts made before the pid file exists.
	KillBackoff time.Duration
}

var (
	_ sandbox.Runtime          = (*Runtime)(nil)
	_ sandbox.IsolationChecker = (*Runtime)(nil)
)

// Name implements sandbox.Runtime.
func (r *Runtime) Name() string {
	if r.Containers == nil {
		return "container"
	}
	return r.Containers.Name()
}

// CheckIsolation reports whether the container runtime answers.
func (r *Runtime) CheckIsolation(ctx context.Context) (bool, string) {
	if r.Containers == nil {
		return false, "container runtime not configured: set sandbox.runtime and its socket address"
	}
	if strings.TrimSpace(r.Image) == "" {
		return false, "sandbox image not configured: set sandbox.image"
	}
	if err := r.Containers.Ping(ctx); err != nil {
		return false, fmt.Sprintf("%s runtime unreachable (%v): start the service or set sandbox.%s.address", r.Containers.Name(), err, r.Containers.Name())
	}
	return true, ""
}

// Create prepares a workspace directory and a long-lived container with it
// mounted.
func (r *Runtime) Create(ctx context.Context) (sandbox.Handle, error) {
	if r.Containers == nil {
		return nil, sandbox.NewError(sandbox.KindCreate, "runtime", errors.New("container runtime not configured"))
	}
	if r.WorkspaceRoot != "" {
		if err := os.MkdirAll(r.WorkspaceRoot, 0o755); err != nil {
			return nil, sandbox.NewError(sandbox.KindCreate, "workspace root", err)
		}
	}
	dir, err := os.MkdirTemp(r.WorkspaceRoot, "pairbox-*")
	if err != nil {
		return nil, sandbox.NewError(sandbox.KindCreate, "workspace", err)
	}
	prefix := r.NamePrefix
	if prefix == "" {
		prefix = "pairbox-"
	}
	name := prefix + strings.ToLower(ulid.Make().String())
	log := pslog.Ctx(ctx).With("container", name)

	if err := r.Containers.EnsureImage(ctx, r.Image); err != nil {
		_ = os.RemoveAll(dir)
		return nil, sandbox.NewError(sandbox.KindCreate, "image", err)
	}
	env := map[string]string{"HOME": GuestWorkspace}
	for k, v := range r.Env {
		env[k] = v
	}
	ch, err := r.Containers.EnsureRunning(ctx, shipohoy.ContainerSpec{
		Name:        name,
		Image:       r.Image,
		Env:         env,
		Labels:      map[string]string{"pairbox.sandbox": name},
		Command:     []string{"sleep", "infinity"},
		WorkingDir:  GuestWorkspace,
		Mounts:      []shipohoy.Mount{{Source: dir, Target: GuestWorkspace}},
		HostNetwork: true,
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, sandbox.NewError(sandbox.KindCreate, "container", err)
	}
	log.Info("container sandbox created", "workspace", dir)

	h := &handle{
		rt:        r,
		container: ch,
		workspace: dir,
		procs:     make(map[*process]struct{}),
	}
	h.ports = &sandbox.PortWatcher{
		Ports:    r.PreviewPorts,
		Host:     r.PreviewHost,
		Interval: r.ProbeInterval,
		Probe:    h.probe,
	}
	return h, nil
}

type handle struct {
	rt        *Runtime
	container shipohoy.Handle
	workspace string
	ports     *sandbox.PortWatcher

	mu     sync.Mutex
	procs  map[*process]struct{}
	closed bool
}

func (h *handle) probe(ctx context.Context, port int) bool {
	spec := shipohoy.WaitPortSpec{Port: port, Timeout: time.Millisecond, Interval: 250 * time.Millisecond}
	return h.rt.Containers.WaitForPort(ctx, h.container, spec) == nil
}

func (h *handle) Mount(ctx context.Context, tree schema.FileTree) error {
	if err := sandbox.WriteTree(h.workspace, tree); err != nil {
		return err
	}
	pslog.Ctx(ctx).Debug("container tree mounted", "files", len(tree))
	return nil
}

func (h *handle) Spawn(ctx context.Context, command string, args []string) (sandbox.Process, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New("sandbox closed")
	}
	pidFile := "/tmp/pairbox-" + strings.ToLower(ulid.Make().String()) + ".pid"
	cmd := append([]string{"sh", "-c", spawnScript, pidFile, command}, args...)
	pr, pw := io.Pipe()
	p := &process{h: h, pidFile: pidFile, out: pr, done: make(chan struct{})}
	h.procs[p] = struct{}{}

	log := pslog.Ctx(ctx).With("container", h.container.Name(), "cmd", command)
	// The exec outlives ctx; it ends through Kill or Close.
	execCtx := context.WithoutCancel(ctx)
	go func() {
		res, err := h.rt.Containers.Exec(execCtx, h.container, shipohoy.ExecSpec{
			Command:    cmd,
			WorkingDir: GuestWorkspace,
			Stdout:     pw,
			Stderr:     pw,
		})
		_ = pw.CloseWithError(err)
		close(p.done)
		h.mu.Lock()
		delete(h.procs, p)
		h.mu.Unlock()
		log.Debug("container process exited", "exit_code", res.ExitCode, "err", err)
	}()
	log.Debug("container process started", "pid_file", pidFile)
	return p, nil
}

func (h *handle) OnServerReady(fn func(port int, url string)) {
	h.ports.OnReady(fn)
	h.ports.Start(context.Background())
}

func (h *handle) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	procs := make([]*process, 0, len(h.procs))
	for p := range h.procs {
		procs = append(procs, p)
	}
	h.mu.Unlock()

	h.ports.Stop()
	var errs []error
	for _, p := range procs {
		if err := p.Kill(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := h.rt.Containers.Remove(ctx, h.container); err != nil {
		errs = append(errs, err)
	}
	if err := os.RemoveAll(h.workspace); err != nil {
		errs = append(errs, fmt.Errorf("remove workspace: %w", err))
	}
	return errors.Join(errs...)
}

type process struct {
	h       *handle
	pidFile string
	out     *io.PipeReader
	done    chan struct{}
}

func (p *process) Output() io.Reader { return p.out }

// Kill signals the process group recorded in the pid file. The pid file
// may not exist yet right after Spawn, so missing pid files are retried.
func (p *process) Kill() error {
	backoff := p.h.rt.KillBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	for attempt := 0; attempt < killRetries; attempt++ {
		select {
		case <-p.done:
			return nil
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		res, err := p.h.rt.Containers.Exec(ctx, p.h.container, shipohoy.ExecSpec{
			Command: []string{"sh", "-c", killScript, p.pidFile},
		})
		cancel()
		if err != nil {
			return err
		}
		if res.ExitCode == 0 {
			return nil
		}
		select {
		case <-p.done:
			return nil
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("pid file %s never appeared", p.pidFile)
}
