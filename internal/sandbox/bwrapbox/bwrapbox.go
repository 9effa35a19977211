// Package bwrapbox runs sandbox processes under bubblewrap on a host
// workspace directory.
package bwrapbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"pkt.systems/pairbox/internal/sandbox"
	"pkt.systems/pairbox/schema"
	"pkt.systems/pslog"
)

// GuestWorkspace is where the workspace appears inside the sandbox.
const GuestWorkspace = "/workspace"

// DefaultReadOnlyPaths are host paths exposed read-only to the sandbox.
var DefaultReadOnlyPaths = []string{"/usr", "/bin", "/sbin", "/lib", "/lib64", "/etc"}

// Runtime creates bubblewrap sandboxes.
type Runtime struct {
	// BwrapPath overrides the bwrap binary lookup.
	BwrapPath string
	// WorkspaceRoot holds per-sandbox workspace directories. Empty uses the
	// system temp dir.
	WorkspaceRoot string
	// ReadOnlyPaths defaults to DefaultReadOnlyPaths.
	ReadOnlyPaths []string
	Env           map[string]string
	PreviewPorts  []int
	PreviewHost   string
	ProbeInterval time.Duration
	// UsernsSysctl is the sysctl file consulted before probing user
	// namespaces.
	UsernsSysctl string
}

var (
	_ sandbox.Runtime          = (*Runtime)(nil)
	_ sandbox.IsolationChecker = (*Runtime)(nil)
)

// Name implements sandbox.Runtime.
func (r *Runtime) Name() string { return "bwrap" }

func (r *Runtime) bwrap() (string, error) {
	if r.BwrapPath != "" {
		if _, err := os.Stat(r.BwrapPath); err != nil {
			return "", err
		}
		return r.BwrapPath, nil
	}
	for _, p := range []string{"/usr/bin/bwrap", "/usr/local/bin/bwrap", "/bin/bwrap"} {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return exec.LookPath("bwrap")
}

// CheckIsolation reports whether bubblewrap is installed and unprivileged
// user namespaces work.
func (r *Runtime) CheckIsolation(ctx context.Context) (bool, string) {
	path, err := r.bwrap()
	if err != nil {
		return false, "bubblewrap not installed: install bwrap or set sandbox.runtime to podman or containerd"
	}
	sysctl := r.UsernsSysctl
	if sysctl == "" {
		sysctl = "/proc/sys/kernel/unprivileged_userns_clone"
	}
	if data, err := os.ReadFile(sysctl); err == nil && strings.TrimSpace(string(data)) == "0" {
		return false, "unprivileged user namespaces not enabled (set kernel.unprivileged_userns_clone=1)"
	}
	probe := exec.CommandContext(ctx, path, "--unshare-user", "--ro-bind", "/", "/", "--", "true")
	if out, err := probe.CombinedOutput(); err != nil {
		pslog.Ctx(ctx).Debug("bwrap userns probe failed", "err", err, "output", strings.TrimSpace(string(out)))
		return false, "unprivileged user namespaces not usable by bwrap (set kernel.unprivileged_userns_clone=1 or user.max_user_namespaces>0)"
	}
	return true, ""
}

// Create makes a fresh workspace directory.
func (r *Runtime) Create(ctx context.Context) (sandbox.Handle, error) {
	path, err := r.bwrap()
	if err != nil {
		return nil, sandbox.NewError(sandbox.KindCreate, "bwrap lookup", err)
	}
	root := r.WorkspaceRoot
	if root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, sandbox.NewError(sandbox.KindCreate, "workspace root", err)
		}
	}
	dir, err := os.MkdirTemp(root, "pairbox-*")
	if err != nil {
		return nil, sandbox.NewError(sandbox.KindCreate, "workspace", err)
	}
	pslog.Ctx(ctx).Info("bwrap sandbox created", "workspace", dir)
	return &handle{
		rt:        r,
		bwrap:     path,
		workspace: dir,
		procs:     make(map[*process]struct{}),
		ports: &sandbox.PortWatcher{
			Ports:    r.PreviewPorts,
			Host:     r.PreviewHost,
			Interval: r.ProbeInterval,
		},
	}, nil
}

// Args returns the bwrap argument vector running command in workspace.
func (r *Runtime) Args(workspace, command string, args []string) []string {
	out := []string{
		"--unshare-user", "--unshare-pid", "--unshare-ipc", "--unshare-uts",
		"--die-with-parent", "--new-session",
	}
	ro := r.ReadOnlyPaths
	if ro == nil {
		ro = DefaultReadOnlyPaths
	}
	for _, p := range ro {
		out = append(out, "--ro-bind-try", p, p)
	}
	out = append(out,
		"--bind", workspace, GuestWorkspace,
		"--chdir", GuestWorkspace,
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
		"--clearenv",
	)
	env := map[string]string{
		"HOME": GuestWorkspace,
		"PATH": "/usr/local/bin:/usr/bin:/bin",
	}
	for k, v := range r.Env {
		env[k] = v
	}
	for _, kv := range sortedEnv(env) {
		k, v, _ := strings.Cut(kv, "=")
		out = append(out, "--setenv", k, v)
	}
	out = append(out, "--", command)
	return append(out, args...)
}

type handle struct {
	rt        *Runtime
	bwrap     string
	workspace string
	ports     *sandbox.PortWatcher

	mu     sync.Mutex
	procs  map[*process]struct{}
	closed bool
}

// Workspace returns the host path of the sandbox workspace.
func (h *handle) Workspace() string { return h.workspace }

func (h *handle) Mount(ctx context.Context, tree schema.FileTree) error {
	if err := sandbox.WriteTree(h.workspace, tree); err != nil {
		return err
	}
	pslog.Ctx(ctx).Debug("bwrap tree mounted", "files", len(tree))
	return nil
}

func (h *handle) Spawn(ctx context.Context, command string, args []string) (sandbox.Process, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New("sandbox closed")
	}
	pr, pw := io.Pipe()
	cmd := exec.Command(h.bwrap, h.rt.Args(h.workspace, command, args)...)
	cmd.Dir = h.workspace
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return nil, err
	}
	p := &process{cmd: cmd, out: pr, done: make(chan struct{})}
	h.procs[p] = struct{}{}
	go func() {
		err := cmd.Wait()
		_ = pw.Close()
		close(p.done)
		h.mu.Lock()
		delete(h.procs, p)
		h.mu.Unlock()
		pslog.Ctx(ctx).Debug("bwrap process exited", "cmd", command, "pid", cmd.Process.Pid, "err", err)
	}()
	pslog.Ctx(ctx).Debug("bwrap process started", "cmd", command, "pid", cmd.Process.Pid)
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
		select {
		case <-p.done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	if err := os.RemoveAll(h.workspace); err != nil {
		errs = append(errs, fmt.Errorf("remove workspace: %w", err))
	}
	return errors.Join(errs...)
}

type process struct {
	cmd  *exec.Cmd
	out  *io.PipeReader
	done chan struct{}
}

func (p *process) Output() io.Reader { return p.out }

// Kill signals the whole process group. A process that already exited is
// not an error.
func (p *process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	err := unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

func sortedEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
