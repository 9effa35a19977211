package containerd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/containerd/containerd/v2/pkg/namespaces"
	"github.com/containerd/containerd/v2/pkg/oci"
	"github.com/containerd/errdefs"
	"github.com/oklog/ulid/v2"
	"github.com/opencontainers/runtime-spec/specs-go"

	"pkt.systems/pairbox/internal/shipohoy"
	"pkt.systems/pslog"
)

// DefaultNamespace is the containerd namespace used when none is configured.
const DefaultNamespace = "pairbox"

// Config configures the containerd runtime.
type Config struct {
	Address     string
	Namespace   string
	PullTimeout time.Duration
}

// Runtime implements shipohoy.Runtime on a containerd daemon.
type Runtime struct {
	client      *containerd.Client
	namespace   string
	pullTimeout time.Duration
}

var _ shipohoy.Runtime = (*Runtime)(nil)

// New connects to the first reachable containerd socket.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	log := pslog.Ctx(ctx).With("runtime", "containerd")
	namespace := strings.TrimSpace(cfg.Namespace)
	if namespace == "" {
		namespace = DefaultNamespace
	}
	timeout := cfg.PullTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	var lastErr error
	for _, addr := range candidateAddresses(cfg.Address) {
		client, err := containerd.New(addr, containerd.WithDefaultNamespace(namespace))
		if err != nil {
			log.Debug("containerd connect failed", "address", addr, "err", err)
			lastErr = err
			continue
		}
		log.Info("containerd runtime ready", "address", addr, "namespace", namespace)
		return &Runtime{client: client, namespace: namespace, pullTimeout: timeout}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("containerd address not configured")
	}
	log.Warn("containerd runtime unavailable", "err", lastErr)
	return nil, lastErr
}

// Name implements shipohoy.Runtime.
func (r *Runtime) Name() string { return "containerd" }

// Ping asks the daemon for its version.
func (r *Runtime) Ping(ctx context.Context) error {
	_, err := r.client.Version(r.ns(ctx))
	return err
}

// Close releases the client connection.
func (r *Runtime) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

// EnsureImage pulls and unpacks image unless it is already present.
func (r *Runtime) EnsureImage(ctx context.Context, image string) error {
	_, err := r.image(ctx, image)
	return err
}

func (r *Runtime) image(ctx context.Context, ref string) (containerd.Image, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errors.New("image is required")
	}
	log := r.logger(ctx).With("image", ref)
	ctx = r.ns(ctx)
	img, err := r.client.GetImage(ctx, ref)
	if err == nil {
		return img, nil
	}
	if !errdefs.IsNotFound(err) {
		log.Warn("containerd image lookup failed", "err", err)
		return nil, err
	}
	pullCtx, cancel := context.WithTimeout(ctx, r.pullTimeout)
	defer cancel()
	log.Info("containerd image pull start")
	img, err = r.client.Pull(pullCtx, ref, containerd.WithPullUnpack)
	if err != nil {
		log.Warn("containerd image pull failed", "err", err)
		return nil, err
	}
	log.Info("containerd image pull ok")
	return img, nil
}

// EnsureRunning loads or creates the container and starts its task.
func (r *Runtime) EnsureRunning(ctx context.Context, spec shipohoy.ContainerSpec) (shipohoy.Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	log := r.logger(ctx).With("container", spec.Name, "image", spec.Image)
	ctx = r.ns(ctx)
	container, err := r.client.LoadContainer(ctx, spec.Name)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			log.Warn("containerd load container failed", "err", err)
			return nil, err
		}
		img, err := r.image(ctx, spec.Image)
		if err != nil {
			return nil, err
		}
		opts := append([]oci.SpecOpts{oci.WithImageConfig(img)}, specOptions(spec)...)
		container, err = r.client.NewContainer(ctx, spec.Name,
			containerd.WithImage(img),
			containerd.WithContainerLabels(shipohoy.Labels(spec.Labels)),
			containerd.WithNewSnapshot(spec.Name+"-snapshot", img),
			containerd.WithNewSpec(opts...),
		)
		if err != nil {
			log.Warn("containerd create container failed", "err", err)
			return nil, err
		}
		log.Info("containerd container created")
	}
	task, err := container.Task(ctx, nil)
	if errdefs.IsNotFound(err) {
		task, err = container.NewTask(ctx, cio.NullIO)
		if err == nil {
			err = task.Start(ctx)
		}
	}
	if err != nil {
		log.Warn("containerd task start failed", "err", err)
		return nil, err
	}
	log.Info("containerd container ready", "pid", task.Pid())
	return shipohoy.ContainerHandle{ContainerName: spec.Name, ContainerID: container.ID()}, nil
}

// Remove kills the task and deletes the container with its snapshot.
func (r *Runtime) Remove(ctx context.Context, handle shipohoy.Handle) error {
	if handle == nil {
		return nil
	}
	log := r.logger(ctx).With("container", handle.Name())
	ctx = r.ns(ctx)
	container, err := r.client.LoadContainer(ctx, handle.Name())
	if errdefs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		log.Warn("containerd remove failed", "err", err)
		return err
	}
	if task, err := container.Task(ctx, nil); err == nil {
		_, _ = task.Delete(ctx, containerd.WithProcessKill)
	}
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		log.Warn("containerd remove failed", "err", err)
		return err
	}
	log.Info("containerd remove ok")
	return nil
}

// Exec runs a process in the container task and streams its output until
// it exits or ctx ends.
func (r *Runtime) Exec(ctx context.Context, handle shipohoy.Handle, spec shipohoy.ExecSpec) (shipohoy.ExecResult, error) {
	if handle == nil {
		return shipohoy.ExecResult{}, errors.New("container handle is required")
	}
	if len(spec.Command) == 0 {
		return shipohoy.ExecResult{}, errors.New("exec command is required")
	}
	log := r.logger(ctx).With("container", handle.Name(), "cmd", spec.Command[0])
	ctx = r.ns(ctx)
	container, err := r.client.LoadContainer(ctx, handle.Name())
	if err != nil {
		return shipohoy.ExecResult{}, err
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return shipohoy.ExecResult{}, err
	}
	base, err := container.Spec(ctx)
	if err != nil {
		return shipohoy.ExecResult{}, err
	}
	proc := processSpec(base.Process, spec)

	stdout, stderr := spec.Stdout, spec.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	execID := "exec-" + strings.ToLower(ulid.Make().String())
	started := time.Now()
	process, err := task.Exec(ctx, execID, proc, cio.NewCreator(cio.WithStreams(nil, stdout, stderr)))
	if err != nil {
		log.Warn("containerd exec failed", "err", err)
		return shipohoy.ExecResult{}, err
	}
	defer func() { _, _ = process.Delete(context.WithoutCancel(ctx)) }()
	waitCh, err := process.Wait(ctx)
	if err != nil {
		return shipohoy.ExecResult{}, err
	}
	if err := process.Start(ctx); err != nil {
		log.Warn("containerd exec failed", "err", err)
		return shipohoy.ExecResult{}, err
	}
	select {
	case status := <-waitCh:
		code, _, err := status.Result()
		if err != nil {
			return shipohoy.ExecResult{}, err
		}
		finished := time.Now()
		log.Debug("containerd exec done", "exit_code", code, "duration_ms", finished.Sub(started).Milliseconds())
		return shipohoy.ExecResult{ExitCode: int(code), Started: started, Finished: finished}, nil
	case <-ctx.Done():
		_ = process.Kill(context.WithoutCancel(ctx), syscall.SIGKILL)
		return shipohoy.ExecResult{}, ctx.Err()
	}
}

// WaitForPort probes the port from the host; sandbox containers use the
// host network namespace.
func (r *Runtime) WaitForPort(ctx context.Context, _ shipohoy.Handle, spec shipohoy.WaitPortSpec) error {
	return shipohoy.DialPort(ctx, r.logger(ctx), spec)
}

func (r *Runtime) ns(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

func (r *Runtime) logger(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx).With("runtime", "containerd")
}

func specOptions(spec shipohoy.ContainerSpec) []oci.SpecOpts {
	opts := []oci.SpecOpts{oci.WithEnv(shipohoy.EnvList(spec.Env))}
	if spec.WorkingDir != "" {
		opts = append(opts, oci.WithProcessCwd(spec.WorkingDir))
	}
	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}
	if mounts := bindMounts(spec.Mounts); len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}
	if spec.HostNetwork {
		opts = append(opts, oci.WithHostNamespace(specs.NetworkNamespace), oci.WithHostResolvconf)
	}
	return opts
}

func bindMounts(mounts []shipohoy.Mount) []specs.Mount {
	out := make([]specs.Mount, 0, len(mounts))
	for _, m := range mounts {
		if m.Source == "" || m.Target == "" {
			continue
		}
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		out = append(out, specs.Mount{
			Type:        "bind",
			Source:      m.Source,
			Destination: m.Target,
			Options:     []string{"rbind", mode},
		})
	}
	return out
}

// processSpec builds the exec process from the container's own process
// spec so user and base env carry over.
func processSpec(base *specs.Process, spec shipohoy.ExecSpec) *specs.Process {
	if base == nil {
		base = &specs.Process{Cwd: "/"}
	}
	proc := &specs.Process{
		Args: spec.Command,
		Cwd:  base.Cwd,
		Env:  mergeEnv(base.Env, spec.Env),
		User: base.User,
	}
	if spec.WorkingDir != "" {
		proc.Cwd = spec.WorkingDir
	}
	return proc
}

func mergeEnv(base []string, add map[string]string) []string {
	if len(add) == 0 {
		return base
	}
	merged := make(map[string]string, len(base)+len(add))
	for _, entry := range base {
		if k, v, ok := strings.Cut(entry, "="); ok {
			merged[k] = v
		}
	}
	for k, v := range add {
		merged[k] = v
	}
	return shipohoy.EnvList(merged)
}

func candidateAddresses(primary string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(addr string) {
		addr = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(addr), "unix://"), "unix:")
		if addr == "" || seen[addr] {
			return
		}
		seen[addr] = true
		out = append(out, addr)
	}
	add(primary)
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		add(filepath.Join(dir, "containerd", "containerd.sock"))
	}
	add(fmt.Sprintf("/run/user/%d/containerd/containerd.sock", os.Getuid()))
	add("/run/containerd/containerd.sock")
	return out
}
